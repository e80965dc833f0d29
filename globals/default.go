package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "ember-chat",
	Level: hclog.LevelFromString("DEBUG"),
})
