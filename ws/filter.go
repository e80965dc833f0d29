package ws

import (
	"github.com/antonmedv/expr"
	"github.com/ember-chat/ember-chat/filter"
	"github.com/ember-chat/ember-chat/globals"
)

// runFilter evaluates the envelope's target filter against this client. An
// envelope without a compiled filter passes. A filter that errors at runtime
// or yields a non-boolean excludes the client.
func (c *Client) runFilter(env envelope) bool {
	if env.prog == nil {
		return true
	}
	target := filter.Target{
		ConnectionID: c.connectionID,
		IsModerator:  c.isModerator,
	}
	if p, ok := c.hub.registry.Value(c.connectionID); ok {
		target.Participant = filter.Participant{
			IdentityID:   p.IdentityID,
			DisplayName:  p.DisplayName,
			AvatarRef:    p.AvatarRef,
			MessageCount: p.MessageCount,
			Banned:       p.Banned,
		}
	}
	filterEnv := filter.Env{
		Target:  target,
		Event:   env.event,
		Created: env.created,
	}
	res, err := expr.Run(env.prog, filterEnv)
	if err != nil {
		globals.AppLogger.Error("could not run target filter", "error", err)
		return false
	}
	if bRes, ok := res.(bool); ok && bRes {
		return true
	}
	return false
}
