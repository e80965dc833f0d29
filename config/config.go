package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ember-chat/ember-chat/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAdminUser       = "admin"
	defaultBacklogSize     = 50
	defaultRateLimitMax    = 10
	defaultRateLimitWindow = 60
	defaultRateLimitCache  = 1024
	defaultMessageTTLHours = 24
	defaultTokenTTLHours   = 24
	defaultSweepSchedule   = "@hourly"
	defaultUploadDir       = "uploads"
)

// Config is the global configuration object which is filled via the
// configuration file.
type Config struct {
	BacklogConfig     BacklogConfig     `mapstructure:"backlog"`
	RateLimitConfig   RateLimitConfig   `mapstructure:"rate_limit"`
	SweepConfig       SweepConfig       `mapstructure:"sweep"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	LogLevel          string            `mapstructure:"log_level"`
	AdminUser         string            `mapstructure:"admin_user"`
	AdminPassword     string            `mapstructure:"admin_password"`
	JWTSecret         string            `mapstructure:"jwt_secret"`
	TokenTTLHours     int               `mapstructure:"token_ttl_hours"`
	MessageTTLHours   int               `mapstructure:"message_ttl_hours"`
	UploadDir         string            `mapstructure:"upload_dir"`
}

// BacklogConfig configures the window of recent messages sent to newly
// connected clients.
type BacklogConfig struct {
	Size int `mapstructure:"size"`
}

// RateLimitConfig configures the per-identity message submission quota.
// CacheSize bounds the number of identities tracked at once; least recently
// active identities are evicted.
type RateLimitConfig struct {
	MaxMessages   int `mapstructure:"max_messages"`
	WindowSeconds int `mapstructure:"window_seconds"`
	CacheSize     int `mapstructure:"cache_size"`
}

// SweepConfig configures the periodic expired-message purge. The schedule is
// a cron spec (robfig/cron v3 syntax, "@hourly" by default).
type SweepConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// PersistenceConfig configures the persistence backend. Type is one of
// "buntdb", "sqlite" or "postgres"; DSN is the file name resp. connection
// string. An empty type falls back to an in-memory BuntDB store.
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// MessageTTL returns the configured message lifetime.
func (c *Config) MessageTTL() time.Duration {
	hours := c.MessageTTLHours
	if hours <= 0 {
		hours = defaultMessageTTLHours
	}
	return time.Duration(hours) * time.Hour
}

// TokenTTL returns the configured moderator token lifetime.
func (c *Config) TokenTTL() time.Duration {
	hours := c.TokenTTLHours
	if hours <= 0 {
		hours = defaultTokenTTLHours
	}
	return time.Duration(hours) * time.Hour
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("admin-user", "a", "", "username of the bootstrap admin")
	flagSet.String("jwt-secret", "", "secret for signing moderator tokens")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("admin_user", defaultAdminUser)
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("token_ttl_hours", defaultTokenTTLHours)
	viper.SetDefault("message_ttl_hours", defaultMessageTTLHours)
	viper.SetDefault("upload_dir", defaultUploadDir)
	viper.SetDefault("backlog.size", defaultBacklogSize)
	viper.SetDefault("rate_limit.max_messages", defaultRateLimitMax)
	viper.SetDefault("rate_limit.window_seconds", defaultRateLimitWindow)
	viper.SetDefault("rate_limit.cache_size", defaultRateLimitCache)
	viper.SetDefault("sweep.schedule", defaultSweepSchedule)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("EMBERCHAT")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	return &cfg, nil
}
