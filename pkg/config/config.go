package config

import (
	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config describes all configuration options
type Config struct {
	Production  bool `default:"false" usage:"Serve the static site from static.root"`
	Development bool `default:"false" usage:"Log every request"`
	Log         struct {
		Level      string `default:"info"`
		File       string `usage:"Write logs to this file instead of stderr"`
		JSON       bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
		MaxSize    int    `default:"10" usage:"Rotate the log file after it reached this size (in MiB)"`
		MaxBackups int    `default:"3" usage:"Number of rotated log files to keep"`
	}
	HTTP struct {
		Address string `default:"127.0.0.1:3000" usage:"Adress to listen on"`
	}
	Static struct {
		Root  string `default:"app" usage:"Directory served in production mode"`
		Index string `default:"index.html" usage:"File served for directory requests"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

func newLoader(cfg *Config, acfg aconfig.Config) *aconfig.Loader {
	acfg.EnvPrefix = "WEBPIPE"
	acfg.FlagPrefix = "cfg"
	acfg.FileDecoders = map[string]aconfig.FileDecoder{
		".toml": aconfigtoml.New(),
	}
	return aconfig.LoaderFor(cfg, acfg)
}

// Loader initializes an empty config object and returns a new Loader for this object
func Loader() (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, newLoader(&cfg, aconfig.Config{
		Files: []string{"config.toml"},
	})
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.HTTP.Address == "" {
		return eris.New(`http.address can't be empty`)
	}

	if cfg.Production && cfg.Static.Root == "" {
		return eris.New(`static.root is required in production mode`)
	}

	if cfg.Log.MaxSize < 1 {
		return eris.Errorf(`Invalid value for log.maxsize: %d (must be at least 1)`, cfg.Log.MaxSize)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
