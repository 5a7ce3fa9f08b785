package config

import "github.com/pkg/errors"

type Config struct {
	Enabled bool `toml:"enabled"`
	// Path to the TOML file holding the live alert handler configuration.
	// This is distinct from the daemon configuration file.
	File string `toml:"file"`
	// Watch reloads the handlers file on filesystem change events.
	Watch bool `toml:"watch"`
}

func NewConfig() Config {
	return Config{
		Enabled: true,
		File:    "alert-handlers.toml",
		Watch:   true,
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.File == "" {
		return errors.New("must specify a handlers file")
	}
	return nil
}
