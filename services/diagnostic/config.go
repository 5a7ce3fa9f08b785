package diagnostic

import (
	"strings"

	"github.com/pkg/errors"
)

type Config struct {
	// File is the destination of all diagnostic output. The special
	// values STDERR and STDOUT write to the corresponding stream.
	File  string `toml:"file"`
	Level string `toml:"level"`
}

func NewConfig() Config {
	return Config{
		File:  "STDERR",
		Level: "DEBUG",
	}
}

func (c Config) Validate() error {
	if c.File == "" {
		return errors.New("must specify a log file")
	}
	switch strings.ToUpper(c.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return errors.Errorf("unknown log level %q", c.Level)
	}
	return nil
}
