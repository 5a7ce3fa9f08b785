package alert

import (
	"time"

	"github.com/canopyhost/alertd/toml"
	"github.com/pkg/errors"
)

type Config struct {
	// Interval at which the handler registry is reconciled against the
	// configuration source. A zero interval disables the periodic
	// reconcile, leaving only explicit Reconcile calls.
	ReconcileInterval toml.Duration `toml:"reconcile-interval"`
}

func NewConfig() Config {
	return Config{
		ReconcileInterval: toml.Duration(time.Minute),
	}
}

func (c Config) Validate() error {
	if c.ReconcileInterval < 0 {
		return errors.New("reconcile-interval must not be negative")
	}
	return nil
}
