package httpd

import (
	"net"
	"strconv"
	"time"

	"github.com/canopyhost/alertd/toml"
	"github.com/pkg/errors"
)

const DefaultShutdownTimeout = toml.Duration(time.Second * 10)

type Config struct {
	BindAddress      string        `toml:"bind-address"`
	LogEnabled       bool          `toml:"log-enabled"`
	HttpsEnabled     bool          `toml:"https-enabled"`
	HttpsCertificate string        `toml:"https-certificate"`
	HTTPSPrivateKey  string        `toml:"https-private-key"`
	ShutdownTimeout  toml.Duration `toml:"shutdown-timeout"`
}

func NewConfig() Config {
	return Config{
		BindAddress:      ":9180",
		LogEnabled:       true,
		HttpsCertificate: "/etc/ssl/alertd.pem",
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}

func (c Config) Validate() error {
	if c.BindAddress == "" {
		return errors.New("must specify a bind address")
	}
	if c.HttpsEnabled && c.HttpsCertificate == "" {
		return errors.New("must specify a certificate when HTTPS is enabled")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must not be negative")
	}
	return nil
}

// Port returns the port the server will bind to.
func (c Config) Port() (int, error) {
	if err := c.Validate(); err != nil {
		return -1, err
	}
	_, portStr, err := net.SplitHostPort(c.BindAddress)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid bind address %s", c.BindAddress)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid port in bind address %s", c.BindAddress)
	}
	return port, nil
}
