package smtp

import (
	"testing"
	"time"

	"github.com/canopyhost/alertd/toml"
)

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name      string
		change    func(c *Config)
		expectErr bool
	}{
		{
			name:   "defaults",
			change: func(c *Config) {},
		},
		{
			name:      "empty host",
			change:    func(c *Config) { c.Host = "" },
			expectErr: true,
		},
		{
			name:      "zero port",
			change:    func(c *Config) { c.Port = 0 },
			expectErr: true,
		},
		{
			name:      "negative idle timeout",
			change:    func(c *Config) { c.IdleTimeout = toml.Duration(-time.Second) },
			expectErr: true,
		},
		{
			name:      "negative queue size",
			change:    func(c *Config) { c.QueueSize = -1 },
			expectErr: true,
		},
		{
			name:      "bad from address",
			change:    func(c *Config) { c.From = "not-an-address" },
			expectErr: true,
		},
		{
			name:      "bad to address",
			change:    func(c *Config) { c.To = []string{"also-not-an-address"} },
			expectErr: true,
		},
		{
			name: "full valid config",
			change: func(c *Config) {
				c.From = "alertd@example.com"
				c.To = []string{"oncall@example.com"}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewConfig()
			tc.change(&c)
			err := c.Validate()
			if tc.expectErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
