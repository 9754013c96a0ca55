// Package logging provides the structured logger construction shared by
// every component of the runtime. It wraps hclog the same way the
// original CLI's configs.LogConfig did, minus the flag binding (this
// module has no CLI surface of its own).
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Config controls how a root logger is constructed.
type Config struct {
	Level     string
	AsJSON    bool
	Color     bool
	ForceColor bool
}

// DefaultConfig returns the conventional defaults: info level, no color,
// text output.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// New builds a named hclog.Logger from cfg.
func New(name string, cfg Config) hclog.Logger {
	color := hclog.ColorOff
	if cfg.Color {
		color = hclog.AutoColor
	}
	if cfg.ForceColor {
		color = hclog.ForceColor
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(cfg.Level),
		Color:      color,
		JSONFormat: cfg.AsJSON,
		Output:     os.Stderr,
	})
}

// Default returns a reasonable root logger for library consumers who do
// not configure their own (e.g. in tests).
func Default(name string) hclog.Logger {
	return New(name, DefaultConfig())
}
