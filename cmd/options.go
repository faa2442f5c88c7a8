package cmd

import (
	"github.com/conduitmcp/conduit/internal/log"
)

// Option configures a Command, mirroring the teacher's functional-option
// pattern for its own root command.
type Option func(*Command)

// WithLogger overrides the default logger, used by tests to capture
// output instead of writing to the process's real stdout/stderr.
func WithLogger(l log.Logger) Option {
	return func(c *Command) { c.logger = l }
}
