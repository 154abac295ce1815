// Package environment holds the runtime state shared by every element of
// one execution context: settings, variables and collected output.
package environment

import (
	"log/slog"

	"github.com/oriys/vela/internal/logging"
)

// Settings are engine toggles, fixed for the lifetime of a context.
type Settings struct {
	// Step disables auto-ack of run messages; the external driver advances
	// the state machine one transition at a time through Activity.Next.
	Step bool `json:"step,omitempty"`
}

// Environment is shared by all elements created from one context.
type Environment struct {
	Settings  Settings       `json:"settings"`
	Variables map[string]any `json:"variables,omitempty"`
	Output    map[string]any `json:"output,omitempty"`

	logger *slog.Logger
}

// New creates an environment with the given settings.
func New(settings Settings) *Environment {
	return &Environment{
		Settings:  settings,
		Variables: make(map[string]any),
		Output:    make(map[string]any),
		logger:    logging.Op(),
	}
}

// Logger returns the environment logger.
func (e *Environment) Logger() *slog.Logger {
	if e.logger == nil {
		return logging.Op()
	}
	return e.logger
}

// Clone returns a copy sharing the logger but owning fresh variable and
// output maps seeded from the original.
func (e *Environment) Clone() *Environment {
	out := &Environment{Settings: e.Settings, logger: e.logger}
	out.Variables = make(map[string]any, len(e.Variables))
	for k, v := range e.Variables {
		out.Variables[k] = v
	}
	out.Output = make(map[string]any, len(e.Output))
	for k, v := range e.Output {
		out.Output[k] = v
	}
	return out
}
