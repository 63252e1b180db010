// Package logging builds the leveled loggers shared by runbox components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// New returns a text logger on stderr tagged with component.
func New(rawLevel, component string) (*log.Logger, error) {
	return NewWithWriter(os.Stderr, rawLevel, component)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       log.TextFormatter,
		ReportTimestamp: true,
	})
	return logger.With("component", component), nil
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
