package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON structured logger; services receive it via options so
// tests can swap in a discard handler.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
