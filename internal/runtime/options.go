package runtime

import (
	"log/slog"

	"github.com/brinklane/revtun/internal/logger"
	"github.com/brinklane/revtun/internal/version"
)

type Options struct {
	JSONLogs bool
	LogLevel string

	wrapped *logger.Logger
}

func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	l, err := logger.New(logger.Config{
		Format:      format,
		Level:       o.LogLevel,
		ServiceName: "revtun-agent",
		Version:     version.Version,
	})
	if err != nil {
		return err
	}
	o.wrapped = l
	return nil
}

func (o *Options) Logger() *slog.Logger {
	if o.wrapped == nil {
		return nil
	}
	return o.wrapped.Logger
}

// Wrapped exposes the trace/span-aware logger for callers that want
// WithContext, rather than just the plain *slog.Logger.
func (o *Options) Wrapped() *logger.Logger {
	return o.wrapped
}
