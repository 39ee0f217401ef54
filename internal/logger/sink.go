package logger

import (
	"log/slog"

	"github.com/brinklane/revtun/internal/sink"
)

// AsSink adapts a *slog.Logger to the narrow sink.Sink interface the
// tunnel core depends on, so the core never imports log/slog directly.
func AsSink(l *slog.Logger) sink.Sink {
	return slogSink{logger: l}
}

type slogSink struct {
	logger *slog.Logger
}

func (s slogSink) Log(level sink.Level, msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	switch level {
	case sink.Debug:
		s.logger.Debug(msg, attrs...)
	case sink.Info:
		s.logger.Info(msg, attrs...)
	case sink.Warn:
		s.logger.Warn(msg, attrs...)
	case sink.Error:
		s.logger.Error(msg, attrs...)
	default:
		s.logger.Info(msg, attrs...)
	}
}
