// Package logslog adapts a *slog.Logger into a log.Sink, for callers
// already standardized on the standard library's structured logger.
package logslog

import (
	"log/slog"

	corelog "github.com/nodeq/qdisc/log"
)

// Sink wraps a *slog.Logger.
type Sink struct {
	log *slog.Logger
}

// New wraps logger, or slog.Default() if logger is nil.
func New(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{log: logger}
}

func (s *Sink) Record(kind corelog.EventKind, message string, attrs ...any) {
	switch kind {
	case corelog.Diagnostic:
		s.log.Debug(message, attrs...)
	case corelog.Warning:
		s.log.Warn(message, attrs...)
	case corelog.Error, corelog.Exception:
		s.log.Error(message, attrs...)
	default:
		s.log.Info(message, attrs...)
	}
}
