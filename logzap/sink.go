// Package logzap adapts a zap SugaredLogger into a log.Sink, for
// callers already standardized on zap's Infow/Errorw/Debugw style.
package logzap

import (
	"go.uber.org/zap"

	corelog "github.com/nodeq/qdisc/log"
)

// Sink wraps a *zap.SugaredLogger.
type Sink struct {
	log *zap.SugaredLogger
}

// New wraps logger, or zap.S() if logger is nil.
func New(logger *zap.SugaredLogger) *Sink {
	if logger == nil {
		logger = zap.S()
	}
	return &Sink{log: logger}
}

func (s *Sink) Record(kind corelog.EventKind, message string, attrs ...any) {
	switch kind {
	case corelog.Diagnostic:
		s.log.Debugw(message, attrs...)
	case corelog.Warning:
		s.log.Warnw(message, attrs...)
	case corelog.Error, corelog.Exception:
		s.log.Errorw(message, attrs...)
	default:
		s.log.Infow(message, attrs...)
	}
}
