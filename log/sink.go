// Package log defines the narrow logging interface consumed by the
// scheduling core. The core never constructs a sink itself: it is
// handed one through a constructor, or falls back to a no-op.
package log

// EventKind classifies a recorded event, using the scheduler's own
// vocabulary rather than a generic severity scale.
type EventKind uint8

const (
	Diagnostic EventKind = iota
	Warning
	Error
	Exception
	Event
)

func (k EventKind) String() string {
	switch k {
	case Diagnostic:
		return "diagnostic"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Exception:
		return "exception"
	case Event:
		return "event"
	default:
		return "unknown"
	}
}

// Sink is the consumed diagnostic collaborator: record one event, with
// optional structured key/value attributes in the slog convention.
type Sink interface {
	Record(kind EventKind, message string, attrs ...any)
}

// Nop discards every event. It is the default when a caller omits a
// Sink.
type Nop struct{}

func (Nop) Record(EventKind, string, ...any) {}
