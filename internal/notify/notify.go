// Package notify defines the notification boundary: core components emit
// events about things the outside world may want to act on (a job
// panicked, a circuit tripped) without core itself owning how those
// events reach a user. The concrete delivery mechanism (desktop
// notification, webhook, UI toast) belongs to the transport collaborator;
// this package only carries the event shape and a logging default so core
// has somewhere to emit to before that collaborator exists.
package notify

import "log/slog"

// Event is one notification-worthy occurrence.
type Event struct {
	Kind    string
	JobID   string
	Message string
}

// Sink is the abstract boundary core emits events through.
type Sink interface {
	Emit(Event)
}

// SlogSink logs events at warn level. Used as the default Sink until an
// external transport registers a real one.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink builds a Sink that logs through logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(e Event) {
	s.logger.Warn("notify: "+e.Kind, "job", e.JobID, "message", e.Message)
}
