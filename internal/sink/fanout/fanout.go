// Package fanout implements an events.Sink that fans a single event out to
// several underlying sinks. It generalises the teacher's Agent.handleEvent,
// which delivered each AlertEvent to both the local queue and the transport
// client in sequence, logging but not failing on a per-sink error.
package fanout

import (
	"log/slog"

	"github.com/tracer-cloud/tracer-agent/internal/events"
)

// Sink delivers an event to every configured sink in order. A failure from
// one sink is logged and does not prevent delivery to the rest.
type Sink struct {
	sinks  []events.Sink
	logger *slog.Logger
}

// New builds a Sink that fans out to sinks, in order. A nil logger defaults
// to slog.Default().
func New(logger *slog.Logger, sinks ...events.Sink) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{sinks: sinks, logger: logger}
}

// Emit implements events.Sink. It always attempts delivery to every sink and
// returns the first error encountered, if any, after all sinks have been
// tried.
func (f *Sink) Emit(evt events.Event) error {
	var first error
	for _, s := range f.sinks {
		if err := s.Emit(evt); err != nil {
			f.logger.Warn("fanout: sink failed to accept event",
				slog.String("kind", string(evt.Kind)), slog.Any("error", err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

var _ events.Sink = (*Sink)(nil)
