package notify

import (
	"github.com/clawinfra/wabridge/internal/metrics"
	"github.com/clawinfra/wabridge/internal/session"
)

// Recorder mirrors state events into the session gauges.
type Recorder struct {
	names []string
}

var _ Notifier = (*Recorder)(nil)

func NewRecorder() *Recorder {
	r := &Recorder{}
	for _, s := range session.States() {
		r.names = append(r.names, s.String())
	}
	metrics.SetState(session.Created.String(), r.names)
	return r
}

func (r *Recorder) Notify(ev Event) {
	if ev.Type != TypeState || ev.State == nil {
		return
	}
	metrics.SetState(ev.State.To.String(), r.names)
	metrics.SessionTransitions.WithLabelValues(ev.State.From.String(), ev.State.To.String()).Inc()
}
