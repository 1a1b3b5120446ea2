package notify

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clawinfra/wabridge/internal/dispatch"
	"github.com/clawinfra/wabridge/internal/metrics"
	"github.com/clawinfra/wabridge/internal/session"
)

func TestRecorderTracksState(t *testing.T) {
	r := NewRecorder()
	if v := testutil.ToFloat64(metrics.SessionState.WithLabelValues("created")); v != 1 {
		t.Fatalf("created gauge = %v", v)
	}

	before := testutil.ToFloat64(metrics.SessionTransitions.WithLabelValues("authenticated", "ready"))
	r.Notify(StateChanged("s", session.Change{From: session.Authenticated, To: session.Ready}))
	r.Notify(QueueOutcome("s", dispatch.Item{ID: "q"}, "x", nil))

	if v := testutil.ToFloat64(metrics.SessionState.WithLabelValues("ready")); v != 1 {
		t.Errorf("ready gauge = %v", v)
	}
	if v := testutil.ToFloat64(metrics.SessionState.WithLabelValues("created")); v != 0 {
		t.Errorf("created gauge = %v after leaving it", v)
	}
	after := testutil.ToFloat64(metrics.SessionTransitions.WithLabelValues("authenticated", "ready"))
	if after-before != 1 {
		t.Errorf("transition counter moved by %v", after-before)
	}
}
