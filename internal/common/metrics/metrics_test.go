package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	Register(prometheus.NewRegistry())

	before := testutil.ToFloat64(routedCounter.WithLabelValues("skipped"))
	RecordRouted("skipped")
	if got := testutil.ToFloat64(routedCounter.WithLabelValues("skipped")); got != before+1 {
		t.Fatalf("routed skipped = %v, want %v", got, before+1)
	}

	RecordLaunch("a", false)
	if got := testutil.ToFloat64(launchCounter.WithLabelValues("a", "failure")); got < 1 {
		t.Fatalf("launch failure not recorded")
	}

	SetQueueDepth("challenge-a", 4, 1)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("challenge-a", "dead_letter")); got != 1 {
		t.Fatalf("dead letter depth = %v", got)
	}

	ObserveJobDuration("a", true, 0)
	ObserveJobDuration("a", true, 3*time.Second)
	if n := testutil.CollectAndCount(jobDuration); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
}
