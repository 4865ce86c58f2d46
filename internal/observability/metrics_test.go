package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/danmuck/nlpctl/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("stub", "GET", "/ready", 200, 12*time.Millisecond)
	RecordClientRequest("srv-metrics", "json", "ok", 24*time.Millisecond)
	RecordServerStart("srv-metrics", "spawned")
	SetServerRefs("srv-metrics", 2)

	if got := testutil.ToFloat64(serverRefs.WithLabelValues("srv-metrics")); got != 2 {
		t.Fatalf("refs gauge=%v want 2", got)
	}
	if got := testutil.ToFloat64(serverStarts.WithLabelValues("srv-metrics", "spawned")); got != 1 {
		t.Fatalf("starts counter=%v want 1", got)
	}
}
