package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/metrics"
)

func TestCounters(t *testing.T) {
	m := metrics.New("dtn")

	m.RecordCreated()
	m.RecordAccepted()
	m.RecordAccepted()
	m.RecordRejected(dtn.ReasonInvalidSignature)
	m.RecordExpired(3)
	m.RecordEvicted("dead")

	if got := testutil.ToFloat64(m.BundlesAccepted); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BundlesRejected.WithLabelValues("invalid_signature")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BundlesExpired); got != 3 {
		t.Errorf("expired = %v, want 3", got)
	}
}

func TestIndependentRegistries(t *testing.T) {
	// two nodes in one process must not collide on registration
	a := metrics.New("dtn")
	b := metrics.New("dtn")

	a.RecordCreated()
	if got := testutil.ToFloat64(b.BundlesCreated); got != 0 {
		t.Errorf("second node saw %v creations", got)
	}
}

func TestStoreGauges(t *testing.T) {
	m := metrics.New("dtn")
	m.SetStoreState(map[dtn.Queue]int{dtn.QueueInbox: 2, dtn.QueueOutbox: 5}, 700, 1000)

	if got := testutil.ToFloat64(m.QueueBundles.WithLabelValues("outbox")); got != 5 {
		t.Errorf("outbox gauge = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.StoreBytes); got != 700 {
		t.Errorf("store bytes = %v, want 700", got)
	}
}

func TestHandler(t *testing.T) {
	m := metrics.New("dtn")
	m.RecordHTTP("/bundles", 201, 5*time.Millisecond)
	m.RecordSweep("ttl", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"dtn_http_requests_total", `status="2xx"`, "dtn_sweep_duration_seconds"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilSafe(t *testing.T) {
	var m *metrics.Metrics
	m.RecordCreated()
	m.RecordRejected(dtn.ReasonExpired)
	m.RecordHTTP("/", 500, time.Second)
	m.SetStoreState(nil, 0, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler status = %d, want 404", rec.Code)
	}
}
