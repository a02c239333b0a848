package peerclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/peerclient"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	l.t.Logf(format, v...)
}

func (l *testLogger) Println(v ...interface{}) {
	l.t.Log(v...)
}

func newClient(t *testing.T, url string, opts ...peerclient.ClientOption) *peerclient.Client {
	t.Helper()
	opts = append([]peerclient.ClientOption{
		peerclient.WithLogger(&testLogger{t}),
		peerclient.WithRetries(3, time.Millisecond),
		peerclient.WithNodeID("node-a"),
	}, opts...)
	c := peerclient.NewClient(url, opts...)
	t.Cleanup(c.Close)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ====================================================================================
// PROTOCOL TESTS
// ====================================================================================

func TestGetIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/sync/index" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, dtn.IndexResponse{
			NodeID: "peer-b",
			Count:  1,
			Bundles: []dtn.ManifestEntry{
				{BundleID: "abc", Priority: dtn.PriorityHigh, SizeBytes: 42},
			},
		})
	}))
	defer server.Close()

	idx, err := newClient(t, server.URL).GetIndex(context.Background())
	if err != nil {
		t.Fatalf("GetIndex failed: %v", err)
	}
	if idx.NodeID != "peer-b" || len(idx.Bundles) != 1 || idx.Bundles[0].Priority != dtn.PriorityHigh {
		t.Errorf("index = %+v", idx)
	}
}

func TestPull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("peer_id") != "node-a" || q.Get("trust") != "trusted" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if q.Get("ids") != "a,b" || q.Get("limit") != "5" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, dtn.PullResponse{
			Count:   2,
			Bundles: []*dtn.Bundle{{BundleID: "a"}, {BundleID: "b"}},
		})
	}))
	defer server.Close()

	trusted := dtn.AudienceTrusted
	bundles, err := newClient(t, server.URL).Pull(context.Background(), peerclient.PullOptions{
		Trust: &trusted,
		IDs:   []string{"a", "b"},
		Limit: 5,
	})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(bundles) != 2 || bundles[1].BundleID != "b" {
		t.Errorf("bundles = %+v", bundles)
	}
}

func TestPullWithoutTrust(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("trust") {
			t.Errorf("trust sent without being asked for: %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, dtn.PullResponse{Bundles: []*dtn.Bundle{}})
	}))
	defer server.Close()

	if _, err := newClient(t, server.URL).Pull(context.Background(), peerclient.PullOptions{}); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
}

func TestPush(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		var req dtn.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding push: %v", err)
		}
		if req.PeerID != "node-a" || len(req.Bundles) != 2 {
			t.Errorf("push request = %+v", req)
		}
		writeJSON(w, http.StatusOK, dtn.PushResult{
			Accepted: []string{"x"},
			Rejected: []dtn.Rejection{{BundleID: "y", Reason: dtn.ReasonInvalidSignature}},
		})
	}))
	defer server.Close()

	res, err := newClient(t, server.URL).Push(context.Background(), []*dtn.Bundle{{BundleID: "x"}, {BundleID: "y"}})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(res.Accepted) != 1 || res.Rejected[0].Reason != dtn.ReasonInvalidSignature {
		t.Errorf("result = %+v", res)
	}
}

// ====================================================================================
// RETRY TESTS
// ====================================================================================

func TestRetries(t *testing.T) {
	t.Run("RateLimitedThenOK", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "0")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down"})
				return
			}
			writeJSON(w, http.StatusOK, dtn.IndexResponse{})
		}))
		defer server.Close()

		if _, err := newClient(t, server.URL).GetIndex(context.Background()); err != nil {
			t.Fatalf("GetIndex failed: %v", err)
		}
		if calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", calls.Load())
		}
	})

	t.Run("ServerErrorExhaustsAttempts", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage failure"})
		}))
		defer server.Close()

		_, err := newClient(t, server.URL).GetIndex(context.Background())
		var se *peerclient.StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable || se.Message != "storage failure" {
			t.Fatalf("err = %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}
	})

	t.Run("ClientErrorNotRetried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad trust"})
		}))
		defer server.Close()

		_, err := newClient(t, server.URL).Pull(context.Background(), peerclient.PullOptions{})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadGateway, nil)
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := newClient(t, server.URL).GetIndex(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestRateLimiter(t *testing.T) {
	rl := peerclient.NewRateLimiter(2, time.Hour)

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rl.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("third Wait = %v, want deadline exceeded", err)
	}
}
