package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip CORS for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if requestedHeaders := r.Header.Get("Access-Control-Request-Headers"); requestedHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestedHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "*")
		}

		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status code written through it
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = 200
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// metricsMiddleware records request counts and latency per route pattern
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	m := s.manager.Metrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// hijacked connections report nothing useful
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		// the mux fills in the matched pattern on the shared request
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if rec.status == 0 {
			rec.status = 200
		}
		m.RecordHTTP(route, rec.status, time.Since(start))
	})
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	jsonData, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(500)
		w.Write([]byte(`{"error":"failed to marshal JSON"}`))
		return
	}

	w.WriteHeader(statusCode)
	w.Write(jsonData)
}

// badRequest marks errors caused by the request itself
type badRequest struct {
	err error
}

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

func invalidInput(err error) error {
	return badRequest{err: err}
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return 400
	case errors.Is(err, dtn.ErrNotFound):
		return 404
	case errors.Is(err, dtn.ErrInvalidBundle),
		errors.Is(err, dtn.ErrInvalidSignature),
		errors.Is(err, dtn.ErrPolicyViolation):
		return 400
	case errors.Is(err, dtn.ErrBudgetExceeded):
		return 507
	case errors.Is(err, dtn.ErrStorage):
		return 503
	default:
		return 500
	}
}

// sendError writes {"error": ...} with the status matching err
func sendError(w http.ResponseWriter, err error) {
	sendJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
