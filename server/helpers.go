package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/queue"
)

// getScheme determines the HTTP scheme
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}

	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}

	if r.Header.Get("X-Forwarded-Ssl") == "on" {
		return "https"
	}

	return "http"
}

// getWSScheme determines the WebSocket scheme
func getWSScheme(r *http.Request) string {
	if getScheme(r) == "https" {
		return "wss"
	}
	return "ws"
}

// getBaseURL returns the base URL for HTTP
func getBaseURL(r *http.Request) string {
	return fmt.Sprintf("%s://%s", getScheme(r), r.Host)
}

// getWSURL returns the base URL for WebSocket
func getWSURL(r *http.Request) string {
	return fmt.Sprintf("%s://%s", getWSScheme(r), r.Host)
}

// splitList splits repeated and comma separated query values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseAge accepts a Go duration or a bare number of seconds
func parseAge(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative age %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}

// parseLimit reads a non-negative limit; empty means 0 (no limit)
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q: must be non-negative integer", s)
	}
	return n, nil
}

// parseListQuery turns GET /bundles query parameters into queues and a filter
func parseListQuery(q url.Values) ([]dtn.Queue, queue.Filter, error) {
	var f queue.Filter
	var queues []dtn.Queue

	for _, name := range splitList(q["queue"]) {
		qu, err := dtn.ParseQueue(name)
		if err != nil {
			return nil, f, invalidInput(err)
		}
		queues = append(queues, qu)
	}

	for _, name := range splitList(q["priority"]) {
		p, err := dtn.ParsePriority(name)
		if err != nil {
			return nil, f, invalidInput(err)
		}
		f.Priorities = append(f.Priorities, p)
	}

	for _, name := range splitList(q["audience"]) {
		a, err := dtn.ParseAudience(name)
		if err != nil {
			return nil, f, invalidInput(err)
		}
		f.Audiences = append(f.Audiences, a)
	}

	f.Topic = q.Get("topic")
	f.Tag = q.Get("tag")

	if s := q.Get("max_age"); s != "" {
		d, err := parseAge(s)
		if err != nil {
			return nil, f, invalidInput(err)
		}
		f.MaxAge = d
	}
	if s := q.Get("min_age"); s != "" {
		d, err := parseAge(s)
		if err != nil {
			return nil, f, invalidInput(err)
		}
		f.MinAge = d
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return nil, f, invalidInput(err)
	}
	f.Limit = limit

	return queues, f, nil
}

// readBody reads at most max bytes of the request body
func readBody(r *http.Request, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, invalidInput(fmt.Errorf("reading body: %w", err))
	}
	if int64(len(data)) > max {
		return nil, invalidInput(fmt.Errorf("body exceeds %d bytes", max))
	}
	return data, nil
}

// decodeBundles accepts a single bundle object or an array of bundles
func decodeBundles(data []byte) ([]*dtn.Bundle, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, invalidInput(fmt.Errorf("empty body"))
	}

	if trimmed[0] == '[' {
		var bundles []*dtn.Bundle
		if err := json.Unmarshal(data, &bundles); err != nil {
			return nil, invalidInput(fmt.Errorf("invalid bundle array: %w", err))
		}
		return bundles, nil
	}

	var b dtn.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, invalidInput(fmt.Errorf("invalid bundle: %w", err))
	}
	return []*dtn.Bundle{&b}, nil
}
