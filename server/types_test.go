package server_test

import (
	"testing"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/server"
)

func TestCreateRequestContent(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		req := server.CreateRequest{Topic: "x", Text: "hello"}
		c, err := req.Content()
		if err != nil {
			t.Fatal(err)
		}
		if c.Priority != dtn.PriorityNormal || c.Audience != dtn.AudiencePublic || c.ReceiptPolicy != dtn.ReceiptNone {
			t.Errorf("defaults = %+v", c)
		}
		if string(c.Payload) != "hello" || c.PayloadType != "text/plain; charset=utf-8" {
			t.Errorf("payload = %q (%s)", c.Payload, c.PayloadType)
		}
		if c.TTL != 0 || c.HopLimit != 0 {
			t.Error("ttl and hop limit should be left to node defaults")
		}
	})

	t.Run("Explicit", func(t *testing.T) {
		p, a, r := dtn.PriorityLow, dtn.AudienceTrusted, dtn.ReceiptRequired
		req := server.CreateRequest{
			Topic:         "x",
			PayloadType:   "application/octet-stream",
			Payload:       []byte{1, 2, 3},
			Priority:      &p,
			Audience:      &a,
			ReceiptPolicy: &r,
			HopLimit:      2,
			TTLSeconds:    90,
		}
		c, err := req.Content()
		if err != nil {
			t.Fatal(err)
		}
		if c.Priority != p || c.Audience != a || c.ReceiptPolicy != r {
			t.Errorf("enums = %+v", c)
		}
		if c.TTL != 90*time.Second || c.HopLimit != 2 || c.PayloadType != "application/octet-stream" {
			t.Errorf("content = %+v", c)
		}
	})

	t.Run("TextKeepsPayloadType", func(t *testing.T) {
		req := server.CreateRequest{Topic: "x", Text: "# hi", PayloadType: "text/markdown"}
		c, _ := req.Content()
		if c.PayloadType != "text/markdown" {
			t.Errorf("payload type = %q", c.PayloadType)
		}
	})

	t.Run("Rejects", func(t *testing.T) {
		bad := []server.CreateRequest{
			{Topic: "x", Text: "a", Payload: []byte("b")},
			{Topic: "x", Text: "a", TTLSeconds: -5},
		}
		for i, req := range bad {
			if _, err := req.Content(); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		}
	})
}
