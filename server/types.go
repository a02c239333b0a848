package server

import (
	"fmt"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// CreateRequest is the body of POST /bundles. Payload is base64 in JSON;
// Text is a shortcut for a UTF-8 payload. Omitted enums default to
// normal priority, public audience and no receipt.
type CreateRequest struct {
	Topic         string             `json:"topic"`
	Tags          []string           `json:"tags,omitempty"`
	PayloadType   string             `json:"payload_type"`
	Payload       []byte             `json:"payload,omitempty"`
	Text          string             `json:"text,omitempty"`
	Priority      *dtn.Priority      `json:"priority,omitempty"`
	Audience      *dtn.Audience      `json:"audience,omitempty"`
	ReceiptPolicy *dtn.ReceiptPolicy `json:"receipt_policy,omitempty"`
	HopLimit      uint32             `json:"hop_limit,omitempty"`
	TTLSeconds    int64              `json:"ttl_seconds,omitempty"`
}

// Content converts the request into author content
func (r *CreateRequest) Content() (dtn.Content, error) {
	if len(r.Payload) > 0 && r.Text != "" {
		return dtn.Content{}, fmt.Errorf("payload and text are mutually exclusive")
	}
	if r.TTLSeconds < 0 {
		return dtn.Content{}, fmt.Errorf("ttl_seconds must be positive")
	}

	c := dtn.Content{
		Topic:       r.Topic,
		Tags:        r.Tags,
		PayloadType: r.PayloadType,
		Payload:     r.Payload,
		Priority:    dtn.PriorityNormal,
		Audience:    dtn.AudiencePublic,
		HopLimit:    r.HopLimit,
		TTL:         time.Duration(r.TTLSeconds) * time.Second,
	}
	if r.Text != "" {
		c.Payload = []byte(r.Text)
		if c.PayloadType == "" {
			c.PayloadType = "text/plain; charset=utf-8"
		}
	}
	if r.Priority != nil {
		c.Priority = *r.Priority
	}
	if r.Audience != nil {
		c.Audience = *r.Audience
	}
	if r.ReceiptPolicy != nil {
		c.ReceiptPolicy = *r.ReceiptPolicy
	}
	return c, nil
}

// ListResponse answers GET /bundles
type ListResponse struct {
	Count   int           `json:"count"`
	Bundles []*dtn.Record `json:"bundles"`
}

// HealthResponse answers the health and liveness checks
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}
