package dtn

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Bundle is the signed, content-addressed unit of transport.
//
// Content fields are covered by the author's signature. HopCount,
// SizeBytes and Signature are transport metadata and may change (or be
// recomputed) without invalidating the bundle.
type Bundle struct {
	BundleID        string        `json:"bundle_id"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Priority        Priority      `json:"priority"`
	Audience        Audience      `json:"audience"`
	Topic           string        `json:"topic"`
	Tags            []string      `json:"tags,omitempty"`
	PayloadType     string        `json:"payload_type"`
	Payload         []byte        `json:"payload"`
	HopLimit        uint32        `json:"hop_limit"`
	HopCount        uint32        `json:"hop_count"`
	ReceiptPolicy   ReceiptPolicy `json:"receipt_policy"`
	Signature       []byte        `json:"signature"`
	AuthorPublicKey []byte        `json:"author_public_key"`
	SizeBytes       int64         `json:"size_bytes"`
}

// Content is the author-supplied part of a bundle, before signing
type Content struct {
	Topic         string
	Tags          []string
	PayloadType   string
	Payload       []byte
	Priority      Priority
	Audience      Audience
	ReceiptPolicy ReceiptPolicy
	HopLimit      uint32
	TTL           time.Duration
}

// Clone returns a deep copy of b
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	c := *b
	c.Tags = cloneStrings(b.Tags)
	c.Payload = cloneBytes(b.Payload)
	c.Signature = cloneBytes(b.Signature)
	c.AuthorPublicKey = cloneBytes(b.AuthorPublicKey)
	return &c
}

// Expired reports whether the bundle's absolute expiry has passed at now
func (b *Bundle) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// HopsExhausted reports whether the bundle may not be forwarded any further
func (b *Bundle) HopsExhausted() bool {
	return b.HopCount >= b.HopLimit
}

// Manifest returns the payload-free index entry for b
func (b *Bundle) Manifest() ManifestEntry {
	return ManifestEntry{
		BundleID:  b.BundleID,
		Priority:  b.Priority,
		Audience:  b.Audience,
		SizeBytes: b.SizeBytes,
		ExpiresAt: b.ExpiresAt,
	}
}

// Validate checks the structural shape of a bundle. It does not verify
// the signature.
func (b *Bundle) Validate() error {
	switch {
	case b == nil:
		return fmt.Errorf("%w: nil bundle", ErrInvalidBundle)
	case b.BundleID == "":
		return fmt.Errorf("%w: missing bundle_id", ErrInvalidBundle)
	case !b.Priority.Valid():
		return fmt.Errorf("%w: priority %d", ErrInvalidBundle, int(b.Priority))
	case !b.Audience.Valid():
		return fmt.Errorf("%w: audience %d", ErrInvalidBundle, int(b.Audience))
	case !b.ReceiptPolicy.Valid():
		return fmt.Errorf("%w: receipt policy %d", ErrInvalidBundle, int(b.ReceiptPolicy))
	case b.CreatedAt.IsZero() || b.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing timestamps", ErrInvalidBundle)
	case !b.ExpiresAt.After(b.CreatedAt):
		return fmt.Errorf("%w: expires_at not after created_at", ErrInvalidBundle)
	case b.HopLimit == 0:
		return fmt.Errorf("%w: hop_limit must be positive", ErrInvalidBundle)
	case len(b.Signature) == 0 || len(b.AuthorPublicKey) == 0:
		return fmt.Errorf("%w: unsigned", ErrInvalidBundle)
	}
	return nil
}

// MillisUTC truncates t to the millisecond precision bundles carry
func MillisUTC(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// WireSize returns the size of the JSON wire form with SizeBytes zeroed,
// so the result does not depend on a previously recorded size.
func (b *Bundle) WireSize() (int64, error) {
	c := *b
	c.SizeBytes = 0
	data, err := json.Marshal(&c)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
