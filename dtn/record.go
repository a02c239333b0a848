package dtn

import (
	"sort"
	"time"
)

// Record is the storage row for one bundle: the bundle plus its queue
// membership and local bookkeeping. Nothing here is signed.
type Record struct {
	Bundle         *Bundle   `json:"bundle"`
	Queue          Queue     `json:"queue"`
	AddedToQueueAt time.Time `json:"added_to_queue_at"`
	Authored       bool      `json:"authored,omitempty"`
	ForwardedTo    []string  `json:"forwarded_to,omitempty"`
}

// ID is a shortcut for r.Bundle.BundleID
func (r *Record) ID() string {
	return r.Bundle.BundleID
}

// Clone returns a deep copy of r
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Bundle = r.Bundle.Clone()
	c.ForwardedTo = cloneStrings(r.ForwardedTo)
	return &c
}

// HasForwardedTo reports whether the bundle was already transmitted to peerID
func (r *Record) HasForwardedTo(peerID string) bool {
	for _, p := range r.ForwardedTo {
		if p == peerID {
			return true
		}
	}
	return false
}

// AddForwardedTo records peerID, keeping ForwardedTo sorted and unique.
// Returns false if the peer was already present.
func (r *Record) AddForwardedTo(peerID string) bool {
	i := sort.SearchStrings(r.ForwardedTo, peerID)
	if i < len(r.ForwardedTo) && r.ForwardedTo[i] == peerID {
		return false
	}
	r.ForwardedTo = append(r.ForwardedTo, "")
	copy(r.ForwardedTo[i+1:], r.ForwardedTo[i:])
	r.ForwardedTo[i] = peerID
	return true
}

// ManifestEntry is a lightweight index entry a peer uses to decide what
// to pull. It carries no payload.
type ManifestEntry struct {
	BundleID  string    `json:"bundle_id"`
	Priority  Priority  `json:"priority"`
	Audience  Audience  `json:"audience"`
	SizeBytes int64     `json:"size_bytes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PeerContext describes the peer a forwarding decision is made for.
// Trust is the highest audience tier the peer may receive.
type PeerContext struct {
	PeerID string   `json:"peer_id"`
	Trust  Audience `json:"trust"`
}
