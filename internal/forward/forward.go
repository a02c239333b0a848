// Package forward decides which stored bundles may be offered to a peer
// and in what order.
package forward

import (
	"fmt"
	"sort"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// Exclusion records why a candidate was not selected
type Exclusion struct {
	BundleID string              `json:"bundle_id"`
	Reason   dtn.ExclusionReason `json:"reason"`
}

func (e Exclusion) Error() string {
	return fmt.Sprintf("bundle %s excluded: %s", e.BundleID, e.Reason)
}

// Unwrap ties audience and hop-limit exclusions to dtn.ErrPolicyViolation
func (e Exclusion) Unwrap() error {
	switch e.Reason {
	case dtn.ExcludedAudience, dtn.ExcludedHopLimit:
		return dtn.ErrPolicyViolation
	}
	return nil
}

// Selection is the outcome of SelectForForward
type Selection struct {
	Bundles  []*dtn.Record
	Excluded []Exclusion
}

// IDs returns the ids of the selected bundles in order
func (s Selection) IDs() []string {
	ids := make([]string, len(s.Bundles))
	for i, rec := range s.Bundles {
		ids[i] = rec.ID()
	}
	return ids
}

// Check returns the reason rec may not go to peer at now, or "" if it
// may. Checks run in a fixed order and the first failure wins.
func Check(rec *dtn.Record, peer dtn.PeerContext, now time.Time) dtn.ExclusionReason {
	b := rec.Bundle
	switch {
	case b.HopsExhausted():
		return dtn.ExcludedHopLimit
	case !b.Audience.VisibleTo(peer.Trust):
		return dtn.ExcludedAudience
	case peer.PeerID != "" && rec.HasForwardedTo(peer.PeerID):
		return dtn.ExcludedAlreadyForwarded
	case b.Expired(now):
		return dtn.ExcludedExpired
	}
	return ""
}

// SelectForForward filters candidates for peer and orders the survivors
// by priority (highest first), then CreatedAt (oldest first), then id.
// The input slice is not modified.
func SelectForForward(candidates []*dtn.Record, peer dtn.PeerContext, now time.Time) Selection {
	var sel Selection
	for _, rec := range candidates {
		if reason := Check(rec, peer, now); reason != "" {
			sel.Excluded = append(sel.Excluded, Exclusion{BundleID: rec.ID(), Reason: reason})
			continue
		}
		sel.Bundles = append(sel.Bundles, rec)
	}
	Sort(sel.Bundles)
	return sel
}

// Sort orders records in forwarding order
func Sort(records []*dtn.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Bundle, records[j].Bundle
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.BundleID < b.BundleID
	})
}

// RelayCopy returns the bundle as it is sent onward. Bundles this node
// authored go out unchanged; relayed bundles carry one more hop.
func RelayCopy(rec *dtn.Record) *dtn.Bundle {
	out := rec.Bundle.Clone()
	if !rec.Authored {
		out.HopCount++
	}
	return out
}
