// Package sync implements both sides of the bundle exchange between
// nodes: the handler that answers index, push and pull requests, and the
// syncer that drives a session against a remote peer.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/cache"
	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
	"tangled.org/solarpunk.net/dtnbundle/internal/events"
	"tangled.org/solarpunk.net/dtnbundle/internal/forward"
	"tangled.org/solarpunk.net/dtnbundle/internal/metrics"
	"tangled.org/solarpunk.net/dtnbundle/internal/queue"
	"tangled.org/solarpunk.net/dtnbundle/internal/signing"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// forwardQueues hold bundles that may still travel
var forwardQueues = []dtn.Queue{dtn.QueueOutbox, dtn.QueuePending, dtn.QueueInbox}

// State is the per-bundle progress inside a push session
type State string

const (
	StateIndexed      State = "INDEXED"
	StatePushReceived State = "PUSH_RECEIVED"
	StateVerified     State = "VERIFIED"
	StateAdmitted     State = "ADMITTED"
	StateRejected     State = "REJECTED"
)

// HandlerConfig wires a Handler to the node's services
type HandlerConfig struct {
	Store   *queue.Store
	Cache   *cache.Service
	NodeID  string
	Clock   clock.Clock
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  types.Logger

	// MaxPullBatch caps bundles per pull; 0 = unlimited
	MaxPullBatch int
}

// Handler serves the sync protocol for one node
type Handler struct {
	store   *queue.Store
	cache   *cache.Service
	nodeID  string
	clock   clock.Clock
	events  events.Publisher
	metrics *metrics.Metrics
	logger  types.Logger
	maxPull int
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		store:   cfg.Store,
		cache:   cfg.Cache,
		nodeID:  cfg.NodeID,
		clock:   cfg.Clock,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  types.OrDefault(cfg.Logger),
		maxPull: cfg.MaxPullBatch,
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.events == nil {
		h.events = events.Discard
	}
	return h
}

// GetIndex lists forwardable bundles: not expired, hops remaining, in
// forwarding order
func (h *Handler) GetIndex() []dtn.ManifestEntry {
	now := h.clock.Now()

	var recs []*dtn.Record
	for _, rec := range h.store.List(queue.Filter{}, forwardQueues...) {
		if rec.Bundle.HopsExhausted() || rec.Bundle.Expired(now) {
			continue
		}
		recs = append(recs, rec)
	}
	forward.Sort(recs)

	out := make([]dtn.ManifestEntry, len(recs))
	for i, rec := range recs {
		out[i] = rec.Bundle.Manifest()
	}
	return out
}

// Index wraps GetIndex in the wire response
func (h *Handler) Index() *dtn.IndexResponse {
	entries := h.GetIndex()
	return &dtn.IndexResponse{NodeID: h.nodeID, Count: len(entries), Bundles: entries}
}

// session tracks one push for logging
type session struct {
	id     string
	states map[string]State
}

func newSession() *session {
	return &session{id: uuid.NewString(), states: make(map[string]State)}
}

func (s *session) short() string {
	return s.id[:8]
}

func (s *session) set(id string, st State) {
	s.states[id] = st
}

// ReceivePush ingests every bundle independently and reports which were
// accepted and which were rejected with what reason. Bundles already
// stored count as accepted.
func (h *Handler) ReceivePush(ctx context.Context, bundles []*dtn.Bundle) dtn.PushResult {
	sess := newSession()
	result := dtn.PushResult{Accepted: []string{}, Rejected: []dtn.Rejection{}}

	for _, b := range bundles {
		id := ""
		if b != nil {
			id = b.BundleID
			sess.set(id, StateIndexed)
		}

		reason := h.ingest(ctx, sess, b)
		if reason == "" {
			result.Accepted = append(result.Accepted, id)
			continue
		}
		sess.set(id, StateRejected)
		result.Rejected = append(result.Rejected, dtn.Rejection{BundleID: id, Reason: reason})
		h.metrics.RecordRejected(reason)
	}

	if len(bundles) > 0 {
		h.logger.Printf("[Sync] Session %s: %d received, %d accepted, %d rejected",
			sess.short(), len(bundles), len(result.Accepted), len(result.Rejected))
	}
	return result
}

// Receive ingests a single bundle, returning the rejection reason or ""
func (h *Handler) Receive(ctx context.Context, b *dtn.Bundle) dtn.RejectReason {
	res := h.ReceivePush(ctx, []*dtn.Bundle{b})
	if len(res.Rejected) > 0 {
		return res.Rejected[0].Reason
	}
	return ""
}

func (h *Handler) ingest(ctx context.Context, sess *session, b *dtn.Bundle) dtn.RejectReason {
	if b != nil && b.BundleID != "" && h.store.Contains(b.BundleID) {
		sess.set(b.BundleID, StateAdmitted)
		return ""
	}

	if err := signing.Check(b); err != nil {
		claimed := ""
		if b != nil {
			claimed = b.BundleID
		}
		h.logger.Printf("[Sync] Session %s: rejected %s: %v", sess.short(), shortID(claimed), err)
		h.quarantine(ctx, sess, b)
		return dtn.ReasonInvalidSignature
	}
	id := b.BundleID
	sess.set(id, StatePushReceived)

	// from here on the bundle is ours; the caller's copy stays untouched
	b = b.Clone()
	size, err := b.WireSize()
	if err != nil {
		h.quarantine(ctx, sess, b)
		return dtn.ReasonInvalidSignature
	}
	b.SizeBytes = size
	sess.set(id, StateVerified)

	now := h.clock.Now()
	if b.Expired(now) {
		return dtn.ReasonExpired
	}

	if !h.cache.Admit(ctx, b) {
		return dtn.ReasonBudgetExceeded
	}

	rec := &dtn.Record{Bundle: b, Queue: dtn.QueueInbox}
	stored, inserted, err := h.store.Put(ctx, rec, queue.PutOptions{BudgetBytes: h.cache.Budget()})
	switch {
	case errors.Is(err, dtn.ErrBudgetExceeded):
		return dtn.ReasonBudgetExceeded
	case err != nil:
		h.logger.Printf("[Sync] Session %s: storing %s failed: %v", sess.short(), shortID(id), err)
		return dtn.ReasonStorageFailure
	case !inserted:
		// a concurrent push stored it first
		sess.set(id, StateAdmitted)
		return ""
	}

	dest := dtn.QueuePending
	if isTerminus(b) {
		dest = dtn.QueueDelivered
	}
	if moved, err := h.store.Move(ctx, id, dtn.QueueInbox, dest); err != nil {
		// still durably in inbox, which is forwardable
		h.logger.Printf("[Sync] Session %s: %s stays in inbox: %v", sess.short(), shortID(id), err)
	} else {
		stored = moved
	}

	sess.set(id, StateAdmitted)
	h.events.Publish(events.FromRecord(events.BundleReceived, stored, now))
	h.metrics.RecordAccepted()
	return ""
}

// quarantine keeps a copy of a bundle that failed verification under
// signing.QuarantineKey, which covers the signature, so a corrupted copy
// of valid content never occupies the genuine bundle's id. Only done when
// it fits the budget; failures are ignored.
func (h *Handler) quarantine(ctx context.Context, sess *session, b *dtn.Bundle) {
	if b == nil {
		return
	}
	q := b.Clone()
	key, err := signing.QuarantineKey(q)
	if err != nil {
		return
	}
	q.BundleID = key
	size, err := q.WireSize()
	if err != nil {
		return
	}
	q.SizeBytes = size

	rec := &dtn.Record{Bundle: q, Queue: dtn.QueueQuarantine}
	stored, inserted, err := h.store.Put(ctx, rec, queue.PutOptions{BudgetBytes: h.cache.Budget()})
	if err != nil || !inserted {
		return
	}

	h.logger.Printf("[Sync] Session %s: quarantined %s (claimed %s)", sess.short(), shortID(key), shortID(b.BundleID))
	h.events.Publish(events.FromRecord(events.BundleQuarantined, stored, h.clock.Now()))
}

// isTerminus reports whether this node is the last stop for b
func isTerminus(b *dtn.Bundle) bool {
	return b.HopsExhausted() || b.Audience == dtn.AudiencePrivate
}

// PullRequest asks for bundles on behalf of a peer
type PullRequest struct {
	Peer  dtn.PeerContext
	IDs   []string
	Limit int
}

// Pull returns copies of the bundles Peer may receive, in forwarding
// order. Relayed bundles carry one more hop; stored records are not
// modified. Call Acknowledge once the response has been delivered.
func (h *Handler) Pull(ctx context.Context, req PullRequest) []*dtn.Bundle {
	candidates := h.store.List(queue.Filter{}, forwardQueues...)

	if len(req.IDs) > 0 {
		want := make(map[string]bool, len(req.IDs))
		for _, id := range req.IDs {
			want[id] = true
		}
		kept := candidates[:0]
		for _, rec := range candidates {
			if want[rec.ID()] {
				kept = append(kept, rec)
			}
		}
		candidates = kept
	}

	sel := forward.SelectForForward(candidates, req.Peer, h.clock.Now())
	if len(req.IDs) > 0 {
		// the peer asked for these by id, so say why it did not get them
		for _, excl := range sel.Excluded {
			if errors.Is(excl, dtn.ErrPolicyViolation) {
				h.logger.Printf("[Sync] Pull for %q: %v", req.Peer.PeerID, excl)
			}
		}
	}

	limit := req.Limit
	if h.maxPull > 0 && (limit <= 0 || limit > h.maxPull) {
		limit = h.maxPull
	}
	chosen := sel.Bundles
	if limit > 0 && len(chosen) > limit {
		chosen = chosen[:limit]
	}

	out := make([]*dtn.Bundle, len(chosen))
	for i, rec := range chosen {
		out[i] = forward.RelayCopy(rec)
	}
	h.metrics.RecordPulled(len(out))
	return out
}

// Acknowledge records that ids were delivered to peerID. Bundles in
// outbox or inbox move to pending. Unknown ids are skipped. Returns the
// number of bundles updated.
func (h *Handler) Acknowledge(ctx context.Context, peerID string, ids []string) (int, error) {
	if peerID == "" || len(ids) == 0 {
		return 0, nil
	}

	var errs []error
	n := 0
	for _, id := range ids {
		if _, err := h.store.MarkForwarded(ctx, id, peerID); err != nil {
			if errors.Is(err, dtn.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", shortID(id), err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
