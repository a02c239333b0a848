package sync

import (
	"context"
	"fmt"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
	"tangled.org/solarpunk.net/dtnbundle/internal/metrics"
	"tangled.org/solarpunk.net/dtnbundle/internal/peerclient"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// Peer is a remote node we sync with
type Peer struct {
	ID    string
	URL   string
	Trust dtn.Audience
}

// Context returns the forwarding context for p
func (p Peer) Context() dtn.PeerContext {
	return dtn.PeerContext{PeerID: p.ID, Trust: p.Trust}
}

// PeerClient is the part of peerclient.Client the syncer uses
type PeerClient interface {
	GetIndex(ctx context.Context) (*dtn.IndexResponse, error)
	Pull(ctx context.Context, opts peerclient.PullOptions) ([]*dtn.Bundle, error)
	Push(ctx context.Context, bundles []*dtn.Bundle) (*dtn.PushResult, error)
	Close()
}

// SyncerConfig configures a Syncer
type SyncerConfig struct {
	Handler *Handler
	NodeID  string

	// MaxBatch caps bundles per pull or push request
	MaxBatch int

	// Dial opens a client for a peer; defaults to peerclient.NewClient
	Dial func(p Peer) PeerClient

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  types.Logger
}

// Syncer runs sync sessions against remote peers
type Syncer struct {
	handler  *Handler
	nodeID   string
	maxBatch int
	dial     func(p Peer) PeerClient
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   types.Logger
}

// SyncResult summarizes one session with one peer
type SyncResult struct {
	Peer         string
	Offered      int
	Pulled       int
	Accepted     int
	Rejected     int
	Pushed       int
	PushAccepted int
	PushRejected int
	Duration     time.Duration
}

func NewSyncer(cfg SyncerConfig) *Syncer {
	s := &Syncer{
		handler:  cfg.Handler,
		nodeID:   cfg.NodeID,
		maxBatch: cfg.MaxBatch,
		dial:     cfg.Dial,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   types.OrDefault(cfg.Logger),
	}
	if s.maxBatch <= 0 {
		s.maxBatch = 500
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.dial == nil {
		s.dial = func(p Peer) PeerClient {
			return peerclient.NewClient(p.URL,
				peerclient.WithNodeID(s.nodeID),
				peerclient.WithLogger(s.logger))
		}
	}
	return s
}

// SyncOnce pulls what the peer has and we lack, then pushes what we have
// and the peer lacks. Bundles the peer accepts are acknowledged so they
// are not offered to it again.
func (s *Syncer) SyncOnce(ctx context.Context, peer Peer) (SyncResult, error) {
	start := time.Now()
	result := SyncResult{Peer: peer.ID}

	client := s.dial(peer)
	defer client.Close()

	idx, err := client.GetIndex(ctx)
	if err != nil {
		s.metrics.RecordSync("error")
		return result, err
	}
	result.Offered = len(idx.Bundles)

	peerHas := make(map[string]bool, len(idx.Bundles))
	var missing []string
	for _, entry := range idx.Bundles {
		peerHas[entry.BundleID] = true
		if !s.handler.store.Contains(entry.BundleID) {
			missing = append(missing, entry.BundleID)
		}
	}

	for i := 0; i < len(missing); i += s.maxBatch {
		chunk := missing[i:min(i+s.maxBatch, len(missing))]

		bundles, err := client.Pull(ctx, peerclient.PullOptions{IDs: chunk, Limit: len(chunk)})
		if err != nil {
			s.metrics.RecordSync("error")
			return result, err
		}
		res := s.handler.ReceivePush(ctx, bundles)
		result.Pulled += len(bundles)
		result.Accepted += len(res.Accepted)
		result.Rejected += len(res.Rejected)
	}

	var outgoing []*dtn.Bundle
	for _, b := range s.handler.Pull(ctx, PullRequest{Peer: peer.Context()}) {
		if !peerHas[b.BundleID] {
			outgoing = append(outgoing, b)
		}
	}

	for i := 0; i < len(outgoing); i += s.maxBatch {
		chunk := outgoing[i:min(i+s.maxBatch, len(outgoing))]

		res, err := client.Push(ctx, chunk)
		if err != nil {
			s.metrics.RecordSync("error")
			return result, err
		}
		result.Pushed += len(chunk)
		result.PushAccepted += len(res.Accepted)
		result.PushRejected += len(res.Rejected)

		if _, err := s.handler.Acknowledge(ctx, peer.ID, res.Accepted); err != nil {
			s.logger.Printf("[Sync] Acknowledging %d bundles for %s: %v", len(res.Accepted), peer.ID, err)
		}
	}

	result.Duration = time.Since(start)
	s.metrics.RecordSync("ok")
	return result, nil
}

// RunSyncLoop syncs with every peer now and then on every interval
// until ctx is cancelled. A failing peer is logged and skipped.
func (s *Syncer) RunSyncLoop(ctx context.Context, peers []Peer, interval time.Duration) error {
	if len(peers) == 0 {
		s.logger.Printf("[Sync] No peers configured, loop not started")
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.logger.Printf("[Sync] Initial sync with %d peers...", len(peers))
	s.syncAll(ctx, peers)

	s.logger.Printf("[Sync] Loop started (interval: %s)", interval)

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("[Sync] Stopped")
			return ctx.Err()

		case <-ticker.C:
			s.syncAll(ctx, peers)
		}
	}
}

func (s *Syncer) syncAll(ctx context.Context, peers []Peer) {
	for _, peer := range peers {
		if ctx.Err() != nil {
			return
		}
		result, err := s.safeSync(ctx, peer)
		if err != nil {
			s.logger.Printf("[Sync] %s: %v", peer.ID, err)
			continue
		}
		if result.Pulled > 0 || result.Pushed > 0 {
			s.logger.Printf("[Sync] ✓ %s | pulled %d (accepted %d) | pushed %d (accepted %d) | %s",
				peer.ID, result.Pulled, result.Accepted, result.Pushed, result.PushAccepted,
				result.Duration.Round(time.Millisecond))
		}
	}
}

func (s *Syncer) safeSync(ctx context.Context, peer Peer) (result SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return s.SyncOnce(ctx, peer)
}
