// Package bundle wires the node's services together: identity, queue
// store, TTL and cache enforcement, the sync handler and the peer
// syncer. A Manager is constructed once per process and handed to the
// HTTP server and CLI commands.
package bundle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	gosync "sync"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/cache"
	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
	"tangled.org/solarpunk.net/dtnbundle/internal/config"
	"tangled.org/solarpunk.net/dtnbundle/internal/events"
	"tangled.org/solarpunk.net/dtnbundle/internal/metrics"
	"tangled.org/solarpunk.net/dtnbundle/internal/queue"
	"tangled.org/solarpunk.net/dtnbundle/internal/signing"
	"tangled.org/solarpunk.net/dtnbundle/internal/storage"
	"tangled.org/solarpunk.net/dtnbundle/internal/sync"
	"tangled.org/solarpunk.net/dtnbundle/internal/ttl"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// Options injects collaborators. Every field is optional.
type Options struct {
	Clock   clock.Clock
	Signer  signing.Signer
	Backend storage.Backend
	Dial    func(p sync.Peer) sync.PeerClient
	Version string
}

// Manager owns every service of one node
type Manager struct {
	config  *config.Config
	logger  types.Logger
	clock   clock.Clock
	signer  signing.Signer
	version string

	store   *queue.Store
	cache   *cache.Service
	ttl     *ttl.Service
	handler *sync.Handler
	syncer  *sync.Syncer
	events  *events.Bus
	metrics *metrics.Metrics

	startedAt time.Time
}

// NewManager opens the node described by cfg
func NewManager(ctx context.Context, cfg *config.Config, opts *Options) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig("./dtn_data")
	}
	if opts == nil {
		opts = &Options{}
	}
	if cfg.Logger == nil {
		cfg.Logger = types.DefaultLogger{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:  cfg,
		logger:  cfg.Logger,
		clock:   opts.Clock,
		signer:  opts.Signer,
		version: opts.Version,
		events:  events.NewBus(),
		metrics: metrics.New("dtnbundle"),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.version == "" {
		m.version = "dev"
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if m.signer == nil {
		signer, err := m.openSigner()
		if err != nil {
			return nil, err
		}
		m.signer = signer
	}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = storage.Open(cfg.Backend, cfg.DataDir, m.logger)
		if err != nil {
			return nil, err
		}
	}

	store, err := queue.Open(ctx, queue.Options{Backend: backend, Clock: m.clock, Logger: m.logger})
	if err != nil {
		backend.Close()
		return nil, err
	}
	m.store = store

	m.cache = cache.New(store, cache.Config{
		BudgetBytes:         int64(cfg.StorageBudgetBytes),
		PriorityFloor:       cfg.PriorityFloor,
		EvictAboveFloor:     cfg.EvictAboveFloor,
		DeliveredBeforeDead: cfg.DeliveredBeforeDead,
		Interval:            cfg.CacheCheckInterval.D(),
		Clock:               m.clock,
		Events:              m.events,
		Metrics:             m.metrics,
		Logger:              m.logger,
	})

	m.ttl = ttl.New(store, ttl.Config{
		Interval: cfg.TTLCheckInterval.D(),
		Clock:    m.clock,
		Events:   m.events,
		Metrics:  m.metrics,
		Logger:   m.logger,
	})

	m.handler = sync.NewHandler(sync.HandlerConfig{
		Store:        store,
		Cache:        m.cache,
		NodeID:       m.signer.Fingerprint(),
		Clock:        m.clock,
		Events:       m.events,
		Metrics:      m.metrics,
		Logger:       m.logger,
		MaxPullBatch: cfg.MaxPullBatch,
	})

	m.syncer = sync.NewSyncer(sync.SyncerConfig{
		Handler:  m.handler,
		NodeID:   m.signer.Fingerprint(),
		MaxBatch: cfg.MaxPullBatch,
		Dial:     opts.Dial,
		Clock:    m.clock,
		Metrics:  m.metrics,
		Logger:   m.logger,
	})

	m.startedAt = m.clock.Now()
	m.refreshGauges()

	m.logger.Printf("Node %s opened (%s backend, %d bundles, %s / %s)",
		m.signer.Fingerprint(), cfg.Backend, store.Len(),
		config.ByteSize(store.TotalBytes()), cfg.StorageBudgetBytes)

	return m, nil
}

// openSigner loads the node key from the data directory, creating it on
// first start. A memory-only node without a directory gets a throwaway key.
func (m *Manager) openSigner() (signing.Signer, error) {
	if m.config.DataDir == "" {
		_, priv, err := signing.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		return signing.NewKeySigner(priv)
	}

	signer, created, err := signing.LoadOrGenerateSigner(m.config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading node key: %w", err)
	}
	if created {
		m.logger.Printf("Generated node key %s", signer.Fingerprint())
	}
	return signer, nil
}

// Close closes the store and its backend
func (m *Manager) Close() error {
	return m.store.Close()
}

// CreateBundle signs content as this node and places it in the outbox
func (m *Manager) CreateBundle(ctx context.Context, content dtn.Content) (*dtn.Record, error) {
	now := m.clock.Now()
	b, err := signing.NewBundle(content, m.signer, now, m.config.DefaultHopLimit, m.config.DefaultTTL.D())
	if err != nil {
		return nil, err
	}

	if !m.cache.Admit(ctx, b) {
		return nil, fmt.Errorf("%w: bundle of %d bytes does not fit", dtn.ErrBudgetExceeded, b.SizeBytes)
	}

	rec := &dtn.Record{Bundle: b, Queue: dtn.QueueOutbox, Authored: true}
	stored, inserted, err := m.store.Put(ctx, rec, queue.PutOptions{BudgetBytes: m.cache.Budget()})
	if err != nil {
		return nil, err
	}
	if inserted {
		m.events.Publish(events.FromRecord(events.BundleCreated, stored, now))
		m.metrics.RecordCreated()
		m.refreshGauges()
	}
	return stored, nil
}

// ReceiveBundles ingests bundles handed to this node
func (m *Manager) ReceiveBundles(ctx context.Context, bundles []*dtn.Bundle) dtn.PushResult {
	res := m.handler.ReceivePush(ctx, bundles)
	m.refreshGauges()
	return res
}

// GetBundle returns the stored record for id
func (m *Manager) GetBundle(id string) (*dtn.Record, error) {
	return m.store.Get(id)
}

// ListBundles returns records matching f in the given queues (all
// queues when none are given)
func (m *Manager) ListBundles(f queue.Filter, queues ...dtn.Queue) []*dtn.Record {
	return m.store.List(f, queues...)
}

// SyncIndex returns the manifest served to peers
func (m *Manager) SyncIndex() *dtn.IndexResponse {
	return m.handler.Index()
}

// PullBundles returns the bundles a peer may take
func (m *Manager) PullBundles(ctx context.Context, req sync.PullRequest) []*dtn.Bundle {
	return m.handler.Pull(ctx, req)
}

// AcknowledgePull records a completed pull for peerID
func (m *Manager) AcknowledgePull(ctx context.Context, peerID string, bundles []*dtn.Bundle) {
	if peerID == "" || len(bundles) == 0 {
		return
	}
	ids := make([]string, len(bundles))
	for i, b := range bundles {
		ids[i] = b.BundleID
	}
	if _, err := m.handler.Acknowledge(ctx, peerID, ids); err != nil {
		m.logger.Printf("[Sync] Acknowledge for %s incomplete: %v", peerID, err)
	}
	m.refreshGauges()
}

// SweepExpired runs one TTL sweep now
func (m *Manager) SweepExpired(ctx context.Context) (ttl.SweepResult, error) {
	res, err := m.ttl.SweepOnce(ctx)
	m.refreshGauges()
	return res, err
}

// EnforceBudget runs one eviction pass now
func (m *Manager) EnforceBudget(ctx context.Context) cache.EvictionResult {
	return m.cache.EnforceBudget(ctx)
}

// CacheStats returns current cache occupancy
func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

// Peers returns the configured sync peers
func (m *Manager) Peers() []sync.Peer {
	peers := make([]sync.Peer, len(m.config.Peers))
	for i, p := range m.config.Peers {
		peers[i] = sync.Peer{ID: p.ID, URL: p.URL, Trust: p.Trust}
	}
	return peers
}

// PeerContext resolves the tier a pull from peerID is served at. The
// peer's own claim is never trusted: a requested tier can only lower
// what the configuration grants.
func (m *Manager) PeerContext(peerID string, requested *dtn.Audience) dtn.PeerContext {
	peer := m.config.PeerContext(peerID)
	if requested != nil && *requested < peer.Trust {
		peer.Trust = *requested
	}
	return peer
}

// SyncPeer runs one sync session with the configured peer id
func (m *Manager) SyncPeer(ctx context.Context, peerID string) (sync.SyncResult, error) {
	for _, p := range m.Peers() {
		if p.ID == peerID {
			res, err := m.syncer.SyncOnce(ctx, p)
			m.refreshGauges()
			return res, err
		}
	}
	return sync.SyncResult{}, fmt.Errorf("unknown peer %q", peerID)
}

// SyncAll runs one session with every configured peer. Errors are
// collected; a failing peer does not stop the others.
func (m *Manager) SyncAll(ctx context.Context) ([]sync.SyncResult, error) {
	var results []sync.SyncResult
	var errs []error
	for _, p := range m.Peers() {
		res, err := m.syncer.SyncOnce(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
			continue
		}
		results = append(results, res)
	}
	m.refreshGauges()
	return results, errors.Join(errs...)
}

// RunSyncLoop syncs with every configured peer on the configured
// interval until ctx is cancelled
func (m *Manager) RunSyncLoop(ctx context.Context) error {
	return m.syncer.RunSyncLoop(ctx, m.Peers(), m.config.SyncInterval.D())
}

// StartServices launches the TTL, cache and sync loops. They stop when
// ctx is cancelled; the returned function waits for them to finish.
func (m *Manager) StartServices(ctx context.Context) (wait func()) {
	var wg gosync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		m.ttl.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.cache.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.RunSyncLoop(ctx)
	}()

	return wg.Wait
}

func (m *Manager) refreshGauges() {
	m.metrics.SetStoreState(m.store.Counts(), m.store.TotalBytes(), int64(m.config.StorageBudgetBytes))
}

// NodeInfo describes this node's identity
type NodeInfo struct {
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	Version     string `json:"version"`
	Backend     string `json:"backend"`
	DataDir     string `json:"data_dir,omitempty"`
}

// NodeInfo returns this node's identity
func (m *Manager) NodeInfo() NodeInfo {
	return NodeInfo{
		Fingerprint: m.signer.Fingerprint(),
		PublicKey:   hex.EncodeToString(m.signer.PublicKey()),
		Version:     m.version,
		Backend:     string(m.config.Backend),
		DataDir:     m.config.DataDir,
	}
}

// Status is a point-in-time summary of the node
type Status struct {
	Node          NodeInfo       `json:"node"`
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Queues        map[string]int `json:"queues"`
	BundleCount   int            `json:"bundle_count"`
	Cache         cache.Stats    `json:"cache"`
	Peers         []string       `json:"peers"`
	Subscribers   int            `json:"event_subscribers"`
}

// GetStatus returns a status summary
func (m *Manager) GetStatus() Status {
	counts := m.store.Counts()
	queues := make(map[string]int, len(counts))
	for q, n := range counts {
		queues[q.String()] = n
	}

	peers := make([]string, 0, len(m.config.Peers))
	for _, p := range m.config.Peers {
		peers = append(peers, p.ID)
	}

	return Status{
		Node:          m.NodeInfo(),
		StartedAt:     m.startedAt,
		UptimeSeconds: m.clock.Now().Sub(m.startedAt).Seconds(),
		Queues:        queues,
		BundleCount:   m.store.Len(),
		Cache:         m.cache.Stats(),
		Peers:         peers,
		Subscribers:   m.events.Subscribers(),
	}
}

// Accessors for the server and CLI

func (m *Manager) Config() *config.Config    { return m.config }
func (m *Manager) Events() *events.Bus       { return m.events }
func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }
func (m *Manager) Clock() clock.Clock        { return m.clock }
func (m *Manager) Logger() types.Logger      { return m.logger }
func (m *Manager) Signer() signing.Signer    { return m.signer }
func (m *Manager) Version() string           { return m.version }
