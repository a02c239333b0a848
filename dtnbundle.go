// Package dtnbundle is a store-and-forward transport for signed bundles
// between intermittently connected nodes.
//
// A Node signs bundles with its own key, queues them, enforces expiry and
// a storage budget, and exchanges them with peers over HTTP:
//
//	node, err := dtnbundle.New(dtnbundle.WithDirectory("./data"))
//	if err != nil { ... }
//	defer node.Close()
//
//	rec, err := node.Create(ctx, dtnbundle.Content{
//		Topic:       "water",
//		PayloadType: "text/plain",
//		Payload:     []byte("well 3 is dry"),
//		Priority:    dtnbundle.PriorityHigh,
//	})
package dtnbundle

import (
	"context"
	"net/http"

	"tangled.org/solarpunk.net/dtnbundle/bundle"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/config"
	"tangled.org/solarpunk.net/dtnbundle/internal/events"
	"tangled.org/solarpunk.net/dtnbundle/internal/queue"
	"tangled.org/solarpunk.net/dtnbundle/internal/sync"
	"tangled.org/solarpunk.net/dtnbundle/server"
)

// Re-export commonly used types for convenience
type (
	Bundle        = dtn.Bundle
	Content       = dtn.Content
	Record        = dtn.Record
	Queue         = dtn.Queue
	Priority      = dtn.Priority
	Audience      = dtn.Audience
	ReceiptPolicy = dtn.ReceiptPolicy
	PushResult    = dtn.PushResult
	Filter        = queue.Filter
	Event         = events.Event
	Config        = config.Config
	NodeInfo      = bundle.NodeInfo
	Status        = bundle.Status
	SyncResult    = sync.SyncResult
)

// Re-export constants
const (
	PriorityLow       = dtn.PriorityLow
	PriorityNormal    = dtn.PriorityNormal
	PriorityHigh      = dtn.PriorityHigh
	PriorityEmergency = dtn.PriorityEmergency

	AudiencePublic  = dtn.AudiencePublic
	AudienceLocal   = dtn.AudienceLocal
	AudienceTrusted = dtn.AudienceTrusted
	AudiencePrivate = dtn.AudiencePrivate

	QueueOutbox     = dtn.QueueOutbox
	QueueInbox      = dtn.QueueInbox
	QueuePending    = dtn.QueuePending
	QueueDelivered  = dtn.QueueDelivered
	QueueExpired    = dtn.QueueExpired
	QueueQuarantine = dtn.QueueQuarantine
)

// Re-export sentinel errors
var (
	ErrNotFound         = dtn.ErrNotFound
	ErrBudgetExceeded   = dtn.ErrBudgetExceeded
	ErrInvalidSignature = dtn.ErrInvalidSignature
	ErrInvalidBundle    = dtn.ErrInvalidBundle
	ErrStorage          = dtn.ErrStorage
)

// DefaultConfig returns default configuration (convenience wrapper)
func DefaultConfig(dataDir string) *Config {
	return config.DefaultConfig(dataDir)
}

// Node is the main entry point: one local node with its store and services
type Node struct {
	mgr *bundle.Manager
}

// New opens (or initializes) a node
func New(opts ...Option) (*Node, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	mgr, err := bundle.NewManager(context.Background(), o.nodeConfig, &o.managerOpt)
	if err != nil {
		return nil, err
	}
	return &Node{mgr: mgr}, nil
}

// Close closes the node's store
func (n *Node) Close() error {
	return n.mgr.Close()
}

// Create signs content as this node and queues it for forwarding
func (n *Node) Create(ctx context.Context, content Content) (*Record, error) {
	return n.mgr.CreateBundle(ctx, content)
}

// Receive ingests bundles obtained out of band (file, radio, sneakernet)
func (n *Node) Receive(ctx context.Context, bundles ...*Bundle) PushResult {
	return n.mgr.ReceiveBundles(ctx, bundles)
}

// Get returns one stored bundle
func (n *Node) Get(id string) (*Record, error) {
	return n.mgr.GetBundle(id)
}

// List returns bundles matching f in the given queues (all when none)
func (n *Node) List(f Filter, queues ...Queue) []*Record {
	return n.mgr.ListBundles(f, queues...)
}

// Sync runs one session with each configured peer
func (n *Node) Sync(ctx context.Context) ([]SyncResult, error) {
	return n.mgr.SyncAll(ctx)
}

// Subscribe streams lifecycle events until cancel is called
func (n *Node) Subscribe(buffer int) (<-chan Event, func()) {
	return n.mgr.Events().Subscribe(buffer)
}

// Run starts the TTL, cache and sync services; they stop with ctx and
// the returned function waits for them
func (n *Node) Run(ctx context.Context) (wait func()) {
	return n.mgr.StartServices(ctx)
}

// Handler returns the node's HTTP API for mounting in another server
func (n *Node) Handler(enableWebSocket bool) http.Handler {
	return server.New(n.mgr, &server.Config{EnableWebSocket: enableWebSocket}).Handler()
}

// Info returns this node's identity
func (n *Node) Info() NodeInfo {
	return n.mgr.NodeInfo()
}

// Status returns a point-in-time summary
func (n *Node) Status() Status {
	return n.mgr.GetStatus()
}

// Manager exposes the underlying manager
func (n *Node) Manager() *bundle.Manager {
	return n.mgr
}
