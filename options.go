package dtnbundle

import (
	"tangled.org/solarpunk.net/dtnbundle/bundle"
	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
	"tangled.org/solarpunk.net/dtnbundle/internal/config"
	"tangled.org/solarpunk.net/dtnbundle/internal/storage"
)

type options struct {
	nodeConfig *config.Config
	managerOpt bundle.Options
}

func defaultOptions() *options {
	return &options{
		nodeConfig: config.DefaultConfig("./dtn_data"),
	}
}

// Option configures a Node
type Option func(*options)

// WithDirectory sets the data directory; "" keeps everything in memory
func WithDirectory(dir string) Option {
	return func(o *options) {
		o.nodeConfig.DataDir = dir
		if dir == "" {
			o.nodeConfig.Backend = storage.KindMemory
		}
	}
}

// WithBackend selects the storage backend (file, sqlite, memory)
func WithBackend(kind storage.Kind) Option {
	return func(o *options) {
		o.nodeConfig.Backend = kind
	}
}

// WithBudget sets the storage budget in bytes
func WithBudget(bytes int64) Option {
	return func(o *options) {
		o.nodeConfig.StorageBudgetBytes = config.ByteSize(bytes)
	}
}

// WithPeer adds a sync peer
func WithPeer(id, url string, trust Audience) Option {
	return func(o *options) {
		o.nodeConfig.Peers = append(o.nodeConfig.Peers, config.PeerConfig{ID: id, URL: url, Trust: trust})
	}
}

// WithConfig replaces the whole node configuration
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		o.nodeConfig = cfg
	}
}

// WithClock injects a clock, mostly for tests
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.managerOpt.Clock = c
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.nodeConfig.Logger = logger
	}
}

// Logger interface
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}
