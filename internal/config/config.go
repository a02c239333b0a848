// Package config loads node settings from defaults, an optional YAML
// file and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/storage"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// Config holds every node setting
type Config struct {
	DataDir            string       `yaml:"data_dir"`
	Backend            storage.Kind `yaml:"backend"`
	StorageBudgetBytes ByteSize     `yaml:"storage_budget_bytes"`

	TTLCheckInterval   Duration `yaml:"ttl_check_interval"`
	CacheCheckInterval Duration `yaml:"cache_check_interval"`

	PriorityFloor       dtn.Priority `yaml:"priority_floor"`
	EvictAboveFloor     bool         `yaml:"evict_above_floor"`
	DeliveredBeforeDead bool         `yaml:"delivered_before_dead"`

	DefaultHopLimit uint32   `yaml:"default_hop_limit"`
	DefaultTTL      Duration `yaml:"default_ttl"`

	ListenAddr    string   `yaml:"listen_addr"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	SyncInterval Duration     `yaml:"sync_interval"`
	MaxPullBatch int          `yaml:"max_pull_batch"`
	Peers        []PeerConfig `yaml:"peers,omitempty"`

	Logger types.Logger `yaml:"-"`
}

// PeerConfig is one statically configured sync peer. ID is the node id
// (key fingerprint) the peer sends as peer_id; Trust is the highest tier
// this node grants it.
type PeerConfig struct {
	ID    string       `yaml:"id"`
	URL   string       `yaml:"url"`
	Trust dtn.Audience `yaml:"trust"`
}

// Context returns the forwarding context for this peer
func (p PeerConfig) Context() dtn.PeerContext {
	return dtn.PeerContext{PeerID: p.ID, Trust: p.Trust}
}

// PeerContext returns the forwarding context this node grants peerID:
// the configured tier for a known peer, public for anyone else
func (c *Config) PeerContext(peerID string) dtn.PeerContext {
	for _, p := range c.Peers {
		if peerID != "" && p.ID == peerID {
			return p.Context()
		}
	}
	return dtn.PeerContext{PeerID: peerID, Trust: dtn.AudiencePublic}
}

// DefaultConfig returns the defaults for a node rooted at dataDir
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:            dataDir,
		Backend:            storage.KindFile,
		StorageBudgetBytes: 100 * 1024 * 1024,
		TTLCheckInterval:   Duration(60 * time.Second),
		CacheCheckInterval: 0,
		PriorityFloor:      dtn.PriorityLow,
		DefaultHopLimit:    8,
		DefaultTTL:         Duration(24 * time.Hour),
		ListenAddr:         "127.0.0.1:8000",
		ShutdownGrace:      Duration(30 * time.Second),
		SyncInterval:       Duration(5 * time.Minute),
		MaxPullBatch:       500,
		Logger:             nil, // Will use the default logger in the manager
	}
}

// Load reads path on top of the defaults for dataDir. A missing file
// at the default location is not an error; a missing explicit file is.
func Load(dataDir, path string) (*Config, error) {
	cfg := DefaultConfig(dataDir)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(dataDir, types.CONFIG_FILE)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects settings the node cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.DataDir == "" && c.Backend != storage.KindMemory {
		problems = append(problems, "data_dir is required")
	}
	switch c.Backend {
	case storage.KindFile, storage.KindSQLite, storage.KindMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown backend %q", c.Backend))
	}
	if c.StorageBudgetBytes <= 0 {
		problems = append(problems, "storage_budget_bytes must be positive")
	}
	if c.TTLCheckInterval <= 0 {
		problems = append(problems, "ttl_check_interval must be positive")
	}
	if c.CacheCheckInterval < 0 {
		problems = append(problems, "cache_check_interval must not be negative")
	}
	if !c.PriorityFloor.Valid() {
		problems = append(problems, "priority_floor is not a known priority")
	}
	if c.DefaultHopLimit == 0 {
		problems = append(problems, "default_hop_limit must be positive")
	}
	if c.DefaultTTL <= 0 {
		problems = append(problems, "default_ttl must be positive")
	}
	if c.MaxPullBatch < 0 {
		problems = append(problems, "max_pull_batch must not be negative")
	}

	seen := make(map[string]bool)
	for i, p := range c.Peers {
		if p.ID == "" || p.URL == "" {
			problems = append(problems, fmt.Sprintf("peers[%d] needs id and url", i))
		}
		if seen[p.ID] {
			problems = append(problems, fmt.Sprintf("duplicate peer id %q", p.ID))
		}
		seen[p.ID] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Duration is a time.Duration written as "60s" / "24h" in YAML
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		var seconds int64
		if numErr := node.Decode(&seconds); numErr == nil {
			*d = Duration(time.Duration(seconds) * time.Second)
			return nil
		}
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// ByteSize accepts a plain integer or a human size ("100MiB", "2 GB")
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int64(b), nil
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	var n int64
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	parsed, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(parsed)
	return nil
}
