// Package config loads the control plane's recognised configuration
// options from YAML, via gopkg.in/yaml.v3 exactly as the teacher's go.mod
// already required (unused by its core until this repo gave it a home).
// CLI/env parsing beyond loading this struct is out of scope; cmd/
// entrypoints pass a path to Load and wire the resulting Config into each
// component's constructor.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/epum/pkg/types"
	"gopkg.in/yaml.v3"
)

// PersistenceType selects the state store backend.
type PersistenceType string

const (
	PersistenceMemory       PersistenceType = "memory"
	PersistenceCoordination PersistenceType = "coordination"
)

// EngineConfig is one entry of the engines map, mirroring types.EngineSpec
// with YAML tags for the on-disk representation.
type EngineConfig struct {
	Slots          int    `yaml:"slots"`
	Replicas       int    `yaml:"replicas"`
	SpareSlots     int    `yaml:"spare_slots"`
	BaseNeed       int    `yaml:"base_need"`
	IaaSAllocation string `yaml:"iaas_allocation"`
	MaximumVMs     int    `yaml:"maximum_vms"`
}

// Config is the enumerated recognised option set from the external
// interface contract: persistence_type, coordination_hosts,
// coordination_path, default_user, heartbeat_timeout, agent_timeout,
// tick_interval, engines, replica_count.
type Config struct {
	PersistenceType   PersistenceType         `yaml:"persistence_type"`
	CoordinationHosts []string                `yaml:"coordination_hosts"`
	CoordinationPath  string                  `yaml:"coordination_path"`
	DefaultUser       string                  `yaml:"default_user"`
	HeartbeatTimeout  time.Duration           `yaml:"heartbeat_timeout"`
	AgentTimeout      time.Duration           `yaml:"agent_timeout"`
	TickInterval      time.Duration           `yaml:"tick_interval"`
	Engines           map[string]EngineConfig `yaml:"engines"`
	DefaultEngine      string                 `yaml:"default_engine"`
	ReplicaCount      int                     `yaml:"replica_count"`

	// LeadershipGrace bounds how long a demoted leader keeps accepting
	// writes before it must stop (§5, default 5s).
	LeadershipGrace time.Duration `yaml:"leadership_grace"`
	// MaxRestarts bounds PD's per-process restart budget before falling
	// through to FAILED regardless of restart policy (default 3).
	MaxRestarts int `yaml:"max_restarts"`
	// DataDir is where the coordination-service backend keeps its bbolt
	// and raft log/stable/snapshot files.
	DataDir string `yaml:"data_dir"`
	// BindAddr is this replica's raft transport address, used only when
	// PersistenceType is coordination.
	BindAddr string `yaml:"bind_addr"`
	// NodeID identifies this replica within the raft cluster.
	NodeID string `yaml:"node_id"`
}

// Default returns a Config with every documented default applied, matching
// the spec's heartbeat_timeout=60s, agent_timeout=60s, tick_interval=5s,
// and max_restarts=3.
func Default() Config {
	return Config{
		PersistenceType:  PersistenceMemory,
		HeartbeatTimeout: 60 * time.Second,
		AgentTimeout:     60 * time.Second,
		TickInterval:     5 * time.Second,
		LeadershipGrace:  5 * time.Second,
		MaxRestarts:      3,
		ReplicaCount:     1,
		Engines:          map[string]EngineConfig{},
	}
}

// Load reads and parses a YAML config file at path, applying defaults for
// any unset field and validating the enumerated options.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the recognised options are internally consistent.
func (c Config) Validate() error {
	switch c.PersistenceType {
	case PersistenceMemory, PersistenceCoordination:
	default:
		return fmt.Errorf("persistence_type must be %q or %q, got %q", PersistenceMemory, PersistenceCoordination, c.PersistenceType)
	}
	if c.PersistenceType == PersistenceCoordination && len(c.CoordinationHosts) == 0 {
		return fmt.Errorf("coordination_hosts required when persistence_type=coordination")
	}
	if c.ReplicaCount < 1 {
		return fmt.Errorf("replica_count must be >= 1")
	}
	for id, e := range c.Engines {
		if e.Slots < 1 {
			return fmt.Errorf("engines[%s].slots must be >= 1", id)
		}
		if e.Replicas < 1 {
			return fmt.Errorf("engines[%s].replicas must be >= 1", id)
		}
	}
	return nil
}

// EngineSpecs converts the configured engines map into types.EngineSpec
// values keyed by engine_id, for handing to pkg/registry.New.
func (c Config) EngineSpecs() map[string]types.EngineSpec {
	out := make(map[string]types.EngineSpec, len(c.Engines))
	for id, e := range c.Engines {
		out[id] = types.EngineSpec{
			EngineID:       id,
			Slots:          e.Slots,
			Replicas:       e.Replicas,
			SpareSlots:     e.SpareSlots,
			BaseNeed:       e.BaseNeed,
			IaaSAllocation: e.IaaSAllocation,
			MaximumVMs:     e.MaximumVMs,
		}
	}
	return out
}
