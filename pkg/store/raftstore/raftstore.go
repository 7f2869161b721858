package raftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/store"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// Config describes how one replica joins its raft group. It mirrors the
// teacher's manager.Config fields relevant to HA: node identity, bind
// address, and where to keep durable state.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Logger   zerolog.Logger

	// Bootstrap, when true, forms a brand-new single-node cluster that
	// later members join via Join. Exactly one replica in a fresh
	// deployment sets this.
	Bootstrap bool
}

// Store is the coordination-service Store backend: a raft-replicated,
// bbolt-applied hierarchical KV, generalizing the teacher's
// pkg/manager.Manager (raft.Raft + WarrenFSM + storage.Store) from a fixed
// cluster schema to an opaque path/value log.
type Store struct {
	cfg       Config
	raft      *raft.Raft
	fsm       *kvFSM
	db        *bolt.DB
	transport *raft.NetworkTransport
	logger    zerolog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Open starts (or rejoins) one raft replica backed by bbolt at
// cfg.DataDir/state.db, mirroring the teacher's Bootstrap/NewManager
// sequencing: build the FSM and durable stores first, then the raft node,
// only calling BootstrapCluster when cfg.Bootstrap is set.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "state.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	fsm, err := newKVFSM(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init fsm: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	// Tuned for sub-10s failover, matching the teacher's manager.Bootstrap.
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond
	raftConfig.Logger = newHCLogAdapter(cfg.Logger.With().Str("component", "raft").Logger())

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Bootstrap {
		cfgFuture := r.GetConfiguration()
		if err := cfgFuture.Error(); err != nil {
			db.Close()
			return nil, fmt.Errorf("get raft configuration: %w", err)
		}
		if len(cfgFuture.Configuration().Servers) == 0 {
			bootstrapCfg := raft.Configuration{
				Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
			}
			if err := r.BootstrapCluster(bootstrapCfg).Error(); err != nil {
				db.Close()
				return nil, fmt.Errorf("bootstrap cluster: %w", err)
			}
		}
	}

	s := &Store{
		cfg:       cfg,
		raft:      r,
		fsm:       fsm,
		db:        db,
		transport: transport,
		logger:    cfg.Logger,
		stopSweep: make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Join adds this replica as a voter on the leader's cluster, mirroring
// teacher's Manager.AddVoter (called on the leader side when a new member
// contacts it).
func (s *Store) Join(nodeID, addr string) error {
	if s.raft.State() != raft.Leader {
		return fmt.Errorf("join must be called against the leader")
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

// IsLeader reports whether this replica currently holds raft leadership.
func (s *Store) IsLeader() bool { return s.raft.State() == raft.Leader }

// LeaderAddr returns the raft-transport address of the current leader, if
// known.
func (s *Store) LeaderAddr() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

func (s *Store) apply(cmd command) (applyResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{}, err
	}
	future := s.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return applyResult{}, &store.ErrRetryable{Err: err}
	}
	resp := future.Response()
	result, ok := resp.(applyResult)
	if !ok {
		return applyResult{}, fmt.Errorf("unexpected apply response type %T", resp)
	}
	return result, nil
}

func (s *Store) Get(_ context.Context, path string) (*store.Entry, error) {
	return s.fsm.get(path)
}

func (s *Store) List(_ context.Context, prefix string) ([]*store.Entry, error) {
	return s.fsm.list(prefix)
}

func (s *Store) Put(_ context.Context, path string, value []byte, expectedVersion int64) (int64, error) {
	result, err := s.apply(command{Op: "put", Path: path, Value: value, Expected: expectedVersion})
	if err != nil {
		return 0, err
	}
	return result.Version, result.Err
}

func (s *Store) Delete(_ context.Context, path string, expectedVersion int64) error {
	result, err := s.apply(command{Op: "delete", Path: path, Expected: expectedVersion})
	if err != nil {
		return err
	}
	return result.Err
}

func (s *Store) CreateEphemeral(_ context.Context, path string, value []byte, sessionID string) (int64, error) {
	result, err := s.apply(command{Op: "create_ephemeral", Path: path, Value: value, SessionID: sessionID})
	if err != nil {
		return 0, err
	}
	return result.Version, result.Err
}

func (s *Store) Touch(_ context.Context, sessionID string, ttl int64) error {
	result, err := s.apply(command{Op: "touch", SessionID: sessionID, TTL: ttl})
	if err != nil {
		return err
	}
	return result.Err
}

func (s *Store) ExpireSession(_ context.Context, sessionID string) error {
	result, err := s.apply(command{Op: "expire_session", SessionID: sessionID})
	if err != nil {
		return err
	}
	return result.Err
}

// Watch serves WatchEvents from this replica's locally-applied state; a
// follower delivers events slightly behind the leader's commit, which is
// acceptable for the notification use cases this store serves (leader
// election, heartbeat liveness).
func (s *Store) Watch(_ context.Context, path string, prefix bool) (<-chan store.WatchEvent, func(), error) {
	key := "exact:" + path
	if prefix {
		key = "prefix:" + path
	}
	ch := make(chan store.WatchEvent, 32)

	s.fsm.wmu.Lock()
	s.fsm.watchers[key] = append(s.fsm.watchers[key], ch)
	s.fsm.wmu.Unlock()

	cancel := func() {
		s.fsm.wmu.Lock()
		defer s.fsm.wmu.Unlock()
		list := s.fsm.watchers[key]
		for i, c := range list {
			if c == ch {
				s.fsm.watchers[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

// sweepLoop periodically expires sessions whose lease has lapsed, only
// when this replica is the leader (so exactly one replica drives the
// expiry command through raft at a time).
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if !s.IsLeader() {
				continue
			}
			ids, err := s.fsm.expiredSessions(time.Now())
			if err != nil {
				s.logger.Warn().Err(err).Msg("session sweep scan failed")
				continue
			}
			for _, id := range ids {
				if _, err := s.apply(command{Op: "expire_session", SessionID: id}); err != nil {
					s.logger.Warn().Err(err).Str("session_id", id).Msg("session sweep expire failed")
				}
			}
		}
	}
}

// Close shuts the raft node and its durable stores down.
func (s *Store) Close() error {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
	if err := s.raft.Shutdown().Error(); err != nil {
		s.logger.Warn().Err(err).Msg("raft shutdown")
	}
	s.transport.Close()
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
