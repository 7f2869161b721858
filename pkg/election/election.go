// Package election implements leader election for one doer role (epum,
// pd, or provisioner) on top of pkg/store's hierarchical Store, the way a
// ZooKeeper-backed service elects a leader with ephemeral sequential
// children: each candidate creates an ephemeral node under the role's
// election path, and the candidate holding the lowest sequence number is
// leader. Losing the backing session (crash, network partition) drops the
// ephemeral node and triggers a new election automatically.
package election

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/store"
	"github.com/rs/zerolog"
)

// Candidacy tracks one replica's participation in a role's election.
type Candidacy struct {
	mu        sync.RWMutex
	st        store.Store
	role      string
	sessionID string
	memberID  string
	path      string
	seq       int64
	isLeader  bool
	grace     time.Duration
	logger    zerolog.Logger

	onGained chan struct{}
	onLost   chan struct{}
	stop     chan struct{}
	stopped  bool
}

type candidateRecord struct {
	MemberID  string    `json:"member_id"`
	StartedAt time.Time `json:"started_at"`
}

// Options configures one candidacy.
type Options struct {
	Store  store.Store
	Role   string // "epum_doer", "pd_doer", or "provisioner_doer"
	Member string // this replica's identity, for diagnostics
	// Grace bounds how long a freshly-demoted leader keeps accepting
	// writes before it must stop, per the write-stop grace period
	// described for leadership loss (default 5s).
	Grace  time.Duration
	Logger zerolog.Logger
}

// New creates (but does not start) a candidacy for role.
func New(opts Options) *Candidacy {
	grace := opts.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Candidacy{
		st:       opts.Store,
		role:     opts.Role,
		memberID: opts.Member,
		grace:    grace,
		logger:   opts.Logger.With().Str("role", opts.Role).Logger(),
		onGained: make(chan struct{}, 1),
		onLost:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func electionPrefix(role string) string { return fmt.Sprintf("/election/%s/", role) }

// Campaign registers this replica's ephemeral candidate node and starts
// watching for leadership changes. sessionID identifies this process to
// the Store for ephemeral-node ownership; callers must keep the session
// alive with periodic Touch calls (see pkg/store.Store.Touch).
func (c *Candidacy) Campaign(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	rec := candidateRecord{MemberID: c.memberID, StartedAt: time.Now()}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	path := electionPrefix(c.role) + "candidate-"
	seq, err := c.st.CreateEphemeral(ctx, path, value, sessionID)
	if err != nil {
		return fmt.Errorf("create candidate node: %w", err)
	}

	c.mu.Lock()
	c.seq = seq
	c.path = fmt.Sprintf("%scandidate-%020d", electionPrefix(c.role), seq)
	c.mu.Unlock()

	go c.watchLoop(ctx)
	return c.checkLeadership(ctx)
}

// watchLoop re-evaluates leadership whenever any candidate under the
// role's prefix changes (a new candidate joins, or one's ephemeral node is
// removed by session expiry).
func (c *Candidacy) watchLoop(ctx context.Context) {
	events, cancel, err := c.st.Watch(ctx, electionPrefix(c.role), true)
	if err != nil {
		c.logger.Warn().Err(err).Msg("election watch failed, falling back to polling")
		c.pollLoop(ctx)
		return
	}
	defer cancel()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if err := c.checkLeadership(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("leadership check failed")
			}
		}
	}
}

// pollLoop is the fallback for backends whose Watch is unreliable across
// replica boundaries (e.g. reading a different node's locally-applied
// raft state lags slightly); it re-evaluates every second.
func (c *Candidacy) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.checkLeadership(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("leadership check failed")
			}
		}
	}
}

// checkLeadership lists all live candidates and compares this replica's
// sequence number to the lowest one present.
func (c *Candidacy) checkLeadership(ctx context.Context) error {
	entries, err := c.st.List(ctx, electionPrefix(c.role))
	if err != nil {
		return err
	}

	lowest := int64(-1)
	lowestPath := ""
	for _, e := range entries {
		seq := seqFromPath(e.Path)
		if lowest == -1 || seq < lowest {
			lowest = seq
			lowestPath = e.Path
		}
	}

	c.mu.Lock()
	wasLeader := c.isLeader
	nowLeader := lowestPath != "" && lowestPath == c.path
	c.isLeader = nowLeader
	c.mu.Unlock()

	if nowLeader && !wasLeader {
		c.logger.Info().Msg("acquired leadership")
		select {
		case c.onGained <- struct{}{}:
		default:
		}
	} else if !nowLeader && wasLeader {
		c.logger.Info().Dur("grace", c.grace).Msg("lost leadership, write-stop grace period started")
		select {
		case c.onLost <- struct{}{}:
		default:
		}
	}
	return nil
}

func seqFromPath(path string) int64 {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '-' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1
	}
	var seq int64
	_, err := fmt.Sscanf(path[idx+1:], "%d", &seq)
	if err != nil {
		return -1
	}
	return seq
}

// IsLeader reports this replica's last-known leadership status.
func (c *Candidacy) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isLeader
}

// Gained fires once each time this replica transitions into leadership.
func (c *Candidacy) Gained() <-chan struct{} { return c.onGained }

// Lost fires once each time this replica transitions out of leadership.
// Callers must stop issuing writes within the configured grace period
// after receiving this signal.
func (c *Candidacy) Lost() <-chan struct{} { return c.onLost }

// Grace returns the configured write-stop grace period.
func (c *Candidacy) Grace() time.Duration { return c.grace }

// Resign withdraws this replica's candidacy by expiring its session,
// dropping its ephemeral node immediately so the next-lowest candidate
// can take over without waiting out a session timeout.
func (c *Candidacy) Resign(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	sessionID := c.sessionID
	c.mu.Unlock()

	close(c.stop)
	if sessionID == "" {
		return nil
	}
	return c.st.ExpireSession(ctx, sessionID)
}
