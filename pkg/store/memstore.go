package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is the single-process Store backend, used for tests and
// single-replica deployments. Versions are monotonic integers per path;
// ephemeral entries are dropped when ExpireSession is called or when their
// session's lease (tracked via Touch) lapses past its TTL.
type MemStore struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	seq      map[string]int64 // sequence counter per parent path (for CreateEphemeral)
	sessions map[string]session
	watchers map[string][]*watcher
	closed   bool
}

type session struct {
	paths      map[string]bool
	expiresAt  time.Time
	ttlSeconds int64
}

type watcher struct {
	path   string
	prefix bool
	ch     chan WatchEvent
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		entries:  make(map[string]*Entry),
		seq:      make(map[string]int64),
		sessions: make(map[string]session),
		watchers: make(map[string][]*watcher),
	}
}

func (m *MemStore) Get(_ context.Context, path string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[path]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return &cp, nil
}

func (m *MemStore) Put(_ context.Context, path string, value []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.entries[path]
	if expectedVersion == 0 {
		if exists {
			return 0, ErrConflict
		}
	} else {
		if !exists {
			return 0, ErrNotFound
		}
		if cur.Version != expectedVersion {
			return 0, ErrConflict
		}
	}

	newVersion := expectedVersion + 1
	m.entries[path] = &Entry{Path: path, Value: append([]byte(nil), value...), Version: newVersion}
	m.notify(WatchEvent{Path: path, Value: value, Version: newVersion})
	return newVersion, nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for p, e := range m.entries {
		if strings.HasPrefix(p, prefix) {
			cp := *e
			cp.Value = append([]byte(nil), e.Value...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemStore) Delete(_ context.Context, path string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.entries[path]
	if !exists {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	delete(m.entries, path)
	for _, s := range m.sessions {
		delete(s.paths, path)
	}
	m.notify(WatchEvent{Path: path, Version: expectedVersion, Deleted: true})
	return nil
}

func (m *MemStore) CreateEphemeral(_ context.Context, path string, value []byte, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent := parentOf(path)
	m.seq[parent]++
	seq := m.seq[parent]

	m.entries[path] = &Entry{Path: path, Value: append([]byte(nil), value...), Version: 1}

	s, ok := m.sessions[sessionID]
	if !ok {
		s = session{paths: make(map[string]bool), expiresAt: time.Now().Add(60 * time.Second), ttlSeconds: 60}
		m.sessions[sessionID] = s
	}
	s.paths[path] = true

	m.notify(WatchEvent{Path: path, Value: value, Version: 1})
	return seq, nil
}

func (m *MemStore) Touch(_ context.Context, sessionID string, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = session{paths: make(map[string]bool)}
	}
	s.ttlSeconds = ttl
	s.expiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
	m.sessions[sessionID] = s
	return nil
}

func (m *MemStore) ExpireSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireSessionLocked(sessionID)
}

func (m *MemStore) expireSessionLocked(sessionID string) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	for p := range s.paths {
		if e, exists := m.entries[p]; exists {
			delete(m.entries, p)
			m.notify(WatchEvent{Path: p, Version: e.Version, Deleted: true})
		}
	}
	delete(m.sessions, sessionID)
	return nil
}

// SweepExpiredSessions drops ephemeral entries whose session lease has
// lapsed. Deployments run this periodically to emulate a coordination
// service's server-side session timeout.
func (m *MemStore) SweepExpiredSessions() {
	m.mu.Lock()
	now := time.Now()
	var expired []string
	for id, s := range m.sessions {
		if now.After(s.expiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.mu.Lock()
		_ = m.expireSessionLocked(id)
		m.mu.Unlock()
	}
}

func (m *MemStore) Watch(_ context.Context, path string, prefix bool) (<-chan WatchEvent, func(), error) {
	m.mu.Lock()
	w := &watcher{path: path, prefix: prefix, ch: make(chan WatchEvent, 32)}
	m.watchers[path] = append(m.watchers[path], w)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.watchers[path]
		for i, ww := range list {
			if ww == w {
				m.watchers[path] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(w.ch)
	}
	return w.ch, cancel, nil
}

// notify must be called with m.mu held.
func (m *MemStore) notify(ev WatchEvent) {
	for key, list := range m.watchers {
		for _, w := range list {
			matches := (w.prefix && strings.HasPrefix(ev.Path, key)) || (!w.prefix && ev.Path == key)
			if !matches {
				continue
			}
			select {
			case w.ch <- ev:
			default:
			}
		}
	}
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, list := range m.watchers {
		for _, w := range list {
			close(w.ch)
		}
	}
	m.watchers = nil
	return nil
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

var _ Store = (*MemStore)(nil)
