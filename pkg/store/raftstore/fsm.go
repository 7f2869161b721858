// Package raftstore is the coordination-service backend for
// pkg/store.Store: a hierarchical KV log replicated with
// github.com/hashicorp/raft, applied into a go.etcd.io/bbolt
// table. It generalizes the teacher's WarrenFSM/Manager.Apply pattern
// (pkg/manager/fsm.go, pkg/manager/manager.go) from a fixed cluster-state
// schema to an opaque versioned path/value log, and is what every replica
// of the EPUM/PD/provisioner doers shares for durable state and for
// leader-election ephemeral nodes.
package raftstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/store"
	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketKV       = []byte("kv")
	bucketSeq      = []byte("seq")
	bucketSessions = []byte("sessions")
)

// command is one entry in the raft log.
type command struct {
	Op        string `json:"op"`
	Path      string `json:"path,omitempty"`
	Value     []byte `json:"value,omitempty"`
	Expected  int64  `json:"expected,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TTL       int64  `json:"ttl,omitempty"`
}

// applyResult is what Apply returns through raft's future, mirroring the
// teacher's FSM.Apply returning either an error or a typed value.
type applyResult struct {
	Version int64
	Err     error
}

type sessionRecord struct {
	Paths     []string  `json:"paths"`
	ExpiresAt time.Time `json:"expires_at"`
}

// kvFSM is the raft.FSM implementation backing one coordination-store
// replica's local applied state.
type kvFSM struct {
	mu       sync.RWMutex
	db       *bolt.DB
	watchers map[string][]chan store.WatchEvent
	wmu      sync.Mutex
}

func newKVFSM(db *bolt.DB) (*kvFSM, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKV, bucketSeq, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &kvFSM{db: db, watchers: make(map[string][]chan store.WatchEvent)}, nil
}

// Apply applies one committed raft log entry to the local bbolt tables.
func (f *kvFSM) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("decode command: %w", err)}
	}

	switch cmd.Op {
	case "put":
		return f.applyPut(cmd)
	case "delete":
		return f.applyDelete(cmd)
	case "create_ephemeral":
		return f.applyCreateEphemeral(cmd)
	case "touch":
		return f.applyTouch(cmd)
	case "expire_session":
		return f.applyExpireSession(cmd)
	default:
		return applyResult{Err: fmt.Errorf("unknown command op: %s", cmd.Op)}
	}
}

func (f *kvFSM) applyPut(cmd command) applyResult {
	var result applyResult
	err := f.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		cur := kv.Get([]byte(cmd.Path))

		var curEntry store.Entry
		exists := cur != nil
		if exists {
			if err := json.Unmarshal(cur, &curEntry); err != nil {
				return err
			}
		}

		if cmd.Expected == 0 {
			if exists {
				result.Err = store.ErrConflict
				return nil
			}
		} else {
			if !exists {
				result.Err = store.ErrNotFound
				return nil
			}
			if curEntry.Version != cmd.Expected {
				result.Err = store.ErrConflict
				return nil
			}
		}

		newVersion := cmd.Expected + 1
		entry := store.Entry{Path: cmd.Path, Value: cmd.Value, Version: newVersion}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := kv.Put([]byte(cmd.Path), data); err != nil {
			return err
		}
		result.Version = newVersion
		return nil
	})
	if err != nil {
		return applyResult{Err: err}
	}
	if result.Err == nil {
		f.notify(store.WatchEvent{Path: cmd.Path, Value: cmd.Value, Version: result.Version})
	}
	return result
}

func (f *kvFSM) applyDelete(cmd command) applyResult {
	var result applyResult
	err := f.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		cur := kv.Get([]byte(cmd.Path))
		if cur == nil {
			result.Err = store.ErrNotFound
			return nil
		}
		var curEntry store.Entry
		if err := json.Unmarshal(cur, &curEntry); err != nil {
			return err
		}
		if curEntry.Version != cmd.Expected {
			result.Err = store.ErrConflict
			return nil
		}
		return kv.Delete([]byte(cmd.Path))
	})
	if err != nil {
		return applyResult{Err: err}
	}
	if result.Err == nil {
		f.notify(store.WatchEvent{Path: cmd.Path, Version: cmd.Expected, Deleted: true})
	}
	return result
}

func (f *kvFSM) applyCreateEphemeral(cmd command) applyResult {
	var result applyResult
	err := f.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		seqB := tx.Bucket(bucketSeq)
		sessions := tx.Bucket(bucketSessions)

		parent := parentOf(cmd.Path)
		next := int64(1)
		if raw := seqB.Get([]byte(parent)); raw != nil {
			var v int64
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			next = v + 1
		}
		encodedSeq, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := seqB.Put([]byte(parent), encodedSeq); err != nil {
			return err
		}

		entry := store.Entry{Path: cmd.Path, Value: cmd.Value, Version: 1}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := kv.Put([]byte(cmd.Path), data); err != nil {
			return err
		}

		var rec sessionRecord
		if raw := sessions.Get([]byte(cmd.SessionID)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		} else {
			rec.ExpiresAt = time.Now().Add(60 * time.Second)
		}
		rec.Paths = append(rec.Paths, cmd.Path)
		recData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := sessions.Put([]byte(cmd.SessionID), recData); err != nil {
			return err
		}

		result.Version = next
		return nil
	})
	if err != nil {
		return applyResult{Err: err}
	}
	f.notify(store.WatchEvent{Path: cmd.Path, Value: cmd.Value, Version: 1})
	return result
}

func (f *kvFSM) applyTouch(cmd command) applyResult {
	err := f.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		var rec sessionRecord
		if raw := sessions.Get([]byte(cmd.SessionID)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}
		rec.ExpiresAt = time.Now().Add(time.Duration(cmd.TTL) * time.Second)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return sessions.Put([]byte(cmd.SessionID), data)
	})
	return applyResult{Err: err}
}

func (f *kvFSM) applyExpireSession(cmd command) applyResult {
	var removed []string
	err := f.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		sessions := tx.Bucket(bucketSessions)
		raw := sessions.Get([]byte(cmd.SessionID))
		if raw == nil {
			return nil
		}
		var rec sessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		for _, p := range rec.Paths {
			if kv.Get([]byte(p)) != nil {
				if err := kv.Delete([]byte(p)); err != nil {
					return err
				}
				removed = append(removed, p)
			}
		}
		return sessions.Delete([]byte(cmd.SessionID))
	})
	if err != nil {
		return applyResult{Err: err}
	}
	for _, p := range removed {
		f.notify(store.WatchEvent{Path: p, Deleted: true})
	}
	return applyResult{}
}

// expiredSessions lists session IDs whose lease has lapsed; called by the
// leader's background sweeper (see raftstore.go's sweep loop).
func (f *kvFSM) expiredSessions(now time.Time) ([]string, error) {
	var ids []string
	err := f.db.View(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		return sessions.ForEach(func(k, v []byte) error {
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if now.After(rec.ExpiresAt) {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}

func (f *kvFSM) get(path string) (*store.Entry, error) {
	var entry store.Entry
	found := false
	err := f.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKV).Get([]byte(path))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func (f *kvFSM) list(prefix string) ([]*store.Entry, error) {
	var out []*store.Entry
	err := f.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e store.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func hasPrefix(k []byte, prefix string) bool {
	if len(k) < len(prefix) {
		return false
	}
	return string(k[:len(prefix)]) == prefix
}

func parentOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}
			return path[:i]
		}
	}
	return "/"
}

func (f *kvFSM) notify(ev store.WatchEvent) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	for key, chans := range f.watchers {
		if !matchesWatch(key, ev.Path) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// matchesWatch keys are "prefix:<path>" or "exact:<path>"; see Watch below.
func matchesWatch(key, path string) bool {
	if len(key) > 6 && key[:6] == "exact:" {
		return key[6:] == path
	}
	if len(key) > 7 && key[:7] == "prefix:" {
		p := key[7:]
		return len(path) >= len(p) && path[:len(p)] == p
	}
	return false
}

// Snapshot implements raft.FSM by dumping every bucket as JSON.
func (f *kvFSM) Snapshot() (raft.FSMSnapshot, error) {
	dump := kvSnapshot{KV: map[string]store.Entry{}, Seq: map[string]int64{}, Sessions: map[string]sessionRecord{}}
	err := f.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			var e store.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			dump.KV[string(k)] = e
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSeq).ForEach(func(k, v []byte) error {
			var n int64
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			dump.Seq[string(k)] = n
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			dump.Sessions[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &dump, nil
}

// Restore implements raft.FSM by replacing every bucket's contents.
func (f *kvFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var dump kvSnapshot
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return err
	}
	return f.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKV, bucketSeq, bucketSessions} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		kv := tx.Bucket(bucketKV)
		for k, v := range dump.KV {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := kv.Put([]byte(k), data); err != nil {
				return err
			}
		}
		seqB := tx.Bucket(bucketSeq)
		for k, v := range dump.Seq {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := seqB.Put([]byte(k), data); err != nil {
				return err
			}
		}
		sessions := tx.Bucket(bucketSessions)
		for k, v := range dump.Sessions {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := sessions.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

type kvSnapshot struct {
	KV       map[string]store.Entry
	Seq      map[string]int64
	Sessions map[string]sessionRecord
}

func (s *kvSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *kvSnapshot) Release() {}
