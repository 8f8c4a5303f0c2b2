// Package memstore implements consensus.Storage as an in-memory,
// optionally file-backed key-value store, keyed exactly as the wire
// format's persisted-state layout specifies: meta/term, meta/vote,
// log/<index>. An embedded on-disk store is assumed to be the production
// backend (explicitly out of scope here); this implementation is the
// in-core default and the one exercised by tests.
package memstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/omnix-consensus/internal/consensus"
)

// Config controls whether writes are also flushed to disk under BasePath.
// Memory-only (BasePath == "") is the default the test suite exercises.
type Config struct {
	BasePath string
}

type snapshotRecord struct {
	Data              []byte `json:"data"`
	LastIncludedIndex uint64 `json:"last_included_index"`
	LastIncludedTerm  uint64 `json:"last_included_term"`
}

// Store is a mutex-protected map of key -> bytes, persisting the three
// keys the wire format names plus one snapshot slot.
type Store struct {
	mu     sync.RWMutex
	items  map[string][]byte
	config Config
	logger *zap.Logger
}

func New(config Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		items:  make(map[string][]byte),
		config: config,
		logger: logger,
	}
	if config.BasePath != "" {
		s.loadFromDisk()
	}
	return s
}

var _ consensus.Storage = (*Store)(nil)

func (s *Store) SaveTerm(term consensus.Term) error {
	return s.put("meta/term", []byte(strconv.FormatUint(uint64(term), 10)))
}

func (s *Store) LoadTerm() (consensus.Term, error) {
	data, ok := s.get("meta/term")
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memstore: corrupt term record: %w", err)
	}
	return consensus.Term(n), nil
}

func (s *Store) SaveVote(votedFor consensus.NodeID) error {
	return s.put("meta/vote", []byte(votedFor))
}

func (s *Store) LoadVote() (consensus.NodeID, error) {
	data, ok := s.get("meta/vote")
	if !ok {
		return "", nil
	}
	return consensus.NodeID(data), nil
}

func (s *Store) AppendLog(entries []*consensus.LogEntry) error {
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("memstore: marshal log entry %d: %w", e.Index, err)
		}
		if err := s.put(logKey(e.Index), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) TruncateLogFrom(index consensus.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := "log/"
	for k := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			continue
		}
		if consensus.LogIndex(idx) >= index {
			delete(s.items, k)
		}
	}
	return s.flushLocked()
}

func (s *Store) LoadLog(startIndex, endIndex consensus.LogIndex) ([]*consensus.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*consensus.LogEntry
	for i := startIndex; i <= endIndex; i++ {
		data, ok := s.items[logKey(i)]
		if !ok {
			continue
		}
		var e consensus.LogEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("memstore: unmarshal log entry %d: %w", i, err)
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) LastLogIndex() (consensus.LogIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max consensus.LogIndex
	prefix := "log/"
	for k := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			continue
		}
		if consensus.LogIndex(idx) > max {
			max = consensus.LogIndex(idx)
		}
	}
	return max, nil
}

func (s *Store) SaveSnapshot(snapshot []byte, lastIncludedIndex consensus.LogIndex, lastIncludedTerm consensus.Term) error {
	rec := snapshotRecord{Data: snapshot, LastIncludedIndex: uint64(lastIncludedIndex), LastIncludedTerm: uint64(lastIncludedTerm)}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.put("meta/snapshot", data)
}

func (s *Store) LoadSnapshot() ([]byte, consensus.LogIndex, consensus.Term, error) {
	data, ok := s.get("meta/snapshot")
	if !ok {
		return nil, 0, 0, nil
	}
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, 0, 0, err
	}
	return rec.Data, consensus.LogIndex(rec.LastIncludedIndex), consensus.Term(rec.LastIncludedTerm), nil
}

func (s *Store) Close() error {
	s.logger.Debug("memstore closed")
	return nil
}

func logKey(index consensus.LogIndex) string {
	return "log/" + strconv.FormatUint(uint64(index), 10)
}

func (s *Store) put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return s.flushLocked()
}

func (s *Store) get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// flushLocked persists the whole key space to a single file under
// BasePath; called with mu held. A production embedded store would
// instead write-ahead each key, but durability-before-reply is all this
// core's contract requires, not a particular on-disk format.
func (s *Store) flushLocked() error {
	if s.config.BasePath == "" {
		return nil
	}
	if err := os.MkdirAll(s.config.BasePath, 0o755); err != nil {
		return fmt.Errorf("memstore: mkdir %s: %w", s.config.BasePath, err)
	}
	data, err := json.Marshal(s.items)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.config.BasePath, "state.json"), data, 0o644)
}

func (s *Store) loadFromDisk() {
	path := filepath.Join(s.config.BasePath, "state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var items map[string][]byte
	if err := json.Unmarshal(data, &items); err != nil {
		s.logger.Warn("memstore: failed to load state file, starting empty", zap.Error(err))
		return
	}
	s.items = items
}
