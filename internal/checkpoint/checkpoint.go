// Package checkpoint persists per-target poll state so a restarted
// process resumes hysteresis instead of re-triggering close events.
package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sectionwatch/pkg/logx"
)

const fileVersion = 1

// MissingDataHash marks a checkpoint written by a poll that was skipped
// because the local catalog had no sections for the target.
const MissingDataHash = "missing-data"

// Entry is the durable state for one (term, campus) target.
type Entry struct {
	Term             string         `json:"term"`
	Campus           string         `json:"campus"`
	LastPollAt       time.Time      `json:"lastPollAt"`
	LastSnapshotHash string         `json:"lastSnapshotHash"`
	OpenIndexes      int            `json:"openIndexes"`
	Misses           map[string]int `json:"misses"`
}

type document struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Targets   map[string]Entry `json:"targets"`
}

// Store is a small JSON-file keyed store. Safe for concurrent use by the
// polling loops of one process; cross-process coordination is not needed
// because each poller owns its own checkpoint file.
type Store struct {
	path string
	log  logx.Logger

	mu   sync.Mutex
	data document
}

// Load reads the checkpoint file. Corrupt or schema-mismatched files are
// discarded with a warning and treated as empty rather than fatal.
func Load(path string, log logx.Logger) *Store {
	s := &Store{
		path: path,
		log:  log,
		data: document{Version: fileVersion, Targets: map[string]Entry{}},
	}
	if path == "" {
		return s
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("checkpoint unreadable; starting fresh", logx.String("path", path), logx.Err(err))
		}
		return s
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		log.Warn("checkpoint corrupt; starting fresh", logx.String("path", path), logx.Err(err))
		return s
	}
	if doc.Version != fileVersion || doc.Targets == nil {
		log.Warn("checkpoint schema mismatch; starting fresh",
			logx.String("path", path), logx.Int("version", doc.Version))
		return s
	}
	s.data = doc
	return s
}

// Get returns the entry for a target key ("term|campus").
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.Targets[key]
	return e, ok
}

// Put upserts one target entry and rewrites the file. Write failures are
// logged, not fatal: losing a checkpoint only costs hysteresis warm-up.
func (s *Store) Put(key string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Targets[key] = e
	s.data.UpdatedAt = time.Now().UTC()
	if s.path == "" {
		return
	}

	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.log.Error("checkpoint marshal failed", logx.Err(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Error("checkpoint dir create failed", logx.String("path", s.path), logx.Err(err))
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		s.log.Error("checkpoint write failed", logx.String("path", tmp), logx.Err(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Error("checkpoint rename failed", logx.String("path", s.path), logx.Err(err))
	}
}

// Drop removes a retired target's entry without touching others.
func (s *Store) Drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Targets, key)
}
