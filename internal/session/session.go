// Package session persists migration progress to disk so a migration can
// be interrupted and resumed: one JSON file per session under a state
// directory, holding every MigrationItem's status plus the accumulated
// cross-kind ID mappings (spec.md §4.3, grounded on original_source's
// utils/state.py StateManager and adapted to the teacher's
// read-modify-write-under-mutex persistence style in
// internal/theme-playground/persistence.go).
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flyingrobots/langsmith-migrator/internal/kind"
)

// Status is the lifecycle state of one MigrationItem.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Skipped    Status = "skipped"
)

// Item tracks one resource as it moves through a migration.
type Item struct {
	ID            string    `json:"id"`
	Kind          kind.Kind `json:"kind"`
	Name          string    `json:"name"`
	SourceID      string    `json:"source_id"`
	DestinationID string    `json:"destination_id,omitempty"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Attempts      int       `json:"attempts"`
	LastAttempt   time.Time `json:"last_attempt,omitempty"`
}

// State is the full persisted record of one migration session. It is
// marshaled/unmarshaled only through wireState below; these fields carry
// no json tags of their own because the in-memory State also holds the
// unexported mutex that must never reach the wire.
type State struct {
	SessionID      string
	StartedAt      time.Time
	UpdatedAt      time.Time
	SourceURL      string
	DestinationURL string
	Items          map[string]*Item
	IDMappings     map[kind.Kind]map[string]string

	mu sync.RWMutex
}

func newState(sessionID, sourceURL, destURL string) *State {
	now := time.Now()
	return &State{
		SessionID:      sessionID,
		StartedAt:      now,
		UpdatedAt:      now,
		SourceURL:      sourceURL,
		DestinationURL: destURL,
		Items:          make(map[string]*Item),
		IDMappings:     make(map[kind.Kind]map[string]string),
	}
}

// AddItem registers an item to track, defaulting it to Pending.
func (s *State) AddItem(id string, k kind.Kind, name, sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Items[id] = &Item{ID: id, Kind: k, Name: name, SourceID: sourceID, Status: Pending}
	s.UpdatedAt = time.Now()
}

// UpdateItem records the outcome of one migration attempt. A non-empty
// destID also merges into IDMappings, making this the single place
// cross-kind ID mappings enter session state.
func (s *State) UpdateItem(id string, status Status, destID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.Items[id]
	if !ok {
		return
	}
	item.Status = status
	item.Attempts++
	item.LastAttempt = time.Now()
	item.Error = errMsg
	if destID != "" {
		item.DestinationID = destID
		if s.IDMappings[item.Kind] == nil {
			s.IDMappings[item.Kind] = make(map[string]string)
		}
		s.IDMappings[item.Kind][item.SourceID] = destID
	}
	s.UpdatedAt = time.Now()
}

// PendingItems returns every Pending item, optionally filtered by kind.
func (s *State) PendingItems(k kind.Kind) []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(func(it *Item) bool {
		return it.Status == Pending && (k == "" || it.Kind == k)
	})
}

// FailedItems returns Failed items with fewer than maxAttempts attempts,
// so resume retries transient failures without hammering a permanently
// broken item forever.
func (s *State) FailedItems(maxAttempts int) []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(func(it *Item) bool {
		return it.Status == Failed && it.Attempts < maxAttempts
	})
}

func (s *State) filterLocked(keep func(*Item) bool) []*Item {
	var out []*Item
	for _, it := range s.Items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDMap returns a copy of the dest-ID lookup table for kind k.
func (s *State) IDMap(k kind.Kind) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.IDMappings[k]))
	for src, dst := range s.IDMappings[k] {
		out[src] = dst
	}
	return out
}

// Stats summarizes a State's Items, computed fresh on every call rather
// than maintained incrementally, so it can never drift from Items.
type Stats struct {
	Total               int
	Completed           int
	Failed              int
	Pending             int
	InProgress          int
	Skipped             int
	ByKind              map[kind.Kind]KindStats
	CompletionPercent   float64
	ElapsedSeconds      float64
}

type KindStats struct {
	Total, Completed, Failed, Pending int
}

func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{ByKind: make(map[kind.Kind]KindStats)}
	for _, it := range s.Items {
		stats.Total++
		ks := stats.ByKind[it.Kind]
		ks.Total++
		switch it.Status {
		case Completed:
			stats.Completed++
			ks.Completed++
		case Failed:
			stats.Failed++
			ks.Failed++
		case Pending:
			stats.Pending++
			ks.Pending++
		case InProgress:
			stats.InProgress++
		case Skipped:
			stats.Skipped++
		}
		stats.ByKind[it.Kind] = ks
	}
	if stats.Total > 0 {
		stats.CompletionPercent = float64(stats.Completed) / float64(stats.Total) * 100
	}
	stats.ElapsedSeconds = s.UpdatedAt.Sub(s.StartedAt).Seconds()
	return stats
}

// CanResume reports whether a session has work left to do.
func (s *State) CanResume() bool {
	stats := s.Stats()
	return stats.Pending > 0 || stats.Failed > 0
}

// wireState is State's on-disk shape: State embeds a sync.RWMutex, which
// must never be part of the JSON encoding (it is unexported so encoding/json
// already skips it). marshal writes a snapshot of Stats() under
// "statistics", which ListSessions reports; unmarshalState ignores it, and
// a loaded State computes its statistics from Items on read.
type wireState struct {
	SessionID      string                           `json:"session_id"`
	StartedAt      time.Time                        `json:"started_at"`
	UpdatedAt      time.Time                        `json:"updated_at"`
	SourceURL      string                           `json:"source_url"`
	DestinationURL string                           `json:"destination_url"`
	Items          map[string]*Item                 `json:"items"`
	IDMappings     map[kind.Kind]map[string]string  `json:"id_mappings"`
	Statistics     Stats                             `json:"statistics"`
}

func (s *State) marshal() ([]byte, error) {
	s.mu.RLock()
	w := wireState{
		SessionID:      s.SessionID,
		StartedAt:      s.StartedAt,
		UpdatedAt:      s.UpdatedAt,
		SourceURL:      s.SourceURL,
		DestinationURL: s.DestinationURL,
		Items:          s.Items,
		IDMappings:     s.IDMappings,
	}
	s.mu.RUnlock()
	w.Statistics = s.Stats()
	return json.MarshalIndent(w, "", "  ")
}

func unmarshalState(data []byte) (*State, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.Items == nil {
		w.Items = make(map[string]*Item)
	}
	if w.IDMappings == nil {
		w.IDMappings = make(map[kind.Kind]map[string]string)
	}
	return &State{
		SessionID:      w.SessionID,
		StartedAt:      w.StartedAt,
		UpdatedAt:      w.UpdatedAt,
		SourceURL:      w.SourceURL,
		DestinationURL: w.DestinationURL,
		Items:          w.Items,
		IDMappings:     w.IDMappings,
	}, nil
}

// Summary is the lightweight listing shape ListSessions returns; each
// session file is still decoded in full to build it.
type Summary struct {
	SessionID      string    `json:"session_id"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	SourceURL      string    `json:"source_url"`
	DestinationURL string    `json:"destination_url"`
	Statistics     Stats     `json:"statistics"`
}

// Store persists migration sessions as one JSON file per session under
// Dir. Every write replaces the whole file under a single mutex; there is
// no append path, matching the teacher's theme preferences persistence.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens (creating if needed) a session store rooted at dir. An
// empty dir defaults to ~/.langsmith-migrator/state, the original's
// StateManager default.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".langsmith-migrator", "state")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (st *Store) path(sessionID string) string {
	return filepath.Join(st.dir, sessionID+".json")
}

// CreateSession starts a new session and persists it immediately so a
// crash right after creation still leaves a resumable (empty) session.
func (st *Store) CreateSession(sourceURL, destURL string) (*State, error) {
	sessionID := fmt.Sprintf("migration_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
	state := newState(sessionID, sourceURL, destURL)
	if err := st.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// LoadSession reads a session by ID. Returns (nil, nil) if it doesn't
// exist, so callers can distinguish "not found" from an I/O error.
func (st *Store) LoadSession(sessionID string) (*State, error) {
	data, err := os.ReadFile(st.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	return unmarshalState(data)
}

// Save persists state, replacing its file wholesale.
func (st *Store) Save(state *State) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := state.marshal()
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", state.SessionID, err)
	}
	tmp := st.path(state.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", state.SessionID, err)
	}
	if err := os.Rename(tmp, st.path(state.SessionID)); err != nil {
		return fmt.Errorf("finalize session %s: %w", state.SessionID, err)
	}
	return nil
}

// ListSessions enumerates every session file, newest updated_at first.
// A file that fails to parse is skipped rather than failing the whole
// listing, matching the original's best-effort directory scan.
func (st *Store) ListSessions() ([]Summary, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "migration_") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(st.dir, entry.Name()))
		if err != nil {
			continue
		}
		var w wireState
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		out = append(out, Summary{
			SessionID:      w.SessionID,
			StartedAt:      w.StartedAt,
			UpdatedAt:      w.UpdatedAt,
			SourceURL:      w.SourceURL,
			DestinationURL: w.DestinationURL,
			Statistics:     w.Statistics,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeleteSession removes a session's file. Deleting a session that
// doesn't exist is not an error.
func (st *Store) DeleteSession(sessionID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	err := os.Remove(st.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
