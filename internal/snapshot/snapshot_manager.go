package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the consensus leader's issuance state to a JSON file
// 2. Write atomically (temp file + rename) so a crash never corrupts it
// 3. Validate the schema version on load
// 4. Keep issued ids strictly increasing across leader restarts
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion is the only snapshot layout this build reads and writes.
const SchemaVersion = 1

// ============================================================================
// Data
// ============================================================================

// LeaderState is everything the leader must not forget between restarts.
// The counters hold the next value to issue.
type LeaderState struct {
	SchemaVer          int       `json:"schema_ver"`
	ConflictingCounter uint32    `json:"conflicting_counter"`
	ConsensusCounter   int       `json:"consensus_counter"`
	UniqueIDs          []string  `json:"unique_ids"`
	SavedAt            time.Time `json:"saved_at"`
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write replaces the snapshot atomically.
//
// Steps:
// 1. write a temp file (.tmp)
// 2. os.Rename over the real file
func (m *Manager) Write(state LeaderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.SchemaVer = SchemaVersion
	state.SavedAt = time.Now().UTC()
	state.UniqueIDs = slices.Clone(state.UniqueIDs)
	slices.Sort(state.UniqueIDs)

	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is a first start and yields the
// zero state with the current schema version.
func (m *Manager) Load() (LeaderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var state LeaderState
	b, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return LeaderState{SchemaVer: SchemaVersion}, nil
		}
		return state, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(b, &state); err != nil {
		return state, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if state.SchemaVer != SchemaVersion {
		return state, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, state.SchemaVer, SchemaVersion)
	}
	return state, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) GetPath() string {
	return m.path
}
