package snapshot

// ============================================================================
// Snapshot manager tests: atomic write, load, version check, corruption
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	manager := NewManager("leader.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "leader.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leader.json")
	manager := NewManager(path)

	original := LeaderState{
		ConflictingCounter: 42,
		ConsensusCounter:   5,
		UniqueIDs:          []string{"zz9Ab", "A1b2C"},
	}
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint32(42), loaded.ConflictingCounter)
	assert.Equal(t, 5, loaded.ConsensusCounter)
	assert.Equal(t, []string{"A1b2C", "zz9Ab"}, loaded.UniqueIDs)
	assert.False(t, loaded.SavedAt.IsZero())

	assert.Equal(t, []string{"zz9Ab", "A1b2C"}, original.UniqueIDs, "caller slice untouched")
}

func TestLoadMissingFileIsFirstStart(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, manager.Exists())

	state, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, state.SchemaVer)
	assert.Zero(t, state.ConflictingCounter)
	assert.Empty(t, state.UniqueIDs)
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leader.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leader.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 7}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "leader.json"))
	require.NoError(t, manager.Write(LeaderState{ConflictingCounter: 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "leader.json", entries[0].Name())
}

func TestConcurrentWritesStayReadable(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "leader.json"))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func(n uint32) {
			defer wg.Done()
			assert.NoError(t, manager.Write(LeaderState{ConflictingCounter: n}))
		}(uint32(i))
		go func() {
			defer wg.Done()
			_, err := manager.Load()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := manager.Load()
	require.NoError(t, err)
	assert.NotZero(t, state.ConflictingCounter)
}
