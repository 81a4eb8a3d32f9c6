package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDataNotFound is returned when a data block id is unknown.
var ErrDataNotFound = errors.New("data block not found")

// ErrIndexOutOfRange is returned for an element index outside the block.
var ErrIndexOutOfRange = errors.New("element index out of range")

// DataStore holds the data blocks flowing between jobs. A block is an
// ordered list of opaque elements keyed by the id of the job that produced
// it (or the input id of a submission).
type DataStore interface {
	// Create makes an empty block. An existing block is reset.
	Create(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	Len(ctx context.Context, id string) (int, error)
	// Get returns every element of the block.
	Get(ctx context.Context, id string) ([][]byte, error)
	Element(ctx context.Context, id string, i int) ([]byte, error)
	// Put writes the element at i, growing the block with empty
	// elements when i is past the end.
	Put(ctx context.Context, id string, i int, elem []byte) error
	Append(ctx context.Context, id string, elems ...[]byte) error
	Delete(ctx context.Context, id string) error
}

// MemoryDataStore keeps blocks in process memory.
type MemoryDataStore struct {
	mu     sync.RWMutex
	blocks map[string][][]byte
}

// NewMemoryDataStore returns an empty in-memory store.
func NewMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{blocks: make(map[string][][]byte)}
}

func (m *MemoryDataStore) Create(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[id] = make([][]byte, 0)
	return nil
}

func (m *MemoryDataStore) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[id]
	return ok, nil
}

func (m *MemoryDataStore) Len(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, ok := m.blocks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrDataNotFound, id)
	}
	return len(block), nil
}

func (m *MemoryDataStore) Get(_ context.Context, id string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, ok := m.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDataNotFound, id)
	}
	return append([][]byte(nil), block...), nil
}

func (m *MemoryDataStore) Element(_ context.Context, id string, i int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, ok := m.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDataNotFound, id)
	}
	if i < 0 || i >= len(block) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, id, i)
	}
	return block[i], nil
}

func (m *MemoryDataStore) Put(_ context.Context, id string, i int, elem []byte) error {
	if i < 0 {
		return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, id, i)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDataNotFound, id)
	}
	for len(block) <= i {
		block = append(block, []byte{})
	}
	block[i] = elem
	m.blocks[id] = block
	return nil
}

func (m *MemoryDataStore) Append(_ context.Context, id string, elems ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDataNotFound, id)
	}
	m.blocks[id] = append(block, elems...)
	return nil
}

func (m *MemoryDataStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
	return nil
}
