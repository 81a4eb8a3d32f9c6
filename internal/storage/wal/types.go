package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: one record per id the consensus leader hands out
// ============================================================================

// EventType names what was issued.
type EventType string

const (
	EventConflicting EventType = "CONFLICTING" // conflicting-action id, Value is the decimal id
	EventUnique      EventType = "UNIQUE"      // unique user/worker id, Value is the id
	EventConsensus   EventType = "CONSENSUS"   // consensus replica id, Value is the decimal id
)

// Event is one journal line.
type Event struct {
	Seq       uint64    `json:"seq"`       // monotonically increasing within one file
	Type      EventType `json:"type"`
	Value     string    `json:"value"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
	Checksum  uint32    `json:"checksum"`  // CRC32 over seq, type and value
}

// EventHandler applies a replayed event. An error aborts Replay.
type EventHandler func(event Event) error
