// Package replica holds the replication state of one coordinator: whether it
// runs behind the consensus service, whether it is the active replica, and
// the sequence counter used to drop stale broadcasts.
package replica

import "sync/atomic"

// State is safe for concurrent use.
type State struct {
	consensus bool
	active    atomic.Bool
	counter   atomic.Uint32
}

// New returns the state of a coordinator. A standalone coordinator is
// always active.
func New(consensusMode bool) *State {
	s := &State{consensus: consensusMode}
	s.active.Store(!consensusMode)
	return s
}

// Consensus reports whether inbound frames are sequenced.
func (s *State) Consensus() bool { return s.consensus }

// Active reports whether this replica currently drives workers.
func (s *State) Active() bool { return s.active.Load() }

// Passive reports whether this replica only mirrors another replica.
func (s *State) Passive() bool { return s.consensus && !s.active.Load() }

func (s *State) SetActive(active bool) { s.active.Store(active) }

// Accept reports whether a frame with sequence id seq should be processed.
// Id 0 always passes. Any other id passes only when strictly greater than
// every id accepted before it.
func (s *State) Accept(seq uint32) bool {
	if seq == 0 {
		return true
	}
	for {
		cur := s.counter.Load()
		if seq <= cur {
			return false
		}
		if s.counter.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

// Counter returns the highest accepted sequence id.
func (s *State) Counter() uint32 { return s.counter.Load() }
