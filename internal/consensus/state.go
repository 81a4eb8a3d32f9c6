package consensus

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/snapshot"
	"github.com/adeboyed/Parliament/internal/storage/wal"
	"github.com/adeboyed/Parliament/pkg/types"
)

// LeaderID is the consensus id the leader gives itself.
const LeaderID = 1

// First values handed out by a fresh leader.
const (
	firstConflictingID = 1
	firstAssignedID    = 2
)

// Self is the address set this consensus replica exports.
type Self struct {
	IP         string
	ConPort    int
	WorkerPort int
	UserPort   int
}

// Addr is the dial address of the consensus port.
func (s Self) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.ConPort)
}

// ParseSelf parses IP:ConPort:WorkerPort:UserPort.
func ParseSelf(s string) (Self, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Self{}, fmt.Errorf("%q: want IP:ConPort:WorkerPort:UserPort", s)
	}
	ports, err := parsePorts(s, parts[1:])
	if err != nil {
		return Self{}, err
	}
	return Self{IP: parts[0], ConPort: ports[0], WorkerPort: ports[1], UserPort: ports[2]}, nil
}

// ParseLeader parses IP:ConPort.
func ParseLeader(s string) (types.ConsensusMachine, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return types.ConsensusMachine{}, fmt.Errorf("%q: want IP:ConPort", s)
	}
	ports, err := parsePorts(s, parts[1:])
	if err != nil {
		return types.ConsensusMachine{}, err
	}
	return types.ConsensusMachine{ID: LeaderID, IP: parts[0], Port: ports[0]}, nil
}

// ParseMaster parses Host:WorkerPort:UserPort.
func ParseMaster(s string, id int) (types.MasterMachine, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return types.MasterMachine{}, fmt.Errorf("%q: want Host:WorkerPort:UserPort", s)
	}
	ports, err := parsePorts(s, parts[1:])
	if err != nil {
		return types.MasterMachine{}, err
	}
	return types.MasterMachine{ID: id, IP: parts[0], WorkerPort: ports[0], UserPort: ports[1]}, nil
}

func parsePorts(s string, parts []string) ([]int, error) {
	ports := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return nil, fmt.Errorf("%q: invalid port %q", s, p)
		}
		ports[i] = n
	}
	return ports, nil
}

// State is the membership view of one consensus replica plus, on the
// leader, the issuance counters. Safe for concurrent use.
type State struct {
	mu          sync.RWMutex
	consensusID int
	this        Self
	leader      *types.ConsensusMachine // nil on the leader itself
	consensuses []types.ConsensusMachine
	masters     []types.MasterMachine

	// Next values to issue. Only meaningful on the leader.
	conflicting uint32
	assigned    int
	uniqueIDs   map[string]struct{}
}

func newState(this Self) *State {
	return &State{
		consensusID: LeaderID,
		this:        this,
		conflicting: firstConflictingID,
		assigned:    firstAssignedID,
		uniqueIDs:   make(map[string]struct{}),
	}
}

// NewLeaderState builds the leader's view. Masters are numbered from 2 in
// the order given; the leader lists itself as consensus id 1.
func NewLeaderState(this Self, masters []string) (*State, error) {
	s := newState(this)
	for i, m := range masters {
		mm, err := ParseMaster(m, firstAssignedID+i)
		if err != nil {
			return nil, err
		}
		s.masters = append(s.masters, mm)
	}
	s.consensuses = []types.ConsensusMachine{{ID: LeaderID, IP: this.IP, Port: this.ConPort}}
	return s, nil
}

// NewFollowerState builds a follower's view. Its lists stay empty until the
// leader answers its connection request.
func NewFollowerState(this Self, leader types.ConsensusMachine) *State {
	s := newState(this)
	s.leader = &leader
	return s
}

func (s *State) ID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consensusID
}

func (s *State) Self() Self { return s.this }

func (s *State) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader == nil
}

// Leader returns the leader's address; ok is false on the leader itself.
func (s *State) Leader() (types.ConsensusMachine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.leader == nil {
		return types.ConsensusMachine{}, false
	}
	return *s.leader, true
}

func (s *State) Consensuses() []types.ConsensusMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.consensuses)
}

func (s *State) Masters() []types.MasterMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.masters)
}

// Lists returns both membership lists under one lock.
func (s *State) Lists() ([]types.ConsensusMachine, []types.MasterMachine) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.consensuses), slices.Clone(s.masters)
}

// ============================================================================
// Leader issuance
// ============================================================================

// NextConflictingID issues the next conflicting-action id.
func (s *State) NextConflictingID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.conflicting
	s.conflicting++
	return id
}

// NextUniqueID issues a random id never issued before by this leader.
func (s *State) NextUniqueID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := idgen.Unique(func(c string) bool {
		_, taken := s.uniqueIDs[c]
		return taken
	})
	s.uniqueIDs[id] = struct{}{}
	return id
}

// RegisterFollower gives a connecting replica the next consensus id, adds
// it to the membership and returns the lists it should adopt.
func (s *State) RegisterFollower(ip string, port int) (int, []types.ConsensusMachine, []types.MasterMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.assigned
	s.assigned++
	s.consensuses = append(s.consensuses, types.ConsensusMachine{ID: id, IP: ip, Port: port})
	return id, slices.Clone(s.consensuses), slices.Clone(s.masters)
}

// Snapshot captures the issuance state for persistence.
func (s *State) Snapshot() snapshot.LeaderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.uniqueIDs))
	for id := range s.uniqueIDs {
		ids = append(ids, id)
	}
	return snapshot.LeaderState{
		ConflictingCounter: s.conflicting,
		ConsensusCounter:   s.assigned,
		UniqueIDs:          ids,
	}
}

// Restore resumes issuance from a snapshot. Counters only move forward.
func (s *State) Restore(snap snapshot.LeaderState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicting = max(s.conflicting, snap.ConflictingCounter)
	s.assigned = max(s.assigned, snap.ConsensusCounter)
	for _, id := range snap.UniqueIDs {
		s.uniqueIDs[id] = struct{}{}
	}
}

// Apply replays one journaled issuance. Like Restore it only moves
// counters forward.
func (s *State) Apply(ev wal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case wal.EventConflicting:
		id, err := strconv.ParseUint(ev.Value, 10, 32)
		if err != nil {
			return fmt.Errorf("seq %d: %w", ev.Seq, err)
		}
		s.conflicting = max(s.conflicting, uint32(id)+1)
	case wal.EventConsensus:
		id, err := strconv.Atoi(ev.Value)
		if err != nil {
			return fmt.Errorf("seq %d: %w", ev.Seq, err)
		}
		s.assigned = max(s.assigned, id+1)
	case wal.EventUnique:
		s.uniqueIDs[ev.Value] = struct{}{}
	default:
		return fmt.Errorf("seq %d: unknown event %q", ev.Seq, ev.Type)
	}
	return nil
}

// ============================================================================
// Membership reconciliation
// ============================================================================

// Reconcile intersects a peer's view with the local one on id and returns
// the result, so anyone the peer no longer reports is dropped. Masters are
// never added back. A follower hearing from its leader also adopts the
// consensus replicas it has not met yet, and takes the leader's word on
// which master is active. Otherwise a surviving master is active when either
// side says so.
func (s *State) Reconcile(from int, cons []types.ConsensusMachine, masters []types.MasterMachine) ([]types.ConsensusMachine, []types.MasterMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromLeader := s.leader != nil && s.leader.ID == from

	remoteCons := make(map[int]struct{}, len(cons))
	for _, c := range cons {
		remoteCons[c.ID] = struct{}{}
	}
	known := make(map[int]struct{}, len(s.consensuses))
	kept := s.consensuses[:0:0]
	for _, c := range s.consensuses {
		known[c.ID] = struct{}{}
		if _, ok := remoteCons[c.ID]; ok {
			kept = append(kept, c)
		}
	}
	if fromLeader {
		for _, c := range cons {
			if _, ok := known[c.ID]; !ok {
				kept = append(kept, c)
			}
		}
	}
	s.consensuses = kept

	remoteMasters := make(map[int]types.MasterMachine, len(masters))
	for _, m := range masters {
		remoteMasters[m.ID] = m
	}
	keptMasters := s.masters[:0:0]
	for _, m := range s.masters {
		r, ok := remoteMasters[m.ID]
		if !ok {
			continue
		}
		if fromLeader {
			m.Active = r.Active
		} else {
			m.Active = m.Active || r.Active
		}
		keptMasters = append(keptMasters, m)
	}
	s.masters = keptMasters

	return slices.Clone(s.consensuses), slices.Clone(s.masters)
}

// Replace adopts a peer's lists wholesale.
func (s *State) Replace(cons []types.ConsensusMachine, masters []types.MasterMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensuses = slices.Clone(cons)
	s.masters = slices.Clone(masters)
}

// Join records the id and lists the leader assigned to this follower.
func (s *State) Join(id int, cons []types.ConsensusMachine, masters []types.MasterMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensusID = id
	s.consensuses = slices.Clone(cons)
	s.masters = slices.Clone(masters)
}

// RemoveConsensus drops a peer from the membership.
func (s *State) RemoveConsensus(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensuses = slices.DeleteFunc(s.consensuses, func(c types.ConsensusMachine) bool { return c.ID == id })
}

// IsLeaderAddr reports whether addr is the leader this follower follows.
func (s *State) IsLeaderAddr(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader != nil && s.leader.Addr() == addr
}

// PopMaster removes and returns the last master.
func (s *State) PopMaster() (types.MasterMachine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.masters)
	if n == 0 {
		return types.MasterMachine{}, false
	}
	m := s.masters[n-1]
	s.masters = s.masters[:n-1]
	return m, true
}

// PushMaster appends a master.
func (s *State) PushMaster(m types.MasterMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters = append(s.masters, m)
}

// DropMasters removes every master keep rejects. If the active master was
// among them, the first survivor is marked active and returned.
func (s *State) DropMasters(keep func(types.MasterMachine) bool) (dropped []types.MasterMachine, promoted *types.MasterMachine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lostActive := false
	kept := s.masters[:0]
	for _, m := range s.masters {
		if keep(m) {
			kept = append(kept, m)
			continue
		}
		lostActive = lostActive || m.Active
		dropped = append(dropped, m)
	}
	s.masters = kept

	if lostActive && len(s.masters) > 0 {
		s.masters[0].Active = true
		p := s.masters[0]
		promoted = &p
	}
	return dropped, promoted
}
