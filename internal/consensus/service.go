// Package consensus implements the consensus leader service: membership of
// consensus and coordinator replicas, leader-issued ids, and the choice of
// the active coordinator replica.
//
// Every consensus replica runs the same service. The one started with
// Initial set is the leader: it numbers the coordinator replicas, picks the
// active one and issues conflicting-action and unique ids. Followers join
// by asking the leader for an id and forward id requests to it.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/adeboyed/Parliament/internal/snapshot"
	"github.com/adeboyed/Parliament/internal/storage/wal"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

var (
	ErrNotLeader    = errors.New("peer is not the consensus leader")
	ErrNoMasters    = errors.New("no master could be set active")
	ErrLeaderFailed = errors.New("consensus leader unreachable")
)

func exitProcess(code int) { os.Exit(code) }

// Config is the consensus service configuration.
type Config struct {
	Self              Self
	Initial           bool
	Leader            string   // IP:ConPort, followers only
	Masters           []string // Host:WorkerPort:UserPort, leader only
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	IOTimeout         time.Duration
	SnapshotPath      string // leader only, empty disables persistence; the journal sits beside it
}

// Service is one consensus replica.
type Service struct {
	cfg     Config
	state   *State
	client  *Client
	dialer  wire.Dialer
	snap    *snapshot.Manager
	journal *wal.WAL
	log     *slog.Logger

	// Exit ends the process. Code 2 means the cluster lost its leader or
	// has no usable master.
	Exit func(code int)

	// persistMu orders issuance records against snapshot-and-rotate.
	persistMu sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
}

// New validates cfg and builds the replica's state. A leader with a
// snapshot resumes issuance where it stopped: the snapshot first, then
// every id journaled after it.
func New(cfg Config) (*Service, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}

	var state *State
	if cfg.Initial {
		if len(cfg.Masters) == 0 {
			return nil, errors.New("leader needs at least one master")
		}
		var err error
		if state, err = NewLeaderState(cfg.Self, cfg.Masters); err != nil {
			return nil, fmt.Errorf("masters: %w", err)
		}
	} else {
		if cfg.Leader == "" {
			return nil, errors.New("follower needs a leader address")
		}
		leader, err := ParseLeader(cfg.Leader)
		if err != nil {
			return nil, fmt.Errorf("leader: %w", err)
		}
		state = NewFollowerState(cfg.Self, leader)
	}

	s := &Service{
		cfg:    cfg,
		state:  state,
		dialer: wire.Dialer{DialTimeout: cfg.DialTimeout, IOTimeout: cfg.IOTimeout},
		log:    slog.With("component", "consensus"),
		Exit:   exitProcess,
		stopCh: make(chan struct{}),
	}
	s.client = NewClient(ClientConfig{DialTimeout: cfg.DialTimeout, IOTimeout: cfg.IOTimeout}, state)
	s.client.Exit = func(code int) { s.Exit(code) }

	if cfg.Initial && cfg.SnapshotPath != "" {
		s.snap = snapshot.NewManager(cfg.SnapshotPath)
		snap, err := s.snap.Load()
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		state.Restore(snap)

		if s.journal, err = wal.NewWAL(JournalPath(cfg.SnapshotPath), true); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if err := s.journal.Replay(state.Apply); err != nil {
			s.journal.Close()
			return nil, fmt.Errorf("replay journal: %w", err)
		}
		replayed := s.journal.GetLastSeq()
		s.persist()
		s.log.Info("Restored leader counters", "conflicting", snap.ConflictingCounter,
			"unique_ids", len(snap.UniqueIDs), "journaled", replayed)
	}
	return s, nil
}

// JournalPath is where a leader with the given snapshot records ids
// issued since the last snapshot.
func JournalPath(snapshotPath string) string { return snapshotPath + ".wal" }

func (s *Service) State() *State { return s.state }

// Start joins the cluster. The leader picks the active master; a follower
// asks the leader to admit it. Both then heartbeat their peers.
func (s *Service) Start(ctx context.Context) error {
	s.client.Start(ctx)

	if leader, ok := s.state.Leader(); ok {
		if err := s.client.ConnectToLeader(leader, s.cfg.Self.ConPort); err != nil {
			return err
		}
	} else if err := s.AssignMaster(ctx); err != nil {
		s.log.Error("Could not assign any of the masters as active, ending")
		s.Exit(2)
		return err
	}

	s.wg.Add(1)
	go s.heartbeatLoop(ctx)
	s.log.Info("Consensus service started", "leader", s.state.IsLeader(), "interval", s.cfg.HeartbeatInterval)
	return nil
}

// Stop ends the heartbeat loop and the client and saves the leader's
// counters.
func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.client.Stop()
		s.persist()
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.log.Error("Failed to close journal", "error", err)
			}
		}
		s.log.Info("Consensus service stopped")
	})
}

// AssignMaster pops masters from the end of the list until one accepts
// SetActive, trying each up to MaxAttempts times.
func (s *Service) AssignMaster(ctx context.Context) error {
	for {
		m, ok := s.state.PopMaster()
		if !ok {
			return ErrNoMasters
		}
		m.Active = true
		s.log.Info("Attempting to assign master as active", "master", m.ID, "addr", m.WorkerAddr())

		req := &wire.WorkerMessage{ConsensusRequest: &wire.ConsensusRequest{Action: wire.SetActive}}
		for attempt := 1; attempt <= MaxAttempts; attempt++ {
			var resp wire.ServerMessage
			err := s.dialer.CallSequenced(ctx, m.WorkerAddr(), 0, req, &resp)
			if err == nil && resp.ConsensusResponse != nil {
				s.state.PushMaster(m)
				s.log.Info("Assigned master successfully", "master", m.ID)
				return nil
			}
			s.log.Warn("Master did not accept SetActive", "master", m.ID, "attempt", attempt, "error", err)
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat()
			s.persist()
		}
	}
}

func (s *Service) heartbeat() {
	self := s.state.ID()
	cons, masters := s.state.Lists()
	s.log.Debug("Membership", "consensuses", len(cons), "masters", len(masters))
	for _, peer := range cons {
		if peer.ID == self {
			continue
		}
		if err := s.client.Heartbeat(peer, self, cons, masters); err != nil {
			s.log.Warn("Failed to queue heartbeat", "peer", peer.ID, "error", err)
		}
	}
}

// persist writes the snapshot and empties the journal it now covers.
func (s *Service) persist() {
	if s.snap == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.snap.Write(s.state.Snapshot()); err != nil {
		s.log.Error("Failed to persist leader counters", "error", err)
		return
	}
	if err := s.journal.Rotate(); err != nil {
		s.log.Error("Failed to rotate journal", "error", err)
	}
}

// record journals an issued id before it leaves the leader.
func (s *Service) record(kind wal.EventType, value string) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Append(kind, value); err != nil {
		return fmt.Errorf("journal %s %s: %w", kind, value, err)
	}
	return nil
}

func (s *Service) issueConflictingID() (uint32, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	id := s.state.NextConflictingID()
	return id, s.record(wal.EventConflicting, strconv.FormatUint(uint64(id), 10))
}

func (s *Service) issueUniqueID() (string, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	id := s.state.NextUniqueID()
	return id, s.record(wal.EventUnique, id)
}

func (s *Service) registerFollower(ip string, port int) (int, []types.ConsensusMachine, []types.MasterMachine, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	id, cons, masters := s.state.RegisterFollower(ip, port)
	return id, cons, masters, s.record(wal.EventConsensus, strconv.Itoa(id))
}

// ============================================================================
// Ids for the proxies
// ============================================================================

// ConflictingID returns the next conflicting-action id, locally on the
// leader and from the leader otherwise.
func (s *Service) ConflictingID(ctx context.Context) (uint32, error) {
	if s.state.IsLeader() {
		return s.issueConflictingID()
	}
	resp, err := s.askLeader(ctx, &wire.PeerRequest{ConflictingAction: &wire.ConflictingActionRequest{}})
	if err != nil {
		return 0, err
	}
	if resp.ConflictingAction == nil {
		return 0, ErrInvalidResponse
	}
	return resp.ConflictingAction.ID, nil
}

// UniqueID returns a never-issued user id, locally on the leader and from
// the leader otherwise.
func (s *Service) UniqueID(ctx context.Context) (string, error) {
	if s.state.IsLeader() {
		return s.issueUniqueID()
	}
	resp, err := s.askLeader(ctx, &wire.PeerRequest{UniqueID: &wire.UniqueIDRequest{}})
	if err != nil {
		return "", err
	}
	if resp.UniqueID == nil {
		return "", ErrInvalidResponse
	}
	return resp.UniqueID.ID, nil
}

func (s *Service) askLeader(ctx context.Context, req *wire.PeerRequest) (*wire.PeerResponse, error) {
	leader, _ := s.state.Leader()
	var resp wire.PeerResponse
	if err := s.dialer.Call(ctx, leader.Addr(), req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLeaderFailed, err)
	}
	if resp.NotLeader != nil {
		return nil, ErrNotLeader
	}
	return &resp, nil
}

// ============================================================================
// Master membership for the quorum layer
// ============================================================================

func (s *Service) Masters() []types.MasterMachine { return s.state.Masters() }

// DropMasters removes masters keep rejects, shuts them down and, if the
// active one was among them, promotes the first survivor.
func (s *Service) DropMasters(keep func(types.MasterMachine) bool) []types.MasterMachine {
	dropped, promoted := s.state.DropMasters(keep)
	for _, m := range dropped {
		s.log.Warn("Dropping master", "master", m.ID, "active", m.Active)
		if err := s.client.MasterAction(m, wire.Shutdown); err != nil {
			s.log.Error("Failed to queue shutdown", "master", m.ID, "error", err)
		}
	}
	if promoted != nil {
		s.log.Info("Assigning new active master", "master", promoted.ID)
		if err := s.client.MasterAction(*promoted, wire.SetActive); err != nil {
			s.log.Error("Failed to queue SetActive", "master", promoted.ID, "error", err)
		}
	}
	return dropped
}
