// Package quorum fronts the coordinator replicas. Every request a user or
// worker sends to a consensus replica is broadcast to all live masters;
// the raw replies are hashed and tallied, the most common reply is
// returned, and every master that disagreed or stayed silent is dropped.
package quorum

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/adeboyed/Parliament/internal/metrics"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

var (
	ErrNoMasters   = errors.New("no live masters")
	ErrNoResponses = errors.New("no master responded")
)

// Port selects which coordinator port a broadcast targets.
type Port int

const (
	UserPort Port = iota
	WorkerPort
)

func (p Port) addr(m types.MasterMachine) string {
	if p == UserPort {
		return m.UserAddr()
	}
	return m.WorkerAddr()
}

// Membership is the live master set, owned by the consensus service.
type Membership interface {
	Masters() []types.MasterMachine
	// DropMasters removes every master keep rejects and returns them.
	DropMasters(keep func(types.MasterMachine) bool) []types.MasterMachine
}

// Reply is one master's answer to a broadcast. Err is set when the master
// could not be reached or did not answer.
type Reply struct {
	MasterID int
	Payload  []byte
	Err      error
}

// Decision is the outcome of tallying replies.
type Decision struct {
	Payload []byte
	Hash    uint64
	Votes   int
	Outcome string
	// Agreed holds the ids of masters whose reply matched.
	Agreed map[int]bool
}

// Decide tallies replies by content hash. The hash with the most votes
// wins; equal counts go to the numerically lowest hash.
func Decide(replies []Reply, total int) (Decision, error) {
	type tally struct {
		hash    uint64
		votes   int
		payload []byte
	}
	byHash := make(map[uint64]*tally)
	voters := make(map[uint64][]int)
	for _, r := range replies {
		if r.Err != nil {
			continue
		}
		h := xxhash.Sum64(r.Payload)
		t, ok := byHash[h]
		if !ok {
			t = &tally{hash: h, payload: r.Payload}
			byHash[h] = t
		}
		t.votes++
		voters[h] = append(voters[h], r.MasterID)
	}
	if len(byHash) == 0 {
		return Decision{Outcome: metrics.OutcomeNone}, ErrNoResponses
	}

	tallies := make([]*tally, 0, len(byHash))
	for _, t := range byHash {
		tallies = append(tallies, t)
	}
	slices.SortFunc(tallies, func(a, b *tally) int {
		if c := cmp.Compare(b.votes, a.votes); c != 0 {
			return c
		}
		return cmp.Compare(a.hash, b.hash)
	})
	win := tallies[0]

	d := Decision{
		Payload: win.payload,
		Hash:    win.hash,
		Votes:   win.votes,
		Agreed:  make(map[int]bool, win.votes),
	}
	for _, id := range voters[win.hash] {
		d.Agreed[id] = true
	}
	switch {
	case len(tallies) > 1:
		d.Outcome = metrics.OutcomeSplit
	case win.votes < total:
		d.Outcome = metrics.OutcomePartial
	default:
		d.Outcome = metrics.OutcomeUnanimous
	}
	return d, nil
}

// Broadcaster sends one request to every live master and decides on the
// reply.
type Broadcaster struct {
	members Membership
	dialer  wire.Dialer
	metrics *metrics.Collector
	log     *slog.Logger
}

func NewBroadcaster(members Membership, dialer wire.Dialer, m *metrics.Collector) *Broadcaster {
	return &Broadcaster{
		members: members,
		dialer:  dialer,
		metrics: m,
		log:     slog.With("component", "quorum"),
	}
}

// Broadcast sends payload with sequence id seq to port on every master,
// waits for all of them and returns the decided reply.
func (b *Broadcaster) Broadcast(ctx context.Context, l *slog.Logger, port Port, seq uint32, payload []byte) ([]byte, error) {
	masters := b.members.Masters()
	if len(masters) == 0 {
		return nil, ErrNoMasters
	}

	replies := make([]Reply, len(masters))
	var wg sync.WaitGroup
	for i, m := range masters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := b.dialer.RoundTripSequenced(ctx, port.addr(m), seq, payload)
			if err != nil {
				l.Warn("Master did not respond", "master", m.ID, "error", err)
			}
			replies[i] = Reply{MasterID: m.ID, Payload: out, Err: err}
		}()
	}
	wg.Wait()

	d, err := Decide(replies, len(masters))
	b.metrics.RecordQuorumDecision(d.Outcome)
	if err != nil {
		l.Warn("No responses received")
		return nil, err
	}

	switch d.Outcome {
	case metrics.OutcomeUnanimous:
		l.Debug("Consensus achieved", "votes", d.Votes)
	case metrics.OutcomePartial:
		l.Warn("Not all masters provided a response", "votes", d.Votes, "masters", len(masters))
	case metrics.OutcomeSplit:
		l.Warn("Consensus not achieved, deciding by majority", "votes", d.Votes, "masters", len(masters))
	}
	if d.Outcome != metrics.OutcomeUnanimous {
		dropped := b.members.DropMasters(func(m types.MasterMachine) bool { return d.Agreed[m.ID] })
		b.metrics.RecordReplicasDropped(len(dropped))
	}
	return d.Payload, nil
}
