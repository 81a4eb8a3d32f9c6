package quorum

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adeboyed/Parliament/internal/metrics"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

var dialer = wire.Dialer{DialTimeout: time.Second, IOTimeout: 2 * time.Second}

// members is an in-memory Membership.
type members struct {
	mu      sync.Mutex
	masters []types.MasterMachine
	dropped []types.MasterMachine
}

func (m *members) Masters() []types.MasterMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.masters)
}

func (m *members) DropMasters(keep func(types.MasterMachine) bool) []types.MasterMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.MasterMachine
	m.masters = slices.DeleteFunc(m.masters, func(mm types.MasterMachine) bool {
		if keep(mm) {
			return false
		}
		out = append(out, mm)
		return true
	})
	m.dropped = append(m.dropped, out...)
	return out
}

func (m *members) droppedIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.dropped))
	for _, d := range m.dropped {
		ids = append(ids, d.ID)
	}
	return ids
}

// fakeMaster answers every sequenced frame with reply(seq, payload). A nil
// reply closes the connection unanswered.
type fakeMaster struct {
	mu   sync.Mutex
	seqs []uint32
	reqs [][]byte
}

func (fm *fakeMaster) last() (uint32, []byte) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	n := len(fm.seqs)
	return fm.seqs[n-1], fm.reqs[n-1]
}

func startMaster(t *testing.T, id int, reply func(seq uint32, payload []byte) []byte) (*fakeMaster, types.MasterMachine) {
	t.Helper()
	fm := &fakeMaster{}
	srv, err := wire.Listen("fake-master", "127.0.0.1:0", func(ctx context.Context, conn net.Conn) {
		seq, payload, err := wire.ReadSequencedFrame(conn)
		if err != nil {
			return
		}
		fm.mu.Lock()
		fm.seqs = append(fm.seqs, seq)
		fm.reqs = append(fm.reqs, payload)
		fm.mu.Unlock()
		if out := reply(seq, payload); out != nil {
			_ = wire.WriteFrame(conn, out)
		}
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	p := srv.Addr().(*net.TCPAddr).Port
	return fm, types.MasterMachine{ID: id, IP: "127.0.0.1", WorkerPort: p, UserPort: p}
}

func fixed(b string) func(uint32, []byte) []byte {
	return func(uint32, []byte) []byte { return []byte(b) }
}

func silent(uint32, []byte) []byte { return nil }

func TestDecide(t *testing.T) {
	x, y, z := []byte("x"), []byte("y"), []byte("z")
	unreachable := Reply{MasterID: 9, Err: assert.AnError}

	t.Run("unanimous", func(t *testing.T) {
		d, err := Decide([]Reply{{MasterID: 1, Payload: x}, {MasterID: 2, Payload: x}}, 2)
		require.NoError(t, err)
		assert.Equal(t, x, d.Payload)
		assert.Equal(t, metrics.OutcomeUnanimous, d.Outcome)
		assert.Equal(t, 2, d.Votes)
	})

	t.Run("majority wins", func(t *testing.T) {
		d, err := Decide([]Reply{{MasterID: 1, Payload: x}, {MasterID: 2, Payload: x}, {MasterID: 3, Payload: y}}, 3)
		require.NoError(t, err)
		assert.Equal(t, x, d.Payload)
		assert.Equal(t, metrics.OutcomeSplit, d.Outcome)
		assert.Equal(t, map[int]bool{1: true, 2: true}, d.Agreed)
	})

	t.Run("tie goes to lowest hash", func(t *testing.T) {
		d, err := Decide([]Reply{{MasterID: 1, Payload: y}, {MasterID: 2, Payload: z}, {MasterID: 3, Payload: x}}, 3)
		require.NoError(t, err)
		lowest := slices.MinFunc([][]byte{x, y, z}, func(a, b []byte) int {
			ha, hb := xxhash.Sum64(a), xxhash.Sum64(b)
			switch {
			case ha < hb:
				return -1
			case ha > hb:
				return 1
			}
			return 0
		})
		assert.Equal(t, lowest, d.Payload)
		assert.Equal(t, xxhash.Sum64(lowest), d.Hash)
	})

	t.Run("missing replies are partial", func(t *testing.T) {
		d, err := Decide([]Reply{{MasterID: 1, Payload: x}, unreachable}, 2)
		require.NoError(t, err)
		assert.Equal(t, metrics.OutcomePartial, d.Outcome)
		assert.False(t, d.Agreed[9])
	})

	t.Run("no replies", func(t *testing.T) {
		d, err := Decide([]Reply{unreachable}, 1)
		assert.ErrorIs(t, err, ErrNoResponses)
		assert.Equal(t, metrics.OutcomeNone, d.Outcome)
	})
}

func TestBroadcastDropsDisagreeingMasters(t *testing.T) {
	_, a := startMaster(t, 2, fixed("x"))
	_, b := startMaster(t, 3, fixed("x"))
	_, c := startMaster(t, 4, fixed("y"))
	m := &members{masters: []types.MasterMachine{a, b, c}}
	bc := NewBroadcaster(m, dialer, nil)

	out, err := bc.Broadcast(context.Background(), slog.Default(), WorkerPort, 0, []byte("req"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
	assert.Equal(t, []int{4}, m.droppedIDs())
	assert.Len(t, m.Masters(), 2)
}

func TestBroadcastDropsSilentMasters(t *testing.T) {
	_, a := startMaster(t, 2, fixed("x"))
	_, b := startMaster(t, 3, silent)
	m := &members{masters: []types.MasterMachine{a, b}}
	bc := NewBroadcaster(m, dialer, nil)

	out, err := bc.Broadcast(context.Background(), slog.Default(), UserPort, 5, []byte("req"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
	assert.Equal(t, []int{3}, m.droppedIDs())
}

func TestBroadcastUnanimousKeepsEveryone(t *testing.T) {
	_, a := startMaster(t, 2, fixed("x"))
	_, b := startMaster(t, 3, fixed("x"))
	m := &members{masters: []types.MasterMachine{a, b}}

	_, err := NewBroadcaster(m, dialer, nil).Broadcast(context.Background(), slog.Default(), UserPort, 0, []byte("req"))
	require.NoError(t, err)
	assert.Empty(t, m.droppedIDs())
}

func TestBroadcastWithoutMasters(t *testing.T) {
	_, err := NewBroadcaster(&members{}, dialer, nil).Broadcast(context.Background(), slog.Default(), UserPort, 0, nil)
	assert.ErrorIs(t, err, ErrNoMasters)

	_, a := startMaster(t, 2, silent)
	_, err = NewBroadcaster(&members{masters: []types.MasterMachine{a}}, dialer, nil).
		Broadcast(context.Background(), slog.Default(), UserPort, 0, nil)
	assert.ErrorIs(t, err, ErrNoResponses)
}
