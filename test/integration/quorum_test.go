package integration

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adeboyed/Parliament/internal/cli"
	"github.com/adeboyed/Parliament/internal/client"
	"github.com/adeboyed/Parliament/internal/wire"
)

func startMinister(t *testing.T) *cli.Minister {
	t.Helper()
	cfg := cli.DefaultConfig().Minister
	cfg.WorkerAddr = "127.0.0.1:0"
	cfg.UserAddr = "127.0.0.1:0"
	cfg.ConsensusMode = true
	cfg.TickInterval = 10 * time.Millisecond

	m, err := cli.NewMinister(cfg, nil)
	require.NoError(t, err)
	m.WorkerGW.Shutdown = func() { go m.Stop() }
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})
	require.NoError(t, m.Start(ctx))
	return m
}

// rogueMaster rejects every new user and acknowledges consensus actions,
// on a single port.
func rogueMaster(t *testing.T) string {
	t.Helper()
	srv, err := wire.Listen("rogue", "127.0.0.1:0", func(ctx context.Context, conn net.Conn) {
		_, payload, err := wire.ReadSequencedFrame(conn)
		if err != nil {
			return
		}
		var req wire.UserRequest
		if wire.Unmarshal(payload, &req) == nil && req.CreateConnection != nil {
			_ = wire.Send(conn, &wire.UserResponse{CreateConnection: &wire.CreateConnectionResponse{UserID: "rogue"}})
			return
		}
		_ = wire.Send(conn, &wire.ServerMessage{ConsensusResponse: &wire.ConsensusResponse{}})
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	p := srv.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("127.0.0.1:%d:%d", p, p)
}

func masterSpec(t *testing.T, m *cli.Minister) string {
	return fmt.Sprintf("127.0.0.1:%d:%d", portOf(t, m.WorkerAddr()), portOf(t, m.UserAddr()))
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return n
}

func startLeader(t *testing.T, masters ...string) *cli.ConsensusNode {
	t.Helper()
	cfg := cli.DefaultConfig().Consensus
	cfg.Export = "127.0.0.1:0:0:0"
	cfg.Initial = true
	cfg.Masters = masters
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.DialTimeout = 500 * time.Millisecond
	cfg.IOTimeout = 2 * time.Second

	n, err := cli.NewConsensusNode(cfg, nil)
	require.NoError(t, err)
	n.Service.Exit = func(code int) { t.Logf("consensus exit %d", code) }
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		n.Stop()
	})
	require.NoError(t, n.Start(ctx))
	return n
}

func TestQuorumOutvotesRogueMaster(t *testing.T) {
	m1, m2 := startMinister(t), startMinister(t)
	// the last master listed is made active
	leader := startLeader(t, rogueMaster(t), masterSpec(t, m1), masterSpec(t, m2))
	require.Len(t, leader.Service.Masters(), 3)
	require.True(t, m2.Replica.Active())

	s := connect(t, leader.UserAddr())
	assert.NotEqual(t, "rogue", s.UserID())
	assert.Equal(t, 1, m1.Users.Len())
	assert.Equal(t, 1, m2.Users.Len())

	masters := leader.Service.Masters()
	require.Len(t, masters, 2, "the disagreeing master is dropped")
	for _, m := range masters {
		assert.NotEqual(t, 2, m.ID)
	}
	assert.True(t, m2.Replica.Active(), "the active master survives")

	// the survivors still agree
	require.NoError(t, s.Heartbeat(context.Background()))
	assert.Len(t, leader.Service.Masters(), 2)
}

func TestQuorumTieKeepsOneSide(t *testing.T) {
	m1 := startMinister(t)
	leader := startLeader(t, rogueMaster(t), masterSpec(t, m1))

	_, _ = client.Connect(context.Background(), leader.UserAddr(), "img", 5*time.Second)
	assert.Len(t, leader.Service.Masters(), 1, "a one-to-one split drops one side")
}

func TestProxyWithoutMastersClosesConnection(t *testing.T) {
	m1 := startMinister(t)
	leader := startLeader(t, masterSpec(t, m1))
	m1.Stop()

	_, err := client.Connect(context.Background(), leader.UserAddr(), "img", time.Second)
	assert.Error(t, err)
}
