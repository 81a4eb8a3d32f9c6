package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

// MaxAttempts is how many times a peer update is tried before the peer is
// considered gone.
const MaxAttempts = 3

var (
	ErrClientClosed    = errors.New("consensus client closed")
	ErrInvalidResponse = errors.New("invalid peer response")
)

// Update is one outbound message of the consensus client. Exactly one of
// Peer and Master is set.
type Update struct {
	Addr    string
	PeerID  int
	Peer    *wire.PeerRequest
	Master  *wire.WorkerMessage
	Attempt int
}

// ClientConfig configures the outbound pool.
type ClientConfig struct {
	Workers     int
	QueueSize   int
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 5 * time.Second
	}
	return c
}

// Client drains the update queue towards consensus peers and masters.
type Client struct {
	cfg    ClientConfig
	state  *State
	dialer wire.Dialer
	log    *slog.Logger

	// Exit is called with code 2 when the leader stops answering.
	Exit func(code int)

	updateCh chan Update
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewClient(cfg ClientConfig, state *State) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		state:    state,
		dialer:   wire.Dialer{DialTimeout: cfg.DialTimeout, IOTimeout: cfg.IOTimeout},
		log:      slog.With("component", "consensus-client"),
		Exit:     exitProcess,
		updateCh: make(chan Update, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run(ctx)
		}()
	}
}

func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

// Enqueue queues an update. It blocks while the queue is full.
func (c *Client) Enqueue(u Update) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrClientClosed
	}
	if u.Attempt == 0 {
		u.Attempt = 1
	}
	select {
	case c.updateCh <- u:
		return nil
	case <-c.stopCh:
		return ErrClientClosed
	}
}

// ConnectToLeader asks the leader for an id and the membership lists.
func (c *Client) ConnectToLeader(leader types.ConsensusMachine, port int) error {
	return c.Enqueue(Update{
		Addr:   leader.Addr(),
		PeerID: leader.ID,
		Peer:   &wire.PeerRequest{LeaderConnection: &wire.LeaderConnectionRequest{Port: port}},
	})
}

// Heartbeat sends both membership lists to a peer, signed with the
// sender's consensus id.
func (c *Client) Heartbeat(peer types.ConsensusMachine, from int, cons []types.ConsensusMachine, masters []types.MasterMachine) error {
	return c.Enqueue(Update{
		Addr:   peer.Addr(),
		PeerID: peer.ID,
		Peer:   &wire.PeerRequest{Heartbeat: &wire.HeartbeatRequest{From: from, Consensuses: cons, Masters: masters}},
	})
}

// MasterAction sends a consensus action to a master's worker port.
func (c *Client) MasterAction(m types.MasterMachine, action wire.ConsensusAction) error {
	return c.Enqueue(Update{
		Addr:   m.WorkerAddr(),
		PeerID: m.ID,
		Master: &wire.WorkerMessage{ConsensusRequest: &wire.ConsensusRequest{Action: action}},
	})
}

func (c *Client) run(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case u := <-c.updateCh:
			c.process(ctx, u)
		}
	}
}

func (c *Client) process(ctx context.Context, u Update) {
	l := c.log.With("msg", idgen.MessageID(), "addr", u.Addr, "attempt", u.Attempt)

	if u.Master != nil {
		// One attempt, sequence id 0. The reply only confirms delivery.
		var resp wire.ServerMessage
		if err := c.dialer.CallSequenced(ctx, u.Addr, 0, u.Master, &resp); err != nil {
			l.Warn("Master update not delivered", "master", u.PeerID, "error", err)
			return
		}
		l.Info("Master update delivered", "master", u.PeerID, "action", u.Master.ConsensusRequest.Action.String())
		return
	}

	var resp wire.PeerResponse
	err := c.dialer.Call(ctx, u.Addr, u.Peer, &resp)
	if err == nil {
		err = c.apply(u, &resp)
	}
	if err != nil {
		l.Warn("Failed to receive a correct response from peer", "peer", u.PeerID, "kind", u.Peer.Kind(), "error", err)
		c.retry(u, l)
	}
}

func (c *Client) apply(u Update, resp *wire.PeerResponse) error {
	switch {
	case u.Peer.LeaderConnection != nil && resp.LeaderConnection != nil:
		lc := resp.LeaderConnection
		c.state.Join(lc.ConsensusID, lc.Heartbeat.Consensuses, lc.Heartbeat.Masters)
		c.log.Info("Joined consensus", "id", lc.ConsensusID, "peers", len(lc.Heartbeat.Consensuses), "masters", len(lc.Heartbeat.Masters))
		return nil
	case u.Peer.Heartbeat != nil && resp.Heartbeat != nil:
		c.state.Replace(resp.Heartbeat.Consensuses, resp.Heartbeat.Masters)
		return nil
	case resp.NotLeader != nil:
		return fmt.Errorf("%w: peer is not the leader", ErrInvalidResponse)
	default:
		return ErrInvalidResponse
	}
}

// retry re-queues u until MaxAttempts, then forgets the peer. Losing the
// leader ends the process.
func (c *Client) retry(u Update, l *slog.Logger) {
	if u.Attempt < MaxAttempts {
		u.Attempt++
		go func() {
			if err := c.Enqueue(u); err != nil {
				l.Warn("Dropped retry", "error", err)
			}
		}()
		return
	}

	l.Error("Peer failed every attempt, removing it", "peer", u.PeerID)
	c.state.RemoveConsensus(u.PeerID)
	if c.state.IsLeaderAddr(u.Addr) {
		l.Error("Leader has died, ending")
		c.Exit(2)
	}
}
