package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adeboyed/Parliament/internal/worker"
)

// LocalConfig describes an in-process cluster on loopback ports.
type LocalConfig struct {
	Ministers int  // coordinator replicas, at least 1
	Consensus bool // front the ministers with a consensus leader
	Workers   int
	Executor  worker.Executor
	Tick      time.Duration
}

// LocalCluster is every node of a LocalConfig, started and wired together.
type LocalCluster struct {
	Ministers []*Minister
	Leader    *ConsensusNode
	Agents    []*worker.Agent
}

// StartLocal brings up ministers, then the consensus leader when asked,
// then worker agents registered with whichever node fronts the cluster.
func StartLocal(ctx context.Context, cfg LocalConfig) (*LocalCluster, error) {
	if cfg.Ministers < 1 {
		return nil, errors.New("a local cluster needs at least one minister")
	}
	if cfg.Ministers > 1 && !cfg.Consensus {
		return nil, errors.New("several ministers need consensus mode")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	if cfg.Executor == nil {
		cfg.Executor = worker.DefaultClosures()
	}

	c := &LocalCluster{}
	var masters []string
	for range cfg.Ministers {
		mc := DefaultConfig().Minister
		mc.WorkerAddr = "127.0.0.1:0"
		mc.UserAddr = "127.0.0.1:0"
		mc.ConsensusMode = cfg.Consensus
		mc.TickInterval = cfg.Tick
		mc.DialTimeout = 500 * time.Millisecond
		mc.IOTimeout = 2 * time.Second
		mc.RetryDelay = 20 * time.Millisecond

		m, err := NewMinister(mc, nil)
		if err != nil {
			c.Stop()
			return nil, err
		}
		// A dropped replica stops in place instead of exiting the process.
		m.WorkerGW.Shutdown = func() { go m.Stop() }
		c.Ministers = append(c.Ministers, m)
		if err := m.Start(ctx); err != nil {
			c.Stop()
			return nil, err
		}
		masters = append(masters, fmt.Sprintf("127.0.0.1:%d:%d", addrPort(m.WorkerAddr()), addrPort(m.UserAddr())))
	}

	if cfg.Consensus {
		cc := DefaultConfig().Consensus
		cc.Export = "127.0.0.1:0:0:0"
		cc.Initial = true
		cc.Masters = masters
		cc.HeartbeatInterval = 100 * time.Millisecond
		cc.DialTimeout = 500 * time.Millisecond
		cc.IOTimeout = 2 * time.Second

		n, err := NewConsensusNode(cc, nil)
		if err != nil {
			c.Stop()
			return nil, err
		}
		n.Service.Exit = func(code int) {
			slog.Error("Local consensus replica exiting", "code", code)
		}
		c.Leader = n
		if err := n.Start(ctx); err != nil {
			c.Stop()
			return nil, err
		}
	}

	for range cfg.Workers {
		a, err := worker.New(worker.Config{Coordinator: c.WorkerAddr(), RetryDelay: 20 * time.Millisecond}, cfg.Executor)
		if err != nil {
			c.Stop()
			return nil, err
		}
		c.Agents = append(c.Agents, a)
		if err := a.Start(ctx); err != nil {
			c.Stop()
			return nil, err
		}
	}
	return c, nil
}

// WorkerAddr is where workers register.
func (c *LocalCluster) WorkerAddr() string {
	if c.Leader != nil {
		return c.Leader.WorkerAddr()
	}
	return c.Ministers[0].WorkerAddr()
}

// UserAddr is where users connect.
func (c *LocalCluster) UserAddr() string {
	if c.Leader != nil {
		return c.Leader.UserAddr()
	}
	return c.Ministers[0].UserAddr()
}

// Active returns the minister currently scheduling, or nil.
func (c *LocalCluster) Active() *Minister {
	for _, m := range c.Ministers {
		if !m.Replica.Consensus() || m.Replica.Active() {
			return m
		}
	}
	return nil
}

// Stop tears the cluster down in reverse start order.
func (c *LocalCluster) Stop() {
	for _, a := range c.Agents {
		a.Stop()
	}
	if c.Leader != nil {
		c.Leader.Stop()
	}
	for _, m := range c.Ministers {
		m.Stop()
	}
}
