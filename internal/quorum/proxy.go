package quorum

import (
	"context"
	"log/slog"
	"net"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/wire"
)

// IDSource issues the ids the proxies stamp on requests. It is served by
// the consensus leader.
type IDSource interface {
	ConflictingID(ctx context.Context) (uint32, error)
	UniqueID(ctx context.Context) (string, error)
}

// UserProxy serves a consensus replica's user port.
type UserProxy struct {
	b   *Broadcaster
	ids IDSource
	log *slog.Logger
}

func NewUserProxy(b *Broadcaster, ids IDSource) *UserProxy {
	return &UserProxy{b: b, ids: ids, log: slog.With("component", "user-proxy")}
}

// Handle relays one user request to every master. Reads that depend on
// earlier writes carry a conflicting-action id so that masters drop them
// if they arrive out of order; new sessions get a leader-issued id so that
// every master registers the same user.
func (p *UserProxy) Handle(ctx context.Context, conn net.Conn) {
	l := p.log.With("msg", idgen.MessageID(), "remote", conn.RemoteAddr().String())

	var req wire.UserRequest
	if err := wire.Receive(conn, &req); err != nil {
		l.Error("Could not decode message from stream", "error", err)
		return
	}
	l.Debug("User message received", "kind", req.Kind())

	var seq uint32
	switch {
	case req.DataRetrieval != nil, req.JobStatus != nil:
		id, err := p.ids.ConflictingID(ctx)
		if err != nil {
			l.Error("Could not get conflicting action id", "error", err)
			return
		}
		seq = id
	case req.CreateConnection != nil:
		id, err := p.ids.UniqueID(ctx)
		if err != nil {
			l.Error("Could not get unique id", "error", err)
			return
		}
		req.CreateConnection.Authentication = id
	}

	payload, err := wire.Marshal(&req)
	if err != nil {
		l.Error("Could not encode request", "error", err)
		return
	}
	out, err := p.b.Broadcast(ctx, l, UserPort, seq, payload)
	if err != nil {
		l.Error("Broadcast failed", "error", err)
		return
	}
	if err := wire.WriteFrame(conn, out); err != nil {
		l.Error("Failed to write response", "error", err)
	}
}

// WorkerProxy serves a consensus replica's worker port.
type WorkerProxy struct {
	b   *Broadcaster
	ids IDSource
	log *slog.Logger
}

func NewWorkerProxy(b *Broadcaster, ids IDSource) *WorkerProxy {
	return &WorkerProxy{b: b, ids: ids, log: slog.With("component", "worker-proxy")}
}

// Handle relays one worker request to every master with sequence id 0.
// A connecting worker is given a leader-issued id and its own address, as
// the masters only see the proxy's.
func (p *WorkerProxy) Handle(ctx context.Context, conn net.Conn) {
	l := p.log.With("msg", idgen.MessageID(), "remote", conn.RemoteAddr().String())

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		l.Error("Could not read message from stream", "error", err)
		return
	}
	var msg wire.WorkerMessage
	if err := wire.Unmarshal(payload, &msg); err != nil {
		l.Error("Could not decode message", "error", err)
		return
	}
	l.Debug("Worker message received", "kind", msg.Kind())

	if c := msg.ConnectionRequest; c != nil {
		if c.Authentication == "" {
			id, err := p.ids.UniqueID(ctx)
			if err != nil {
				l.Error("Could not get unique id", "error", err)
				return
			}
			c.Authentication = id
		}
		if c.IPOverride == "" {
			c.IPOverride = wire.RemoteIP(conn)
		}
		if payload, err = wire.Marshal(&msg); err != nil {
			l.Error("Could not encode request", "error", err)
			return
		}
	}

	out, err := p.b.Broadcast(ctx, l, WorkerPort, 0, payload)
	if err != nil {
		l.Error("Broadcast failed", "error", err)
		return
	}
	if err := wire.WriteFrame(conn, out); err != nil {
		l.Error("Failed to write response", "error", err)
	}
}
