package consensus

import (
	"context"
	"net"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/wire"
)

// Handle serves one connection on the consensus port. It satisfies
// wire.Handler.
func (s *Service) Handle(ctx context.Context, conn net.Conn) {
	l := s.log.With("msg", idgen.MessageID(), "remote", conn.RemoteAddr().String())

	var req wire.PeerRequest
	if err := wire.Receive(conn, &req); err != nil {
		l.Error("Could not decode message from stream", "error", err)
		return
	}
	l.Debug("Peer message received", "kind", req.Kind())

	notLeader := &wire.PeerResponse{NotLeader: &wire.NotLeaderResponse{}}
	var resp *wire.PeerResponse

	switch {
	case req.LeaderConnection != nil:
		if !s.state.IsLeader() {
			l.Error("Leader connection attempted on a follower")
			resp = notLeader
			break
		}
		id, cons, masters, err := s.registerFollower(wire.RemoteIP(conn), req.LeaderConnection.Port)
		if err != nil {
			l.Error("Could not record consensus id", "error", err)
			return
		}
		l.Info("Assigned new consensus id", "id", id)
		resp = &wire.PeerResponse{LeaderConnection: &wire.LeaderConnectionResponse{
			ConsensusID: id,
			Heartbeat:   wire.HeartbeatResponse{Consensuses: cons, Masters: masters},
		}}

	case req.Heartbeat != nil:
		cons, masters := s.state.Reconcile(req.Heartbeat.From, req.Heartbeat.Consensuses, req.Heartbeat.Masters)
		resp = &wire.PeerResponse{Heartbeat: &wire.HeartbeatResponse{Consensuses: cons, Masters: masters}}

	case req.ConflictingAction != nil:
		if !s.state.IsLeader() {
			l.Error("Conflicting id requested from a follower")
			resp = notLeader
			break
		}
		id, err := s.issueConflictingID()
		if err != nil {
			l.Error("Could not record conflicting id", "error", err)
			return
		}
		l.Info("Issued conflicting id", "id", id)
		resp = &wire.PeerResponse{ConflictingAction: &wire.ConflictingActionResponse{ID: id}}

	case req.UniqueID != nil:
		if !s.state.IsLeader() {
			l.Error("Unique id requested from a follower")
			resp = notLeader
			break
		}
		id, err := s.issueUniqueID()
		if err != nil {
			l.Error("Could not record unique id", "error", err)
			return
		}
		l.Info("Issued unique id", "id", id)
		resp = &wire.PeerResponse{UniqueID: &wire.UniqueIDResponse{ID: id}}

	default:
		l.Warn("Peer message did not carry an action")
		return
	}

	if err := wire.Send(conn, resp); err != nil {
		l.Error("Failed to write response", "error", err)
	}
}
