package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/jobmanager"
	"github.com/adeboyed/Parliament/internal/metrics"
	"github.com/adeboyed/Parliament/internal/registry"
	"github.com/adeboyed/Parliament/internal/replica"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

// Submission validation errors.
var (
	ErrNoJobs        = errors.New("no jobs submitted")
	ErrMapBeforeData = errors.New("first job is a map job")
	ErrMultipleInput = errors.New("multiple input jobs")
	ErrNoMapJobs     = errors.New("submission has no map jobs")
	ErrJobClash      = errors.New("job id clash")
)

// UserDeps are the stores the user port reads and writes.
type UserDeps struct {
	Jobs    *jobmanager.JobManager
	Data    jobmanager.DataStore
	Users   *registry.Users
	Replica *replica.State
	Metrics *metrics.Collector
}

// UserGateway handles requests arriving on the user port.
type UserGateway struct {
	jobs    *jobmanager.JobManager
	data    jobmanager.DataStore
	users   *registry.Users
	replica *replica.State
	metrics *metrics.Collector
	log     *slog.Logger
}

func NewUserGateway(d UserDeps) *UserGateway {
	if d.Replica == nil {
		d.Replica = replica.New(false)
	}
	return &UserGateway{
		jobs:    d.Jobs,
		data:    d.Data,
		users:   d.Users,
		replica: d.Replica,
		metrics: d.Metrics,
		log:     slog.With("component", "user-gateway"),
	}
}

// JobID is the cluster-wide id of a user's job.
func JobID(userID string, jobID int32) string {
	return fmt.Sprintf("%s-%d", userID, jobID)
}

// Handle serves one user connection. It satisfies wire.Handler.
func (g *UserGateway) Handle(ctx context.Context, conn net.Conn) {
	l := g.log.With("msg", idgen.MessageID(), "remote", conn.RemoteAddr().String())

	var req wire.UserRequest
	seq, err := wire.ReceiveMaybeSequenced(conn, g.replica.Consensus(), &req)
	if err != nil {
		l.Error("Could not decode message from stream", "error", err)
		return
	}
	if !g.replica.Accept(seq) {
		g.metrics.RecordSequencedDropped()
		l.Warn("Dropped stale message", "seq", seq, "counter", g.replica.Counter())
		return
	}
	l.Debug("User message received", "kind", req.Kind(), "seq", seq)

	resp, ok := g.process(ctx, l, &req)
	if !ok {
		return
	}
	if err := wire.Send(conn, resp); err != nil {
		l.Error("Failed to write response", "error", err)
	}
}

// process answers one decoded request. It reports false when the request
// carries no known action and should go unanswered.
func (g *UserGateway) process(ctx context.Context, l *slog.Logger, req *wire.UserRequest) (*wire.UserResponse, bool) {
	switch {
	case req.CreateConnection != nil:
		return g.createConnection(l, req.CreateConnection), true
	case req.Connection != nil:
		return g.connection(l, req.Connection), true
	case req.JobSubmission != nil:
		return g.submit(ctx, l, req.JobSubmission), true
	case req.DataRetrieval != nil:
		return g.retrieve(ctx, l, req.DataRetrieval), true
	case req.JobStatus != nil:
		return g.status(l, req.JobStatus), true
	default:
		l.Warn("Unsupported message on user port", "kind", req.Kind())
		return nil, false
	}
}

func notice(a wire.NoticeAction) *wire.UserResponse {
	return &wire.UserResponse{Notice: &wire.ServerNotice{Action: a}}
}

// authenticate answers nil for a live session, otherwise the notice to
// send back.
func (g *UserGateway) authenticate(l *slog.Logger, userID string) *wire.UserResponse {
	if err := g.users.Authenticate(userID); err != nil {
		l.Warn("Received request from unknown user", "user", userID, "error", err)
		return notice(wire.UserTimeout)
	}
	return nil
}

func (g *UserGateway) createConnection(l *slog.Logger, req *wire.CreateConnectionRequest) *wire.UserResponse {
	id := req.Authentication
	if id == "" {
		id = idgen.Unique(g.users.Has)
	}
	if err := g.users.Create(id, req.Image); err != nil {
		l.Warn("Rejected user connection", "user", id, "error", err)
		return &wire.UserResponse{CreateConnection: &wire.CreateConnectionResponse{UserID: id}}
	}
	l.Info("User connected", "user", id, "image", req.Image)
	return &wire.UserResponse{CreateConnection: &wire.CreateConnectionResponse{UserID: id, Accepted: true}}
}

func (g *UserGateway) connection(l *slog.Logger, req *wire.ConnectionRequest) *wire.UserResponse {
	if n := g.authenticate(l, req.UserID); n != nil {
		return n
	}
	if req.Action == wire.CloseConnection {
		if err := g.users.Close(req.UserID); err != nil {
			l.Warn("Failed to close user session", "user", req.UserID, "error", err)
			return notice(wire.UserTimeout)
		}
		l.Info("User closed connection", "user", req.UserID)
	}
	return &wire.UserResponse{Connection: &wire.ConnectionResponse{Accepted: true}}
}

func (g *UserGateway) submit(ctx context.Context, l *slog.Logger, req *wire.JobSubmission) *wire.UserResponse {
	if n := g.authenticate(l, req.UserID); n != nil {
		return n
	}
	rejected := &wire.UserResponse{JobSubmission: &wire.JobSubmissionResponse{}}

	inputID, input, chain, err := g.buildChain(ctx, req.UserID, req.Jobs)
	if err != nil {
		l.Warn("Could not add workload", "user", req.UserID, "error", err)
		return rejected
	}

	created := make([]string, 0, len(chain)+1)
	cleanup := func() {
		for _, id := range created {
			_ = g.data.Delete(ctx, id)
		}
	}
	if err := g.data.Create(ctx, inputID); err != nil {
		l.Error("Failed to store input data", "job", inputID, "error", err)
		return rejected
	}
	created = append(created, inputID)
	if err := g.data.Append(ctx, inputID, input...); err != nil {
		l.Error("Failed to store input data", "job", inputID, "error", err)
		cleanup()
		return rejected
	}
	jobIDs := make([]string, len(chain))
	for i, job := range chain {
		if err := g.data.Create(ctx, job.ID); err != nil {
			l.Error("Failed to create output block", "job", job.ID, "error", err)
			cleanup()
			return rejected
		}
		created = append(created, job.ID)
		jobIDs[i] = job.ID
	}

	if err := g.jobs.SubmitChain(chain); err != nil {
		l.Warn("Could not add workload", "user", req.UserID, "error", err)
		cleanup()
		return rejected
	}
	if err := g.users.AddJobs(req.UserID, jobIDs...); err != nil {
		l.Warn("User vanished during submission", "user", req.UserID, "error", err)
	}

	l.Info("Added jobs", "user", req.UserID, "input", inputID, "jobs", len(chain), "first", chain[0].ID)
	return &wire.UserResponse{JobSubmission: &wire.JobSubmissionResponse{Accepted: true}}
}

// buildChain validates a submission and links its map jobs into a chain
// rooted at the input entry.
func (g *UserGateway) buildChain(ctx context.Context, userID string, entries []wire.JobEntry) (string, [][]byte, []types.Job, error) {
	if len(entries) == 0 {
		return "", nil, nil, ErrNoJobs
	}

	image := g.users.Image(userID)
	seen := make(map[string]struct{}, len(entries))
	clash := func(id string) error {
		if _, dup := seen[id]; dup || g.jobs.HasJob(id) {
			return fmt.Errorf("%w: %s", ErrJobClash, id)
		}
		exists, err := g.data.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrJobClash, id)
		}
		seen[id] = struct{}{}
		return nil
	}

	var (
		inputID string
		input   [][]byte
		chain   []types.Job
	)
	for _, e := range entries {
		id := JobID(userID, e.JobID)
		switch {
		case e.Input != nil:
			if inputID != "" {
				return "", nil, nil, ErrMultipleInput
			}
			if err := clash(id); err != nil {
				return "", nil, nil, err
			}
			inputID = id
			input = e.Input.Data

		case e.Map != nil:
			if inputID == "" {
				return "", nil, nil, ErrMapBeforeData
			}
			if err := clash(id); err != nil {
				return "", nil, nil, err
			}
			prev := inputID
			if n := len(chain); n > 0 {
				chain[n-1].OutputJobID = id
				prev = chain[n-1].ID
			}
			chain = append(chain, types.Job{
				ID:         id,
				UserID:     userID,
				InputJobID: prev,
				FanType:    e.Map.FanType,
				Status:     types.JobBlocked,
				Image:      image,
				Closure:    e.Map.Closure,
			})
		}
	}

	if len(chain) == 0 {
		return "", nil, nil, ErrNoMapJobs
	}
	return inputID, input, chain, nil
}

func (g *UserGateway) retrieve(ctx context.Context, l *slog.Logger, req *wire.DataRetrievalRequest) *wire.UserResponse {
	if n := g.authenticate(l, req.UserID); n != nil {
		return n
	}
	id := JobID(req.UserID, req.JobID)
	if !g.users.Owns(req.UserID, id) {
		l.Warn("Could not find job for user", "user", req.UserID, "job", id)
		return notice(wire.MissingJobs)
	}
	if !g.jobs.HasJob(id) {
		l.Warn("Could not find job", "job", id)
		return notice(wire.InternalServerError)
	}
	blocks, err := g.data.Get(ctx, id)
	if err != nil {
		l.Warn("Could not find data for job", "job", id, "error", err)
		return notice(wire.InternalServerError)
	}
	return &wire.UserResponse{DataRetrieval: &wire.DataRetrievalResponse{Blocks: blocks}}
}

func (g *UserGateway) status(l *slog.Logger, req *wire.JobStatusRequest) *wire.UserResponse {
	if n := g.authenticate(l, req.UserID); n != nil {
		return n
	}
	statuses := make([]wire.JobStatusEntry, 0, len(req.JobIDs))
	for _, jobID := range req.JobIDs {
		id := JobID(req.UserID, jobID)
		job, ok := g.jobs.Job(id)
		if !ok || !g.users.Owns(req.UserID, id) {
			l.Warn("User tried to access an unknown job", "user", req.UserID, "job", id)
			return notice(wire.MissingJobs)
		}
		statuses = append(statuses, wire.JobStatusEntry{JobID: jobID, Status: job.Status})
	}
	return &wire.UserResponse{JobStatus: &wire.JobStatusResponse{Statuses: statuses}}
}
