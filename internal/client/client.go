// Package client is a user-side session against a coordinator or a
// consensus replica's user port.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

var (
	ErrRejected = errors.New("request rejected")
	// ErrEmptyResponse means the coordinator answered without the expected
	// variant.
	ErrEmptyResponse = errors.New("unexpected response")
)

// NoticeError carries a ServerNotice returned instead of a response.
type NoticeError struct {
	Action wire.NoticeAction
}

func (e *NoticeError) Error() string { return "server notice: " + e.Action.String() }

// Session is an authenticated user connection. Every call opens its own
// TCP connection.
type Session struct {
	addr   string
	dialer wire.Dialer
	userID string
}

// Connect creates a user on the coordinator at addr.
func Connect(ctx context.Context, addr, image string, timeout time.Duration) (*Session, error) {
	s := &Session{addr: addr, dialer: wire.Dialer{DialTimeout: timeout, IOTimeout: timeout}}
	resp, err := s.call(ctx, &wire.UserRequest{CreateConnection: &wire.CreateConnectionRequest{Image: image}})
	if err != nil {
		return nil, err
	}
	if resp.CreateConnection == nil {
		return nil, ErrEmptyResponse
	}
	if !resp.CreateConnection.Accepted {
		return nil, fmt.Errorf("create connection: %w", ErrRejected)
	}
	s.userID = resp.CreateConnection.UserID
	return s, nil
}

func (s *Session) UserID() string { return s.userID }

// Heartbeat keeps the user from being evicted as idle.
func (s *Session) Heartbeat(ctx context.Context) error {
	return s.connection(ctx, wire.ConnectionHeartbeat)
}

// Close marks the user for deletion.
func (s *Session) Close(ctx context.Context) error {
	return s.connection(ctx, wire.CloseConnection)
}

func (s *Session) connection(ctx context.Context, action wire.ConnectionAction) error {
	resp, err := s.call(ctx, &wire.UserRequest{Connection: &wire.ConnectionRequest{UserID: s.userID, Action: action}})
	if err != nil {
		return err
	}
	if resp.Connection == nil {
		return ErrEmptyResponse
	}
	if !resp.Connection.Accepted {
		return ErrRejected
	}
	return nil
}

// Submit sends a chain: one input entry followed by map entries.
func (s *Session) Submit(ctx context.Context, jobs ...wire.JobEntry) error {
	resp, err := s.call(ctx, &wire.UserRequest{JobSubmission: &wire.JobSubmission{UserID: s.userID, Jobs: jobs}})
	if err != nil {
		return err
	}
	if resp.JobSubmission == nil {
		return ErrEmptyResponse
	}
	if !resp.JobSubmission.Accepted {
		return fmt.Errorf("job submission: %w", ErrRejected)
	}
	return nil
}

// Status returns job statuses in request order.
func (s *Session) Status(ctx context.Context, jobIDs ...int32) ([]wire.JobStatusEntry, error) {
	resp, err := s.call(ctx, &wire.UserRequest{JobStatus: &wire.JobStatusRequest{UserID: s.userID, JobIDs: jobIDs}})
	if err != nil {
		return nil, err
	}
	if resp.JobStatus == nil {
		return nil, ErrEmptyResponse
	}
	return resp.JobStatus.Statuses, nil
}

// Data returns a job's blocks.
func (s *Session) Data(ctx context.Context, jobID int32) ([][]byte, error) {
	resp, err := s.call(ctx, &wire.UserRequest{DataRetrieval: &wire.DataRetrievalRequest{UserID: s.userID, JobID: jobID}})
	if err != nil {
		return nil, err
	}
	if resp.DataRetrieval == nil {
		return nil, ErrEmptyResponse
	}
	return resp.DataRetrieval.Blocks, nil
}

// Wait polls until jobID leaves the Blocked and Running states.
func (s *Session) Wait(ctx context.Context, jobID int32, every time.Duration) (types.JobStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		statuses, err := s.Status(ctx, jobID)
		if err != nil {
			return "", err
		}
		if len(statuses) == 1 {
			switch st := statuses[0].Status; st {
			case types.JobBlocked, types.JobRunning:
			default:
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) call(ctx context.Context, req *wire.UserRequest) (*wire.UserResponse, error) {
	var resp wire.UserResponse
	if err := s.dialer.Call(ctx, s.addr, req, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Kind(), err)
	}
	if resp.Notice != nil {
		return nil, &NoticeError{Action: resp.Notice.Action}
	}
	return &resp, nil
}

// Input builds the chain's input entry.
func Input(jobID int32, data ...[]byte) wire.JobEntry {
	return wire.JobEntry{JobID: jobID, Input: &wire.InputAction{Data: data}}
}

// Map builds a map entry over the previous entry's output.
func Map(jobID int32, fan types.FanType, closure string) wire.JobEntry {
	return wire.JobEntry{JobID: jobID, Map: &wire.MapAction{FanType: fan, Closure: []byte(closure)}}
}
