package gateway

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/jobmanager"
	"github.com/adeboyed/Parliament/internal/registry"
	"github.com/adeboyed/Parliament/internal/replica"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

type userFixture struct {
	g     *UserGateway
	jobs  *jobmanager.JobManager
	data  *jobmanager.MemoryDataStore
	users *registry.Users
}

func newUserFixture(t *testing.T) *userFixture {
	t.Helper()
	f := &userFixture{
		jobs:  jobmanager.NewJobManager(),
		data:  jobmanager.NewMemoryDataStore(),
		users: registry.NewUsers(),
	}
	f.g = NewUserGateway(UserDeps{Jobs: f.jobs, Data: f.data, Users: f.users})
	require.NoError(t, f.users.Create("u1", "ocaml:latest"))
	return f
}

func (f *userFixture) do(t *testing.T, req *wire.UserRequest) *wire.UserResponse {
	t.Helper()
	resp, ok := f.g.process(context.Background(), slog.Default(), req)
	require.True(t, ok)
	return resp
}

func inputEntry(id int32, data ...string) wire.JobEntry {
	in := &wire.InputAction{}
	for _, d := range data {
		in.Data = append(in.Data, []byte(d))
	}
	return wire.JobEntry{JobID: id, Input: in}
}

func mapEntry(id int32, fan types.FanType) wire.JobEntry {
	return wire.JobEntry{JobID: id, Map: &wire.MapAction{FanType: fan, Closure: []byte("fn")}}
}

func submission(user string, entries ...wire.JobEntry) *wire.UserRequest {
	return &wire.UserRequest{JobSubmission: &wire.JobSubmission{UserID: user, Jobs: entries}}
}

func TestCreateConnection(t *testing.T) {
	f := newUserFixture(t)

	resp := f.do(t, &wire.UserRequest{CreateConnection: &wire.CreateConnectionRequest{Image: "img"}})
	require.NotNil(t, resp.CreateConnection)
	assert.True(t, resp.CreateConnection.Accepted)
	assert.Len(t, resp.CreateConnection.UserID, idgen.UniqueLength)
	assert.Equal(t, "img", f.users.Image(resp.CreateConnection.UserID))

	resp = f.do(t, &wire.UserRequest{CreateConnection: &wire.CreateConnectionRequest{Authentication: "u1"}})
	assert.False(t, resp.CreateConnection.Accepted)
	assert.Equal(t, "ocaml:latest", f.users.Image("u1"))
}

func TestCloseConnectionTimesOutLaterRequests(t *testing.T) {
	f := newUserFixture(t)

	resp := f.do(t, &wire.UserRequest{Connection: &wire.ConnectionRequest{UserID: "u1", Action: wire.ConnectionHeartbeat}})
	require.NotNil(t, resp.Connection)
	assert.True(t, resp.Connection.Accepted)

	resp = f.do(t, &wire.UserRequest{Connection: &wire.ConnectionRequest{UserID: "u1", Action: wire.CloseConnection}})
	assert.True(t, resp.Connection.Accepted)

	resp = f.do(t, &wire.UserRequest{JobStatus: &wire.JobStatusRequest{UserID: "u1"}})
	require.NotNil(t, resp.Notice)
	assert.Equal(t, wire.UserTimeout, resp.Notice.Action)
}

func TestUnknownUserGetsTimeout(t *testing.T) {
	f := newUserFixture(t)
	requests := []*wire.UserRequest{
		{Connection: &wire.ConnectionRequest{UserID: "nobody"}},
		submission("nobody", inputEntry(1, "a"), mapEntry(2, types.SingleInSingleOut)),
		{DataRetrieval: &wire.DataRetrievalRequest{UserID: "nobody", JobID: 2}},
		{JobStatus: &wire.JobStatusRequest{UserID: "nobody", JobIDs: []int32{2}}},
	}
	for _, req := range requests {
		resp := f.do(t, req)
		require.NotNil(t, resp.Notice, req.Kind())
		assert.Equal(t, wire.UserTimeout, resp.Notice.Action, req.Kind())
	}
	assert.Empty(t, f.jobs.Stats()["jobs"])
}

func TestSubmitChainsJobs(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	resp := f.do(t, submission("u1",
		inputEntry(1, "a", "b"),
		wire.JobEntry{JobID: 7},
		mapEntry(2, types.SingleInSingleOut),
		mapEntry(3, types.MultiInSingleOut),
	))
	require.NotNil(t, resp.JobSubmission)
	require.True(t, resp.JobSubmission.Accepted)

	first, ok := f.jobs.Job("u1-2")
	require.True(t, ok)
	assert.Equal(t, "u1-1", first.InputJobID)
	assert.Equal(t, "u1-3", first.OutputJobID)
	assert.Equal(t, types.JobBlocked, first.Status)
	assert.Equal(t, "ocaml:latest", first.Image)
	assert.Equal(t, []byte("fn"), first.Closure)

	second, ok := f.jobs.Job("u1-3")
	require.True(t, ok)
	assert.Equal(t, "u1-2", second.InputJobID)
	assert.False(t, second.HasSuccessor())
	assert.Equal(t, types.MultiInSingleOut, second.FanType)

	assert.False(t, f.jobs.HasJob("u1-1"), "the input entry is data, not a job")
	input, err := f.data.Get(ctx, "u1-1")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, input)
	for _, id := range []string{"u1-2", "u1-3"} {
		n, err := f.data.Len(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.True(t, f.users.Owns("u1", id))
	}

	queued, ok := f.jobs.PopJob()
	require.True(t, ok)
	assert.Equal(t, "u1-2", queued)
	_, ok = f.jobs.PopJob()
	assert.False(t, ok, "only the first map job is queued")
}

func TestSubmitRejectsInvalidChains(t *testing.T) {
	tests := []struct {
		name    string
		entries []wire.JobEntry
	}{
		{"empty", nil},
		{"map first", []wire.JobEntry{mapEntry(2, types.SingleInSingleOut), inputEntry(1, "a")}},
		{"two inputs", []wire.JobEntry{inputEntry(1, "a"), inputEntry(2, "b"), mapEntry(3, types.SingleInSingleOut)}},
		{"input only", []wire.JobEntry{inputEntry(1, "a")}},
		{"repeated id", []wire.JobEntry{inputEntry(1, "a"), mapEntry(2, types.SingleInSingleOut), mapEntry(2, types.SingleInSingleOut)}},
		{"clash with known job", []wire.JobEntry{inputEntry(5, "a"), mapEntry(9, types.SingleInSingleOut)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newUserFixture(t)
			require.NoError(t, f.jobs.AddJob(types.Job{ID: "u1-9"}))

			resp := f.do(t, submission("u1", tt.entries...))
			require.NotNil(t, resp.JobSubmission)
			assert.False(t, resp.JobSubmission.Accepted)

			_, queued := f.jobs.PopJob()
			assert.False(t, queued)
			for _, id := range []string{"u1-1", "u1-2", "u1-3", "u1-5"} {
				exists, _ := f.data.Exists(context.Background(), id)
				assert.False(t, exists, id)
			}
		})
	}
}

func TestDataRetrieval(t *testing.T) {
	f := newUserFixture(t)
	require.True(t, f.do(t, submission("u1", inputEntry(1, "a"), mapEntry(2, types.SingleInSingleOut))).JobSubmission.Accepted)
	require.NoError(t, f.data.Append(context.Background(), "u1-2", []byte("A")))

	resp := f.do(t, &wire.UserRequest{DataRetrieval: &wire.DataRetrievalRequest{UserID: "u1", JobID: 2}})
	require.NotNil(t, resp.DataRetrieval)
	assert.Equal(t, [][]byte{[]byte("A")}, resp.DataRetrieval.Blocks)

	resp = f.do(t, &wire.UserRequest{DataRetrieval: &wire.DataRetrievalRequest{UserID: "u1", JobID: 1}})
	require.NotNil(t, resp.Notice)
	assert.Equal(t, wire.MissingJobs, resp.Notice.Action)

	require.NoError(t, f.data.Delete(context.Background(), "u1-2"))
	resp = f.do(t, &wire.UserRequest{DataRetrieval: &wire.DataRetrievalRequest{UserID: "u1", JobID: 2}})
	require.NotNil(t, resp.Notice)
	assert.Equal(t, wire.InternalServerError, resp.Notice.Action)
}

func TestJobStatus(t *testing.T) {
	f := newUserFixture(t)
	require.True(t, f.do(t, submission("u1",
		inputEntry(1, "a"), mapEntry(2, types.SingleInSingleOut), mapEntry(3, types.SingleInSingleOut),
	)).JobSubmission.Accepted)
	require.NoError(t, f.jobs.UpdateJob("u1-2", func(j *types.Job) { j.Status = types.JobRunning }))

	resp := f.do(t, &wire.UserRequest{JobStatus: &wire.JobStatusRequest{UserID: "u1", JobIDs: []int32{3, 2}}})
	require.NotNil(t, resp.JobStatus)
	assert.Equal(t, []wire.JobStatusEntry{
		{JobID: 3, Status: types.JobBlocked},
		{JobID: 2, Status: types.JobRunning},
	}, resp.JobStatus.Statuses)

	resp = f.do(t, &wire.UserRequest{JobStatus: &wire.JobStatusRequest{UserID: "u1", JobIDs: []int32{2, 4}}})
	require.NotNil(t, resp.Notice)
	assert.Equal(t, wire.MissingJobs, resp.Notice.Action)
}

func TestUserPortOverTCP(t *testing.T) {
	f := newUserFixture(t)
	rep := replica.New(true)
	f.g = NewUserGateway(UserDeps{Jobs: f.jobs, Data: f.data, Users: f.users, Replica: rep})
	addr := serve(t, "user-gateway", f.g.Handle)

	var resp wire.UserResponse
	req := &wire.UserRequest{JobStatus: &wire.JobStatusRequest{UserID: "u1"}}
	require.NoError(t, dialer.CallSequenced(context.Background(), addr, 3, req, &resp))
	require.NotNil(t, resp.JobStatus)
	assert.Empty(t, resp.JobStatus.Statuses)

	assert.Error(t, dialer.CallSequenced(context.Background(), addr, 2, req, &resp))
	assert.Equal(t, uint32(3), rep.Counter())
}
