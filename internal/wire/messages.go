package wire

import "github.com/adeboyed/Parliament/pkg/types"

// ============================================================================
// Worker <-> coordinator
// ============================================================================

// FinishedStatus is the outcome a worker reports for its task.
type FinishedStatus int8

const (
	TaskFinished FinishedStatus = iota
	TaskErrored
)

// ConsensusAction is an instruction from the consensus service to a
// coordinator replica.
type ConsensusAction int8

const (
	SetActive ConsensusAction = iota
	SetPassive
	Shutdown
)

func (a ConsensusAction) String() string {
	switch a {
	case SetActive:
		return "set_active"
	case SetPassive:
		return "set_passive"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// WorkerMessage is everything a coordinator's worker port accepts. Exactly
// one field is set.
type WorkerMessage struct {
	ConnectionRequest *WorkerConnectionRequest `msgpack:"connection_request,omitempty"`
	FinishedRequest   *WorkerFinishedRequest   `msgpack:"finished_request,omitempty"`
	HeartbeatResponse *WorkerHeartbeatResponse `msgpack:"heartbeat_response,omitempty"`
	ConsensusRequest  *ConsensusRequest        `msgpack:"consensus_request,omitempty"`
}

// Kind names the populated variant for logging.
func (m *WorkerMessage) Kind() string {
	switch {
	case m.ConnectionRequest != nil:
		return "connection_request"
	case m.FinishedRequest != nil:
		return "finished_request"
	case m.HeartbeatResponse != nil:
		return "heartbeat_response"
	case m.ConsensusRequest != nil:
		return "consensus_request"
	default:
		return "empty"
	}
}

type WorkerConnectionRequest struct {
	Authentication string `msgpack:"authentication"`
	IPOverride     string `msgpack:"ip_override"`
	Port           int    `msgpack:"port"`
}

type WorkerFinishedRequest struct {
	WorkerID string         `msgpack:"worker_id"`
	TaskID   string         `msgpack:"task_id"`
	Status   FinishedStatus `msgpack:"status"`
	DataOut  [][]byte       `msgpack:"data_out"`
}

type WorkerHeartbeatResponse struct {
	Status types.WorkerStatus `msgpack:"status"`
	TaskID string             `msgpack:"task_id"`
}

type ConsensusRequest struct {
	Action ConsensusAction `msgpack:"action"`
}

// ServerMessage is everything a coordinator sends on the worker side.
// Exactly one field is set.
type ServerMessage struct {
	HeartbeatRequest    *WorkerHeartbeatRequest   `msgpack:"heartbeat_request,omitempty"`
	SubmissionRequest   *TaskSubmissionRequest    `msgpack:"submission_request,omitempty"`
	CancellationRequest *TaskCancellationRequest  `msgpack:"cancellation_request,omitempty"`
	ConnectionResponse  *WorkerConnectionResponse `msgpack:"connection_response,omitempty"`
	FinishedResponse    *WorkerFinishedResponse   `msgpack:"finished_response,omitempty"`
	ConsensusResponse   *ConsensusResponse        `msgpack:"consensus_response,omitempty"`
}

type WorkerHeartbeatRequest struct {
	WorkerID string `msgpack:"worker_id"`
}

type TaskSubmissionRequest struct {
	WorkerID string        `msgpack:"worker_id"`
	TaskID   string        `msgpack:"task_id"`
	FanType  types.FanType `msgpack:"fan_type"`
	DataIn   [][]byte      `msgpack:"data_in"`
	Image    string        `msgpack:"image"`
	Closure  []byte        `msgpack:"closure"`
}

type TaskCancellationRequest struct {
	WorkerID string `msgpack:"worker_id"`
}

type WorkerConnectionResponse struct {
	WorkerID string `msgpack:"worker_id"`
	Accepted bool   `msgpack:"accepted"`
}

type WorkerFinishedResponse struct {
	Processed bool `msgpack:"processed"`
}

type ConsensusResponse struct{}

// ============================================================================
// User <-> coordinator
// ============================================================================

// ConnectionAction is what a connected user asks of an open session.
type ConnectionAction int8

const (
	ConnectionHeartbeat ConnectionAction = iota
	CloseConnection
)

// NoticeAction is a typed failure returned to users instead of dropping
// the connection.
type NoticeAction int8

const (
	UserTimeout NoticeAction = iota
	MissingJobs
	InternalServerError
)

func (a NoticeAction) String() string {
	switch a {
	case UserTimeout:
		return "USER_TIMEOUT"
	case MissingJobs:
		return "MISSING_JOBS"
	case InternalServerError:
		return "INTERNAL_SERVER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// UserRequest is everything a coordinator's user port accepts.
type UserRequest struct {
	CreateConnection *CreateConnectionRequest `msgpack:"create_connection,omitempty"`
	Connection       *ConnectionRequest       `msgpack:"connection,omitempty"`
	JobSubmission    *JobSubmission           `msgpack:"job_submission,omitempty"`
	DataRetrieval    *DataRetrievalRequest    `msgpack:"data_retrieval,omitempty"`
	JobStatus        *JobStatusRequest        `msgpack:"job_status,omitempty"`
}

// Kind names the populated variant for logging.
func (m *UserRequest) Kind() string {
	switch {
	case m.CreateConnection != nil:
		return "create_connection"
	case m.Connection != nil:
		return "connection"
	case m.JobSubmission != nil:
		return "job_submission"
	case m.DataRetrieval != nil:
		return "data_retrieval"
	case m.JobStatus != nil:
		return "job_status"
	default:
		return "empty"
	}
}

type CreateConnectionRequest struct {
	Authentication string `msgpack:"authentication"`
	Image          string `msgpack:"image"`
}

type ConnectionRequest struct {
	UserID string           `msgpack:"user_id"`
	Action ConnectionAction `msgpack:"action"`
}

// JobSubmission is an ordered chain: one input entry followed by map
// entries, each consuming the previous entry's output.
type JobSubmission struct {
	UserID string     `msgpack:"user_id"`
	Jobs   []JobEntry `msgpack:"jobs"`
}

type JobEntry struct {
	JobID int32        `msgpack:"job_id"`
	Input *InputAction `msgpack:"input,omitempty"`
	Map   *MapAction   `msgpack:"map,omitempty"`
}

type InputAction struct {
	Data [][]byte `msgpack:"data"`
}

type MapAction struct {
	FanType types.FanType `msgpack:"fan_type"`
	Closure []byte        `msgpack:"closure"`
}

type DataRetrievalRequest struct {
	UserID string `msgpack:"user_id"`
	JobID  int32  `msgpack:"job_id"`
}

type JobStatusRequest struct {
	UserID string  `msgpack:"user_id"`
	JobIDs []int32 `msgpack:"job_ids"`
}

// UserResponse is everything a coordinator answers on the user port.
type UserResponse struct {
	CreateConnection *CreateConnectionResponse `msgpack:"create_connection,omitempty"`
	Connection       *ConnectionResponse       `msgpack:"connection,omitempty"`
	JobSubmission    *JobSubmissionResponse    `msgpack:"job_submission,omitempty"`
	DataRetrieval    *DataRetrievalResponse    `msgpack:"data_retrieval,omitempty"`
	JobStatus        *JobStatusResponse        `msgpack:"job_status,omitempty"`
	Notice           *ServerNotice             `msgpack:"notice,omitempty"`
}

type CreateConnectionResponse struct {
	UserID   string `msgpack:"user_id"`
	Accepted bool   `msgpack:"accepted"`
}

type ConnectionResponse struct {
	Accepted bool `msgpack:"accepted"`
}

type JobSubmissionResponse struct {
	Accepted bool `msgpack:"accepted"`
}

type DataRetrievalResponse struct {
	Blocks [][]byte `msgpack:"blocks"`
}

type JobStatusResponse struct {
	Statuses []JobStatusEntry `msgpack:"statuses"`
}

type JobStatusEntry struct {
	JobID  int32           `msgpack:"job_id"`
	Status types.JobStatus `msgpack:"status"`
}

type ServerNotice struct {
	Action NoticeAction `msgpack:"action"`
}

// ============================================================================
// Consensus replica <-> consensus replica
// ============================================================================

// PeerRequest is everything a consensus port accepts.
type PeerRequest struct {
	LeaderConnection  *LeaderConnectionRequest  `msgpack:"leader_connection,omitempty"`
	Heartbeat         *HeartbeatRequest         `msgpack:"heartbeat,omitempty"`
	ConflictingAction *ConflictingActionRequest `msgpack:"conflicting_action,omitempty"`
	UniqueID          *UniqueIDRequest          `msgpack:"unique_id,omitempty"`
}

// Kind names the populated variant for logging.
func (m *PeerRequest) Kind() string {
	switch {
	case m.LeaderConnection != nil:
		return "leader_connection"
	case m.Heartbeat != nil:
		return "heartbeat"
	case m.ConflictingAction != nil:
		return "conflicting_action"
	case m.UniqueID != nil:
		return "unique_id"
	default:
		return "empty"
	}
}

type LeaderConnectionRequest struct {
	Port int `msgpack:"port"`
}

type HeartbeatRequest struct {
	From        int                      `msgpack:"from"` // sender's consensus id
	Consensuses []types.ConsensusMachine `msgpack:"consensuses"`
	Masters     []types.MasterMachine    `msgpack:"masters"`
}

type ConflictingActionRequest struct{}

type UniqueIDRequest struct{}

// PeerResponse is everything a consensus port answers.
type PeerResponse struct {
	LeaderConnection  *LeaderConnectionResponse  `msgpack:"leader_connection,omitempty"`
	Heartbeat         *HeartbeatResponse         `msgpack:"heartbeat,omitempty"`
	ConflictingAction *ConflictingActionResponse `msgpack:"conflicting_action,omitempty"`
	UniqueID          *UniqueIDResponse          `msgpack:"unique_id,omitempty"`
	NotLeader         *NotLeaderResponse         `msgpack:"not_leader,omitempty"`
}

type LeaderConnectionResponse struct {
	ConsensusID int               `msgpack:"consensus_id"`
	Heartbeat   HeartbeatResponse `msgpack:"heartbeat"`
}

type HeartbeatResponse struct {
	Consensuses []types.ConsensusMachine `msgpack:"consensuses"`
	Masters     []types.MasterMachine    `msgpack:"masters"`
}

type ConflictingActionResponse struct {
	ID uint32 `msgpack:"id"`
}

type UniqueIDResponse struct {
	ID string `msgpack:"id"`
}

type NotLeaderResponse struct{}
