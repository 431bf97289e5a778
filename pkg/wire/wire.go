// Package wire defines the opaque, length-prefixed message types exchanged
// between the Controller and a worker's Processor over the Messenger. The
// concrete byte encoding (JSON) is an implementation detail of the
// messenger framing; callers only ever see the typed Go structs.
package wire

import "time"

// RequestType names one of the worker-side operations.
type RequestType string

const (
	Replicate      RequestType = "REPLICATE"
	Delete         RequestType = "DELETE"
	Find           RequestType = "FIND"
	FindAll        RequestType = "FIND_ALL"
	Echo           RequestType = "ECHO"
	SQL            RequestType = "SQL"
	Stop           RequestType = "STOP"
	Status         RequestType = "STATUS"
	Dispose        RequestType = "DISPOSE"
	ServiceSuspend RequestType = "SERVICE_SUSPEND"
	ServiceResume  RequestType = "SERVICE_RESUME"
	ServiceStatus  RequestType = "SERVICE_STATUS"
	ServiceReqs    RequestType = "SERVICE_REQUESTS"
	ServiceDrain   RequestType = "SERVICE_DRAIN"
)

// ReqStatus is the worker-side request status.
type ReqStatus string

const (
	StatusCreated      ReqStatus = "CREATED"
	StatusQueued       ReqStatus = "QUEUED"
	StatusInProgress   ReqStatus = "IN_PROGRESS"
	StatusIsCancelling ReqStatus = "IS_CANCELLING"
	StatusCancelled    ReqStatus = "CANCELLED"
	StatusSuccess      ReqStatus = "SUCCESS"
	StatusFailed       ReqStatus = "FAILED"
	StatusBad          ReqStatus = "BAD"
)

// ExtendedStatus refines a terminal ReqStatus. BAD means the request was
// rejected before execution; FAILED means it executed and failed.
type ExtendedStatus string

const (
	ExtNone           ExtendedStatus = "NONE"
	ExtInvalidParam   ExtendedStatus = "INVALID_PARAM"
	ExtDuplicate      ExtendedStatus = "DUPLICATE"
	ExtTimeoutExpired ExtendedStatus = "TIMEOUT_EXPIRED"
	ExtClientError    ExtendedStatus = "CLIENT_ERROR"
	ExtServerError    ExtendedStatus = "SERVER_ERROR"
)

// ServiceState mirrors WorkerProcessor's RUNNING/STOPPING/STOPPED state as
// seen by a remote caller: RUNNING/SUSPEND_IN_PROGRESS/SUSPENDED.
type ServiceState string

const (
	ServiceRunning           ServiceState = "RUNNING"
	ServiceSuspendInProgress ServiceState = "SUSPEND_IN_PROGRESS"
	ServiceSuspended         ServiceState = "SUSPENDED"
)

// Performance captures the wall-clock bookkeeping carried by every request.
type Performance struct {
	CreateTime time.Time `json:"create_time"`
	StartTime  time.Time `json:"start_time,omitempty"`
	FinishTime time.Time `json:"finish_time,omitempty"`
}

// Envelope is the length-prefixed frame exchanged over the Messenger
// connection: an id the controller uses to correlate the response, the
// request type that selects how Payload decodes, and the opaque payload
// bytes themselves (re-encoded per request/response type by the caller).
type Envelope struct {
	ID      string      `json:"id"`
	Type    RequestType `json:"type"`
	Payload []byte      `json:"payload,omitempty"`
}

// ReplicateRequest asks the worker to pull Chunk of Database from SourceWorker.
type ReplicateRequest struct {
	Database     string `json:"database"`
	Chunk        uint32 `json:"chunk"`
	SourceWorker string `json:"source_worker"`
}

// DeleteRequest asks the worker to drop its local replica of Chunk.
type DeleteRequest struct {
	Database string `json:"database"`
	Chunk    uint32 `json:"chunk"`
}

// FindRequest asks the worker to report on one chunk replica.
type FindRequest struct {
	Database        string `json:"database"`
	Chunk           uint32 `json:"chunk"`
	ComputeCheckSum bool   `json:"compute_checksum"`
}

// FindAllRequest asks the worker to enumerate every replica it holds for
// Database (or every database, when Database is empty).
type FindAllRequest struct {
	Database string `json:"database"`
}

// EchoRequest is a liveness/round-trip probe; the worker replies with Data
// after waiting Delay.
type EchoRequest struct {
	Data  string        `json:"data"`
	Delay time.Duration `json:"delay"`
}

// SQLRequest asks the worker to run Query against its local chunk database.
type SQLRequest struct {
	Query   string `json:"query"`
	MaxRows uint32 `json:"max_rows"`
}

// ReplicaInfo describes one replica as reported by FIND/FIND_ALL.
type ReplicaInfo struct {
	Database string `json:"database"`
	Chunk    uint32 `json:"chunk"`
	Worker   string `json:"worker"`
	CheckSum string `json:"checksum,omitempty"`
}

// Response is the generic envelope every request type replies with; Type
// selects how to interpret ReplicaInfo/Rows/Data.
type Response struct {
	ID             string         `json:"id"`
	Status         ReqStatus      `json:"status"`
	ExtendedStatus ExtendedStatus `json:"extended_status"`
	Performance    Performance    `json:"performance"`
	ErrorMessage   string         `json:"error_message,omitempty"`

	Replicas []ReplicaInfo `json:"replicas,omitempty"`
	Data     string        `json:"data,omitempty"`
	Rows     [][]string    `json:"rows,omitempty"`
}

// ServiceStatusResponse answers SERVICE_STATUS, optionally with a per-request
// breakdown when Extended is requested.
type ServiceStatusResponse struct {
	State         ServiceState  `json:"state"`
	NumNew        int           `json:"num_new"`
	NumInProgress int           `json:"num_in_progress"`
	NumFinished   int           `json:"num_finished"`
	Requests      []RequestInfo `json:"requests,omitempty"`
}

// RequestInfo is one entry in the extended SERVICE_STATUS breakdown.
type RequestInfo struct {
	ID             string         `json:"id"`
	Type           RequestType    `json:"type"`
	Status         ReqStatus      `json:"status"`
	ExtendedStatus ExtendedStatus `json:"extended_status"`
	Priority       int            `json:"priority"`
}
