package model

import "time"

// SessionState is the lifecycle state of an engine-bound execution session.
type SessionState string

const (
	SessionStarting   SessionState = "starting"
	SessionRunning    SessionState = "running"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionTerminated SessionState = "terminated"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionTerminated:
		return true
	default:
		return false
	}
}

// LogKind classifies a single unit of session output.
type LogKind string

const (
	LogStdout   LogKind = "stdout"
	LogStderr   LogKind = "stderr"
	LogComplete LogKind = "complete"
)

// LogEntry is one unit of process output or the terminal completion marker.
// Seq is assigned at emission time and is strictly increasing within a session.
type LogEntry struct {
	Seq       int64
	Kind      LogKind
	Content   string
	SessionID string
	Timestamp time.Time

	// Terminal metadata, set only when Kind == LogComplete.
	Success  *bool
	Reason   string
	ExitCode *int
}

// CompleteReason values carried on terminal entries.
const (
	ReasonExit         = "exit"
	ReasonTerminated   = "terminated"
	ReasonLaunchFailed = "launch_failed"
	ReasonNotFound     = "not_found"
)

// Turn summarizes one completed prompt/response exchange inside a conversation.
type Turn struct {
	Prompt      string
	Engine      string
	Success     bool
	CompletedAt time.Time
}

// Conversation is a logical, engine-independent multi-turn exchange.
// Continuation is an opaque engine-produced blob; the core never parses it.
type Conversation struct {
	ConversationID string
	Turns          []Turn
	LastEngine     string
	Continuation   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HistoryRecord is the archived result of one finished session.
type HistoryRecord struct {
	ID             string
	ConversationID string
	SessionID      string
	Engine         string
	Prompt         string
	ProjectDir     string
	TodoID         string
	StartedAt      time.Time
	DurationMs     int64
	Success        bool
	Reason         string
	Logs           []LogEntry
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefInvalidEncoding = "E_REF_INVALID_ENCODING"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrEngineUnavailable  = "E_ENGINE_UNAVAILABLE"
	ErrLaunchFailed       = "E_LAUNCH_FAILED"
	ErrSessionBusy        = "E_SESSION_BUSY"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
)
