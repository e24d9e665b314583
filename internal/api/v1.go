// Package api defines the v1 wire types shared by the daemon handlers and the
// CLI client. Envelopes carry a schema version so dashboard clients can detect
// incompatible daemons.
package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// ExecuteRequest launches one AI engine run. ConversationID is optional: empty
// starts a fresh conversation, a known id continues it with the stored
// continuation context.
type ExecuteRequest struct {
	ProjectDir     string `json:"project_dir"`
	Prompt         string `json:"prompt"`
	Engine         string `json:"engine,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	TodoID         string `json:"todo_id,omitempty"`
}

type ExecuteResponse struct {
	SchemaVersion  string    `json:"schema_version"`
	GeneratedAt    time.Time `json:"generated_at"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Engine         string    `json:"engine"`
	State          string    `json:"state"`
	StreamPath     string    `json:"stream_path"`
}

type SessionResponse struct {
	SessionID      string  `json:"session_id"`
	ConversationID string  `json:"conversation_id"`
	Engine         string  `json:"engine"`
	State          string  `json:"state"`
	ProjectDir     string  `json:"project_dir"`
	Prompt         string  `json:"prompt"`
	TodoID         string  `json:"todo_id,omitempty"`
	Subscribers    int     `json:"subscribers"`
	LastSeq        int64   `json:"last_seq"`
	StartedAt      string  `json:"started_at"`
	EndedAt        *string `json:"ended_at,omitempty"`
}

type SessionSummary struct {
	ByState  map[string]int `json:"by_state,omitempty"`
	ByEngine map[string]int `json:"by_engine,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Sessions      []SessionResponse `json:"sessions"`
	Summary       SessionSummary    `json:"summary"`
}

// StreamLine is one ndjson line on a session stream. Type is "stdout",
// "stderr" or "complete"; Success, Reason and ExitCode are set only on the
// terminal line.
type StreamLine struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq"`
	SessionID string `json:"session_id"`
	Content   string `json:"content,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	EmittedAt string `json:"emitted_at"`
}

type EngineResponse struct {
	Name            string   `json:"name"`
	Binary          string   `json:"binary"`
	ContractVersion string   `json:"contract_version"`
	Capabilities    []string `json:"capabilities"`
	Default         bool     `json:"default"`
	Available       bool     `json:"available"`
}

type EnginesEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Engines       []EngineResponse `json:"engines"`
}

type TurnResponse struct {
	SessionID   string `json:"session_id"`
	Engine      string `json:"engine"`
	Prompt      string `json:"prompt"`
	Success     bool   `json:"success"`
	CompletedAt string `json:"completed_at"`
}

type ConversationResponse struct {
	SchemaVersion   string         `json:"schema_version"`
	GeneratedAt     time.Time      `json:"generated_at"`
	ConversationID  string         `json:"conversation_id"`
	LastEngine      string         `json:"last_engine,omitempty"`
	HasContinuation bool           `json:"has_continuation"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	Turns           []TurnResponse `json:"turns"`
}

type TerminateResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	Accepted      bool      `json:"accepted"`
}

type DeleteResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Deleted       bool      `json:"deleted"`
}

type RunLogResponse struct {
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	Content  string `json:"content,omitempty"`
	Success  *bool  `json:"success,omitempty"`
	Reason   string `json:"reason,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

type RunResponse struct {
	RunID          string           `json:"run_id"`
	ConversationID string           `json:"conversation_id"`
	SessionID      string           `json:"session_id"`
	Engine         string           `json:"engine"`
	Prompt         string           `json:"prompt"`
	ProjectDir     string           `json:"project_dir"`
	TodoID         string           `json:"todo_id,omitempty"`
	StartedAt      string           `json:"started_at"`
	DurationMs     int64            `json:"duration_ms"`
	Success        bool             `json:"success"`
	Reason         string           `json:"reason"`
	Logs           []RunLogResponse `json:"logs,omitempty"`
}

type HistoryEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Runs          []RunResponse `json:"runs"`
}

type RunEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Run           RunResponse `json:"run"`
}
