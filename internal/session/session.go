// Package session ties conversations, engine processes, and output streams
// together: one engine-bound, process-backed execution scope per session id.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/g960059/devboard/internal/launcher"
	"github.com/g960059/devboard/internal/model"
	"github.com/g960059/devboard/internal/stream"
)

// Process is the subset of launcher.Handle the registry depends on, narrowed
// so tests can substitute a scripted process.
type Process interface {
	Done() <-chan struct{}
	Result() launcher.Result
	Stop(grace time.Duration)
	Terminated() bool
}

// StartFunc spawns a process for a resolved launch spec.
type StartFunc func(spec launcher.Spec, sink launcher.Sink) (Process, error)

// Archiver receives one record per session on terminal state. Implementations
// must not assume the caller waits: the registry invokes it asynchronously.
type Archiver interface {
	Archive(ctx context.Context, rec model.HistoryRecord) error
}

// Observer is notified of session lifecycle transitions.
type Observer interface {
	SessionStarted(engineName string)
	SessionFinished(engineName string, state model.SessionState)
}

type NoopObserver struct{}

func (NoopObserver) SessionStarted(string)                      {}
func (NoopObserver) SessionFinished(string, model.SessionState) {}

// Session is one live or recently finished execution scope. The process
// handle is exclusively owned; the hub is the only output path.
type Session struct {
	SessionID      string
	ConversationID string
	Engine         string
	Prompt         string
	ProjectDir     string
	TodoID         string

	mu            sync.Mutex
	state         model.SessionState
	startedAt     time.Time
	endedAt       *time.Time
	proc          Process
	stopRequested bool
	hub           *stream.Hub
}

func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Hub() *stream.Hub {
	return s.hub
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) EndedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt == nil {
		return nil
	}
	t := *s.endedAt
	return &t
}

func (s *Session) setRunning(proc Process, grace time.Duration) {
	s.mu.Lock()
	s.proc = proc
	s.state = model.SessionRunning
	stop := s.stopRequested
	s.mu.Unlock()
	if stop {
		proc.Stop(grace)
	}
}

// requestStop flags termination and signals the process if one is attached
// yet. Returns false when the session is already terminal.
func (s *Session) requestStop(grace time.Duration) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.stopRequested = true
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.Stop(grace)
	}
	return true
}

func (s *Session) finish(state model.SessionState, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
	s.endedAt = &at
}

// hubSink adapts the session hub to the launcher capture interface.
type hubSink struct {
	hub *stream.Hub
}

func (s hubSink) Emit(kind model.LogKind, content string) {
	s.hub.Publish(kind, content, nil, "", nil)
}
