package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/g960059/devboard/internal/config"
	"github.com/g960059/devboard/internal/convo"
	"github.com/g960059/devboard/internal/engine"
	"github.com/g960059/devboard/internal/launcher"
	"github.com/g960059/devboard/internal/model"
	"github.com/g960059/devboard/internal/stream"
)

var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrLaunchFailed      = errors.New("launch failed")
	ErrSessionBusy       = errors.New("session busy")
	ErrNotFound          = errors.New("session not found")
)

const archiveTimeout = 10 * time.Second

// Deps are the registry's injected collaborators. Nil fields get defaults.
type Deps struct {
	Convos   *convo.Registry
	Engines  *engine.Registry
	Archiver Archiver
	Start    StartFunc
	Observer Observer
	Logger   *slog.Logger
}

// Registry maps session ids to in-flight processes and their streams.
// It is the single mutation point for execute, terminate, and eviction, so
// per-session transitions are serialized here.
type Registry struct {
	cfg      config.Config
	convos   *convo.Registry
	engines  *engine.Registry
	archiver Archiver
	start    StartFunc
	observer Observer
	logger   *slog.Logger
	stats    *stream.Stats

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg config.Config, deps Deps) *Registry {
	r := &Registry{
		cfg:      cfg,
		convos:   deps.Convos,
		engines:  deps.Engines,
		archiver: deps.Archiver,
		start:    deps.Start,
		observer: deps.Observer,
		logger:   deps.Logger,
		stats:    &stream.Stats{},
		sessions: map[string]*Session{},
	}
	if r.convos == nil {
		r.convos = convo.NewRegistry()
	}
	if r.engines == nil {
		r.engines = engine.DefaultRegistry()
	}
	if r.start == nil {
		r.start = func(spec launcher.Spec, sink launcher.Sink) (Process, error) {
			return launcher.Start(spec, sink)
		}
	}
	if r.observer == nil {
		r.observer = NoopObserver{}
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// ExecuteRequest describes one engine invocation. Empty Engine selects the
// registry default; empty ConversationID starts a fresh conversation.
type ExecuteRequest struct {
	ProjectDir     string
	Prompt         string
	Engine         string
	ConversationID string
	TodoID         string
}

// Execute resolves the session id for (engine, conversation), enforces
// at-most-one live process per id, and spawns the engine CLI. It returns as
// soon as the process is running; completion is observed via the stream.
//
// Concurrent execute for a running session id hard-fails with ErrSessionBusy
// rather than coalescing, so a caller always knows whether it owns the turn.
func (r *Registry) Execute(ctx context.Context, req ExecuteRequest) (*Session, error) {
	engineName := req.Engine
	if engineName == "" {
		engineName = r.engines.Default()
	}
	eng, ok := r.engines.Resolve(engineName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, req.Engine)
	}

	conv, err := r.convos.StartOrContinue(req.ConversationID)
	if err != nil {
		return nil, err
	}

	sid := ResolveSessionID(engineName, conv.ConversationID)

	r.mu.Lock()
	if existing, exists := r.sessions[sid]; exists && !existing.State().Terminal() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sid)
	}
	s := &Session{
		SessionID:      sid,
		ConversationID: conv.ConversationID,
		Engine:         engineName,
		Prompt:         req.Prompt,
		ProjectDir:     req.ProjectDir,
		TodoID:         req.TodoID,
		state:          model.SessionStarting,
		startedAt:      time.Now().UTC(),
		hub: stream.NewHub(stream.HubConfig{
			SessionID:       sid,
			BufferLimit:     r.cfg.OutputBufferLimit,
			QueueLimit:      r.cfg.SubscriberQueueLimit,
			DedupeWindow:    r.cfg.DedupeWindow,
			DedupePrefixLen: r.cfg.DedupePrefixLen,
			Stats:           r.stats,
		}),
	}
	r.sessions[sid] = s
	r.mu.Unlock()

	lspec := engine.LaunchSpec{
		ProjectDir:      req.ProjectDir,
		Prompt:          req.Prompt,
		EngineSessionID: uuid.NewString(),
		Continuation:    conv.Continuation,
	}
	spec := launcher.Spec{
		Binary: eng.Definition().Binary,
		Args:   eng.BuildArgs(lspec),
		Dir:    req.ProjectDir,
	}

	proc, err := r.start(spec, hubSink{s.hub})
	if err != nil {
		now := time.Now().UTC()
		success := false
		s.hub.Publish(model.LogComplete, err.Error(), &success, model.ReasonLaunchFailed, nil)
		s.finish(model.SessionFailed, now)
		r.observer.SessionFinished(engineName, model.SessionFailed)
		r.archive(s, model.SessionFailed, model.ReasonLaunchFailed, now)
		r.logger.Warn("launch failed", "session_id", sid, "engine", engineName, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s.setRunning(proc, r.cfg.TerminateGrace)
	r.observer.SessionStarted(engineName)
	r.logger.Info("session started",
		"session_id", sid, "conversation_id", conv.ConversationID, "engine", engineName)

	go r.watch(s, eng, lspec, proc)
	return s, nil
}

// watch waits for process exit, emits the single terminal entry, and settles
// conversation and archive state. It is the only terminal-entry emitter for a
// session, so exactly one is delivered whichever way the process ends.
func (r *Registry) watch(s *Session, eng engine.Engine, lspec engine.LaunchSpec, proc Process) {
	<-proc.Done()
	res := proc.Result()
	now := time.Now().UTC()

	state := model.SessionCompleted
	reason := model.ReasonExit
	switch {
	case proc.Terminated():
		state = model.SessionTerminated
		reason = model.ReasonTerminated
	case !res.Success:
		state = model.SessionFailed
	}
	success := state == model.SessionCompleted
	exitCode := res.ExitCode

	s.hub.Publish(model.LogComplete, "", &success, reason, &exitCode)
	s.finish(state, now)

	if success {
		turn := model.Turn{
			Prompt:      s.Prompt,
			Engine:      s.Engine,
			Success:     true,
			CompletedAt: now,
		}
		blob := eng.ContinuationAfter(lspec)
		if err := r.convos.RecordTurn(s.ConversationID, s.Engine, blob, turn); err != nil {
			// Conversation deleted mid-flight: the turn is dropped, not resurrected.
			r.logger.Warn("record turn skipped", "conversation_id", s.ConversationID, "err", err)
		}
	}

	r.observer.SessionFinished(s.Engine, state)
	r.logger.Info("session finished", "session_id", s.SessionID, "state", string(state))
	r.archive(s, state, reason, now)
}

func (r *Registry) archive(s *Session, state model.SessionState, reason string, endedAt time.Time) {
	if r.archiver == nil {
		return
	}
	rec := model.HistoryRecord{
		ID:             ulid.Make().String(),
		ConversationID: s.ConversationID,
		SessionID:      s.SessionID,
		Engine:         s.Engine,
		Prompt:         s.Prompt,
		ProjectDir:     s.ProjectDir,
		TodoID:         s.TodoID,
		StartedAt:      s.StartedAt(),
		DurationMs:     endedAt.Sub(s.StartedAt()).Milliseconds(),
		Success:        state == model.SessionCompleted,
		Reason:         reason,
		Logs:           s.hub.Snapshot(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := r.archiver.Archive(ctx, rec); err != nil {
			r.logger.Warn("archive failed", "session_id", s.SessionID, "err", err)
		}
	}()
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// List returns sessions ordered by start time, optionally filtered by
// conversation id.
func (r *Registry) List(conversationID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if conversationID != "" && s.ConversationID != conversationID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt(), out[j].StartedAt()
		if a.Equal(b) {
			return out[i].SessionID < out[j].SessionID
		}
		return a.Before(b)
	})
	return out
}

// Subscribe attaches to a session's stream. ok is false for unknown ids;
// callers degrade to an empty replay plus immediate terminal marker.
func (r *Registry) Subscribe(sessionID string) (*stream.Subscription, bool) {
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, false
	}
	return s.hub.Subscribe(), true
}

// Terminate requests cooperative stop. Unknown ids and already terminal
// sessions are no-ops; found reports whether the session existed.
func (r *Registry) Terminate(sessionID string) (found bool) {
	s, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	if s.requestStop(r.cfg.TerminateGrace) {
		r.logger.Info("termination requested", "session_id", sessionID)
	}
	return true
}

// DeleteConversation terminates any in-flight session bound to the
// conversation, then removes the conversation itself. Idempotent.
func (r *Registry) DeleteConversation(conversationID string) {
	for _, s := range r.List(conversationID) {
		if !s.State().Terminal() {
			r.Terminate(s.SessionID)
		}
	}
	r.convos.Delete(conversationID)
}

// EvictExpired drops terminal sessions that ended before the retention
// window. Returns the number evicted.
func (r *Registry) EvictExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, s := range r.sessions {
		if !s.State().Terminal() {
			continue
		}
		endedAt := s.EndedAt()
		if endedAt == nil {
			continue
		}
		if now.Sub(*endedAt) > r.cfg.SessionRetention {
			delete(r.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Stats exposes cumulative stream counters for metrics collection.
func (r *Registry) Stats() *stream.Stats {
	return r.stats
}

// CountByState snapshots session counts keyed by lifecycle state.
func (r *Registry) CountByState() map[model.SessionState]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[model.SessionState]int{}
	for _, s := range r.sessions {
		out[s.State()]++
	}
	return out
}
