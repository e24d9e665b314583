// Package daemon exposes the session registry over a unix-domain HTTP API.
// Dashboard clients hold long-lived ndjson streams against it; everything
// else is plain request/response JSON.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/devboard/internal/api"
	"github.com/g960059/devboard/internal/config"
	"github.com/g960059/devboard/internal/convo"
	"github.com/g960059/devboard/internal/engine"
	"github.com/g960059/devboard/internal/history"
	"github.com/g960059/devboard/internal/model"
	"github.com/g960059/devboard/internal/session"
)

const Version = "0.3.0"

const defaultHistoryLimit = 50

// Deps are the server's collaborators. Sessions is required; a nil Store
// disables the history endpoints, a nil Metrics disables /metrics.
type Deps struct {
	Sessions *session.Registry
	Convos   *convo.Registry
	Engines  *engine.Registry
	Store    *history.Store
	Metrics  *Metrics
	Logger   *slog.Logger
}

type Server struct {
	cfg      config.Config
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File

	sessions *session.Registry
	convos   *convo.Registry
	engines  *engine.Registry
	store    *history.Store
	logger   *slog.Logger

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		convos:   deps.Convos,
		engines:  deps.Engines,
		store:    deps.Store,
		logger:   deps.Logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if s.convos == nil {
		s.convos = convo.NewRegistry()
	}
	if s.engines == nil {
		s.engines = engine.DefaultRegistry()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/engines", s.enginesHandler)
	mux.HandleFunc("/v1/execute", s.executeHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	mux.HandleFunc("/v1/conversations/", s.conversationByIDHandler)
	mux.HandleFunc("/v1/history", s.historyHandler)
	mux.HandleFunc("/v1/history/", s.runByIDHandler)
	if deps.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the route mux. Exposed for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("daemon listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		Version:       Version,
	})
}

func (s *Server) enginesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	defaultName := s.engines.Default()
	defs := s.engines.Definitions()
	out := make([]api.EngineResponse, 0, len(defs))
	for _, def := range defs {
		_, lookErr := exec.LookPath(def.Binary)
		out = append(out, api.EngineResponse{
			Name:            def.Name,
			Binary:          def.Binary,
			ContractVersion: def.ContractVersion,
			Capabilities:    def.Capabilities,
			Default:         def.Name == defaultName,
			Available:       lookErr == nil,
		})
	}
	s.writeJSON(w, http.StatusOK, api.EnginesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Engines:       out,
	})
}

func (s *Server) executeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ProjectDir) == "" || strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "project_dir and prompt are required")
		return
	}

	sess, err := s.sessions.Execute(r.Context(), session.ExecuteRequest{
		ProjectDir:     req.ProjectDir,
		Prompt:         req.Prompt,
		Engine:         req.Engine,
		ConversationID: req.ConversationID,
		TodoID:         req.TodoID,
	})
	if err != nil {
		s.writeExecuteError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ExecuteResponse{
		SchemaVersion:  api.SchemaVersion,
		GeneratedAt:    time.Now().UTC(),
		SessionID:      sess.SessionID,
		ConversationID: sess.ConversationID,
		Engine:         sess.Engine,
		State:          string(sess.State()),
		StreamPath:     "/v1/sessions/" + url.PathEscape(sess.SessionID) + "/stream",
	})
}

func (s *Server) writeExecuteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		s.writeError(w, http.StatusConflict, model.ErrSessionBusy, err.Error())
	case errors.Is(err, session.ErrEngineUnavailable):
		s.writeError(w, http.StatusUnprocessableEntity, model.ErrEngineUnavailable, err.Error())
	case errors.Is(err, convo.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "conversation not found")
	case errors.Is(err, session.ErrLaunchFailed):
		s.writeError(w, http.StatusInternalServerError, model.ErrLaunchFailed, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "execute failed")
	}
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	conversationID := r.URL.Query().Get("conversation")
	list := s.sessions.List(conversationID)
	out := make([]api.SessionResponse, 0, len(list))
	summary := api.SessionSummary{ByState: map[string]int{}, ByEngine: map[string]int{}}
	for _, sess := range list {
		resp := sessionResponse(sess)
		summary.ByState[resp.State]++
		summary.ByEngine[resp.Engine]++
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      out,
		Summary:       summary,
	})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if rest == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session route not found")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	sessionID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalidEncoding, "invalid session_id encoding")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getSession(w, sessionID)
		return
	}
	switch parts[1] {
	case "stream":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.streamSession(w, r, sessionID)
	case "terminate":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.terminateSession(w, sessionID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session route not found")
	}
}

func (s *Server) getSession(w http.ResponseWriter, sessionID string) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// streamSession serves one session's output as ndjson until the terminal
// entry or client disconnect. An unknown id still answers 200 with a single
// synthetic terminal line so dashboard panes settle instead of erroring:
// the session may simply have been evicted already.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	sub, found := s.sessions.Subscribe(sessionID)
	if !found {
		success := false
		_ = enc.Encode(api.StreamLine{
			Type:      string(model.LogComplete),
			SessionID: sessionID,
			Success:   &success,
			Reason:    model.ReasonNotFound,
			EmittedAt: fmtTS(time.Now().UTC()),
		})
		flusher.Flush()
		return
	}
	defer sub.Cancel()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-sub.C:
			if !ok {
				return
			}
			if err := enc.Encode(streamLine(entry)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) terminateSession(w http.ResponseWriter, sessionID string) {
	if !s.sessions.Terminate(sessionID) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.TerminateResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     sessionID,
		Accepted:      true,
	})
}

func (s *Server) conversationByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	if rest == "" || strings.Contains(rest, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "conversation route not found")
		return
	}
	conversationID, err := url.PathUnescape(rest)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalidEncoding, "invalid conversation_id encoding")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getConversation(w, conversationID)
	case http.MethodDelete:
		s.sessions.DeleteConversation(conversationID)
		s.writeJSON(w, http.StatusOK, api.DeleteResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Deleted:       true,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) getConversation(w http.ResponseWriter, conversationID string) {
	conv, err := s.convos.Get(conversationID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "conversation not found")
		return
	}
	turns := make([]api.TurnResponse, 0, len(conv.Turns))
	for _, turn := range conv.Turns {
		turns = append(turns, api.TurnResponse{
			SessionID:   session.ResolveSessionID(turn.Engine, conv.ConversationID),
			Engine:      turn.Engine,
			Prompt:      turn.Prompt,
			Success:     turn.Success,
			CompletedAt: fmtTS(turn.CompletedAt),
		})
	}
	s.writeJSON(w, http.StatusOK, api.ConversationResponse{
		SchemaVersion:   api.SchemaVersion,
		GeneratedAt:     time.Now().UTC(),
		ConversationID:  conv.ConversationID,
		LastEngine:      conv.LastEngine,
		HasContinuation: conv.Continuation != "",
		CreatedAt:       fmtTS(conv.CreatedAt),
		UpdatedAt:       fmtTS(conv.UpdatedAt),
		Turns:           turns,
	})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "history store is unavailable")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), r.URL.Query().Get("conversation"), limit)
	if err != nil {
		s.logger.Error("list runs", "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list runs")
		return
	}
	out := make([]api.RunResponse, 0, len(runs))
	for _, rec := range runs {
		out = append(out, runResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, api.HistoryEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Runs:          out,
	})
}

func (s *Server) runByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "history store is unavailable")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/history/")
	if rest == "" || strings.Contains(rest, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "history route not found")
		return
	}
	runID, err := url.PathUnescape(rest)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalidEncoding, "invalid run_id encoding")
		return
	}
	rec, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "run not found")
			return
		}
		s.logger.Error("get run", "run_id", runID, "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to get run")
		return
	}
	s.writeJSON(w, http.StatusOK, api.RunEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Run:           runResponse(rec),
	})
}

func sessionResponse(sess *session.Session) api.SessionResponse {
	resp := api.SessionResponse{
		SessionID:      sess.SessionID,
		ConversationID: sess.ConversationID,
		Engine:         sess.Engine,
		State:          string(sess.State()),
		ProjectDir:     sess.ProjectDir,
		Prompt:         sess.Prompt,
		TodoID:         sess.TodoID,
		Subscribers:    sess.Hub().Subscribers(),
		LastSeq:        sess.Hub().LastSeq(),
		StartedAt:      fmtTS(sess.StartedAt()),
	}
	if ended := sess.EndedAt(); ended != nil {
		v := fmtTS(*ended)
		resp.EndedAt = &v
	}
	return resp
}

func streamLine(entry model.LogEntry) api.StreamLine {
	return api.StreamLine{
		Type:      string(entry.Kind),
		Seq:       entry.Seq,
		SessionID: entry.SessionID,
		Content:   entry.Content,
		Success:   entry.Success,
		Reason:    entry.Reason,
		ExitCode:  entry.ExitCode,
		EmittedAt: fmtTS(entry.Timestamp),
	}
}

func runResponse(rec model.HistoryRecord) api.RunResponse {
	resp := api.RunResponse{
		RunID:          rec.ID,
		ConversationID: rec.ConversationID,
		SessionID:      rec.SessionID,
		Engine:         rec.Engine,
		Prompt:         rec.Prompt,
		ProjectDir:     rec.ProjectDir,
		TodoID:         rec.TodoID,
		StartedAt:      fmtTS(rec.StartedAt),
		DurationMs:     rec.DurationMs,
		Success:        rec.Success,
		Reason:         rec.Reason,
	}
	for _, entry := range rec.Logs {
		resp.Logs = append(resp.Logs, api.RunLogResponse{
			Seq:      entry.Seq,
			Kind:     string(entry.Kind),
			Content:  entry.Content,
			Success:  entry.Success,
			Reason:   entry.Reason,
			ExitCode: entry.ExitCode,
		})
	}
	return resp
}

func fmtTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
