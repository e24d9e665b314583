package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/g960059/devboard/internal/config"
	"github.com/g960059/devboard/internal/convo"
	"github.com/g960059/devboard/internal/launcher"
	"github.com/g960059/devboard/internal/model"
)

type fakeProc struct {
	mu         sync.Mutex
	done       chan struct{}
	res        launcher.Result
	finished   bool
	terminated bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{})}
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Result() launcher.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

func (p *fakeProc) finish(res launcher.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.res = res
	close(p.done)
}

func (p *fakeProc) Stop(time.Duration) {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.finish(launcher.Result{Success: false, ExitCode: 130})
}

func (p *fakeProc) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type scriptedLauncher struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProc
	sinks []launcher.Sink
	specs []launcher.Spec
}

func (l *scriptedLauncher) start(spec launcher.Spec, sink launcher.Sink) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProc()
	l.procs = append(l.procs, p)
	l.sinks = append(l.sinks, sink)
	l.specs = append(l.specs, spec)
	return p, nil
}

func (l *scriptedLauncher) last() (*fakeProc, launcher.Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.procs)
	return l.procs[n-1], l.sinks[n-1]
}

type collectArchiver struct {
	records chan model.HistoryRecord
}

func newCollectArchiver() *collectArchiver {
	return &collectArchiver{records: make(chan model.HistoryRecord, 16)}
}

func (a *collectArchiver) Archive(_ context.Context, rec model.HistoryRecord) error {
	a.records <- rec
	return nil
}

func (a *collectArchiver) wait(t *testing.T) model.HistoryRecord {
	t.Helper()
	select {
	case rec := <-a.records:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatalf("no history record archived")
		return model.HistoryRecord{}
	}
}

func newTestRegistry(t *testing.T, l *scriptedLauncher) (*Registry, *convo.Registry, *collectArchiver) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.TerminateGrace = 100 * time.Millisecond
	convos := convo.NewRegistry()
	archiver := newCollectArchiver()
	reg := NewRegistry(cfg, Deps{
		Convos:   convos,
		Archiver: archiver,
		Start:    l.start,
	})
	return reg, convos, archiver
}

func drainUntilComplete(t *testing.T, ch <-chan model.LogEntry) []model.LogEntry {
	t.Helper()
	var out []model.LogEntry
	deadline := time.After(5 * time.Second)
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, entry)
			if entry.Kind == model.LogComplete {
				return out
			}
		case <-deadline:
			t.Fatalf("no terminal entry within deadline (got %d entries)", len(out))
		}
	}
}

func TestResolveSessionIDDeterministic(t *testing.T) {
	a := ResolveSessionID("claude-code", "conv-1")
	b := ResolveSessionID("claude-code", "conv-1")
	if a != b {
		t.Fatalf("expected stable id, got %q vs %q", a, b)
	}
	if ResolveSessionID("codex", "conv-1") == a {
		t.Fatalf("engine switch must yield a distinct id")
	}
	if ResolveSessionID("claude-code", "conv-2") == a {
		t.Fatalf("distinct conversations must yield distinct ids")
	}
}

func TestExecuteStreamsCompletesAndArchives(t *testing.T) {
	l := &scriptedLauncher{}
	reg, convos, archiver := newTestRegistry(t, l)

	s, err := reg.Execute(context.Background(), ExecuteRequest{
		ProjectDir: t.TempDir(),
		Prompt:     "fix bug",
		Engine:     "claude-code",
		TodoID:     "todo-9",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.State() != model.SessionRunning {
		t.Fatalf("expected running, got %s", s.State())
	}

	sub, ok := reg.Subscribe(s.SessionID)
	if !ok {
		t.Fatalf("subscribe failed")
	}
	defer sub.Cancel()

	proc, sink := l.last()
	sink.Emit(model.LogStdout, "analyzing")
	sink.Emit(model.LogStdout, "patching")
	sink.Emit(model.LogStderr, "warning: slow")
	proc.finish(launcher.Result{Success: true, ExitCode: 0})

	entries := drainUntilComplete(t, sub.C)
	if len(entries) != 4 {
		t.Fatalf("expected 3 lines + terminal, got %d", len(entries))
	}
	terminal := entries[3]
	if terminal.Kind != model.LogComplete || terminal.Success == nil || !*terminal.Success {
		t.Fatalf("expected successful terminal entry, got %+v", terminal)
	}

	rec := archiver.wait(t)
	if rec.Engine != "claude-code" || !rec.Success {
		t.Fatalf("unexpected archive record: %+v", rec)
	}
	if rec.TodoID != "todo-9" {
		t.Fatalf("todo tag must be carried through, got %q", rec.TodoID)
	}
	if len(rec.Logs) != 4 {
		t.Fatalf("expected 4 archived log entries, got %d", len(rec.Logs))
	}
	if rec.ID == "" {
		t.Fatalf("record id must be assigned")
	}

	if s.State() != model.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.State())
	}
	conv, err := convos.Get(s.ConversationID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.LastEngine != "claude-code" || len(conv.Turns) != 1 {
		t.Fatalf("turn not recorded: %+v", conv)
	}
	if conv.Continuation == "" {
		t.Fatalf("claude-code should leave a continuation blob")
	}
}

func TestExecuteSessionBusy(t *testing.T) {
	l := &scriptedLauncher{}
	reg, _, archiver := newTestRegistry(t, l)

	s, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "fix bug", Engine: "claude-code"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	_, err = reg.Execute(context.Background(), ExecuteRequest{
		Prompt:         "fix bug",
		Engine:         "claude-code",
		ConversationID: s.ConversationID,
	})
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	proc, _ := l.last()
	proc.finish(launcher.Result{Success: true})
	archiver.wait(t)

	// Once terminal, the same session id can run a new turn.
	again, err := reg.Execute(context.Background(), ExecuteRequest{
		Prompt:         "next turn",
		Engine:         "claude-code",
		ConversationID: s.ConversationID,
	})
	if err != nil {
		t.Fatalf("re-execute after completion: %v", err)
	}
	if again.SessionID != s.SessionID {
		t.Fatalf("expected deterministic session id reuse, got %q vs %q", again.SessionID, s.SessionID)
	}
}

func TestEngineSwitchLeavesOldSessionRunning(t *testing.T) {
	l := &scriptedLauncher{}
	reg, _, _ := newTestRegistry(t, l)

	first, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "fix bug", Engine: "claude-code"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	second, err := reg.Execute(context.Background(), ExecuteRequest{
		Prompt:         "fix bug",
		Engine:         "codex",
		ConversationID: first.ConversationID,
	})
	if err != nil {
		t.Fatalf("engine switch execute: %v", err)
	}

	if second.SessionID == first.SessionID {
		t.Fatalf("engine switch must create a distinct session id")
	}
	if second.SessionID != ResolveSessionID("codex", first.ConversationID) {
		t.Fatalf("session id must be client re-derivable")
	}
	if first.State() != model.SessionRunning {
		t.Fatalf("switching engines must not touch the old session, got %s", first.State())
	}
	if got := len(reg.List(first.ConversationID)); got != 2 {
		t.Fatalf("expected 2 sessions in conversation, got %d", got)
	}
}

func TestExecuteUnknownConversation(t *testing.T) {
	l := &scriptedLauncher{}
	reg, _, _ := newTestRegistry(t, l)

	_, err := reg.Execute(context.Background(), ExecuteRequest{
		Prompt:         "fix bug",
		Engine:         "claude-code",
		ConversationID: "conv-unknown",
	})
	if !errors.Is(err, convo.ErrNotFound) {
		t.Fatalf("expected convo.ErrNotFound, got %v", err)
	}
}

func TestExecuteUnknownEngine(t *testing.T) {
	l := &scriptedLauncher{}
	reg, _, _ := newTestRegistry(t, l)

	_, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "fix bug", Engine: "cursor"})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if got := len(reg.List("")); got != 0 {
		t.Fatalf("no session may be created for an unknown engine, got %d", got)
	}
}

func TestLaunchFailureMarksSessionFailed(t *testing.T) {
	l := &scriptedLauncher{err: errors.New("binary missing")}
	reg, _, archiver := newTestRegistry(t, l)

	_, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "fix bug", Engine: "claude-code"})
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}

	sessions := reg.List("")
	if len(sessions) != 1 {
		t.Fatalf("expected failed session retained, got %d", len(sessions))
	}
	s := sessions[0]
	if s.State() != model.SessionFailed {
		t.Fatalf("expected failed state, got %s", s.State())
	}

	sub, ok := reg.Subscribe(s.SessionID)
	if !ok {
		t.Fatalf("subscribe failed")
	}
	entries := drainUntilComplete(t, sub.C)
	if len(entries) != 1 || entries[0].Reason != model.ReasonLaunchFailed {
		t.Fatalf("expected single launch_failed terminal entry, got %+v", entries)
	}

	rec := archiver.wait(t)
	if rec.Success || rec.Reason != model.ReasonLaunchFailed {
		t.Fatalf("unexpected archive record: %+v", rec)
	}
}

func TestTerminateDeliversTerminalEntryOnce(t *testing.T) {
	l := &scriptedLauncher{}
	reg, _, archiver := newTestRegistry(t, l)

	s, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "fix bug", Engine: "claude-code"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	sub, _ := reg.Subscribe(s.SessionID)
	defer sub.Cancel()

	if found := reg.Terminate(s.SessionID); !found {
		t.Fatalf("expected session found")
	}

	entries := drainUntilComplete(t, sub.C)
	terminal := entries[len(entries)-1]
	if terminal.Kind != model.LogComplete {
		t.Fatalf("expected terminal entry, got %+v", terminal)
	}
	if terminal.Success == nil || *terminal.Success || terminal.Reason != model.ReasonTerminated {
		t.Fatalf("expected success=false reason=terminated, got %+v", terminal)
	}

	rec := archiver.wait(t)
	if rec.Success || rec.Reason != model.ReasonTerminated {
		t.Fatalf("unexpected archive record: %+v", rec)
	}
	if s.State() != model.SessionTerminated {
		t.Fatalf("expected terminated state, got %s", s.State())
	}

	// Second terminate is a no-op against a terminal session.
	if found := reg.Terminate(s.SessionID); !found {
		t.Fatalf("terminal session still resolvable during retention")
	}
	if found := reg.Terminate("ses-unknown"); found {
		t.Fatalf("unknown session must report not found")
	}
}

func TestDeleteConversationTerminatesInFlight(t *testing.T) {
	l := &scriptedLauncher{}
	reg, convos, archiver := newTestRegistry(t, l)

	s, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "fix bug", Engine: "claude-code"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	reg.DeleteConversation(s.ConversationID)
	archiver.wait(t)

	if s.State() != model.SessionTerminated {
		t.Fatalf("expected in-flight session terminated, got %s", s.State())
	}
	if _, err := convos.Get(s.ConversationID); !errors.Is(err, convo.ErrNotFound) {
		t.Fatalf("expected conversation deleted, got %v", err)
	}

	reg.DeleteConversation(s.ConversationID) // idempotent
}

func TestEvictExpired(t *testing.T) {
	l := &scriptedLauncher{}
	reg, _, archiver := newTestRegistry(t, l)

	finished, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "a", Engine: "claude-code"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	proc, _ := l.last()
	proc.finish(launcher.Result{Success: true})
	archiver.wait(t)

	running, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "b", Engine: "codex"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	evicted := reg.EvictExpired(time.Now().UTC().Add(24 * time.Hour))
	if evicted != 1 {
		t.Fatalf("expected 1 evicted, got %d", evicted)
	}
	if _, ok := reg.Get(finished.SessionID); ok {
		t.Fatalf("finished session must be evicted")
	}
	if _, ok := reg.Get(running.SessionID); !ok {
		t.Fatalf("running session must survive eviction")
	}
}

func TestContinuationPassedBetweenTurns(t *testing.T) {
	l := &scriptedLauncher{}
	reg, _, archiver := newTestRegistry(t, l)

	first, err := reg.Execute(context.Background(), ExecuteRequest{Prompt: "turn one", Engine: "claude-code"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	proc, _ := l.last()
	proc.finish(launcher.Result{Success: true})
	archiver.wait(t)

	if _, err := reg.Execute(context.Background(), ExecuteRequest{
		Prompt:         "turn two",
		Engine:         "claude-code",
		ConversationID: first.ConversationID,
	}); err != nil {
		t.Fatalf("second execute: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.specs) != 2 {
		t.Fatalf("expected 2 launches, got %d", len(l.specs))
	}
	second := l.specs[1]
	if !containsArg(second.Args, "--resume") {
		t.Fatalf("second turn must resume via continuation blob, args=%v", second.Args)
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
