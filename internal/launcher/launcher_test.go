package launcher

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/devboard/internal/model"
)

type collectSink struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (s *collectSink) Emit(kind model.LogKind, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, model.LogEntry{Kind: kind, Content: content})
}

func (s *collectSink) contents(kind model.LogKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if e.Kind == kind {
			out = append(out, e.Content)
		}
	}
	return out
}

func waitDone(t *testing.T, h *Handle, timeout time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(timeout):
		t.Fatalf("process did not finish within %s", timeout)
	}
}

func TestStartCapturesBothStreams(t *testing.T) {
	sink := &collectSink{}
	h, err := Start(Spec{
		Binary: "sh",
		Args:   []string{"-c", "echo out-1; echo err-1 1>&2; echo out-2"},
		Dir:    t.TempDir(),
	}, sink)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h, 5*time.Second)

	res := h.Result()
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("expected clean exit, got %+v", res)
	}
	stdout := sink.contents(model.LogStdout)
	if len(stdout) != 2 || stdout[0] != "out-1" || stdout[1] != "out-2" {
		t.Fatalf("stdout capture mismatch: %v", stdout)
	}
	stderr := sink.contents(model.LogStderr)
	if len(stderr) != 1 || stderr[0] != "err-1" {
		t.Fatalf("stderr capture mismatch: %v", stderr)
	}
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(Spec{Binary: "devboard-no-such-binary"}, &collectSink{})
	if err == nil {
		t.Fatalf("expected missing binary to fail at launch")
	}
}

func TestStartBadWorkingDirectory(t *testing.T) {
	_, err := Start(Spec{Binary: "sh", Args: []string{"-c", "true"}, Dir: "/no/such/dir"}, &collectSink{})
	if err == nil || !strings.Contains(err.Error(), "working directory") {
		t.Fatalf("expected bad working directory error, got %v", err)
	}
}

func TestNonzeroExit(t *testing.T) {
	h, err := Start(Spec{Binary: "sh", Args: []string{"-c", "echo boom 1>&2; exit 3"}}, &collectSink{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h, 5*time.Second)

	res := h.Result()
	if res.Success {
		t.Fatalf("expected failure result")
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
	if res.Err == nil {
		t.Fatalf("expected wait error for nonzero exit")
	}
}

func TestStopTerminatesProcess(t *testing.T) {
	h, err := Start(Spec{Binary: "sh", Args: []string{"-c", "sleep 30"}}, &collectSink{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	h.Stop(500 * time.Millisecond)
	h.Stop(500 * time.Millisecond) // idempotent
	waitDone(t, h, 5*time.Second)

	if !h.Terminated() {
		t.Fatalf("expected terminated flag")
	}
	if h.Result().Success {
		t.Fatalf("terminated process must not report success")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	// The shell ignores SIGINT, so only the SIGKILL escalation can end it.
	h, err := Start(Spec{Binary: "sh", Args: []string{"-c", "trap '' INT; sleep 30"}}, &collectSink{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	h.Stop(200 * time.Millisecond)
	waitDone(t, h, 5*time.Second)

	if h.Result().Success {
		t.Fatalf("killed process must not report success")
	}
}
