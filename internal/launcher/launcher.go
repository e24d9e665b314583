// Package launcher spawns one external AI engine CLI per invocation and
// captures its output incrementally.
package launcher

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/devboard/internal/model"
)

const maxLineBytes = 1 << 20

// Spec is a fully resolved command invocation.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// Sink receives captured output as it arrives. Emit is called from the
// capture goroutines; implementations must be safe for concurrent use.
type Sink interface {
	Emit(kind model.LogKind, content string)
}

// Result is the final outcome of a process, valid once Done is closed.
type Result struct {
	Success  bool
	ExitCode int
	Err      error
}

// Handle owns a single spawned process. It is never shared between sessions.
type Handle struct {
	cmd        *exec.Cmd
	done       chan struct{}
	result     Result
	stopOnce   sync.Once
	terminated atomic.Bool
}

// Start spawns the CLI bound to spec.Dir and begins asynchronous capture of
// stdout and stderr into the sink, line by line. It returns as soon as the
// process is running; callers observe completion via Done, never by blocking
// here.
func Start(spec Spec, sink Sink) (*Handle, error) {
	if spec.Dir != "" {
		if st, err := os.Stat(spec.Dir); err != nil || !st.IsDir() {
			return nil, fmt.Errorf("launch %s: bad working directory %q", spec.Binary, spec.Dir)
		}
	}
	if _, err := exec.LookPath(spec.Binary); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Binary, err)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Own process group so Stop can signal the CLI and its children together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stdout pipe: %w", spec.Binary, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stderr pipe: %w", spec.Binary, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Binary, err)
	}

	h := &Handle{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		var g errgroup.Group
		g.Go(func() error {
			scanLines(stdout, model.LogStdout, sink)
			return nil
		})
		g.Go(func() error {
			scanLines(stderr, model.LogStderr, sink)
			return nil
		})
		_ = g.Wait()

		err := cmd.Wait()
		h.result = Result{
			Success:  err == nil,
			ExitCode: cmd.ProcessState.ExitCode(),
			Err:      err,
		}
		close(h.done)
	}()

	return h, nil
}

func scanLines(r io.Reader, kind model.LogKind, sink Sink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		sink.Emit(kind, scanner.Text())
	}
}

// Done is closed after the process has exited and all output is captured.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result is only meaningful after Done is closed.
func (h *Handle) Result() Result {
	return h.result
}

// Terminated reports whether Stop was requested before exit.
func (h *Handle) Terminated() bool {
	return h.terminated.Load()
}

func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Stop requests cooperative termination of the process group and escalates to
// SIGKILL if the process is still alive after the grace period. It never
// blocks waiting for exit and is idempotent.
func (h *Handle) Stop(grace time.Duration) {
	h.stopOnce.Do(func() {
		h.terminated.Store(true)
		pid := h.PID()
		if pid <= 0 {
			return
		}
		_ = syscall.Kill(-pid, syscall.SIGINT)
		go func() {
			select {
			case <-h.done:
			case <-time.After(grace):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}()
	})
}
