// Package cli implements the devboard command line client. All commands talk
// to the daemon over its unix socket; nothing here touches engine processes
// directly.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/g960059/devboard/internal/api"
	"github.com/g960059/devboard/internal/config"
)

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewRunnerWithClient("http://unix", &http.Client{Transport: transport}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.baseURL == "http://unix" {
		*r = *NewRunner(socketPath, r.out, r.errOut)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "run":
		return r.runExecute(ctx, rest[1:])
	case "sessions":
		return r.runSessions(ctx, rest[1:])
	case "stream", "attach":
		return r.runStream(ctx, rest[1:])
	case "terminate":
		return r.runTerminate(ctx, rest[1:])
	case "engines":
		return r.runEngines(ctx, rest[1:])
	case "conversation":
		return r.runConversation(ctx, rest[1:])
	case "history":
		return r.runHistory(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runExecute(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	project := fs.String("project", "", "project directory")
	engineName := fs.String("engine", "", "engine name")
	conversation := fs.String("conversation", "", "conversation id to continue")
	todo := fs.String("todo", "", "todo id to associate")
	detach := fs.Bool("detach", false, "do not attach to the stream")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	projectDir := strings.TrimSpace(*project)
	if projectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			projectDir = wd
		}
	}
	if prompt == "" || projectDir == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: devboard run [--project <dir>] [--engine <name>] [--conversation <id>] [--todo <id>] [--detach] <prompt>")
		return 2
	}

	body, err := r.request(ctx, http.MethodPost, "/v1/execute", nil, api.ExecuteRequest{
		ProjectDir:     projectDir,
		Prompt:         prompt,
		Engine:         *engineName,
		ConversationID: *conversation,
		TodoID:         *todo,
	})
	if err != nil {
		return r.handleErr(err)
	}
	var resp api.ExecuteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		if *detach {
			return 0
		}
		return r.streamSession(ctx, resp.SessionID, true)
	}
	_, _ = fmt.Fprintf(r.out, "session %s (conversation %s, engine %s)\n",
		resp.SessionID, resp.ConversationID, resp.Engine)
	if *detach {
		return 0
	}
	return r.streamSession(ctx, resp.SessionID, false)
}

func (r *Runner) runSessions(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	conversation := fs.String("conversation", "", "filter by conversation id")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if strings.TrimSpace(*conversation) != "" {
		query.Set("conversation", strings.TrimSpace(*conversation))
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/sessions", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.SessionsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, s := range env.Sessions {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.Engine, s.State, s.ConversationID, s.ProjectDir)
	}
	return 0
}

func (r *Runner) runStream(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output ndjson")
	rest := args
	sessionID := ""
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		sessionID = rest[0]
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if sessionID == "" && fs.NArg() > 0 {
		sessionID = fs.Arg(0)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: devboard stream <session-id>")
		return 2
	}
	return r.streamSession(ctx, sessionID, *jsonOut)
}

// streamSession follows one session's ndjson stream until the terminal line.
// Exit code mirrors the run outcome so shell callers can chain on it.
func (r *Runner) streamSession(ctx context.Context, sessionID string, raw bool) int {
	body, err := r.stream(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/stream")
	if err != nil {
		return r.handleErr(err)
	}
	defer body.Close() //nolint:errcheck

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		rawLine := scanner.Bytes()
		var line api.StreamLine
		if err := json.Unmarshal(rawLine, &line); err != nil {
			return r.handleErr(fmt.Errorf("decode stream line: %w", err))
		}
		if raw {
			_, _ = r.out.Write(rawLine)
			_, _ = fmt.Fprintln(r.out)
		} else {
			switch line.Type {
			case "stderr":
				_, _ = fmt.Fprintln(r.errOut, line.Content)
			case "stdout":
				_, _ = fmt.Fprintln(r.out, line.Content)
			}
		}
		if line.Type == "complete" {
			if line.Success != nil && *line.Success {
				return 0
			}
			if !raw {
				_, _ = fmt.Fprintf(r.errOut, "session %s ended: %s\n", sessionID, line.Reason)
			}
			return 1
		}
	}
	if err := scanner.Err(); err != nil {
		return r.handleErr(err)
	}
	// Stream closed without a terminal line: daemon went away mid-run.
	_, _ = fmt.Fprintf(r.errOut, "stream for %s ended unexpectedly\n", sessionID)
	return 1
}

func (r *Runner) runTerminate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("terminate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	rest := args
	sessionID := ""
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		sessionID = rest[0]
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if sessionID == "" && fs.NArg() > 0 {
		sessionID = fs.Arg(0)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: devboard terminate <session-id>")
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/terminate", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	_, _ = fmt.Fprintf(r.out, "terminate requested for %s\n", sessionID)
	return 0
}

func (r *Runner) runEngines(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("engines", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/engines", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.EnginesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, e := range env.Engines {
		avail := "missing"
		if e.Available {
			avail = "available"
		}
		def := ""
		if e.Default {
			def = "\tdefault"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s%s\n", e.Name, e.Binary, avail, def)
	}
	return 0
}

func (r *Runner) runConversation(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: devboard conversation <show|delete> <id>")
		return 2
	}
	verb := args[0]
	fs := flag.NewFlagSet("conversation "+verb, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	rest := args[1:]
	conversationID := ""
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		conversationID = rest[0]
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if conversationID == "" && fs.NArg() > 0 {
		conversationID = fs.Arg(0)
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		_, _ = fmt.Fprintf(r.errOut, "usage: devboard conversation %s <id>\n", verb)
		return 2
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID)
	switch verb {
	case "show":
		body, err := r.request(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			_, _ = r.out.Write(body)
			_, _ = fmt.Fprintln(r.out)
			return 0
		}
		var conv api.ConversationResponse
		if err := json.Unmarshal(body, &conv); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "%s\tlast engine: %s\tturns: %d\n",
			conv.ConversationID, conv.LastEngine, len(conv.Turns))
		for i, turn := range conv.Turns {
			status := "failed"
			if turn.Success {
				status = "ok"
			}
			_, _ = fmt.Fprintf(r.out, "  %d\t%s\t%s\t%s\n", i+1, turn.Engine, status, turn.Prompt)
		}
		return 0
	case "delete":
		body, err := r.request(ctx, http.MethodDelete, path, nil, nil)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			_, _ = r.out.Write(body)
			_, _ = fmt.Fprintln(r.out)
			return 0
		}
		_, _ = fmt.Fprintf(r.out, "deleted conversation %s\n", conversationID)
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown conversation command: %s\n", verb)
		return 2
	}
}

func (r *Runner) runHistory(ctx context.Context, args []string) int {
	if len(args) > 0 && args[0] == "show" {
		return r.runHistoryShow(ctx, args[1:])
	}
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	conversation := fs.String("conversation", "", "filter by conversation id")
	limit := fs.Int("limit", 0, "max runs to return")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if strings.TrimSpace(*conversation) != "" {
		query.Set("conversation", strings.TrimSpace(*conversation))
	}
	if *limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", *limit))
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/history", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.HistoryEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, run := range env.Runs {
		status := "failed"
		if run.Success {
			status = "ok"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%dms\t%s\n",
			run.RunID, run.StartedAt, run.Engine, status, run.DurationMs, run.Prompt)
	}
	return 0
}

func (r *Runner) runHistoryShow(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	rest := args
	runID := ""
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		runID = rest[0]
		rest = rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if runID == "" && fs.NArg() > 0 {
		runID = fs.Arg(0)
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: devboard history show <run-id>")
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/history/"+url.PathEscape(runID), nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.RunEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	run := env.Run
	status := "failed"
	if run.Success {
		status = "ok"
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n", run.RunID, run.Engine, status, run.Reason, run.Prompt)
	for _, log := range run.Logs {
		if log.Kind == "complete" {
			continue
		}
		_, _ = fmt.Fprintf(r.out, "  [%s] %s\n", log.Kind, log.Content)
	}
	return 0
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

// stream opens a long-lived response body; the caller owns closing it.
func (r *Runner) stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close() //nolint:errcheck
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp.Body, nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: devboard [--socket <path>] <run|sessions|stream|terminate|engines|conversation|history> ...")
}
