// Package agent owns the agent subprocess and speaks its line-delimited
// JSON protocol: commands in on stdin, events and correlated responses out
// on stdout. Every parsed line is republished on the bus as a typed event.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/sessionhub/sessionhub/internal/event"
	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/pkg/types"
)

const (
	// scannerBufSize bounds a single protocol line.
	scannerBufSize = 1024 * 1024
	// startupGrace is how long a fresh subprocess must survive before
	// Start considers the spawn successful.
	startupGrace = 250 * time.Millisecond
	// gracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	gracefulTimeout = 5 * time.Second
)

// ErrNotRunning is returned when a command is sent with no live subprocess.
var ErrNotRunning = errors.New("agent process not running")

// ErrPromptActive is returned when a prompt is submitted while another
// turn is still in flight.
var ErrPromptActive = errors.New("a prompt is already in flight")

// ErrProcessExited rejects outstanding requests when the subprocess dies.
var ErrProcessExited = errors.New("agent process exited with request outstanding")

// StartupError reports a failed spawn: missing binary or immediate exit.
type StartupError struct {
	Cause    error
	ExitCode *int
}

func (e *StartupError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("agent process exited immediately with code %d", *e.ExitCode)
	}
	return fmt.Sprintf("agent process failed to start: %v", e.Cause)
}

func (e *StartupError) Unwrap() error { return e.Cause }

// Config holds subprocess settings.
type Config struct {
	// Command is the agent binary and base arguments.
	Command []string
	// SessionPath is appended as --session <path> when set.
	SessionPath string
	// WorkDir is the subprocess working directory.
	WorkDir string
	// RestartDelay is the fixed delay before restarting a crashed
	// subprocess. Zero disables auto-restart.
	RestartDelay time.Duration
}

// promptResult resolves a Prompt call.
type promptResult struct {
	text string
	err  error
}

// turnWaiter accumulates prose for the prompt in flight.
type turnWaiter struct {
	buf  strings.Builder
	done chan promptResult
}

// Client drives the agent subprocess.
type Client struct {
	cfg Config
	bus *event.Bus

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	pending    map[string]chan *types.Response
	turn       *turnWaiter
	starting   bool
	stopped    bool // explicit Stop; suppresses auto-restart
	generation int
	exited     chan struct{} // closed by watch for the current generation
}

// New creates a client. Start must be called before sending commands.
func New(cfg Config, bus *event.Bus) *Client {
	return &Client{
		cfg:     cfg,
		bus:     bus,
		pending: make(map[string]chan *types.Response),
	}
}

// Start spawns the subprocess bound to the configured session path and
// working directory. It returns a *StartupError if the binary is missing
// or the process exits within the startup grace window. Calling Start on
// a live client is a no-op.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.cmd != nil || c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	c.stopped = false
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	if len(c.cfg.Command) == 0 {
		return &StartupError{Cause: errors.New("empty agent command")}
	}

	binary, err := exec.LookPath(c.cfg.Command[0])
	if err != nil {
		return &StartupError{Cause: err}
	}

	args := append([]string{}, c.cfg.Command[1:]...)
	if c.cfg.SessionPath != "" {
		args = append(args, "--session", c.cfg.SessionPath)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = c.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartupError{Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartupError{Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &StartupError{Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return &StartupError{Cause: err}
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.exited = exited
	c.mu.Unlock()

	go c.readLoop(gen, stdout)
	go c.logStderr(stderr)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case werr := <-waitCh:
		code := exitCode(cmd, werr)
		c.teardown(gen, code, exited)
		return &StartupError{Cause: werr, ExitCode: &code}
	case <-time.After(startupGrace):
	}

	logging.Info().
		Str("binary", binary).
		Str("session", c.cfg.SessionPath).
		Int("pid", cmd.Process.Pid).
		Msg("agent process started")

	go c.watch(gen, cmd, waitCh, exited)
	return nil
}

// Stop terminates the subprocess gracefully and releases all handles.
// It is idempotent and suppresses auto-restart until the next Start.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	cmd := c.cmd
	exited := c.exited
	c.mu.Unlock()

	if cmd == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(gracefulTimeout):
		logging.Warn().Int("pid", cmd.Process.Pid).Msg("agent process ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-exited
	}
}

// Running reports whether a subprocess is currently alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// Send writes one JSON command line to the subprocess stdin.
func (c *Client) Send(cmd types.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}

	_, err = stdin.Write(append(data, '\n'))
	return err
}

// Request sends a command with a fresh correlation id and waits for the
// matching response. There is no implicit timeout; bound it with ctx.
// The request is rejected if the subprocess exits while it is outstanding.
func (c *Client) Request(ctx context.Context, cmd types.Command) (*types.Response, error) {
	cmd.ID = ulid.Make().String()

	ch := make(chan *types.Response, 1)
	c.mu.Lock()
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	if err := c.Send(cmd); err != nil {
		c.dropPending(cmd.ID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrProcessExited
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(cmd.ID)
		return nil, ctx.Err()
	}
}

// Prompt submits a prompt and resolves with the accumulated prose text on
// the terminal agent_end event. Incremental deltas remain observable on
// the bus for concurrent subscribers. Only one prompt may be in flight.
func (c *Client) Prompt(ctx context.Context, text string, images []types.ImageAttachment) (string, error) {
	waiter := &turnWaiter{done: make(chan promptResult, 1)}

	c.mu.Lock()
	if c.turn != nil {
		c.mu.Unlock()
		return "", ErrPromptActive
	}
	c.turn = waiter
	c.mu.Unlock()

	err := c.Send(types.Command{Type: types.CommandPrompt, Text: text, Images: images})
	if err != nil {
		c.mu.Lock()
		c.turn = nil
		c.mu.Unlock()
		return "", err
	}

	select {
	case res := <-waiter.done:
		return res.text, res.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.turn == waiter {
			c.turn = nil
		}
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

// Abort asks the subprocess to abandon the current turn. Resolution of an
// in-flight Prompt still waits for agent_end (or process exit).
func (c *Client) Abort() error {
	return c.Send(types.Command{Type: types.CommandAbort})
}

// NewSession asks the subprocess to abandon the current conversation and
// begin a fresh one on the same session path.
func (c *Client) NewSession(ctx context.Context) error {
	resp, err := c.Request(ctx, types.Command{Type: types.CommandNewSession})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("new_session: %s", resp.Error)
	}
	return nil
}

// SwitchSession asks the subprocess to attach to a different session file.
func (c *Client) SwitchSession(ctx context.Context, sessionPath string) error {
	resp, err := c.Request(ctx, types.Command{Type: types.CommandSwitchSession, SessionPath: sessionPath})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("switch_session: %s", resp.Error)
	}
	return nil
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop consumes subprocess stdout line by line. Events are published
// synchronously so downstream handlers observe them in order and run to
// completion before the next line is processed.
func (c *Client) readLoop(gen int, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev := types.DecodeAgentLine(line)
		c.observe(gen, ev)
		c.bus.PublishSync(event.Event{Type: event.AgentStream, Data: ev})
	}
	// EOF or read error; watch handles process teardown.
}

// observe updates client-side state (pending requests, prompt waiter)
// before an event reaches the bus.
func (c *Client) observe(gen int, ev types.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}

	switch ev := ev.(type) {
	case *types.Response:
		if ch, ok := c.pending[ev.ID]; ok {
			ch <- ev
			delete(c.pending, ev.ID)
		}
	case *types.TextDelta:
		if c.turn != nil {
			c.turn.buf.WriteString(ev.Delta)
		}
	case *types.AgentEnd:
		if c.turn != nil {
			c.turn.done <- promptResult{text: c.turn.buf.String()}
			c.turn = nil
		}
	case *types.DecodeError:
		logging.Warn().Str("error", ev.Err).Str("line", truncateLine(ev.Line)).Msg("dropping malformed agent line")
	}
}

// watch waits for process exit, rejects everything outstanding, publishes
// the exit event, and schedules the auto-restart if enabled.
func (c *Client) watch(gen int, cmd *exec.Cmd, waitCh <-chan error, exited chan struct{}) {
	werr := <-waitCh
	code := exitCode(cmd, werr)
	restart := c.teardown(gen, code, exited)

	if restart && c.cfg.RestartDelay > 0 {
		logging.Info().Dur("delay", c.cfg.RestartDelay).Msg("scheduling agent restart")
		time.AfterFunc(c.cfg.RestartDelay, func() {
			c.mu.Lock()
			stale := c.stopped || c.cmd != nil
			c.mu.Unlock()
			if stale {
				return
			}
			if err := c.Start(); err != nil {
				logging.Error().Err(err).Msg("agent auto-restart failed")
			}
		})
	}
}

// teardown clears process state and fails every outstanding correlation.
// It reports whether an auto-restart should be scheduled.
func (c *Client) teardown(gen int, code int, exited chan struct{}) bool {
	c.mu.Lock()
	if gen != c.generation || c.cmd == nil {
		c.mu.Unlock()
		return false
	}
	c.cmd = nil
	c.stdin = nil

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	if c.turn != nil {
		c.turn.done <- promptResult{err: ErrProcessExited}
		c.turn = nil
	}
	restart := !c.stopped
	c.mu.Unlock()

	close(exited)
	logging.Info().Int("code", code).Bool("restart", restart).Msg("agent process exited")
	c.bus.PublishSync(event.Event{Type: event.AgentStream, Data: &types.Exit{Code: code}})
	return restart
}

func (c *Client) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufSize)
	for scanner.Scan() {
		logging.Debug().Str("stderr", scanner.Text()).Msg("agent")
	}
}

func exitCode(cmd *exec.Cmd, werr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(werr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncateLine(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
