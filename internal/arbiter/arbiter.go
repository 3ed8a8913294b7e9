// Package arbiter polls the ownership lock marker and arbitrates
// exclusive write access to the session file between the supervised agent
// subprocess and an external interactive session.
package arbiter

import (
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/sessionhub/sessionhub/internal/event"
	"github.com/sessionhub/sessionhub/internal/logging"
)

// Status is the ownership state of the session file.
type Status string

const (
	// StatusNone means the supervised subprocess is the sole writer.
	StatusNone Status = "none"
	// StatusExternal means an external interactive session owns the file.
	StatusExternal Status = "external"
)

// AgentController is the slice of the process client the arbiter drives.
type AgentController interface {
	Start() error
	Stop()
}

// KillResult reports the outcome of a forced reclaim.
type KillResult struct {
	Killed  bool   `json:"killed"`
	PID     int    `json:"pid,omitempty"`
	Message string `json:"message"`
}

// Arbiter owns the Unowned/ExternallyOwned state machine.
type Arbiter struct {
	lockPath    string
	sessionPath string
	interval    time.Duration
	agent       AgentController
	bus         *event.Bus

	mu    sync.Mutex
	state Status

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates an arbiter in the Unowned state.
func New(lockPath, sessionPath string, interval time.Duration, agent AgentController, bus *event.Bus) *Arbiter {
	return &Arbiter{
		lockPath:    lockPath,
		sessionPath: sessionPath,
		interval:    interval,
		agent:       agent,
		bus:         bus,
		state:       StatusNone,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the poll loop. A change in the lock file's directory wakes
// the loop early; the interval tick remains the source of truth, so the
// loop works even where fsnotify does not.
func (a *Arbiter) Start() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(filepath.Dir(a.lockPath)); werr != nil {
			logging.Debug().Err(werr).Msg("lock directory not watchable, polling only")
			watcher.Close()
			watcher = nil
		}
	} else {
		logging.Debug().Err(err).Msg("fsnotify unavailable, polling only")
		watcher = nil
	}
	a.watcher = watcher

	go a.loop()
	logging.Info().
		Str("lock", a.lockPath).
		Dur("interval", a.interval).
		Msg("ownership arbiter started")
	return nil
}

// Stop terminates the poll loop.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.mu.Unlock()

	close(a.stopCh)
	<-a.doneCh
	if a.watcher != nil {
		a.watcher.Close()
	}
}

// Status returns the current ownership state.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Arbiter) loop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	if a.watcher != nil {
		watchEvents = a.watcher.Events
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.CheckStatus()
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(a.lockPath) {
				a.CheckStatus()
			}
		}
	}
}

// CheckStatus performs one poll step: evaluates the lock marker, deletes
// it when stale, and drives the state machine. It returns the resulting
// status. A state transition stops or restarts the supervised process and
// publishes exactly one ownership-changed notification.
func (a *Arbiter) CheckStatus() Status {
	status, pid := a.evaluate()
	a.transition(status, pid)
	return status
}

// evaluate inspects the marker without mutating arbiter state. A marker
// naming a dead process is stale and is removed as a side effect.
func (a *Arbiter) evaluate() (Status, int) {
	m, err := readMarker(a.lockPath)
	if err != nil {
		logging.Warn().Err(err).Str("lock", a.lockPath).Msg("unreadable lock marker")
		return StatusNone, 0
	}
	if m == nil {
		return StatusNone, 0
	}
	if m.SessionPath != a.sessionPath {
		return StatusNone, 0
	}
	if !processAlive(m.PID) {
		logging.Info().Int("pid", m.PID).Msg("removing stale ownership marker")
		if err := removeMarker(a.lockPath); err != nil {
			logging.Warn().Err(err).Msg("failed to remove stale marker")
		}
		return StatusNone, 0
	}
	return StatusExternal, m.PID
}

func (a *Arbiter) transition(next Status, pid int) {
	a.mu.Lock()
	prev := a.state
	if prev == next {
		a.mu.Unlock()
		return
	}
	a.state = next
	a.mu.Unlock()

	switch next {
	case StatusExternal:
		logging.Info().Int("pid", pid).Msg("external session detected, stopping agent")
		a.agent.Stop()
		a.bus.PublishSync(event.Event{Type: event.OwnershipChanged, Data: event.OwnershipChange{State: string(StatusExternal), PID: pid}})
	case StatusNone:
		logging.Info().Msg("external session gone, restarting agent")
		if err := a.agent.Start(); err != nil {
			logging.Error().Err(err).Msg("agent restart after ownership release failed")
		}
		a.bus.PublishSync(event.Event{Type: event.OwnershipChanged, Data: event.OwnershipChange{State: string(StatusNone)}})
	}
}

// KillTUI forcibly reclaims ownership: terminate the recorded owner,
// delete the marker, and re-verify before reporting. Failure to signal a
// process that is already gone still counts as a successful reclaim; the
// goal is the absence of a competing writer, not the kill itself.
func (a *Arbiter) KillTUI() KillResult {
	m, err := readMarker(a.lockPath)
	if err != nil {
		return KillResult{Message: fmt.Sprintf("lock marker unreadable: %v", err)}
	}
	if m == nil || m.SessionPath != a.sessionPath || !processAlive(m.PID) {
		// Nothing alive owns the session; clean up whatever marker is left.
		if m != nil && m.SessionPath == a.sessionPath {
			_ = removeMarker(a.lockPath)
		}
		a.CheckStatus()
		return KillResult{Message: "no live external session owns the session file"}
	}

	pid := m.PID
	if proc, ferr := findProcess(pid); ferr == nil {
		if serr := proc.Signal(syscall.SIGTERM); serr != nil {
			logging.Debug().Err(serr).Int("pid", pid).Msg("SIGTERM failed, treating as already gone")
		}
	}
	if err := removeMarker(a.lockPath); err != nil {
		logging.Warn().Err(err).Msg("failed to remove ownership marker after kill")
	}

	// The liveness probe races the kill; poll until the process is gone,
	// escalating once if SIGTERM is ignored.
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 20)
	escalated := false
	verify := func() error {
		if !processAlive(pid) {
			return nil
		}
		if !escalated {
			escalated = true
			if proc, ferr := findProcess(pid); ferr == nil {
				_ = proc.Signal(syscall.SIGKILL)
			}
		}
		return fmt.Errorf("process %d still alive", pid)
	}
	if err := backoff.Retry(verify, policy); err != nil {
		logging.Warn().Int("pid", pid).Msg("external session did not exit; marker removed anyway")
	}

	a.CheckStatus()
	return KillResult{Killed: true, PID: pid, Message: fmt.Sprintf("terminated external session (pid %d)", pid)}
}
