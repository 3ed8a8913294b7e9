// Package archive snapshots the session log into timestamped copies,
// both automatically before the subprocess compacts in place and on
// demand when a subscriber rotates the session.
package archive

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/sessionhub/sessionhub/internal/event"
	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/pkg/types"
)

// SessionControl is the slice of the process client the archivist needs
// to rotate to a fresh session.
type SessionControl interface {
	NewSession(ctx context.Context) error
}

// RotateResult reports a manual rotation. ArchivePath and Err are
// independent facts: the snapshot can succeed even when the new-session
// step fails, and callers must surface both.
type RotateResult struct {
	ArchivePath string `json:"archivePath,omitempty"`
	Err         error  `json:"-"`
}

// Archivist copies the session log into an archive directory. All file
// access goes through an afero filesystem so the copy logic is testable
// in memory.
type Archivist struct {
	fs          afero.Fs
	sessionPath string
	archiveDir  string
	agent       SessionControl
	bus         *event.Bus

	mu          sync.Mutex
	compactions int
	archives    int

	unsub func()
}

// New creates an archivist and subscribes it to the agent stream so
// compaction signals trigger snapshots without hub involvement.
func New(fs afero.Fs, sessionPath, archiveDir string, agent SessionControl, bus *event.Bus) *Archivist {
	a := &Archivist{
		fs:          fs,
		sessionPath: sessionPath,
		archiveDir:  archiveDir,
		agent:       agent,
		bus:         bus,
	}
	a.unsub = bus.Subscribe(event.AgentStream, a.onAgentEvent)
	return a
}

// Close detaches the archivist from the bus.
func (a *Archivist) Close() {
	if a.unsub != nil {
		a.unsub()
	}
}

func (a *Archivist) onAgentEvent(e event.Event) {
	switch e.Data.(type) {
	case *types.CompactionStart:
		// Snapshot in the background so the copy never holds up the
		// reader loop dispatching this event.
		go a.ArchiveBeforeCompaction()
	case *types.CompactionEnd:
		a.mu.Lock()
		a.compactions++
		a.mu.Unlock()
	}
}

// ArchiveBeforeCompaction snapshots the session log before the
// subprocess compacts it in place. Failures are logged and reported as an
// empty path; they never propagate into the live turn.
func (a *Archivist) ArchiveBeforeCompaction() string {
	path, err := a.snapshot("compaction")
	if err != nil {
		logging.Warn().Err(err).Str("session", a.sessionPath).Msg("pre-compaction archive failed")
		return ""
	}
	return path
}

// ArchiveAndStartNew snapshots the session log and then asks the
// subprocess to begin a fresh session. The archive path and the error are
// reported separately: a nil-path result with an error means the snapshot
// itself failed, a non-empty path with an error means the snapshot exists
// but the rotation did not complete.
func (a *Archivist) ArchiveAndStartNew(ctx context.Context) RotateResult {
	path, err := a.snapshot("manual")
	if err != nil {
		return RotateResult{Err: fmt.Errorf("archive session: %w", err)}
	}

	if err := a.agent.NewSession(ctx); err != nil {
		return RotateResult{ArchivePath: path, Err: fmt.Errorf("start new session: %w", err)}
	}

	a.mu.Lock()
	a.compactions = 0
	a.mu.Unlock()
	return RotateResult{ArchivePath: path}
}

// Info reports session-file facts for the status surface.
func (a *Archivist) Info() types.SessionInfo {
	a.mu.Lock()
	compactions, archives := a.compactions, a.archives
	a.mu.Unlock()

	info := types.SessionInfo{
		Path:        a.sessionPath,
		Compactions: compactions,
		Archives:    archives,
	}
	if st, err := a.fs.Stat(a.sessionPath); err == nil {
		info.SizeBytes = st.Size()
	}
	return info
}

// snapshot copies the session log to a fresh timestamped path and
// publishes an archive notice.
func (a *Archivist) snapshot(reason string) (string, error) {
	if err := a.fs.MkdirAll(a.archiveDir, 0755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	dest, err := a.nextArchivePath()
	if err != nil {
		return "", err
	}
	if err := a.copyFile(a.sessionPath, dest); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.archives++
	a.mu.Unlock()

	logging.Info().Str("archive", dest).Str("reason", reason).Msg("session archived")
	a.bus.Publish(event.Event{Type: event.ArchiveCreated, Data: event.ArchiveNotice{Path: dest, Reason: reason}})
	return dest, nil
}

// nextArchivePath derives a destination that does not exist yet. Two
// snapshots within the same timestamp granularity get a counter suffix
// so back-to-back archives never collide.
func (a *Archivist) nextArchivePath() (string, error) {
	base := strings.TrimSuffix(filepath.Base(a.sessionPath), filepath.Ext(a.sessionPath))
	ext := filepath.Ext(a.sessionPath)
	stamp := time.Now().Format("20060102-150405")

	candidate := filepath.Join(a.archiveDir, fmt.Sprintf("%s-%s%s", base, stamp, ext))
	for n := 1; ; n++ {
		exists, err := afero.Exists(a.fs, candidate)
		if err != nil {
			return "", fmt.Errorf("probe archive path: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = filepath.Join(a.archiveDir, fmt.Sprintf("%s-%s.%d%s", base, stamp, n, ext))
	}
}

func (a *Archivist) copyFile(src, dest string) error {
	in, err := a.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer in.Close()

	out, err := a.fs.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = a.fs.Remove(dest)
		return fmt.Errorf("copy session file: %w", err)
	}
	return out.Close()
}
