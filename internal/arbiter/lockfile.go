package arbiter

import (
	"encoding/json"
	"errors"
	"os"
	"syscall"
	"time"
)

// Marker is the ownership lock file contents. It is written by the
// external interactive session when it attaches to the session file.
type Marker struct {
	PID         int       `json:"pid"`
	SessionPath string    `json:"sessionPath"`
	StartedAt   time.Time `json:"startedAt"`
}

// readMarker loads the lock marker. A missing file returns (nil, nil).
func readMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// removeMarker deletes the lock marker; a missing file is not an error.
func removeMarker(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// findProcess wraps os.FindProcess for signalling.
func findProcess(pid int) (*os.Process, error) {
	return os.FindProcess(pid)
}

// processAlive probes a pid with a zero-effect signal. Permission denied
// means the process exists under another user, so it counts as alive; any
// other failure counts as dead.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
