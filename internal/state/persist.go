package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Load reads the persisted State from path, returning a fresh empty State
// if the file doesn't exist yet.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return State{}, fmt.Errorf("reading state file: %w", err)
	}

	s := New()
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parsing state file: %w", err)
	}
	if s.ActiveWork == nil {
		s.ActiveWork = make(map[string]ActiveWork)
	}
	if s.PendingQuestions == nil {
		s.PendingQuestions = make(map[string]PendingQuestion)
	}
	if s.AnsweredQuestions == nil {
		s.AnsweredQuestions = make(map[string]AnsweredQuestion)
	}
	return s, nil
}

// Save writes s to path atomically: temp file in the same directory,
// write, close, rename — the same sequence internal/config/save.go uses
// for the config document.
func Save(path string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	return atomicWriteFile(path, data, ".whs.state.tmp.*")
}

func atomicWriteFile(path string, data []byte, tempPattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Lock is the dispatcher's cross-process exclusion file.
type Lock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// ErrLockHeld is returned by AcquireLock when a live process already holds the lock.
type ErrLockHeld struct {
	Holder Lock
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("dispatcher lock held by pid %d since %s", e.Holder.PID, e.Holder.StartedAt)
}

// AcquireLock creates the lock file at path, failing if a live process
// already holds it. A lock file whose pid is no longer alive is
// considered stale and is overwritten.
func AcquireLock(path string) error {
	if existing, err := readLock(path); err == nil {
		if processAlive(existing.PID) {
			return &ErrLockHeld{Holder: existing}
		}
	}

	lock := Lock{PID: os.Getpid(), StartedAt: now()}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock: %w", err)
	}
	return atomicWriteFile(path, data, ".whs.lock.tmp.*")
}

// ReleaseLock removes the lock file, tolerating it already being gone.
func ReleaseLock(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

func readLock(path string) (Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lock{}, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return Lock{}, err
	}
	return lock, nil
}

// ReadLock exposes the lock file's contents for Doctor's stale-lock check.
func ReadLock(path string) (Lock, bool) {
	lock, err := readLock(path)
	if err != nil {
		return Lock{}, false
	}
	return lock, true
}

// processAlive probes pid with signal 0, the POSIX "is this pid live"
// idiom: no signal is delivered, only existence/permission is checked.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ProcessAlive is exported for Doctor's stale-lock diagnostic (§4.9).
func ProcessAlive(pid int) bool {
	return processAlive(pid)
}
