// Package state records sweeps in a JSON file shared by every fluxsweep
// process, so status, stop and logs work across invocations.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/goosewin/fluxsweep/internal/filelock"
)

// Sweep is one registry entry.
type Sweep struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner,omitempty"`
	Prompt        string    `json:"prompt"`
	Backend       string    `json:"backend"`
	Status        string    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	Total         int       `json:"total"`
	Attempted     int       `json:"attempted"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	LogFile       string    `json:"log_file,omitempty"`
	ReportFile    string    `json:"report_file,omitempty"`
	StopRequested bool      `json:"stop_requested,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// Running reports whether the sweep has not reached a terminal status.
func (s Sweep) Running() bool {
	return s.Status == StatusRunning
}

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
	StatusStale     = "stale"
)

// CleanupMode controls how stale sweeps are handled.
type CleanupMode string

const (
	CleanupMark   CleanupMode = "mark"
	CleanupRemove CleanupMode = "remove"
)

var (
	ErrSweepNotFound = errors.New("sweep not found")
	ErrIDRequired    = errors.New("sweep id is required")
)

type stateFile struct {
	Sweeps map[string]Sweep `json:"sweeps"`
}

// InitState initializes the state file and directory.
func InitState() error {
	return withLock(func() error {
		return initStateUnlocked()
	})
}

// GetSweep returns a sweep by id.
func GetSweep(id string) (Sweep, bool, error) {
	if id == "" {
		return Sweep{}, false, ErrIDRequired
	}

	var (
		sweep Sweep
		found bool
	)
	err := withLock(func() error {
		if err := initStateUnlocked(); err != nil {
			return err
		}
		state, err := readStateUnlocked()
		if err != nil {
			return err
		}
		sweep, found = state.Sweeps[id]
		return nil
	})
	return sweep, found, err
}

// PutSweep inserts or replaces a sweep.
func PutSweep(sweep Sweep) error {
	if sweep.ID == "" {
		return ErrIDRequired
	}
	return withLock(func() error {
		if err := initStateUnlocked(); err != nil {
			return err
		}
		state, err := readStateUnlocked()
		if err != nil {
			return err
		}
		sweep.UpdatedAt = time.Now().UTC()
		state.Sweeps[sweep.ID] = sweep
		return writeStateFile(state)
	})
}

// UpdateSweep applies fn to a stored sweep under the lock.
func UpdateSweep(id string, fn func(*Sweep)) (Sweep, error) {
	if id == "" {
		return Sweep{}, ErrIDRequired
	}
	var updated Sweep
	err := withLock(func() error {
		if err := initStateUnlocked(); err != nil {
			return err
		}
		state, err := readStateUnlocked()
		if err != nil {
			return err
		}
		sweep, ok := state.Sweeps[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSweepNotFound, id)
		}
		fn(&sweep)
		sweep.ID = id
		sweep.UpdatedAt = time.Now().UTC()
		state.Sweeps[id] = sweep
		updated = sweep
		return writeStateFile(state)
	})
	return updated, err
}

// DeleteSweep removes a sweep by id.
func DeleteSweep(id string) error {
	if id == "" {
		return ErrIDRequired
	}
	return withLock(func() error {
		if err := initStateUnlocked(); err != nil {
			return err
		}
		state, err := readStateUnlocked()
		if err != nil {
			return err
		}
		if _, ok := state.Sweeps[id]; !ok {
			return fmt.Errorf("%w: %s", ErrSweepNotFound, id)
		}
		delete(state.Sweeps, id)
		return writeStateFile(state)
	})
}

// ListSweeps returns every sweep, newest first.
func ListSweeps() ([]Sweep, error) {
	var sweeps []Sweep
	err := withLock(func() error {
		if err := initStateUnlocked(); err != nil {
			return err
		}
		state, err := readStateUnlocked()
		if err != nil {
			return err
		}
		sweeps = make([]Sweep, 0, len(state.Sweeps))
		for _, sweep := range state.Sweeps {
			sweeps = append(sweeps, sweep)
		}
		return nil
	})
	sort.Slice(sweeps, func(i, j int) bool {
		if sweeps[i].StartedAt.Equal(sweeps[j].StartedAt) {
			return sweeps[i].ID < sweeps[j].ID
		}
		return sweeps[i].StartedAt.After(sweeps[j].StartedAt)
	})
	return sweeps, err
}

// RequestStop flags a running sweep so its runner stops before the next
// combination.
func RequestStop(id string) (Sweep, error) {
	return UpdateSweep(id, func(s *Sweep) {
		if s.Running() {
			s.StopRequested = true
		}
	})
}

// StopSignal returns a channel closed once the sweep is flagged for stop.
// The registry is checked every interval until ctx ends.
func StopSignal(ctx context.Context, id string, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			sweep, found, err := GetSweep(id)
			if err != nil || !found {
				continue
			}
			if sweep.StopRequested {
				close(stop)
				return
			}
		}
	}()
	return stop
}

// CleanupStale marks or removes running sweeps whose process is gone.
func CleanupStale(mode CleanupMode) ([]string, error) {
	if mode == "" {
		mode = CleanupMark
	}
	if mode != CleanupMark && mode != CleanupRemove {
		return nil, fmt.Errorf("invalid cleanup mode %q", mode)
	}

	cleaned := []string{}
	err := withLock(func() error {
		if err := initStateUnlocked(); err != nil {
			return err
		}
		state, err := readStateUnlocked()
		if err != nil {
			return err
		}

		changed := false
		for id, sweep := range state.Sweeps {
			if !sweep.Running() || sweep.PID <= 0 {
				continue
			}
			if filelock.ProcessAlive(sweep.PID) {
				continue
			}

			cleaned = append(cleaned, id)
			changed = true
			if mode == CleanupRemove {
				delete(state.Sweeps, id)
				continue
			}
			sweep.Status = StatusStale
			sweep.UpdatedAt = time.Now().UTC()
			state.Sweeps[id] = sweep
		}

		if !changed {
			return nil
		}
		return writeStateFile(state)
	})
	sort.Strings(cleaned)
	return cleaned, err
}

// Dir is the state directory.
func Dir() string {
	if value := os.Getenv("FLUXSWEEP_STATE_DIR"); value != "" {
		return value
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "fluxsweep")
}

// LogPath is where a sweep's own log file lives.
func LogPath(id string) string {
	return filepath.Join(Dir(), "logs", id+".log")
}

// ReportPath is where a sweep's YAML report lives by default.
func ReportPath(id string) string {
	return filepath.Join(Dir(), "reports", id+".yaml")
}

func withLock(fn func() error) error {
	lockFile := lockFilePath()
	if lockFile == "" {
		return errors.New("lock file path unavailable")
	}
	lock := filelock.Lock{File: lockFile, Dir: lockDirPath(), Timeout: lockTimeout()}
	return lock.With(fn)
}

func initStateUnlocked() error {
	dir := Dir()
	if dir == "" {
		return errors.New("state directory unavailable")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	path := stateFilePath()
	if path == "" {
		return errors.New("state file path unavailable")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return writeStateFile(stateFile{})
		}
		return fmt.Errorf("stat state file: %w", err)
	}
	if _, err := readStateUnlocked(); err != nil {
		return writeStateFile(stateFile{})
	}
	return nil
}

func readStateUnlocked() (stateFile, error) {
	data, err := os.ReadFile(stateFilePath())
	if err != nil {
		return stateFile{}, fmt.Errorf("read state file: %w", err)
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return stateFile{}, fmt.Errorf("decode state file: %w", err)
	}
	if state.Sweeps == nil {
		state.Sweeps = map[string]Sweep{}
	}
	return state, nil
}

func writeStateFile(state stateFile) error {
	if state.Sweeps == nil {
		state.Sweeps = map[string]Sweep{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	path := stateFilePath()
	if path == "" {
		return errors.New("state file path unavailable")
	}
	return filelock.WriteFileAtomic(path, data)
}

func lockTimeout() time.Duration {
	if value := os.Getenv("FLUXSWEEP_LOCK_TIMEOUT"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return 10 * time.Second
}

func stateFilePath() string {
	if value := os.Getenv("FLUXSWEEP_STATE_FILE"); value != "" {
		return value
	}
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "state.json")
}

func lockFilePath() string {
	if value := os.Getenv("FLUXSWEEP_LOCK_FILE"); value != "" {
		return value
	}
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "state.lock")
}

func lockDirPath() string {
	if value := os.Getenv("FLUXSWEEP_LOCK_DIR"); value != "" {
		return value
	}
	lockFile := lockFilePath()
	if lockFile == "" {
		return ""
	}
	return lockFile + ".dir"
}
