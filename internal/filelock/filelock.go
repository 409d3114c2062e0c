// Package filelock serializes access to JSON files shared between fluxsweep
// processes. It prefers flock and falls back to a mkdir lock where flock is
// unsupported.
package filelock

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

var ErrLockTimeout = errors.New("state lock timeout")

// Lock describes where a lock lives.
type Lock struct {
	File    string
	Dir     string
	Timeout time.Duration
}

type handle struct {
	method string
	file   *os.File
	dir    string
}

// With runs fn while holding the lock.
func (l Lock) With(fn func() error) error {
	h, err := l.acquire()
	if err != nil {
		return err
	}
	defer h.release()
	return fn()
}

func (l Lock) acquire() (*handle, error) {
	if l.File == "" {
		return nil, errors.New("lock file path unavailable")
	}
	if err := os.MkdirAll(filepath.Dir(l.File), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	file, err := os.OpenFile(l.File, os.O_CREATE|os.O_RDWR, 0o644)
	if err == nil {
		err = tryFlock(file, timeout)
		if err == nil {
			return &handle{method: "flock", file: file}, nil
		}

		if !isFlockUnsupported(err) {
			file.Close()
			return nil, err
		}

		file.Close()
	}

	dir := l.Dir
	if dir == "" {
		dir = l.File + ".dir"
	}
	return acquireDirLock(dir, timeout)
}

func (h *handle) release() {
	if h == nil {
		return
	}

	switch h.method {
	case "flock":
		if h.file != nil {
			_ = syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN)
			_ = h.file.Close()
		}
	case "mkdir":
		if h.dir != "" {
			_ = os.RemoveAll(h.dir)
		}
	}
}

func tryFlock(file *os.File, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}

		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			if time.Now().After(deadline) {
				return ErrLockTimeout
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		return err
	}
}

func acquireDirLock(lockDir string, timeout time.Duration) (*handle, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := os.Mkdir(lockDir, 0o755); err == nil {
			_ = os.WriteFile(filepath.Join(lockDir, "pid"), []byte(strconv.Itoa(os.Getpid())), 0o644)
			return &handle{method: "mkdir", dir: lockDir}, nil
		}

		if info, err := os.Stat(lockDir); err == nil && info.IsDir() {
			pid := readPid(filepath.Join(lockDir, "pid"))
			if pid == 0 || !ProcessAlive(pid) {
				_ = os.RemoveAll(lockDir)
			}
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// WriteFileAtomic replaces path with data through a synced temp file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}

	return nil
}

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func readPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	parsed, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0
	}
	return parsed
}

func isFlockUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EOPNOTSUPP) || errors.Is(err, syscall.ENOTSUP)
}
