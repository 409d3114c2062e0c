package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func setupStateDir(t *testing.T) string {
	t.Helper()
	tempDir := t.TempDir()
	t.Setenv("FLUXSWEEP_STATE_DIR", tempDir)
	t.Setenv("FLUXSWEEP_STATE_FILE", filepath.Join(tempDir, "state.json"))
	t.Setenv("FLUXSWEEP_LOCK_FILE", "")
	t.Setenv("FLUXSWEEP_LOCK_DIR", "")
	return tempDir
}

func TestInitStateCreatesAndRepairsFile(t *testing.T) {
	tempDir := setupStateDir(t)
	stateFile := filepath.Join(tempDir, "state.json")

	if err := InitState(); err != nil {
		t.Fatalf("init state: %v", err)
	}
	data, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if string(data) != `{"sweeps":{}}` {
		t.Fatalf("unexpected state content: %s", string(data))
	}

	if err := os.WriteFile(stateFile, []byte("{invalid"), 0o644); err != nil {
		t.Fatalf("write invalid state: %v", err)
	}
	if err := InitState(); err != nil {
		t.Fatalf("init state after invalid: %v", err)
	}
	data, err = os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("read state file after repair: %v", err)
	}
	if string(data) != `{"sweeps":{}}` {
		t.Fatalf("expected repaired state, got %s", string(data))
	}
}

func TestPutGetListDeleteSweep(t *testing.T) {
	setupStateDir(t)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := PutSweep(Sweep{ID: "older", Prompt: "a", Status: StatusCompleted, StartedAt: started}); err != nil {
		t.Fatalf("put older: %v", err)
	}
	if err := PutSweep(Sweep{ID: "newer", Prompt: "b", Status: StatusRunning, Total: 5, StartedAt: started.Add(time.Hour)}); err != nil {
		t.Fatalf("put newer: %v", err)
	}

	sweep, found, err := GetSweep("newer")
	if err != nil {
		t.Fatalf("get sweep: %v", err)
	}
	if !found {
		t.Fatalf("expected sweep to exist")
	}
	if sweep.Total != 5 || sweep.Prompt != "b" {
		t.Fatalf("unexpected sweep: %+v", sweep)
	}
	if sweep.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at to be set")
	}

	sweeps, err := ListSweeps()
	if err != nil {
		t.Fatalf("list sweeps: %v", err)
	}
	if len(sweeps) != 2 || sweeps[0].ID != "newer" || sweeps[1].ID != "older" {
		t.Fatalf("expected newest first, got %+v", sweeps)
	}

	if err := DeleteSweep("older"); err != nil {
		t.Fatalf("delete sweep: %v", err)
	}
	_, found, err = GetSweep("older")
	if err != nil {
		t.Fatalf("get sweep after delete: %v", err)
	}
	if found {
		t.Fatalf("expected sweep to be deleted")
	}

	if err := DeleteSweep("older"); !errors.Is(err, ErrSweepNotFound) {
		t.Fatalf("expected ErrSweepNotFound, got %v", err)
	}
}

func TestEmptyIDRejected(t *testing.T) {
	setupStateDir(t)

	if _, _, err := GetSweep(""); !errors.Is(err, ErrIDRequired) {
		t.Fatalf("get: expected ErrIDRequired, got %v", err)
	}
	if err := PutSweep(Sweep{}); !errors.Is(err, ErrIDRequired) {
		t.Fatalf("put: expected ErrIDRequired, got %v", err)
	}
	if _, err := UpdateSweep("", func(*Sweep) {}); !errors.Is(err, ErrIDRequired) {
		t.Fatalf("update: expected ErrIDRequired, got %v", err)
	}
}

func TestUpdateSweep(t *testing.T) {
	setupStateDir(t)

	if err := PutSweep(Sweep{ID: "s1", Status: StatusRunning, Total: 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	updated, err := UpdateSweep("s1", func(s *Sweep) {
		s.Attempted = 2
		s.Succeeded = 1
		s.Failed = 1
		s.ID = "renamed"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != "s1" || updated.Attempted != 2 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	stored, _, err := GetSweep("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Succeeded != 1 || stored.Failed != 1 {
		t.Fatalf("update not persisted: %+v", stored)
	}

	if _, err := UpdateSweep("missing", func(*Sweep) {}); !errors.Is(err, ErrSweepNotFound) {
		t.Fatalf("expected ErrSweepNotFound, got %v", err)
	}
}

func TestRequestStopOnlyFlagsRunningSweeps(t *testing.T) {
	setupStateDir(t)

	if err := PutSweep(Sweep{ID: "running", Status: StatusRunning}); err != nil {
		t.Fatalf("put running: %v", err)
	}
	if err := PutSweep(Sweep{ID: "done", Status: StatusCompleted}); err != nil {
		t.Fatalf("put done: %v", err)
	}

	sweep, err := RequestStop("running")
	if err != nil {
		t.Fatalf("request stop: %v", err)
	}
	if !sweep.StopRequested {
		t.Fatalf("expected running sweep to be flagged")
	}

	sweep, err = RequestStop("done")
	if err != nil {
		t.Fatalf("request stop on finished sweep: %v", err)
	}
	if sweep.StopRequested {
		t.Fatalf("finished sweep should not be flagged")
	}
}

func TestStopSignalClosesAfterRequest(t *testing.T) {
	setupStateDir(t)

	if err := PutSweep(Sweep{ID: "watch", Status: StatusRunning}); err != nil {
		t.Fatalf("put: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := StopSignal(ctx, "watch", 10*time.Millisecond)

	select {
	case <-stop:
		t.Fatalf("stop closed before request")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := RequestStop("watch"); err != nil {
		t.Fatalf("request stop: %v", err)
	}
	select {
	case <-stop:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop signal not delivered")
	}
}

func TestCleanupStaleSweeps(t *testing.T) {
	setupStateDir(t)

	stalePID := findUnusedPID(t)
	if stalePID == 0 {
		t.Skip("unable to find unused PID")
	}

	if err := PutSweep(Sweep{ID: "alive", Status: StatusRunning, PID: os.Getpid()}); err != nil {
		t.Fatalf("put alive sweep: %v", err)
	}
	if err := PutSweep(Sweep{ID: "stale", Status: StatusRunning, PID: stalePID}); err != nil {
		t.Fatalf("put stale sweep: %v", err)
	}
	if err := PutSweep(Sweep{ID: "finished", Status: StatusCompleted, PID: stalePID}); err != nil {
		t.Fatalf("put finished sweep: %v", err)
	}

	cleaned, err := CleanupStale("")
	if err != nil {
		t.Fatalf("cleanup stale: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "stale" {
		t.Fatalf("expected stale cleaned, got %v", cleaned)
	}

	sweep, found, err := GetSweep("stale")
	if err != nil {
		t.Fatalf("get stale sweep: %v", err)
	}
	if !found {
		t.Fatalf("expected stale sweep to remain")
	}
	if sweep.Status != StatusStale {
		t.Fatalf("expected status stale, got %v", sweep.Status)
	}

	if err := PutSweep(Sweep{ID: "stale-remove", Status: StatusRunning, PID: stalePID}); err != nil {
		t.Fatalf("put stale-remove sweep: %v", err)
	}
	cleaned, err = CleanupStale(CleanupRemove)
	if err != nil {
		t.Fatalf("cleanup remove: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "stale-remove" {
		t.Fatalf("expected stale-remove cleaned, got %v", cleaned)
	}
	_, found, err = GetSweep("stale-remove")
	if err != nil {
		t.Fatalf("get stale-remove sweep: %v", err)
	}
	if found {
		t.Fatalf("expected stale-remove sweep to be deleted")
	}

	if _, err := CleanupStale("bogus"); err == nil {
		t.Fatalf("expected error for invalid mode")
	}
}

func TestPathsFollowStateDir(t *testing.T) {
	tempDir := setupStateDir(t)

	if got := LogPath("abc"); got != filepath.Join(tempDir, "logs", "abc.log") {
		t.Fatalf("unexpected log path %q", got)
	}
	if got := ReportPath("abc"); got != filepath.Join(tempDir, "reports", "abc.yaml") {
		t.Fatalf("unexpected report path %q", got)
	}
}

func findUnusedPID(t *testing.T) int {
	t.Helper()
	for pid := 50000; pid < 60000; pid++ {
		err := syscall.Kill(pid, 0)
		if err == syscall.ESRCH {
			return pid
		}
	}
	return 0
}
