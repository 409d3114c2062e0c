package core

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/fluxsweep/internal/grid"
	"github.com/goosewin/fluxsweep/internal/params"
	"github.com/goosewin/fluxsweep/internal/poll"
	"github.com/goosewin/fluxsweep/internal/prompt"
	"github.com/goosewin/fluxsweep/internal/report"
	"github.com/goosewin/fluxsweep/internal/settings"
	"github.com/goosewin/fluxsweep/internal/state"
)

func setupRegistry(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FLUXSWEEP_STATE_DIR", dir)
	t.Setenv("FLUXSWEEP_STATE_FILE", "")
	t.Setenv("FLUXSWEEP_LOCK_FILE", "")
	t.Setenv("FLUXSWEEP_LOCK_DIR", "")
	return dir
}

func testEngine(b *fakeBackend) *Engine {
	return &Engine{
		Backend: b,
		Poller:  &poll.Poller{Clock: newFakeClock()},
		Axes: grid.Axes{
			PromptStrengths: []float64{0.5, 0.6},
			GuidanceScales:  []float64{2, 3},
			InferenceSteps:  []int{20},
		},
		Base:          params.Base{Width: 256, Height: 256, OutputFormat: "jpg", Quality: 60},
		MaxIterations: 100,
		NewID:         func() string { return "sweep-1" },
		Rand:          rand.New(rand.NewPCG(1, 2)),
	}
}

func TestEnginePlanSweepUsesUserAspectRatio(t *testing.T) {
	engine := testEngine(&fakeBackend{})
	rec := settings.Default()
	rec.AspectRatio = "9:16"

	plan, err := engine.PlanSweep("  lestarge on a quiet beach  ", 0, rec)
	require.NoError(t, err)

	assert.Equal(t, "sweep-1", plan.ID)
	assert.Equal(t, "lestarge on a quiet beach", plan.Prompt)
	assert.Equal(t, 4, plan.GridSize)
	require.Len(t, plan.Combinations, 4)
	for _, combo := range plan.Combinations {
		assert.Equal(t, "9:16", combo.AspectRatio)
		assert.Equal(t, plan.Prompt, combo.Prompt)
	}

	_, err = engine.PlanSweep("short", 0, rec)
	assert.ErrorIs(t, err, ErrPromptTooShort)
}

func TestEngineReconfigureAffectsNextPlan(t *testing.T) {
	engine := testEngine(&fakeBackend{})
	engine.Reconfigure(func(e *Engine) {
		e.Axes.InferenceSteps = []int{20, 30, 40}
		e.MinPromptLength = 3
	})

	plan, err := engine.PlanSweep("fox", 0, settings.Default())
	require.NoError(t, err)
	assert.Equal(t, 12, plan.GridSize)
	assert.Len(t, plan.Combinations, 12)
}

func TestEngineRunSweepRecordsRegistryAndReport(t *testing.T) {
	dir := setupRegistry(t)

	var hooks atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hooks.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	engine := testEngine(&fakeBackend{plan: []string{"ok", "fail"}})
	engine.Registry = true
	engine.Reports = true
	engine.SweepLogs = true
	engine.Webhook = hook.URL

	plan, err := engine.PlanSweep("lestarge in a neon city", 2, settings.Default())
	require.NoError(t, err)
	plan.Owner = "alice"

	result, err := engine.RunSweep(context.Background(), plan, nil, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	stored, found, err := state.GetSweep("sweep-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.StatusCompleted, stored.Status)
	assert.Equal(t, "alice", stored.Owner)
	assert.Equal(t, 2, stored.Attempted)
	assert.Equal(t, os.Getpid(), stored.PID)
	assert.False(t, stored.FinishedAt.IsZero())

	doc, err := report.ReadFile(filepath.Join(dir, "reports", "sweep-1.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Attempted)
	require.Len(t, doc.Entries, 2)
	assert.NotEmpty(t, doc.Entries[1].Error)

	logData, err := os.ReadFile(filepath.Join(dir, "logs", "sweep-1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "sweep finished")

	assert.Equal(t, int32(1), hooks.Load())
}

func TestEngineRunSweepHonoursRegistryStop(t *testing.T) {
	setupRegistry(t)

	b := &fakeBackend{}
	engine := testEngine(b)
	engine.Registry = true
	engine.StopInterval = 5 * time.Millisecond

	plan, err := engine.PlanSweep("lestarge under the northern lights", 4, settings.Default())
	require.NoError(t, err)

	b.onSubmit = func(n int) {
		if n != 0 {
			return
		}
		_, err := state.RequestStop(plan.ID)
		assert.NoError(t, err)
		// Give the registry watcher time to observe the flag.
		time.Sleep(200 * time.Millisecond)
	}

	result, err := engine.RunSweep(context.Background(), plan, nil, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, 1, result.Attempted)

	stored, _, err := state.GetSweep(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusAborted, stored.Status)
	assert.True(t, stored.StopRequested)
}

func TestEngineRunCyclesAppliesUserSettings(t *testing.T) {
	b := &fakeBackend{}
	engine := testEngine(b)
	engine.Generation = GenerationDefaults{
		Base:           params.Base{Width: 1440, Height: 1440, OutputFormat: "jpg", Quality: 100},
		GuidanceScale:  3,
		InferenceSteps: 36,
	}
	engine.Regenerator = &scriptedRegenerator{prompts: []string{"lestarge again"}}

	rec := settings.Default()
	rec.GenerationCycles = 2

	result, err := engine.RunCycles(context.Background(), prompt.Draft{Kind: prompt.KindText, Source: "cat", Prompt: "lestarge cat"}, rec, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, []string{"lestarge cat", "lestarge again"}, b.prompts)
}

func TestMergeStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan struct{})
	merged := mergeStop(ctx, a, nil)
	close(a)
	_, open := <-merged
	assert.False(t, open)

	ctx2, cancel2 := context.WithCancel(context.Background())
	merged = mergeStop(ctx2, nil, nil)
	cancel2()
	select {
	case <-merged:
		t.Fatal("merged stop closed on context cancel")
	case <-time.After(20 * time.Millisecond):
	}
}
