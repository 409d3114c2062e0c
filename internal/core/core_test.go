package core

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/fluxsweep/internal/backend"
	"github.com/goosewin/fluxsweep/internal/grid"
	"github.com/goosewin/fluxsweep/internal/metrics"
	"github.com/goosewin/fluxsweep/internal/params"
	"github.com/goosewin/fluxsweep/internal/poll"
	"github.com/goosewin/fluxsweep/internal/prompt"
	"github.com/goosewin/fluxsweep/internal/settings"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) (<-chan time.Time, func() bool) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.timers = append(c.timers, d)
	now := c.now
	c.mu.Unlock()
	fired := make(chan time.Time, 1)
	fired <- now
	return fired, func() bool { return false }
}

// fakeBackend resolves the nth submission according to plan[n]: "ok",
// "fail" (remote failure), "reject" (submit error), "slow" (never finishes).
type fakeBackend struct {
	mu       sync.Mutex
	plan     []string
	submits  int
	prompts  []string
	onSubmit func(n int)
}

func (f *fakeBackend) Name() string           { return "fake" }
func (f *fakeBackend) CheckConfigured() error { return nil }

func (f *fakeBackend) Submit(_ context.Context, prompt string, _ params.Generation) (backend.Handle, error) {
	f.mu.Lock()
	n := f.submits
	f.submits++
	f.prompts = append(f.prompts, prompt)
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if f.step(n) == "reject" {
		return backend.Handle{}, &backend.SubmissionError{StatusCode: 502, Message: "bad gateway"}
	}
	return backend.Handle{ID: strconv.Itoa(n)}, nil
}

func (f *fakeBackend) Poll(_ context.Context, h backend.Handle) (backend.Status, error) {
	n, _ := strconv.Atoi(h.ID)
	switch f.step(n) {
	case "fail":
		return backend.Status{State: backend.StateFailed, Reason: "nsfw"}, nil
	case "slow":
		return backend.Status{State: backend.StatePending}, nil
	default:
		return backend.Status{State: backend.StateSucceeded, Artifacts: []string{"https://img/" + h.ID + ".jpg"}}, nil
	}
}

func (f *fakeBackend) step(n int) string {
	if n < len(f.plan) {
		return f.plan[n]
	}
	return "ok"
}

type recordingSink struct {
	mu       sync.Mutex
	progress []string
	results  []string
}

func (r *recordingSink) ReportProgress(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, text)
	return nil
}

func (r *recordingSink) ReportResult(_ context.Context, artifacts []string, caption string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, caption+"|"+strings.Join(artifacts, ","))
	return nil
}

func fiveCombos() []params.Generation {
	combos := make([]params.Generation, 5)
	for i := range combos {
		combos[i] = params.Generation{PromptStrength: 0.5, GuidanceScale: 2, InferenceSteps: 20 + 5*i}
	}
	return combos
}

func TestRunSweepContinuesPastFailure(t *testing.T) {
	b := &fakeBackend{plan: []string{"ok", "ok", "fail", "ok", "ok"}}
	sink := &recordingSink{}
	var updates []StateUpdate

	result, err := RunSweep(context.Background(), SweepOptions{
		ID:            "s1",
		Prompt:        "lestarge in a field of flowers",
		Combinations:  fiveCombos(),
		Backend:       b,
		Poller:        &poll.Poller{Clock: newFakeClock()},
		Sink:          sink,
		StateCallback: func(u StateUpdate) { updates = append(updates, u) },
		Metrics:       metrics.New(),
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 5, result.Attempted)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Outcomes, 5)
	for i, outcome := range result.Outcomes {
		assert.Equal(t, i+1, outcome.Index)
		assert.Equal(t, 20+5*i, outcome.Params.InferenceSteps)
	}
	var remote *backend.RemoteFailure
	assert.ErrorAs(t, result.Outcomes[2].Err, &remote)

	assert.Len(t, sink.results, 4)
	assert.Contains(t, sink.results[2], "#4/5")
	last := sink.progress[len(sink.progress)-1]
	assert.Contains(t, last, "5 attempted, 4 succeeded, 1 failed")

	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	assert.Equal(t, StateCompleted, final.Status)
	assert.Equal(t, 5, final.Index)
}

func TestRunSweepSubmissionFailureIsRecorded(t *testing.T) {
	b := &fakeBackend{plan: []string{"reject", "ok"}}
	result, err := RunSweep(context.Background(), SweepOptions{
		ID:           "s2",
		Prompt:       "lestarge at the seaside",
		Combinations: fiveCombos()[:2],
		Backend:      b,
		Poller:       &poll.Poller{Clock: newFakeClock()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, backend.IsTransport(result.Outcomes[0].Err))
	assert.Equal(t, 2, b.submits)
}

func TestRunSweepTimeoutIsDistinctFromFailure(t *testing.T) {
	b := &fakeBackend{plan: []string{"slow"}}
	result, err := RunSweep(context.Background(), SweepOptions{
		ID:           "s3",
		Prompt:       "lestarge on a mountain",
		Combinations: fiveCombos()[:1],
		Backend:      b,
		Poller:       &poll.Poller{Clock: newFakeClock(), Interval: 5 * time.Second, MaxWait: 20 * time.Second},
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.ErrorIs(t, result.Outcomes[0].Err, poll.ErrTimedOut)
	assert.NotErrorIs(t, result.Outcomes[0].Err, backend.ErrRemoteFailure)
}

func TestRunSweepStopsBetweenCombinations(t *testing.T) {
	stop := make(chan struct{})
	b := &fakeBackend{}
	b.onSubmit = func(n int) {
		if n == 1 {
			close(stop)
		}
	}

	result, err := RunSweep(context.Background(), SweepOptions{
		ID:           "s4",
		Prompt:       "lestarge in the rain",
		Combinations: fiveCombos(),
		Backend:      b,
		Poller:       &poll.Poller{Clock: newFakeClock()},
		Stop:         stop,
	})
	require.NoError(t, err)

	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 2, result.Succeeded)
	assert.Len(t, result.Outcomes, 2)
	assert.True(t, result.Summary().Aborted)
}

func TestRunSweepAbortsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBackend{}
	b.onSubmit = func(n int) {
		if n == 1 {
			cancel()
		}
	}

	result, err := RunSweep(ctx, SweepOptions{
		ID:           "s5",
		Prompt:       "lestarge in the rain",
		Combinations: fiveCombos(),
		Backend:      b,
		Poller:       &poll.Poller{Clock: newFakeClock()},
	})
	require.NoError(t, err)

	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 2, b.submits)
	assert.True(t, result.Summary().Aborted)
}

func TestRunSweepPreconditions(t *testing.T) {
	cases := []struct {
		name string
		opts SweepOptions
		err  error
	}{
		{name: "empty prompt", opts: SweepOptions{Combinations: fiveCombos(), Backend: &fakeBackend{}}, err: backend.ErrEmptyPrompt},
		{name: "no combinations", opts: SweepOptions{Prompt: "x", Backend: &fakeBackend{}}, err: ErrNoCombinations},
		{name: "no backend", opts: SweepOptions{Prompt: "x", Combinations: fiveCombos()}, err: ErrNoBackend},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RunSweep(context.Background(), tc.opts)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestSweepResultDocument(t *testing.T) {
	b := &fakeBackend{plan: []string{"ok", "fail"}}
	result, err := RunSweep(context.Background(), SweepOptions{
		ID:           "s5",
		Prompt:       "lestarge by the lake",
		Combinations: fiveCombos()[:2],
		Backend:      b,
		Poller:       &poll.Poller{Clock: newFakeClock()},
	})
	require.NoError(t, err)

	doc := result.Document()
	assert.Equal(t, "completed", doc.Status)
	require.Len(t, doc.Entries, 2)
	assert.True(t, doc.Entries[0].Succeeded)
	assert.Equal(t, "service failed the job: nsfw", doc.Entries[1].Error)
}

func defaultAxes(t *testing.T) grid.Axes {
	t.Helper()
	strengths, err := grid.FloatRange(0.5, 1.0, 0.05)
	require.NoError(t, err)
	steps, err := grid.IntRange(20, 50, 5)
	require.NoError(t, err)
	return grid.Axes{PromptStrengths: strengths, GuidanceScales: []float64{2, 2.5, 3, 3.5}, InferenceSteps: steps}
}

func TestPlanSweep(t *testing.T) {
	axes := defaultAxes(t)
	base := params.Base{Width: 256, Height: 256, OutputFormat: "jpg", Quality: 60}

	all, err := PlanSweep(PlanOptions{Prompt: "lestarge reading a book", Axes: axes, Base: base, FallbackAspectRatio: "4:3", Max: 1500})
	require.NoError(t, err)
	require.Len(t, all, 308)
	assert.Equal(t, "lestarge reading a book", all[0].Prompt)
	assert.Equal(t, "4:3", all[0].AspectRatio)

	some, err := PlanSweep(PlanOptions{Prompt: "lestarge reading a book", Axes: axes, Base: base, Requested: 7, Max: 1500, Rand: rand.New(rand.NewPCG(1, 2))})
	require.NoError(t, err)
	assert.Len(t, some, 7)

	capped, err := PlanSweep(PlanOptions{Prompt: "lestarge reading a book", Axes: axes, Base: base, Max: 100, Rand: rand.New(rand.NewPCG(1, 2))})
	require.NoError(t, err)
	assert.Len(t, capped, 100)

	_, err = PlanSweep(PlanOptions{Prompt: "short", Axes: axes, Base: base})
	require.ErrorIs(t, err, ErrPromptTooShort)

	_, err = PlanSweep(PlanOptions{Prompt: "lestarge reading a book", Axes: axes, Base: base, Requested: -1})
	require.ErrorIs(t, err, grid.ErrInvalidCount)

	_, err = PlanSweep(PlanOptions{Prompt: "lestarge reading a book", Axes: axes, Base: base, Requested: 400, Max: 100})
	require.ErrorIs(t, err, grid.ErrGridTooLarge)

	sampled, err := PlanSweep(PlanOptions{Prompt: "lestarge reading a book", Axes: axes, Base: base, Requested: 200, Max: 100, Rand: rand.New(rand.NewPCG(1, 2))})
	require.ErrorIs(t, err, grid.ErrGridTooLarge)
	assert.Nil(t, sampled)

	_, err = PlanSweep(PlanOptions{Prompt: "lestarge reading a book", Axes: grid.Axes{}, Base: base})
	require.ErrorIs(t, err, ErrNoCombinations)
}

// flakyBackend fails submission with a transport error the first failures times.
type flakyBackend struct {
	fakeBackend
	failures int
	err      error
}

func (f *flakyBackend) Submit(ctx context.Context, prompt string, g params.Generation) (backend.Handle, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.submits++
		f.mu.Unlock()
		return backend.Handle{}, f.err
	}
	f.mu.Unlock()
	return f.fakeBackend.Submit(ctx, prompt, g)
}

func TestGenerateRetriesTransportErrors(t *testing.T) {
	clock := newFakeClock()
	b := &flakyBackend{failures: 2, err: &backend.SubmissionError{Err: errors.New("connection reset")}}
	var retries []int

	artifacts, err := Generate(context.Background(), GenerateOptions{
		Prompt:     "lestarge in paris",
		Backend:    b,
		Poller:     &poll.Poller{Clock: clock},
		Clock:      clock,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		OnRetry:    func(attempt int, _ error) { retries = append(retries, attempt) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://img/2.jpg"}, artifacts)
	assert.Equal(t, 3, b.submits)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.timers)
}

func TestGenerateGivesUpAfterMaxRetries(t *testing.T) {
	clock := newFakeClock()
	b := &flakyBackend{failures: 10, err: &backend.SubmissionError{StatusCode: 503}}

	_, err := Generate(context.Background(), GenerateOptions{
		Prompt:     "lestarge in rome",
		Backend:    b,
		Clock:      clock,
		MaxRetries: 3,
	})
	var failure *GenerationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 3, failure.Attempts)
	assert.True(t, backend.IsTransport(err))
	assert.Equal(t, 3, b.submits)
}

func TestGenerateDoesNotRetryDefinitiveFailures(t *testing.T) {
	cases := []struct {
		name   string
		plan   string
		target error
	}{
		{name: "remote failure", plan: "fail", target: backend.ErrRemoteFailure},
		{name: "timeout", plan: "slow", target: poll.ErrTimedOut},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			b := &fakeBackend{plan: []string{tc.plan, tc.plan, tc.plan}}
			_, err := Generate(context.Background(), GenerateOptions{
				Prompt:     "lestarge in berlin",
				Backend:    b,
				Poller:     &poll.Poller{Clock: clock, MaxWait: 10 * time.Second},
				Clock:      clock,
				MaxRetries: 3,
			})
			require.ErrorIs(t, err, tc.target)
			var failure *GenerationFailure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, 1, failure.Attempts)
			assert.Equal(t, 1, b.submits)
		})
	}
}

func TestGenerationFor(t *testing.T) {
	defaults := GenerationDefaults{
		Base:           params.Base{Width: 1440, Height: 1440, AspectRatio: "1:1", OutputFormat: "jpg", Quality: 100},
		GuidanceScale:  3,
		InferenceSteps: 36,
		PromptStrength: 0.9,
		Extra:          map[string]any{"model": "dev"},
	}
	rec := settings.Default()
	rec.AspectRatio = "9:16"
	rec.NumOutputs = 2

	g := GenerationFor(defaults, rec)
	assert.Equal(t, "9:16", g.AspectRatio)
	assert.Equal(t, 2, g.NumOutputs)
	assert.Equal(t, 0.7, g.PromptStrength)
	assert.Equal(t, 36, g.InferenceSteps)
	assert.Equal(t, "dev", g.Extra["model"])

	g.Extra["model"] = "schnell"
	assert.Equal(t, "dev", defaults.Extra["model"])
}

type scriptedRegenerator struct {
	prompts []string
	errs    []error
	calls   int
}

func (s *scriptedRegenerator) Regenerate(context.Context, prompt.Draft, string) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	return s.prompts[i], nil
}

func TestRunCyclesRegeneratesAndSkipsFailures(t *testing.T) {
	clock := newFakeClock()
	b := &fakeBackend{plan: []string{"ok", "fail", "ok"}}
	regen := &scriptedRegenerator{
		prompts: []string{"lestarge two", "", "lestarge four"},
		errs:    []error{nil, errors.New("llm down"), nil},
	}
	sink := &recordingSink{}

	result, err := RunCycles(context.Background(), CyclesOptions{
		Draft:       prompt.Draft{Kind: prompt.KindText, Source: "me at the beach", Prompt: "lestarge one"},
		Cycles:      4,
		Regenerator: regen,
		Generate: GenerateOptions{
			Backend: b,
			Poller:  &poll.Poller{Clock: clock},
			Clock:   clock,
		},
		Sink: sink,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Cycles)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, []string{"lestarge one", "lestarge four"}, result.Prompts)
	assert.Equal(t, []string{"lestarge one", "lestarge two", "lestarge four"}, b.prompts)
	assert.Len(t, sink.results, 2)
	assert.Contains(t, sink.progress[len(sink.progress)-1], "2 of 4 cycles")
}

func TestRunCyclesNeedsRegeneratorForManyCycles(t *testing.T) {
	_, err := RunCycles(context.Background(), CyclesOptions{
		Draft:  prompt.Draft{Prompt: "lestarge"},
		Cycles: 2,
	})
	require.Error(t, err)
}
