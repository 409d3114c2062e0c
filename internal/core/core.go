package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/goosewin/fluxsweep/internal/backend"
	"github.com/goosewin/fluxsweep/internal/grid"
	"github.com/goosewin/fluxsweep/internal/metrics"
	"github.com/goosewin/fluxsweep/internal/notify"
	"github.com/goosewin/fluxsweep/internal/params"
	"github.com/goosewin/fluxsweep/internal/poll"
	"github.com/goosewin/fluxsweep/internal/report"
)

var (
	ErrPromptTooShort = errors.New("prompt is too short")
	ErrNoCombinations = errors.New("no parameter combinations to run")
	ErrNoBackend      = errors.New("image backend is required")
)

const DefaultMinPromptLength = 10

// SweepState is the lifecycle of a sweep.
type SweepState string

const (
	StateIdle      SweepState = "idle"
	StateRunning   SweepState = "running"
	StateCompleted SweepState = "completed"
	StateAborted   SweepState = "aborted"
)

type StateCallback func(update StateUpdate)

type StateUpdate struct {
	Sweep     string
	Index     int
	Total     int
	Succeeded int
	Failed    int
	Status    SweepState
}

type PlanOptions struct {
	Prompt          string
	MinPromptLength int
	Axes            grid.Axes
	Base            params.Base
	Extra           map[string]any
	// FallbackAspectRatio fills Base.AspectRatio when it is blank.
	FallbackAspectRatio string
	// Requested is the number of combinations to run. Zero means the whole
	// grid, sampled down to Max when the grid is larger.
	Requested int
	Max       int
	Rand      *rand.Rand
}

// PlanSweep builds the grid and selects the combinations to run. Every
// precondition is checked here, before anything is sent to a service.
func PlanSweep(opts PlanOptions) ([]params.Generation, error) {
	prompt := strings.TrimSpace(opts.Prompt)
	minLength := opts.MinPromptLength
	if minLength <= 0 {
		minLength = DefaultMinPromptLength
	}
	if utf8.RuneCountInString(prompt) < minLength {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrPromptTooShort, minLength)
	}

	base := opts.Base
	if strings.TrimSpace(base.AspectRatio) == "" {
		base.AspectRatio = opts.FallbackAspectRatio
	}

	size := grid.Size(opts.Axes)
	if size == 0 {
		return nil, ErrNoCombinations
	}

	requested := opts.Requested
	if requested == 0 {
		requested = size
		if opts.Max > 0 && size > opts.Max {
			requested = opts.Max
		}
	}

	combos := grid.Build(opts.Axes, base, opts.Extra)
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	selected, err := grid.Select(combos, requested, opts.Max, rng)
	if err != nil {
		return nil, err
	}

	planned := make([]params.Generation, len(selected))
	for i, combo := range selected {
		planned[i] = combo.WithPrompt(prompt)
	}
	return planned, nil
}

type SweepOptions struct {
	ID           string
	Prompt       string
	Combinations []params.Generation
	GridSize     int
	Backend      backend.ImageBackend
	Poller       *poll.Poller
	Sink         notify.Sink
	// Stop aborts the sweep between combinations. The in-flight combination
	// always finishes.
	Stop          <-chan struct{}
	StateCallback StateCallback
	Logger        *zap.Logger
	Metrics       *metrics.Collector
}

// Outcome is the resolved result of one combination.
type Outcome struct {
	Index        int
	Params       params.Generation
	PredictionID string
	Artifacts    []string
	Err          error
	Polls        int
	Duration     time.Duration
}

func (o Outcome) Succeeded() bool { return o.Err == nil }

// SweepJob is the working state of one running sweep.
type SweepJob struct {
	ID           string
	Prompt       string
	Combinations []params.Generation
	Current      int
	Outcomes     []Outcome
}

type SweepResult struct {
	ID         string
	Prompt     string
	Backend    string
	State      SweepState
	Total      int
	GridSize   int
	Attempted  int
	Succeeded  int
	Failed     int
	Outcomes   []Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r SweepResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Document converts the result to its report form.
func (r SweepResult) Document() report.Document {
	doc := report.Document{
		ID:         r.ID,
		Prompt:     r.Prompt,
		Backend:    r.Backend,
		Status:     string(r.State),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		GridSize:   r.GridSize,
		Total:      r.Total,
		Attempted:  r.Attempted,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
	}
	for _, outcome := range r.Outcomes {
		doc.Entries = append(doc.Entries, report.NewEntry(outcome.Index, outcome.Params, outcome.Artifacts, outcome.Err, outcome.Duration))
	}
	return doc
}

// Summary converts the result to a webhook summary.
func (r SweepResult) Summary() notify.SweepSummary {
	return notify.SweepSummary{
		SweepID:   r.ID,
		Prompt:    r.Prompt,
		Backend:   r.Backend,
		Total:     r.Total,
		Attempted: r.Attempted,
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Duration:  r.Duration(),
		Aborted:   r.State == StateAborted,
	}
}

// RunSweep runs every combination in order, one at a time. Failures are
// recorded and reported; they never stop the sweep. The returned error is
// non-nil only for invalid options.
func RunSweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		return SweepResult{}, backend.ErrEmptyPrompt
	}
	if len(opts.Combinations) == 0 {
		return SweepResult{}, ErrNoCombinations
	}
	if opts.Backend == nil {
		return SweepResult{}, ErrNoBackend
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("sweep", opts.ID), zap.String("backend", opts.Backend.Name()))

	sink := opts.Sink
	if sink == nil {
		sink = notify.Multi{}
	}

	poller := poll.Poller{}
	if opts.Poller != nil {
		poller = *opts.Poller
	}
	observe := poller.OnState
	poller.OnState = func(handle backend.Handle, state poll.State) {
		logger.Debug("prediction state", zap.String("prediction", handle.ID), zap.String("state", string(state)))
		if observe != nil {
			observe(handle, state)
		}
	}

	job := &SweepJob{
		ID:           opts.ID,
		Prompt:       prompt,
		Combinations: opts.Combinations,
	}
	total := len(job.Combinations)
	gridSize := opts.GridSize
	if gridSize < total {
		gridSize = total
	}

	result := SweepResult{
		ID:        opts.ID,
		Prompt:    prompt,
		Backend:   opts.Backend.Name(),
		State:     StateRunning,
		Total:     total,
		GridSize:  gridSize,
		StartedAt: time.Now(),
	}

	opts.Metrics.SweepStarted()
	logger.Info("sweep started", zap.Int("combinations", total), zap.Int("grid_size", gridSize))
	deliver(logger, sink.ReportProgress(ctx, report.SweepStarted(prompt, total, gridSize)))
	notifyState(opts.StateCallback, result, 0)

	for job.Current = 0; job.Current < total; job.Current++ {
		if stopRequested(ctx, opts.Stop) {
			result.State = StateAborted
			logger.Info("sweep stop requested", zap.Int("attempted", result.Attempted))
			break
		}

		index := job.Current + 1
		combo := job.Combinations[job.Current]
		deliver(logger, sink.ReportProgress(ctx, report.Progress(index, total, combo)))

		outcome := runCombination(ctx, opts.Backend, &poller, prompt, index, combo)
		job.Outcomes = append(job.Outcomes, outcome)
		result.Attempted++

		fields := []zap.Field{
			zap.Int("index", index),
			zap.String("params", combo.Key()),
			zap.String("prediction", outcome.PredictionID),
			zap.Int("polls", outcome.Polls),
			zap.Duration("duration", outcome.Duration),
		}
		if outcome.Succeeded() {
			result.Succeeded++
			logger.Info("combination succeeded", append(fields, zap.Int("artifacts", len(outcome.Artifacts)))...)
			deliver(logger, sink.ReportResult(ctx, outcome.Artifacts, report.Caption(index, total, combo)))
		} else {
			result.Failed++
			logger.Warn("combination failed", append(fields, zap.Error(outcome.Err))...)
			deliver(logger, sink.ReportProgress(ctx, report.Failure(index, combo, outcome.Err)))
		}
		opts.Metrics.ObserveCombination(result.Backend, outcomeLabel(outcome.Err), outcome.Duration, outcome.Polls)
		notifyState(opts.StateCallback, result, index)
	}

	if result.State == StateRunning {
		result.State = StateCompleted
	}
	result.Outcomes = job.Outcomes
	result.FinishedAt = time.Now()

	opts.Metrics.SweepFinished(string(result.State))
	logger.Info("sweep finished",
		zap.String("state", string(result.State)),
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration()),
	)
	deliver(logger, sink.ReportProgress(ctx, report.Summary(result.Attempted, result.Succeeded, result.Failed, total, result.State == StateAborted)))
	notifyState(opts.StateCallback, result, result.Attempted)

	return result, nil
}

func runCombination(ctx context.Context, b backend.ImageBackend, poller *poll.Poller, prompt string, index int, combo params.Generation) Outcome {
	outcome := Outcome{Index: index, Params: combo}
	start := time.Now()

	handle, err := b.Submit(ctx, prompt, combo)
	if err != nil {
		outcome.Err = err
		outcome.Duration = time.Since(start)
		return outcome
	}
	outcome.PredictionID = handle.ID

	waited, err := poller.Wait(ctx, b, handle)
	outcome.Polls = waited.Polls
	outcome.Artifacts = waited.Artifacts
	outcome.Err = err
	outcome.Duration = time.Since(start)
	return outcome
}

// stopRequested reports a closed stop channel or an ended context.
func stopRequested(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func notifyState(callback StateCallback, result SweepResult, index int) {
	if callback == nil {
		return
	}
	callback(StateUpdate{
		Sweep:     result.ID,
		Index:     index,
		Total:     result.Total,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Status:    result.State,
	})
}

func deliver(logger *zap.Logger, err error) {
	if err != nil {
		logger.Warn("notification failed", zap.Error(err))
	}
}

func outcomeLabel(err error) string {
	var timeout *poll.TimeoutError
	switch {
	case err == nil:
		return metrics.OutcomeSucceeded
	case errors.As(err, &timeout):
		return metrics.OutcomeTimedOut
	case backend.IsTransport(err):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}
