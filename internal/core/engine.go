package core

import (
	"context"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/goosewin/fluxsweep/internal/backend"
	"github.com/goosewin/fluxsweep/internal/grid"
	"github.com/goosewin/fluxsweep/internal/logging"
	"github.com/goosewin/fluxsweep/internal/metrics"
	"github.com/goosewin/fluxsweep/internal/notify"
	"github.com/goosewin/fluxsweep/internal/params"
	"github.com/goosewin/fluxsweep/internal/poll"
	"github.com/goosewin/fluxsweep/internal/prompt"
	"github.com/goosewin/fluxsweep/internal/settings"
	"github.com/goosewin/fluxsweep/internal/state"
)

// SweepPlan is a validated sweep ready to run.
type SweepPlan struct {
	ID           string
	Owner        string
	Prompt       string
	Combinations []params.Generation
	GridSize     int
}

// Engine binds the sweep and generation paths to one configured backend.
type Engine struct {
	Backend backend.ImageBackend
	Poller  *poll.Poller

	Axes            grid.Axes
	Base            params.Base
	Extra           map[string]any
	MaxIterations   int
	MinPromptLength int

	Generation  GenerationDefaults
	MaxRetries  int
	RetryDelay  time.Duration
	Regenerator Regenerator

	// Registry records sweeps in the shared state file and honours stop
	// requests made there.
	Registry     bool
	StopInterval time.Duration
	// SweepLogs writes a per-sweep log file next to the registry.
	SweepLogs bool
	// Reports writes a YAML report for every finished sweep.
	Reports bool

	Webhook        string
	WebhookTimeout time.Duration

	StateCallback StateCallback
	NewID         func() string
	Rand          *rand.Rand
	Logger        *zap.Logger
	Metrics       *metrics.Collector

	// mu guards reconfiguration and the shared Rand.
	mu sync.Mutex
}

// Reconfigure changes the engine under its lock. Sweeps already running keep
// the plan and notification target they started with.
func (e *Engine) Reconfigure(fn func(e *Engine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// PlanSweep validates promptText and picks count combinations for it. The
// user's aspect ratio fills a blank base aspect ratio.
func (e *Engine) PlanSweep(promptText string, count int, rec settings.Record) (SweepPlan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Backend == nil {
		return SweepPlan{}, ErrNoBackend
	}
	combos, err := PlanSweep(PlanOptions{
		Prompt:              promptText,
		MinPromptLength:     e.MinPromptLength,
		Axes:                e.Axes,
		Base:                e.Base,
		Extra:               e.Extra,
		FallbackAspectRatio: rec.AspectRatio,
		Requested:           count,
		Max:                 e.MaxIterations,
		Rand:                e.Rand,
	})
	if err != nil {
		return SweepPlan{}, err
	}
	return SweepPlan{
		ID:           e.newID(),
		Prompt:       combos[0].Prompt,
		Combinations: combos,
		GridSize:     grid.Size(e.Axes),
	}, nil
}

// RunSweep runs plan to completion or until stop closes.
func (e *Engine) RunSweep(ctx context.Context, plan SweepPlan, stop <-chan struct{}, sink notify.Sink) (SweepResult, error) {
	e.mu.Lock()
	webhook, webhookTimeout := e.Webhook, e.WebhookTimeout
	e.mu.Unlock()

	logger := e.logger()
	if e.SweepLogs && state.Dir() != "" {
		sweepLogger, closeLog, err := logging.ForSweep(logger, state.LogPath(plan.ID))
		if err != nil {
			logger.Warn("sweep log unavailable", zap.String("sweep", plan.ID), zap.Error(err))
		} else {
			defer closeLog()
			logger = sweepLogger
		}
	}

	callback := e.StateCallback
	if e.Registry {
		record := state.Sweep{
			ID:        plan.ID,
			Owner:     plan.Owner,
			Prompt:    plan.Prompt,
			Backend:   e.Backend.Name(),
			PID:       os.Getpid(),
			Total:     len(plan.Combinations),
			StartedAt: time.Now().UTC(),
		}
		if e.SweepLogs {
			record.LogFile = state.LogPath(plan.ID)
		}
		if e.Reports {
			record.ReportFile = state.ReportPath(plan.ID)
		}
		callback = chainCallbacks(RegistryCallback(record, logger), callback)

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop = mergeStop(watchCtx, stop, state.StopSignal(watchCtx, plan.ID, e.StopInterval))
	}

	result, err := RunSweep(ctx, SweepOptions{
		ID:            plan.ID,
		Prompt:        plan.Prompt,
		Combinations:  plan.Combinations,
		GridSize:      plan.GridSize,
		Backend:       e.Backend,
		Poller:        e.Poller,
		Sink:          sink,
		Stop:          stop,
		StateCallback: callback,
		Logger:        logger,
		Metrics:       e.Metrics,
	})
	if err != nil {
		return result, err
	}

	if e.Reports && state.Dir() != "" {
		if err := WriteReport(result, state.ReportPath(plan.ID)); err != nil {
			logger.Warn("write sweep report", zap.Error(err))
		}
	}
	if webhook != "" {
		if err := notify.NotifySweep(ctx, webhook, result.Summary(), webhookTimeout); err != nil {
			logger.Warn("sweep webhook failed", zap.Error(err))
		}
	}
	return result, nil
}

// RunCycles generates images for a confirmed draft with the user's settings.
func (e *Engine) RunCycles(ctx context.Context, draft prompt.Draft, rec settings.Record, sink notify.Sink) (CyclesResult, error) {
	return RunCycles(ctx, CyclesOptions{
		Draft:       draft,
		Cycles:      rec.GenerationCycles,
		Model:       rec.ModelChoice,
		Regenerator: e.Regenerator,
		Generate: GenerateOptions{
			Params:     GenerationFor(e.Generation, rec),
			Backend:    e.Backend,
			Poller:     e.Poller,
			MaxRetries: e.MaxRetries,
			RetryDelay: e.RetryDelay,
			Logger:     e.logger(),
			Metrics:    e.Metrics,
		},
		Sink:   sink,
		Logger: e.logger(),
	})
}

// WriteReport stores result as YAML at path.
func WriteReport(result SweepResult, path string) error {
	return result.Document().WriteFile(path)
}

// RegistryCallback mirrors sweep progress into the state registry.
func RegistryCallback(record state.Sweep, logger *zap.Logger) StateCallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(update StateUpdate) {
		var err error
		if update.Index == 0 && update.Status == StateRunning {
			record.Status = state.StatusRunning
			err = state.PutSweep(record)
		} else {
			_, err = state.UpdateSweep(update.Sweep, func(s *state.Sweep) {
				s.Attempted = update.Index
				s.Succeeded = update.Succeeded
				s.Failed = update.Failed
				switch update.Status {
				case StateCompleted:
					s.Status = state.StatusCompleted
					s.FinishedAt = time.Now().UTC()
				case StateAborted:
					s.Status = state.StatusAborted
					s.FinishedAt = time.Now().UTC()
				}
			})
		}
		if err != nil {
			logger.Warn("update sweep registry", zap.String("sweep", update.Sweep), zap.Error(err))
		}
	}
}

func chainCallbacks(callbacks ...StateCallback) StateCallback {
	return func(update StateUpdate) {
		for _, callback := range callbacks {
			if callback != nil {
				callback(update)
			}
		}
	}
}

func mergeStop(ctx context.Context, a, b <-chan struct{}) <-chan struct{} {
	merged := make(chan struct{})
	go func() {
		select {
		case <-a:
			close(merged)
		case <-b:
			close(merged)
		case <-ctx.Done():
		}
	}()
	return merged
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
