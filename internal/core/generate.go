package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/goosewin/fluxsweep/internal/backend"
	"github.com/goosewin/fluxsweep/internal/metrics"
	"github.com/goosewin/fluxsweep/internal/notify"
	"github.com/goosewin/fluxsweep/internal/params"
	"github.com/goosewin/fluxsweep/internal/poll"
	"github.com/goosewin/fluxsweep/internal/prompt"
	"github.com/goosewin/fluxsweep/internal/report"
	"github.com/goosewin/fluxsweep/internal/settings"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// GenerationFailure is returned when a single generation gives up.
type GenerationFailure struct {
	Attempts int
	Err      error
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationFailure) Unwrap() error { return e.Err }

type GenerateOptions struct {
	Prompt  string
	Params  params.Generation
	Backend backend.ImageBackend
	Poller  *poll.Poller
	// MaxRetries is the total number of submit and poll cycles.
	MaxRetries int
	RetryDelay time.Duration
	Clock      poll.Clock
	OnRetry    func(attempt int, err error)
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Generate submits one request and waits for it, repeating the whole cycle
// on transport errors only. Service-reported failures and timeouts end it.
func Generate(ctx context.Context, opts GenerateOptions) ([]string, error) {
	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		return nil, backend.ErrEmptyPrompt
	}
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	clock := opts.Clock
	if clock == nil {
		clock = poll.RealClock
	}
	poller := opts.Poller
	if poller == nil {
		poller = &poll.Poller{Clock: clock}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", opts.Backend.Name()))

	generation := opts.Params.WithPrompt(prompt)
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		opts.Metrics.ObserveGenerationAttempt(opts.Backend.Name())
		artifacts, err := generateOnce(ctx, opts.Backend, poller, prompt, generation)
		if err == nil {
			opts.Metrics.ObserveGeneration(opts.Backend.Name(), metrics.OutcomeSucceeded)
			logger.Info("generation succeeded", zap.Int("attempt", attempt), zap.Int("artifacts", len(artifacts)))
			return artifacts, nil
		}
		lastErr = err

		if !backend.IsTransport(err) || ctx.Err() != nil {
			opts.Metrics.ObserveGeneration(opts.Backend.Name(), outcomeLabel(err))
			logger.Warn("generation failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, &GenerationFailure{Attempts: attempt, Err: err}
		}

		logger.Warn("generation attempt failed", zap.Int("attempt", attempt), zap.Int("max", maxRetries), zap.Error(err))
		if attempt == maxRetries {
			break
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}

		fired, stop := clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			stop()
			opts.Metrics.ObserveGeneration(opts.Backend.Name(), metrics.OutcomeFailed)
			return nil, &GenerationFailure{Attempts: attempt, Err: ctx.Err()}
		case <-fired:
		}
	}

	opts.Metrics.ObserveGeneration(opts.Backend.Name(), outcomeLabel(lastErr))
	return nil, &GenerationFailure{Attempts: maxRetries, Err: lastErr}
}

func generateOnce(ctx context.Context, b backend.ImageBackend, poller *poll.Poller, prompt string, generation params.Generation) ([]string, error) {
	handle, err := b.Submit(ctx, prompt, generation)
	if err != nil {
		return nil, err
	}
	result, err := poller.Wait(ctx, b, handle)
	if err != nil {
		return nil, err
	}
	return result.Artifacts, nil
}

// GenerationDefaults are the fixed inputs of a single-image request.
type GenerationDefaults struct {
	Base           params.Base
	GuidanceScale  float64
	InferenceSteps int
	PromptStrength float64
	Extra          map[string]any
}

// GenerationFor merges a user's settings into the defaults. The user's
// aspect ratio, output count and prompt strength win.
func GenerationFor(defaults GenerationDefaults, rec settings.Record) params.Generation {
	base := defaults.Base
	if rec.AspectRatio != "" {
		base.AspectRatio = rec.AspectRatio
	}
	strength := defaults.PromptStrength
	if rec.PromptStrength > 0 {
		strength = rec.PromptStrength
	}
	g := params.New(base, strength, defaults.GuidanceScale, defaults.InferenceSteps, defaults.Extra)
	g.NumOutputs = rec.NumOutputs
	return g
}

// Regenerator produces a fresh prompt for a draft.
type Regenerator interface {
	Regenerate(ctx context.Context, draft prompt.Draft, model string) (string, error)
}

type CyclesOptions struct {
	Draft       prompt.Draft
	Cycles      int
	Model       string
	Regenerator Regenerator
	Generate    GenerateOptions
	Sink        notify.Sink
	Logger      *zap.Logger
}

type CyclesResult struct {
	Cycles    int
	Succeeded int
	Failed    int
	Prompts   []string
	Artifacts [][]string
}

// RunCycles generates one image set per cycle. The first cycle uses the
// confirmed prompt; later cycles regenerate it from the original request.
// Failed cycles are reported and skipped.
func RunCycles(ctx context.Context, opts CyclesOptions) (CyclesResult, error) {
	if strings.TrimSpace(opts.Draft.Prompt) == "" {
		return CyclesResult{}, backend.ErrEmptyPrompt
	}
	cycles := opts.Cycles
	if cycles <= 0 {
		cycles = 1
	}
	if cycles > 1 && opts.Regenerator == nil {
		return CyclesResult{}, fmt.Errorf("regenerator is required for %d cycles", cycles)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = notify.Multi{}
	}

	result := CyclesResult{Cycles: cycles}
	for cycle := 1; cycle <= cycles; cycle++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		current := opts.Draft.Prompt
		if cycle > 1 {
			deliver(logger, sink.ReportProgress(ctx, report.CycleStatus(cycle, cycles, "generating prompt")))
			regenerated, err := opts.Regenerator.Regenerate(ctx, opts.Draft, opts.Model)
			if err != nil {
				result.Failed++
				logger.Warn("prompt regeneration failed", zap.Int("cycle", cycle), zap.Error(err))
				deliver(logger, sink.ReportProgress(ctx, report.CycleSkipped(cycle, cycles, err)))
				continue
			}
			current = regenerated
		}

		deliver(logger, sink.ReportProgress(ctx, report.CycleStatus(cycle, cycles, "generating image")))
		genOpts := opts.Generate
		genOpts.Prompt = current
		if genOpts.Logger == nil {
			genOpts.Logger = logger
		}
		artifacts, err := Generate(ctx, genOpts)
		if err != nil {
			result.Failed++
			logger.Warn("cycle failed", zap.Int("cycle", cycle), zap.Error(err))
			if cycles > 1 {
				deliver(logger, sink.ReportProgress(ctx, report.CycleSkipped(cycle, cycles, err)))
			} else {
				deliver(logger, sink.ReportProgress(ctx, report.GenerationFailed(err)))
			}
			continue
		}

		result.Succeeded++
		result.Prompts = append(result.Prompts, current)
		result.Artifacts = append(result.Artifacts, artifacts)
		deliver(logger, sink.ReportResult(ctx, artifacts, report.CycleCaption(cycle, cycles, current)))
	}

	if cycles > 1 {
		deliver(logger, sink.ReportProgress(ctx, report.CyclesDone(result.Succeeded, cycles)))
	}
	return result, nil
}
