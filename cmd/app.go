package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/goosewin/fluxsweep/internal/backend"
	_ "github.com/goosewin/fluxsweep/internal/backend/bfl"
	_ "github.com/goosewin/fluxsweep/internal/backend/replicate"
	"github.com/goosewin/fluxsweep/internal/config"
	"github.com/goosewin/fluxsweep/internal/core"
	"github.com/goosewin/fluxsweep/internal/grid"
	"github.com/goosewin/fluxsweep/internal/llm"
	"github.com/goosewin/fluxsweep/internal/logging"
	"github.com/goosewin/fluxsweep/internal/metrics"
	"github.com/goosewin/fluxsweep/internal/params"
	"github.com/goosewin/fluxsweep/internal/poll"
	"github.com/goosewin/fluxsweep/internal/prompt"
	"github.com/goosewin/fluxsweep/internal/settings"
	"github.com/goosewin/fluxsweep/internal/state"
)

// app is everything a command needs, built from the merged configuration.
type app struct {
	cfg      config.Settings
	logger   *zap.Logger
	metrics  *metrics.Collector
	store    *settings.KeyedStore
	engine   *core.Engine
	composer *prompt.Composer

	closeLog func()
}

// loadSettings loads configuration for the working directory and applies
// root flag overrides.
func loadSettings() (config.Settings, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Settings{}, "", fmt.Errorf("resolve current directory: %w", err)
	}
	if _, err := config.LoadConfig(cwd); err != nil {
		return config.Settings{}, "", err
	}
	cfg, err := config.Current()
	if err != nil {
		return config.Settings{}, "", err
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.Logging.Level = logLevel
	}
	if strings.TrimSpace(logFormat) != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, cwd, nil
}

func newApp() (*app, error) {
	cfg, cwd, err := loadSettings()
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), closeLog: closeLog}
	a.store, err = openStore(cfg.Store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.composer = newComposer(cfg, cwd, logger)
	a.engine, err = newEngine(cfg, a.composer, logger, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close settings store", zap.Error(err))
		}
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}

func openStore(cfg config.StoreSettings, logger *zap.Logger) (*settings.KeyedStore, error) {
	path := cfg.Path
	if strings.TrimSpace(path) == "" {
		switch strings.ToLower(cfg.Backend) {
		case "badger":
			path = filepath.Join(state.Dir(), "settings.db")
		default:
			path = filepath.Join(state.Dir(), "settings.json")
		}
	}
	return settings.Open(settings.OpenOptions{
		Backend:       cfg.Backend,
		Path:          path,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyPrefix:     cfg.KeyPrefix,
		Logger:        logger,
	})
}

func newComposer(cfg config.Settings, projectDir string, logger *zap.Logger) *prompt.Composer {
	client := llm.New(llm.Options{
		APIKey:              cfg.OpenAI.APIKey,
		BaseURL:             cfg.OpenAI.BaseURL,
		Timeout:             cfg.OpenAI.Timeout,
		MaxTokens:           cfg.OpenAI.MaxTokens,
		Temperature:         cfg.OpenAI.Temperature,
		NoTemperatureModels: cfg.OpenAI.NoTemperatureModels,
		VisionModel:         cfg.OpenAI.VisionModel,
		TranscriptionModel:  cfg.OpenAI.TranscriptionModel,
		Language:            cfg.OpenAI.Language,
		MaxRetries:          cfg.Image.MaxRetries,
		Logger:              logger,
	})
	return &prompt.Composer{
		LLM:          client,
		System:       prompt.ResolveTemplate(cfg.Prompt.System, "FLUXSWEEP_SYSTEM_PROMPT_FILE", projectDir, "system.txt", ""),
		ImageSystem:  prompt.ResolveTemplate(cfg.Prompt.ImageSystem, "FLUXSWEEP_IMAGE_SYSTEM_PROMPT_FILE", projectDir, "image_system.txt", ""),
		TriggerWord:  cfg.Prompt.TriggerWord,
		DefaultModel: cfg.OpenAI.Model,
		Logger:       logger,
	}
}

func newBackend(cfg config.Settings) (backend.ImageBackend, error) {
	opts := backend.Options{Timeout: cfg.Image.RequestTimeout}
	switch strings.ToLower(strings.TrimSpace(cfg.Image.Backend)) {
	case "bfl":
		opts.Token = cfg.BFL.APIKey
		opts.BaseURL = cfg.BFL.BaseURL
		opts.Model = cfg.BFL.Model
	default:
		opts.Token = cfg.Replicate.APIToken
		opts.BaseURL = cfg.Replicate.BaseURL
		opts.Version = cfg.Replicate.Version
	}
	if cfg.Image.RateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.Image.RateLimit), max(cfg.Image.RateBurst, 1))
	}
	return backend.New(cfg.Image.Backend, opts)
}

func sweepAxes(cfg config.BenchmarkSettings) (grid.Axes, error) {
	strengths, err := grid.FloatRange(cfg.PromptStrength.Start, cfg.PromptStrength.Stop, cfg.PromptStrength.Step)
	if err != nil {
		return grid.Axes{}, fmt.Errorf("benchmark.prompt_strength: %w", err)
	}
	steps, err := grid.IntRange(cfg.InferenceSteps.Start, cfg.InferenceSteps.Stop, cfg.InferenceSteps.Step)
	if err != nil {
		return grid.Axes{}, fmt.Errorf("benchmark.inference_steps: %w", err)
	}
	return grid.Axes{
		PromptStrengths: strengths,
		GuidanceScales:  grid.Distinct(cfg.GuidanceScales),
		InferenceSteps:  steps,
	}, nil
}

func baseParams(cfg config.BaseSettings) params.Base {
	return params.Base{
		Width:        cfg.Width,
		Height:       cfg.Height,
		AspectRatio:  cfg.AspectRatio,
		OutputFormat: cfg.OutputFormat,
		Quality:      cfg.Quality,
	}
}

func newEngine(cfg config.Settings, regenerator core.Regenerator, logger *zap.Logger, collector *metrics.Collector) (*core.Engine, error) {
	imageBackend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	axes, err := sweepAxes(cfg.Benchmark)
	if err != nil {
		return nil, err
	}
	return &core.Engine{
		Backend: imageBackend,
		Poller: &poll.Poller{
			Interval: cfg.Image.PollInterval,
			MaxWait:  cfg.Image.MaxWait,
			Clock:    poll.RealClock,
		},
		Axes:            axes,
		Base:            baseParams(cfg.Benchmark.Base),
		Extra:           cfg.Benchmark.Extra,
		MaxIterations:   cfg.Benchmark.MaxIterations,
		MinPromptLength: cfg.Benchmark.MinPromptLength,
		Generation: core.GenerationDefaults{
			Base:           baseParams(cfg.Generation.Base),
			GuidanceScale:  cfg.Generation.GuidanceScale,
			InferenceSteps: cfg.Generation.InferenceSteps,
			Extra:          cfg.Generation.Extra,
		},
		MaxRetries:     cfg.Image.MaxRetries,
		RetryDelay:     cfg.Image.RetryDelay,
		Regenerator:    regenerator,
		Registry:       true,
		SweepLogs:      true,
		Reports:        true,
		Webhook:        cfg.Notify.Webhook,
		WebhookTimeout: cfg.Notify.Timeout,
		Logger:         logger,
		Metrics:        collector,
	}, nil
}
