package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrNotLoaded = errors.New("config not loaded")

// Settings is the typed view of the merged configuration.
type Settings struct {
	Image      ImageSettings      `mapstructure:"image"`
	Replicate  ReplicateSettings  `mapstructure:"replicate"`
	BFL        BFLSettings        `mapstructure:"bfl"`
	OpenAI     OpenAISettings     `mapstructure:"openai"`
	Benchmark  BenchmarkSettings  `mapstructure:"benchmark"`
	Generation GenerationSettings `mapstructure:"generation"`
	Prompt     PromptSettings     `mapstructure:"prompt"`
	Store      StoreSettings      `mapstructure:"store"`
	Logging    LoggingSettings    `mapstructure:"logging"`
	Notify     NotifySettings     `mapstructure:"notify"`
}

type ImageSettings struct {
	Backend        string        `mapstructure:"backend"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type ReplicateSettings struct {
	APIToken string `mapstructure:"api_token"`
	BaseURL  string `mapstructure:"base_url"`
	Version  string `mapstructure:"version"`
}

type BFLSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type OpenAISettings struct {
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	Model               string        `mapstructure:"model"`
	VisionModel         string        `mapstructure:"vision_model"`
	TranscriptionModel  string        `mapstructure:"transcription_model"`
	Language            string        `mapstructure:"language"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	Temperature         float64       `mapstructure:"temperature"`
	NoTemperatureModels []string      `mapstructure:"no_temperature_models"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type FloatRange struct {
	Start float64 `mapstructure:"start"`
	Stop  float64 `mapstructure:"stop"`
	Step  float64 `mapstructure:"step"`
}

type IntRange struct {
	Start int `mapstructure:"start"`
	Stop  int `mapstructure:"stop"`
	Step  int `mapstructure:"step"`
}

type BaseSettings struct {
	Width        int    `mapstructure:"width"`
	Height       int    `mapstructure:"height"`
	AspectRatio  string `mapstructure:"aspect_ratio"`
	OutputFormat string `mapstructure:"output_format"`
	Quality      int    `mapstructure:"quality"`
}

type BenchmarkSettings struct {
	MaxIterations   int            `mapstructure:"max_iterations"`
	MinPromptLength int            `mapstructure:"min_prompt_length"`
	PromptStrength  FloatRange     `mapstructure:"prompt_strength"`
	GuidanceScales  []float64      `mapstructure:"guidance_scales"`
	InferenceSteps  IntRange       `mapstructure:"inference_steps"`
	Base            BaseSettings   `mapstructure:"base"`
	Extra           map[string]any `mapstructure:"extra"`
}

type GenerationSettings struct {
	Base           BaseSettings   `mapstructure:"base"`
	GuidanceScale  float64        `mapstructure:"guidance_scale"`
	InferenceSteps int            `mapstructure:"inference_steps"`
	Extra          map[string]any `mapstructure:"extra"`
}

type PromptSettings struct {
	TriggerWord string `mapstructure:"trigger_word"`
	System      string `mapstructure:"system"`
	ImageSystem string `mapstructure:"image_system"`
}

type StoreSettings struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

type LoggingSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type NotifySettings struct {
	Webhook string        `mapstructure:"webhook"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Current decodes the loaded configuration, with environment and legacy
// overrides applied.
func Current() (Settings, error) {
	mu.RLock()
	src := currentConfig
	mu.RUnlock()
	if src == nil {
		return Settings{}, ErrNotLoaded
	}

	v := viper.New()
	for _, key := range src.AllKeys() {
		v.Set(key, src.Get(key))
	}
	for key, env := range legacyEnvOverrides() {
		if value, ok := os.LookupEnv(env); ok {
			v.Set(key, legacyValue(key, value))
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	return settings, nil
}

// Defaults returns the built-in settings without reading any file.
func Defaults() Settings {
	v := viper.New()
	applyDefaults(v)
	var settings Settings
	// Built-in values always decode.
	_ = v.Unmarshal(&settings)
	return settings
}

// legacyValue treats bare numbers as seconds for duration keys.
func legacyValue(key, value string) string {
	value = strings.TrimSpace(value)
	switch key {
	case "image.request_timeout", "image.max_wait":
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			return value + "s"
		}
	}
	return value
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("image.backend", "replicate")
	v.SetDefault("image.request_timeout", "180s")
	v.SetDefault("image.max_retries", 3)
	v.SetDefault("image.retry_delay", "2s")
	v.SetDefault("image.poll_interval", "5s")
	v.SetDefault("image.max_wait", "300s")
	v.SetDefault("image.rate_limit", 2.0)
	v.SetDefault("image.rate_burst", 4)

	v.SetDefault("replicate.api_token", "")
	v.SetDefault("replicate.base_url", "https://api.replicate.com")
	v.SetDefault("replicate.version", "")

	v.SetDefault("bfl.api_key", "")
	v.SetDefault("bfl.base_url", "https://api.bfl.ai")
	v.SetDefault("bfl.model", "flux-dev")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-5-nano-2025-08-07")
	v.SetDefault("openai.vision_model", "gpt-4o")
	v.SetDefault("openai.transcription_model", "whisper-1")
	v.SetDefault("openai.language", "ru")
	v.SetDefault("openai.max_tokens", 16384)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.no_temperature_models", []string{"gpt-5-nano"})
	v.SetDefault("openai.timeout", "60s")

	v.SetDefault("benchmark.max_iterations", 1500)
	v.SetDefault("benchmark.min_prompt_length", 10)
	v.SetDefault("benchmark.prompt_strength.start", 0.5)
	v.SetDefault("benchmark.prompt_strength.stop", 1.0)
	v.SetDefault("benchmark.prompt_strength.step", 0.05)
	v.SetDefault("benchmark.guidance_scales", []float64{2.0, 2.5, 3.0, 3.5})
	v.SetDefault("benchmark.inference_steps.start", 20)
	v.SetDefault("benchmark.inference_steps.stop", 50)
	v.SetDefault("benchmark.inference_steps.step", 5)
	v.SetDefault("benchmark.base.width", 256)
	v.SetDefault("benchmark.base.height", 256)
	v.SetDefault("benchmark.base.aspect_ratio", "16:9")
	v.SetDefault("benchmark.base.output_format", "jpg")
	v.SetDefault("benchmark.base.quality", 60)
	v.SetDefault("benchmark.extra", map[string]any{
		"scheduler":       "K_EULER",
		"apply_watermark": false,
		"high_noise_frac": 0.8,
		"negative_prompt": "",
		"num_outputs":     1,
	})

	v.SetDefault("generation.base.width", 1440)
	v.SetDefault("generation.base.height", 1440)
	v.SetDefault("generation.base.aspect_ratio", "")
	v.SetDefault("generation.base.output_format", "jpg")
	v.SetDefault("generation.base.quality", 100)
	v.SetDefault("generation.guidance_scale", 3.0)
	v.SetDefault("generation.inference_steps", 36)
	v.SetDefault("generation.extra", map[string]any{
		"model":            "dev",
		"go_fast":          false,
		"lora_scale":       1,
		"megapixels":       "1",
		"extra_lora_scale": 1,
	})

	v.SetDefault("prompt.trigger_word", "lestarge")
	v.SetDefault("prompt.system", "")
	v.SetDefault("prompt.image_system", "")

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key_prefix", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)

	v.SetDefault("notify.webhook", "")
	v.SetDefault("notify.timeout", "30s")
}
