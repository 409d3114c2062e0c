package settings

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrUnknownKey   = errors.New("unknown settings key")
	ErrInvalidValue = errors.New("invalid settings value")
)

var (
	AspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4"}
	Models       = []string{"gpt-5-nano-2025-08-07", "gpt-4o-mini-2024-07-18"}
)

const (
	MaxOutputs = 4
	MaxCycles  = 10
)

// Record is the per-user settings record.
type Record struct {
	NumOutputs        int     `json:"num_outputs" msgpack:"num_outputs" yaml:"num_outputs"`
	AspectRatio       string  `json:"aspect_ratio" msgpack:"aspect_ratio" yaml:"aspect_ratio"`
	PromptStrength    float64 `json:"prompt_strength" msgpack:"prompt_strength" yaml:"prompt_strength"`
	ModelChoice       string  `json:"model_choice" msgpack:"model_choice" yaml:"model_choice"`
	GenerationCycles  int     `json:"generation_cycles" msgpack:"generation_cycles" yaml:"generation_cycles"`
	AutoConfirmPrompt bool    `json:"auto_confirm_prompt" msgpack:"auto_confirm_prompt" yaml:"auto_confirm_prompt"`
}

// Default returns the record new users start with.
func Default() Record {
	return Record{
		NumOutputs:        1,
		AspectRatio:       "1:1",
		PromptStrength:    0.7,
		ModelChoice:       Models[0],
		GenerationCycles:  1,
		AutoConfirmPrompt: false,
	}
}

// Keys lists the settable keys in display order.
func Keys() []string {
	return []string{"num_outputs", "aspect_ratio", "prompt_strength", "model_choice", "generation_cycles", "auto_confirm_prompt"}
}

// Apply parses value and sets key on rec.
func Apply(rec *Record, key, value string) error {
	value = strings.TrimSpace(value)
	switch strings.TrimSpace(key) {
	case "num_outputs":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > MaxOutputs {
			return fmt.Errorf("%w: num_outputs must be 1-%d", ErrInvalidValue, MaxOutputs)
		}
		rec.NumOutputs = n
	case "aspect_ratio":
		if !slices.Contains(AspectRatios, value) {
			return fmt.Errorf("%w: aspect_ratio must be one of %s", ErrInvalidValue, strings.Join(AspectRatios, ", "))
		}
		rec.AspectRatio = value
	case "prompt_strength":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("%w: prompt_strength must be between 0 and 1", ErrInvalidValue)
		}
		rec.PromptStrength = f
	case "model_choice", "openai_model", "model":
		if !slices.Contains(Models, value) {
			return fmt.Errorf("%w: model_choice must be one of %s", ErrInvalidValue, strings.Join(Models, ", "))
		}
		rec.ModelChoice = value
	case "generation_cycles", "cycles":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > MaxCycles {
			return fmt.Errorf("%w: generation_cycles must be 1-%d", ErrInvalidValue, MaxCycles)
		}
		rec.GenerationCycles = n
	case "auto_confirm_prompt", "auto_confirm":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: auto_confirm_prompt must be true or false", ErrInvalidValue)
		}
		rec.AutoConfirmPrompt = b
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

// Fields renders rec as key/value strings in Keys order.
func (r Record) Fields() [][2]string {
	return [][2]string{
		{"num_outputs", strconv.Itoa(r.NumOutputs)},
		{"aspect_ratio", r.AspectRatio},
		{"prompt_strength", strconv.FormatFloat(r.PromptStrength, 'f', -1, 64)},
		{"model_choice", r.ModelChoice},
		{"generation_cycles", strconv.Itoa(r.GenerationCycles)},
		{"auto_confirm_prompt", strconv.FormatBool(r.AutoConfirmPrompt)},
	}
}

// normalize repairs values that no longer validate, such as a model removed
// from the allowed list.
func (r Record) normalize() Record {
	def := Default()
	if r.NumOutputs < 1 || r.NumOutputs > MaxOutputs {
		r.NumOutputs = def.NumOutputs
	}
	if !slices.Contains(AspectRatios, r.AspectRatio) {
		r.AspectRatio = def.AspectRatio
	}
	if r.PromptStrength < 0 || r.PromptStrength > 1 {
		r.PromptStrength = def.PromptStrength
	}
	if !slices.Contains(Models, r.ModelChoice) {
		r.ModelChoice = def.ModelChoice
	}
	if r.GenerationCycles < 1 || r.GenerationCycles > MaxCycles {
		r.GenerationCycles = def.GenerationCycles
	}
	return r
}
