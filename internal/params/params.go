package params

import (
	"fmt"
	"strconv"
	"strings"
)

// Base holds the fixed axes every generation inherits from configuration.
type Base struct {
	Width        int    `mapstructure:"width" json:"width" yaml:"width"`
	Height       int    `mapstructure:"height" json:"height" yaml:"height"`
	AspectRatio  string `mapstructure:"aspect_ratio" json:"aspect_ratio" yaml:"aspect_ratio"`
	OutputFormat string `mapstructure:"output_format" json:"output_format" yaml:"output_format"`
	Quality      int    `mapstructure:"quality" json:"quality" yaml:"quality"`
}

// Generation is one point of a sweep, or the parameters of a single request.
type Generation struct {
	Prompt         string         `json:"prompt" yaml:"prompt"`
	PromptStrength float64        `json:"prompt_strength" yaml:"prompt_strength"`
	GuidanceScale  float64        `json:"guidance_scale" yaml:"guidance_scale"`
	InferenceSteps int            `json:"num_inference_steps" yaml:"num_inference_steps"`
	NumOutputs     int            `json:"num_outputs,omitempty" yaml:"num_outputs,omitempty"`
	Width          int            `json:"width" yaml:"width"`
	Height         int            `json:"height" yaml:"height"`
	AspectRatio    string         `json:"aspect_ratio" yaml:"aspect_ratio"`
	OutputFormat   string         `json:"output_format" yaml:"output_format"`
	Quality        int            `json:"output_quality" yaml:"output_quality"`
	Extra          map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// New builds a Generation from the tunable axes and a base. Extra is cloned.
func New(base Base, promptStrength, guidanceScale float64, steps int, extra map[string]any) Generation {
	return Generation{
		PromptStrength: promptStrength,
		GuidanceScale:  guidanceScale,
		InferenceSteps: steps,
		Width:          base.Width,
		Height:         base.Height,
		AspectRatio:    base.AspectRatio,
		OutputFormat:   base.OutputFormat,
		Quality:        base.Quality,
		Extra:          CloneExtra(extra),
	}
}

// WithPrompt returns a copy carrying prompt.
func (g Generation) WithPrompt(prompt string) Generation {
	g.Prompt = prompt
	g.Extra = CloneExtra(g.Extra)
	return g
}

// Key identifies the tunable triple of a combination.
func (g Generation) Key() string {
	return fmt.Sprintf("%s/%s/%d", formatFloat(g.PromptStrength), formatFloat(g.GuidanceScale), g.InferenceSteps)
}

// Input renders the generation as a flat request input map. Extra keys never
// override the typed fields.
func (g Generation) Input() map[string]any {
	input := make(map[string]any, len(g.Extra)+10)
	for key, value := range g.Extra {
		input[key] = value
	}
	if strings.TrimSpace(g.Prompt) != "" {
		input["prompt"] = g.Prompt
	}
	if g.PromptStrength > 0 {
		input["prompt_strength"] = g.PromptStrength
	}
	if g.GuidanceScale > 0 {
		input["guidance_scale"] = g.GuidanceScale
	}
	if g.InferenceSteps > 0 {
		input["num_inference_steps"] = g.InferenceSteps
	}
	if g.NumOutputs > 0 {
		input["num_outputs"] = g.NumOutputs
	}
	if g.Width > 0 {
		input["width"] = g.Width
	}
	if g.Height > 0 {
		input["height"] = g.Height
	}
	if g.AspectRatio != "" {
		input["aspect_ratio"] = g.AspectRatio
	}
	if g.OutputFormat != "" {
		input["output_format"] = g.OutputFormat
	}
	if g.Quality > 0 {
		input["output_quality"] = g.Quality
	}
	return input
}

// CloneExtra copies a backend input map.
func CloneExtra(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	copied := make(map[string]any, len(extra))
	for key, value := range extra {
		copied[key] = value
	}
	return copied
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
