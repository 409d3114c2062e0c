package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goosewin/fluxsweep/internal/params"
)

// Document is the machine-readable record of one sweep.
type Document struct {
	ID         string    `yaml:"id"`
	Prompt     string    `yaml:"prompt"`
	Backend    string    `yaml:"backend"`
	Status     string    `yaml:"status"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	GridSize   int       `yaml:"grid_size"`
	Total      int       `yaml:"total"`
	Attempted  int       `yaml:"attempted"`
	Succeeded  int       `yaml:"succeeded"`
	Failed     int       `yaml:"failed"`
	Entries    []Entry   `yaml:"entries"`
}

// Entry is one combination's outcome.
type Entry struct {
	Index          int           `yaml:"index"`
	PromptStrength float64       `yaml:"prompt_strength"`
	GuidanceScale  float64       `yaml:"guidance_scale"`
	InferenceSteps int           `yaml:"num_inference_steps"`
	Succeeded      bool          `yaml:"succeeded"`
	Artifacts      []string      `yaml:"artifacts,omitempty"`
	Error          string        `yaml:"error,omitempty"`
	Duration       time.Duration `yaml:"duration"`
}

// NewEntry builds an Entry for the combination at 1-based index.
func NewEntry(index int, g params.Generation, artifacts []string, err error, duration time.Duration) Entry {
	return Entry{
		Index:          index,
		PromptStrength: g.PromptStrength,
		GuidanceScale:  g.GuidanceScale,
		InferenceSteps: g.InferenceSteps,
		Succeeded:      err == nil,
		Artifacts:      artifacts,
		Error:          Describe(err),
		Duration:       duration,
	}
}

// Encode writes doc as YAML.
func (d Document) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}

// WriteFile writes doc to path, creating parent directories.
func (d Document) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := d.Encode(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// ReadFile loads a Document written by WriteFile.
func ReadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse report: %w", err)
	}
	return doc, nil
}
