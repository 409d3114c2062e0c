// Package report renders sweep and generation outcomes as user-facing text.
package report

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goosewin/fluxsweep/internal/backend"
	"github.com/goosewin/fluxsweep/internal/grid"
	"github.com/goosewin/fluxsweep/internal/llm"
	"github.com/goosewin/fluxsweep/internal/params"
	"github.com/goosewin/fluxsweep/internal/poll"
)

const maxPromptPreview = 100

// Describe maps an error to a message safe to show users.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var (
		submission    *backend.SubmissionError
		remote        *backend.RemoteFailure
		timeout       *poll.TimeoutError
		transcription *llm.TranscriptionError
		analysis      *llm.AnalysisError
		generation    *llm.GenerationError
		tooLarge      *grid.TooLargeError
		count         *grid.CountError
	)

	switch {
	case errors.As(err, &timeout):
		return fmt.Sprintf("service timed out after %s", timeout.Limit)
	case errors.As(err, &remote):
		return "service failed the job: " + defaultString(remote.Reason, "no reason given")
	case errors.Is(err, backend.ErrNotConfigured), errors.Is(err, backend.ErrBackendNotFound):
		return "configuration error: " + err.Error()
	case errors.As(err, &submission):
		if submission.StatusCode != 0 {
			return fmt.Sprintf("service rejected the request (HTTP %d)", submission.StatusCode)
		}
		return "service rejected the request"
	case errors.As(err, &transcription):
		return "could not transcribe the voice message"
	case errors.As(err, &analysis):
		return "could not analyse the image"
	case errors.As(err, &generation):
		return "could not generate a prompt"
	case errors.As(err, &tooLarge):
		return fmt.Sprintf("too many combinations (%d, limit %d)", tooLarge.Size, tooLarge.Max)
	case errors.As(err, &count):
		return "the number of combinations must be at least 1"
	case errors.Is(err, context.DeadlineExceeded):
		return "service timed out"
	case errors.Is(err, context.Canceled):
		return "request was cancelled"
	default:
		return err.Error()
	}
}

// ParamLines lists the tunable values of g, one per line.
func ParamLines(g params.Generation) string {
	return fmt.Sprintf("• Prompt strength: %s\n• Guidance scale: %s\n• Inference steps: %d",
		formatFloat(g.PromptStrength), formatFloat(g.GuidanceScale), g.InferenceSteps)
}

// SweepStarted announces a sweep.
func SweepStarted(prompt string, total, gridSize int) string {
	var b strings.Builder
	b.WriteString("Starting parameter sweep\n\n")
	b.WriteString("Prompt: " + Preview(prompt) + "\n")
	if total < gridSize {
		fmt.Fprintf(&b, "Running %d random combinations out of %d.\n", total, gridSize)
	} else {
		fmt.Fprintf(&b, "Running all %d combinations.\n", total)
	}
	return b.String()
}

// Progress reports that combination index (1-based) is being generated.
func Progress(index, total int, g params.Generation) string {
	return fmt.Sprintf("Sweep %d/%d\n\n%s\n\nGenerating image...", index, total, ParamLines(g))
}

// Caption labels a successful combination.
func Caption(index, total int, g params.Generation) string {
	return fmt.Sprintf("Sweep result #%d/%d\n\n%s", index, total, ParamLines(g))
}

// Failure reports a failed combination.
func Failure(index int, g params.Generation, err error) string {
	return fmt.Sprintf("Generation failed for combination #%d: %s\n%s", index, Describe(err), ParamLines(g))
}

// Summary closes a sweep.
func Summary(attempted, succeeded, failed, total int, aborted bool) string {
	if aborted {
		return fmt.Sprintf("Sweep stopped after %d of %d combinations: %d succeeded, %d failed.",
			attempted, total, succeeded, failed)
	}
	return fmt.Sprintf("Sweep complete: %d attempted, %d succeeded, %d failed.\nPick the combination that suits you best.",
		attempted, succeeded, failed)
}

// CycleStatus reports the step a generation cycle is on.
func CycleStatus(cycle, cycles int, step string) string {
	if cycles > 1 {
		return fmt.Sprintf("Cycle %d/%d: %s...", cycle, cycles, step)
	}
	if step == "" {
		return "Working..."
	}
	return strings.ToUpper(step[:1]) + step[1:] + "..."
}

// CycleSkipped reports a failed cycle that was skipped.
func CycleSkipped(cycle, cycles int, err error) string {
	return fmt.Sprintf("Cycle %d/%d failed (%s). Skipping.", cycle, cycles, Describe(err))
}

// CycleCaption labels images produced by a cycle.
func CycleCaption(cycle, cycles int, prompt string) string {
	if cycles > 1 {
		return fmt.Sprintf("Prompt used (cycle %d/%d):\n%s", cycle, cycles, prompt)
	}
	return "Prompt used:\n" + prompt
}

// GenerationFailed reports a single generation that produced nothing.
func GenerationFailed(err error) string {
	return "Image generation failed: " + Describe(err) + ". Please try again later."
}

// CyclesDone closes a multi-cycle generation.
func CyclesDone(succeeded, cycles int) string {
	return fmt.Sprintf("Generation finished: %d of %d cycles produced images.", succeeded, cycles)
}

// Confirmation asks the user to accept a composed prompt.
func Confirmation(kind, source, prompt string, regenerated bool) string {
	label := "Generated prompt"
	if regenerated {
		label = "New prompt"
	}
	return fmt.Sprintf("Your %s request:\n%s\n\n%s:\n%s\n\nGenerate with this prompt? (ok / retry / cancel)",
		kind, Preview(source), label, prompt)
}

// Preview shortens text for status lines.
func Preview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= maxPromptPreview {
		return string(runes)
	}
	return string(runes[:maxPromptPreview]) + "..."
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
