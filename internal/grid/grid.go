package grid

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/goosewin/fluxsweep/internal/params"
)

var (
	ErrInvalidCount = errors.New("requested count must be at least 1")
	ErrGridTooLarge = errors.New("parameter grid exceeds the iteration cap")
	ErrInvalidRange = errors.New("invalid axis range")
)

// CountError reports a sweep size below 1.
type CountError struct {
	Requested int
}

func (e *CountError) Error() string {
	return fmt.Sprintf("invalid sweep size %d: must be at least 1", e.Requested)
}

func (e *CountError) Is(target error) bool { return target == ErrInvalidCount }

// TooLargeError reports a request for more combinations than the cap allows.
type TooLargeError struct {
	Size int
	Max  int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%d combinations requested, over the limit of %d; request a smaller count", e.Size, e.Max)
}

func (e *TooLargeError) Is(target error) bool { return target == ErrGridTooLarge }

// Axes are the three tunable dimensions of a sweep.
type Axes struct {
	PromptStrengths []float64 `json:"prompt_strengths" yaml:"prompt_strengths"`
	GuidanceScales  []float64 `json:"guidance_scales" yaml:"guidance_scales"`
	InferenceSteps  []int     `json:"inference_steps" yaml:"inference_steps"`
}

// Size returns the grid size without materializing it.
func Size(axes Axes) int {
	return len(axes.PromptStrengths) * len(axes.GuidanceScales) * len(axes.InferenceSteps)
}

// Build materializes the Cartesian product in nested order:
// prompt strength, then guidance scale, then inference steps.
func Build(axes Axes, base params.Base, extra map[string]any) []params.Generation {
	combos := make([]params.Generation, 0, Size(axes))
	for _, strength := range axes.PromptStrengths {
		for _, guidance := range axes.GuidanceScales {
			for _, steps := range axes.InferenceSteps {
				combos = append(combos, params.New(base, strength, guidance, steps, extra))
			}
		}
	}
	return combos
}

// Select returns the whole grid when requested >= len(grid), refusing grids
// larger than max. Smaller requests get a uniform sample without replacement,
// kept in grid order, and are refused when they exceed max themselves.
func Select(combos []params.Generation, requested, max int, rng *rand.Rand) ([]params.Generation, error) {
	if requested < 1 {
		return nil, &CountError{Requested: requested}
	}
	if requested >= len(combos) {
		if max > 0 && len(combos) > max {
			return nil, &TooLargeError{Size: len(combos), Max: max}
		}
		return combos, nil
	}
	if max > 0 && requested > max {
		return nil, &TooLargeError{Size: requested, Max: max}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	indices := make([]int, len(combos))
	for i := range indices {
		indices[i] = i
	}
	for i := 0; i < requested; i++ {
		j := i + rng.IntN(len(indices)-i)
		indices[i], indices[j] = indices[j], indices[i]
	}
	picked := indices[:requested]
	sort.Ints(picked)

	selected := make([]params.Generation, 0, requested)
	for _, index := range picked {
		selected = append(selected, combos[index])
	}
	return selected, nil
}

// FloatRange returns start..stop inclusive by step, rounded to two decimals.
// Values never exceed stop, and steps finer than the rounding collapse to
// distinct values.
func FloatRange(start, stop, step float64) ([]float64, error) {
	if step <= 0 || stop < start {
		return nil, fmt.Errorf("%w: start=%v stop=%v step=%v", ErrInvalidRange, start, stop, step)
	}
	count := int(math.Floor((stop-start)/step+1e-9)) + 1
	values := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		value := math.Round((start+float64(i)*step)*100) / 100
		if value > stop+1e-9 {
			break
		}
		if n := len(values); n > 0 && values[n-1] == value {
			continue
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no two-decimal value within start=%v stop=%v", ErrInvalidRange, start, stop)
	}
	return values, nil
}

// Distinct returns values without repeats, keeping first occurrences.
func Distinct(values []float64) []float64 {
	seen := make(map[float64]bool, len(values))
	out := make([]float64, 0, len(values))
	for _, value := range values {
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}

// IntRange returns start..stop inclusive by step.
func IntRange(start, stop, step int) ([]int, error) {
	if step <= 0 || stop < start {
		return nil, fmt.Errorf("%w: start=%d stop=%d step=%d", ErrInvalidRange, start, stop, step)
	}
	values := make([]int, 0, (stop-start)/step+1)
	for value := start; value <= stop; value += step {
		values = append(values, value)
	}
	return values, nil
}
