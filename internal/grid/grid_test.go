package grid

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/goosewin/fluxsweep/internal/params"
)

var benchBase = params.Base{Width: 256, Height: 256, AspectRatio: "16:9", OutputFormat: "jpg", Quality: 60}

func defaultAxes(t *testing.T) Axes {
	t.Helper()
	strengths, err := FloatRange(0.5, 1.0, 0.05)
	require.NoError(t, err)
	steps, err := IntRange(20, 50, 5)
	require.NoError(t, err)
	return Axes{
		PromptStrengths: strengths,
		GuidanceScales:  []float64{2.0, 2.5, 3.0, 3.5},
		InferenceSteps:  steps,
	}
}

func TestDefaultAxesGridSize(t *testing.T) {
	axes := defaultAxes(t)

	assert.Len(t, axes.PromptStrengths, 11)
	assert.Equal(t, 0.55, axes.PromptStrengths[1])
	assert.Equal(t, 1.0, axes.PromptStrengths[10])
	assert.Equal(t, []int{20, 25, 30, 35, 40, 45, 50}, axes.InferenceSteps)
	assert.Equal(t, 308, Size(axes))
	assert.Len(t, Build(axes, benchBase, nil), 308)
}

func TestBuildNestedOrder(t *testing.T) {
	axes := Axes{
		PromptStrengths: []float64{0.5, 0.6},
		GuidanceScales:  []float64{2, 3},
		InferenceSteps:  []int{20, 30},
	}
	combos := Build(axes, benchBase, map[string]any{"scheduler": "K_EULER"})

	want := []string{
		"0.5/2/20", "0.5/2/30", "0.5/3/20", "0.5/3/30",
		"0.6/2/20", "0.6/2/30", "0.6/3/20", "0.6/3/30",
	}
	got := make([]string, 0, len(combos))
	for _, combo := range combos {
		got = append(got, combo.Key())
		assert.Equal(t, "K_EULER", combo.Extra["scheduler"])
		assert.Equal(t, 256, combo.Width)
	}
	assert.Equal(t, want, got)
}

func TestBuildProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		axes := Axes{
			PromptStrengths: distinctFloats(rt, "strengths"),
			GuidanceScales:  distinctFloats(rt, "guidance"),
			InferenceSteps:  rapid.SliceOfNDistinct(rapid.IntRange(1, 150), 0, 8, rapid.ID[int]).Draw(rt, "steps"),
		}
		combos := Build(axes, benchBase, nil)

		if len(combos) != len(axes.PromptStrengths)*len(axes.GuidanceScales)*len(axes.InferenceSteps) {
			rt.Fatalf("grid size %d does not match axis product", len(combos))
		}
		seen := map[string]bool{}
		for _, combo := range combos {
			if seen[combo.Key()] {
				rt.Fatalf("duplicate combination %s", combo.Key())
			}
			seen[combo.Key()] = true
		}
	})
}

func TestSelectProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		axes := Axes{
			PromptStrengths: distinctFloats(rt, "strengths"),
			GuidanceScales:  []float64{2, 3},
			InferenceSteps:  []int{20, 30, 40},
		}
		combos := Build(axes, benchBase, nil)
		requested := rapid.IntRange(1, 60).Draw(rt, "requested")
		seed := rapid.Uint64().Draw(rt, "seed")

		selected, err := Select(combos, requested, 1500, rand.New(rand.NewPCG(seed, seed)))
		if err != nil {
			rt.Fatalf("select: %v", err)
		}

		if requested >= len(combos) {
			if len(selected) != len(combos) {
				rt.Fatalf("expected full grid of %d, got %d", len(combos), len(selected))
			}
			for i := range combos {
				if combos[i].Key() != selected[i].Key() {
					rt.Fatalf("full grid reordered at %d", i)
				}
			}
			return
		}

		if len(selected) != requested {
			rt.Fatalf("expected %d combinations, got %d", requested, len(selected))
		}
		inGrid := map[string]bool{}
		for _, combo := range combos {
			inGrid[combo.Key()] = true
		}
		seen := map[string]bool{}
		for _, combo := range selected {
			if !inGrid[combo.Key()] {
				rt.Fatalf("selected combination %s not in grid", combo.Key())
			}
			if seen[combo.Key()] {
				rt.Fatalf("duplicate selection %s", combo.Key())
			}
			seen[combo.Key()] = true
		}
	})
}

func TestSelectErrors(t *testing.T) {
	combos := Build(defaultAxes(t), benchBase, nil)

	cases := []struct {
		name      string
		requested int
		max       int
		want      error
	}{
		{name: "zero", requested: 0, max: 1500, want: ErrInvalidCount},
		{name: "negative", requested: -3, max: 1500, want: ErrInvalidCount},
		{name: "full grid over cap", requested: 308, max: 100, want: ErrGridTooLarge},
		{name: "more than grid over cap", requested: 5000, max: 100, want: ErrGridTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Select(combos, tc.requested, tc.max, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	var tooLarge *TooLargeError
	_, err := Select(combos, 400, 100, nil)
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 308, tooLarge.Size)
}

func TestSelectSampleOverCap(t *testing.T) {
	combos := Build(defaultAxes(t), benchBase, nil)
	require.Len(t, combos, 308)

	selected, err := Select(combos, 200, 100, rand.New(rand.NewPCG(1, 2)))
	assert.Nil(t, selected)
	var tooLarge *TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 200, tooLarge.Size)
	assert.Equal(t, 100, tooLarge.Max)

	selected, err = Select(combos, 100, 100, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Len(t, selected, 100)
}

func TestSelectSampleUnderCap(t *testing.T) {
	combos := Build(defaultAxes(t), benchBase, nil)

	selected, err := Select(combos, 10, 100, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Len(t, selected, 10)
}

func TestRangesRejectBadInput(t *testing.T) {
	_, err := FloatRange(1, 0.5, 0.05)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = IntRange(20, 50, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = FloatRange(0.506, 0.509, 0.001)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestFloatRangeStaysWithinBounds(t *testing.T) {
	cases := []struct {
		name              string
		start, stop, step float64
		want              []float64
	}{
		{name: "dividing step", start: 0.5, stop: 1.0, step: 0.25, want: []float64{0.5, 0.75, 1.0}},
		{name: "non-dividing step", start: 0.5, stop: 1.0, step: 0.3, want: []float64{0.5, 0.8}},
		{name: "sub-resolution step", start: 0.5, stop: 0.51, step: 0.001, want: []float64{0.5, 0.51}},
		{name: "single point", start: 0.7, stop: 0.7, step: 0.1, want: []float64{0.7}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FloatRange(tc.start, tc.stop, tc.step)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFloatRangeProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		start := float64(rapid.IntRange(0, 100).Draw(rt, "start")) / 100
		stop := start + float64(rapid.IntRange(0, 100).Draw(rt, "span"))/100
		step := float64(rapid.IntRange(1, 200).Draw(rt, "step")) / 1000

		values, err := FloatRange(start, stop, step)
		if err != nil {
			rt.Fatalf("range: %v", err)
		}
		for i, value := range values {
			if value < start-1e-9 || value > stop+1e-9 {
				rt.Fatalf("value %v outside [%v, %v]", value, start, stop)
			}
			if i > 0 && value <= values[i-1] {
				rt.Fatalf("values not strictly increasing: %v", values)
			}
		}
	})
}

func TestDistinctKeepsFirstOccurrences(t *testing.T) {
	assert.Equal(t, []float64{2.5, 3, 2}, Distinct([]float64{2.5, 3, 2.5, 2, 3}))
	assert.Empty(t, Distinct(nil))
}

func distinctFloats(rt *rapid.T, label string) []float64 {
	ints := rapid.SliceOfNDistinct(rapid.IntRange(0, 100), 0, 8, rapid.ID[int]).Draw(rt, label)
	values := make([]float64, 0, len(ints))
	for _, value := range ints {
		values = append(values, float64(value)/100)
	}
	return values
}
