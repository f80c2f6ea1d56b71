package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/maauso/clipstitch/internal/clip"
)

// ErrUnboundedSilence is returned when a clip without audio has no known
// duration, so the silence standing in for its audio cannot be bounded.
var ErrUnboundedSilence = errors.New("planner: silent clip needs a known duration")

// BuildGraph synthesizes the filter graph for a FilterGraph composition.
//
// Every clip is scaled to fit the first clip's geometry, padded to it and
// converted to a common pixel format and frame rate. Junctions are then
// composed left to right while carrying the output timeline position of
// the current clip: a cut concatenates and advances by the clip duration, a
// transition cross-fades at currentOffset+duration-transition and moves the
// reference point to the start of that overlap.
func BuildGraph(comp clip.Composition, settings Settings) (*Plan, error) {
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	s := settings.withDefaults()
	clips := comp.Clips
	bg := comp.HasBackgroundAudio()

	w, h := clips[0].Width, clips[0].Height
	if w <= 0 || h <= 0 {
		w, h = s.FallbackWidth, s.FallbackHeight
	}

	plan := &Plan{
		Width:      w,
		Height:     h,
		AudioInput: -1,
	}

	for i, c := range clips {
		plan.Stages = append(plan.Stages, normalizeVideo(i, w, h, s))
		if !bg {
			st, err := normalizeAudio(i, c, s)
			if err != nil {
				return nil, err
			}
			plan.Stages = append(plan.Stages, st)
		}
	}

	curV, curA := videoLabel(0), audioLabel(0)
	currentOffset := 0.0

	for i := 0; i < len(clips)-1; i++ {
		left, right := clips[i], clips[i+1]
		nextV, nextA := videoLabel(i+1), audioLabel(i+1)
		outV, outA := fmt.Sprintf("vj%d", i+1), fmt.Sprintf("aj%d", i+1)

		j := Junction{Index: i + 1, VideoIn: curV, VideoOut: outV}
		t := comp.Junction(i)
		d := effectiveDuration(t, left, right)

		if d <= 0 {
			plan.Stages = append(plan.Stages, concatStage(curV, curA, nextV, nextA, outV, outA, bg))
			currentOffset += math.Max(left.Duration, 0)
			j.Kind = string(clip.KindNone)
			j.Offset = currentOffset
			j.Concat = true
		} else {
			offset := currentOffset + left.Duration - d
			plan.Stages = append(plan.Stages, Stage{
				Kind:   StageXfade,
				Inputs: []string{curV, nextV},
				Filters: []Filter{{Name: "xfade", Args: []Arg{
					{Key: "transition", Value: t.Kind.EngineName()},
					{Key: "duration", Value: seconds(d)},
					{Key: "offset", Value: seconds(offset)},
				}}},
				Outputs: []string{outV},
			})
			if !bg {
				plan.Stages = append(plan.Stages, Stage{
					Kind:    StageAcrossfade,
					Inputs:  []string{curA, nextA},
					Filters: []Filter{{Name: "acrossfade", Args: []Arg{{Key: "d", Value: seconds(d)}}}},
					Outputs: []string{outA},
				})
			}
			currentOffset = offset
			j.Kind = string(t.Kind)
			j.Duration = d
			j.Offset = offset
		}

		plan.Junctions = append(plan.Junctions, j)
		curV = outV
		if !bg {
			curA = outA
		}
	}

	plan.VideoOut = curV
	if bg {
		plan.AudioInput = len(clips)
	} else {
		plan.AudioOut = curA
	}

	return plan, nil
}

// effectiveDuration returns the blend length for a junction, or 0 when the
// junction must be a plain concatenation. The transition is clamped to both
// neighbours so the offset never moves before the current clip's start.
func effectiveDuration(t *clip.Transition, left, right clip.Descriptor) float64 {
	if t.IsNone() || t.Duration <= 0 {
		return 0
	}
	if left.Duration <= 0 || right.Duration <= 0 {
		return 0
	}
	d := math.Min(t.Duration, math.Min(left.Duration, right.Duration))
	// Below the engine's timestamp resolution the blend is a cut.
	if d < 0.001 {
		return 0
	}
	return d
}

func normalizeVideo(i, w, h int, s Settings) Stage {
	return Stage{
		Kind:   StageNormalize,
		Inputs: []string{fmt.Sprintf("%d:v", i)},
		Filters: []Filter{
			{Name: "scale", Args: []Arg{
				{Value: itoa(w)},
				{Value: itoa(h)},
				{Key: "force_original_aspect_ratio", Value: "decrease"},
			}},
			{Name: "pad", Args: []Arg{
				{Value: itoa(w)},
				{Value: itoa(h)},
				{Value: "(ow-iw)/2"},
				{Value: "(oh-ih)/2"},
			}},
			{Name: "setsar", Args: []Arg{{Value: "1"}}},
			{Name: "fps", Args: []Arg{{Value: itoa(s.FrameRate)}}},
			{Name: "format", Args: []Arg{{Value: s.PixelFormat}}},
		},
		Outputs: []string{videoLabel(i)},
	}
}

// normalizeAudio resamples a clip's audio to the common layout and pins its
// length to the clip duration so audio and video joins stay aligned. Clips
// without audio get generated silence of the same length; silence needs a
// known length since anullsrc never ends on its own.
func normalizeAudio(i int, c clip.Descriptor, s Settings) (Stage, error) {
	format := Filter{Name: "aformat", Args: []Arg{
		{Key: "sample_rates", Value: itoa(s.SampleRate)},
		{Key: "channel_layouts", Value: s.ChannelLayout},
	}}

	if c.NoAudio {
		if c.Duration <= 0 {
			return Stage{}, fmt.Errorf("%w: clip %d (%s)", ErrUnboundedSilence, i, c.Source)
		}
		filters := []Filter{
			{Name: "anullsrc", Args: []Arg{
				{Key: "channel_layout", Value: s.ChannelLayout},
				{Key: "sample_rate", Value: itoa(s.SampleRate)},
			}},
			{Name: "atrim", Args: []Arg{{Key: "duration", Value: seconds(c.Duration)}}},
		}
		return Stage{Kind: StageSilence, Filters: filters, Outputs: []string{audioLabel(i)}}, nil
	}

	filters := []Filter{format}
	if c.Duration > 0 {
		filters = append(filters,
			Filter{Name: "apad"},
			Filter{Name: "atrim", Args: []Arg{{Key: "duration", Value: seconds(c.Duration)}}},
		)
	}
	return Stage{
		Kind:    StageNormalize,
		Inputs:  []string{fmt.Sprintf("%d:a", i)},
		Filters: filters,
		Outputs: []string{audioLabel(i)},
	}, nil
}

func concatStage(curV, curA, nextV, nextA, outV, outA string, videoOnly bool) Stage {
	if videoOnly {
		return Stage{
			Kind:   StageConcat,
			Inputs: []string{curV, nextV},
			Filters: []Filter{{Name: "concat", Args: []Arg{
				{Key: "n", Value: "2"}, {Key: "v", Value: "1"}, {Key: "a", Value: "0"},
			}}},
			Outputs: []string{outV},
		}
	}
	return Stage{
		Kind:   StageConcat,
		Inputs: []string{curV, curA, nextV, nextA},
		Filters: []Filter{{Name: "concat", Args: []Arg{
			{Key: "n", Value: "2"}, {Key: "v", Value: "1"}, {Key: "a", Value: "1"},
		}}},
		Outputs: []string{outV, outA},
	}
}

func videoLabel(i int) string { return fmt.Sprintf("v%d", i) }

func audioLabel(i int) string { return fmt.Sprintf("a%d", i) }
