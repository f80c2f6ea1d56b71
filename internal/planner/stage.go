package planner

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrDanglingLabel is returned by Plan.Validate when a stage consumes a
// buffer no earlier stage produced, or consumes one twice.
var ErrDanglingLabel = errors.New("planner: dangling filter graph label")

// StageKind classifies a filter graph stage.
type StageKind string

// Stage kinds produced by the synthesizer.
const (
	StageNormalize  StageKind = "normalize"
	StageSilence    StageKind = "silence"
	StageConcat     StageKind = "concat"
	StageXfade      StageKind = "xfade"
	StageAcrossfade StageKind = "acrossfade"
)

// Arg is one filter parameter. An empty Key renders the value positionally.
type Arg struct {
	Key   string
	Value string
}

// Filter is a single engine filter with its parameters.
type Filter struct {
	Name string
	Args []Arg
}

// String renders "name=k=v:k=v".
func (f Filter) String() string {
	if len(f.Args) == 0 {
		return f.Name
	}
	parts := make([]string, len(f.Args))
	for i, a := range f.Args {
		if a.Key == "" {
			parts[i] = a.Value
			continue
		}
		parts[i] = a.Key + "=" + a.Value
	}
	return f.Name + "=" + strings.Join(parts, ":")
}

// Stage is one labeled step of a filter graph: input buffers, a filter
// chain applied in order, and output buffers.
type Stage struct {
	Kind    StageKind
	Inputs  []string
	Filters []Filter
	Outputs []string
}

// String renders "[in][in]f1,f2[out]".
func (s Stage) String() string {
	var b strings.Builder
	for _, in := range s.Inputs {
		b.WriteString("[" + in + "]")
	}
	for i, f := range s.Filters {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.String())
	}
	for _, out := range s.Outputs {
		b.WriteString("[" + out + "]")
	}
	return b.String()
}

// Junction records the decision taken at the boundary between two clips.
type Junction struct {
	// Index is 1-based: junction i joins clip i-1 and clip i.
	Index int
	// Kind is the transition applied, KindNone for a plain concatenation.
	Kind string
	// Duration is the effective (clamped) blend length in seconds.
	Duration float64
	// Offset is where the blend starts on the output timeline. For a
	// concatenation it is where the next clip starts.
	Offset float64
	// Concat is true when the junction degraded or defaulted to concatenation.
	Concat bool
	// VideoIn is the accumulated video buffer consumed by this junction.
	VideoIn string
	// VideoOut is the buffer produced by this junction.
	VideoOut string
}

// Plan is the structured filter graph for one composition.
type Plan struct {
	Stages    []Stage
	Junctions []Junction
	// VideoOut is the label of the final video buffer.
	VideoOut string
	// AudioOut is the label of the final audio buffer. Empty when the
	// background audio input is mapped directly.
	AudioOut string
	// AudioInput is the input index of the background audio track, -1 if unused.
	AudioInput int
	// Width and Height are the normalized frame geometry.
	Width  int
	Height int
}

// String serializes the plan to the engine's filter_complex syntax.
func (p *Plan) String() string {
	parts := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, ";")
}

// VideoMap returns the -map target for the video output.
func (p *Plan) VideoMap() string {
	return "[" + p.VideoOut + "]"
}

// AudioMap returns the -map target for the audio output.
func (p *Plan) AudioMap() string {
	if p.AudioInput >= 0 {
		return fmt.Sprintf("%d:a", p.AudioInput)
	}
	return "[" + p.AudioOut + "]"
}

// StagesOf returns the stages of a given kind, in order.
func (p *Plan) StagesOf(kind StageKind) []Stage {
	var out []Stage
	for _, s := range p.Stages {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

var inputStreamRef = regexp.MustCompile(`^\d+:[va]$`)

// Validate checks label threading: every consumed buffer is an input stream
// or was produced earlier and not yet consumed, and the final outputs exist
// and are unconsumed.
func (p *Plan) Validate() error {
	live := make(map[string]bool)
	for i, s := range p.Stages {
		for _, in := range s.Inputs {
			if inputStreamRef.MatchString(in) {
				continue
			}
			if !live[in] {
				return fmt.Errorf("%w: stage %d consumes [%s]", ErrDanglingLabel, i, in)
			}
			delete(live, in)
		}
		for _, out := range s.Outputs {
			if live[out] {
				return fmt.Errorf("%w: stage %d redefines [%s]", ErrDanglingLabel, i, out)
			}
			live[out] = true
		}
	}
	if !live[p.VideoOut] {
		return fmt.Errorf("%w: video output [%s] not produced", ErrDanglingLabel, p.VideoOut)
	}
	if p.AudioInput < 0 && !live[p.AudioOut] {
		return fmt.Errorf("%w: audio output [%s] not produced", ErrDanglingLabel, p.AudioOut)
	}
	return nil
}

// seconds formats a duration in seconds with millisecond precision and no
// trailing zeros.
func seconds(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
