package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maauso/clipstitch/internal/clip"
)

// ErrInvalidPlanState is returned when the assembler is asked for a
// FilterGraph command without a plan. It is a caller bug, not a runtime
// condition, and is never retried.
var ErrInvalidPlanState = errors.New("planner: filter graph strategy requires a plan")

// Reserved engine file names. Clip inputs are named by position, so none of
// these can collide with them or with caller identifiers.
const (
	ConcatListName = "concat_list.txt"
	outputBase     = "output"
	bgAudioBase    = "bgaudio"
)

// InputFile binds an engine file name to the caller's opaque source handle.
type InputFile struct {
	Name   string
	Source string
}

// Command is a ready-to-run engine invocation.
type Command struct {
	// Args is the engine argument vector, without the program name.
	Args []string
	// Inputs must be written into the engine before Args runs.
	Inputs []InputFile
	// Files are generated intermediates (the concat list) to write as well.
	Files map[string][]byte
	// Output is the engine file name of the result.
	Output string
	// OutputMime is the MIME type of the result.
	OutputMime string
	// Strategy is the encode path that produced the command. Empty for
	// single-clip commands.
	Strategy Strategy
	// Reencode is true when the command decodes and encodes samples.
	Reencode bool
}

// EngineFiles lists every engine-side file the command touches, for cleanup.
func (c *Command) EngineFiles() []string {
	names := make([]string, 0, len(c.Inputs)+len(c.Files)+1)
	for _, in := range c.Inputs {
		names = append(names, in.Name)
	}
	for name := range c.Files {
		names = append(names, name)
	}
	if c.Output != "" {
		names = append(names, c.Output)
	}
	return names
}

// Assemble turns a strategy and, for FilterGraph, its plan into an engine
// command. Inputs are named input<i>.<ext of first clip>.
func Assemble(strategy Strategy, plan *Plan, comp clip.Composition, settings Settings) (*Command, error) {
	if strategy == FilterGraph && plan == nil {
		return nil, ErrInvalidPlanState
	}
	if err := comp.Validate(); err != nil {
		return nil, err
	}
	s := settings.withDefaults()
	ext := comp.Clips[0].Ext()

	inputs := make([]InputFile, len(comp.Clips))
	for i, c := range comp.Clips {
		inputs[i] = InputFile{Name: fmt.Sprintf("input%d.%s", i, ext), Source: c.Source}
	}

	switch strategy {
	case StreamCopy:
		return assembleStreamCopy(inputs, comp, ext), nil
	case FilterGraph:
		if err := plan.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPlanState, err)
		}
		return assembleFilterGraph(inputs, plan, comp, s), nil
	default:
		return nil, fmt.Errorf("planner: unknown strategy %q", strategy)
	}
}

func assembleStreamCopy(inputs []InputFile, comp clip.Composition, ext string) *Command {
	var list strings.Builder
	for _, in := range inputs {
		fmt.Fprintf(&list, "file '%s'\n", in.Name)
	}

	output := outputBase + "." + ext
	mime := comp.Clips[0].MimeType
	if mime == "" {
		mime = "video/" + ext
	}

	return &Command{
		Args: []string{
			"-y",
			"-f", "concat",
			"-safe", "0",
			"-i", ConcatListName,
			"-c", "copy",
			output,
		},
		Inputs:     inputs,
		Files:      map[string][]byte{ConcatListName: []byte(list.String())},
		Output:     output,
		OutputMime: mime,
		Strategy:   StreamCopy,
	}
}

// assembleFilterGraph always produces MP4: the re-encode codecs are fixed
// to H.264/AAC regardless of the source containers.
func assembleFilterGraph(inputs []InputFile, plan *Plan, comp clip.Composition, s Settings) *Command {
	args := make([]string, 0, 2*len(inputs)+24)
	args = append(args, "-y")
	for _, in := range inputs {
		args = append(args, "-i", in.Name)
	}

	if plan.AudioInput >= 0 {
		name := bgAudioBase + "." + comp.AudioExt()
		inputs = append(inputs, InputFile{Name: name, Source: comp.BackgroundAudio})
		args = append(args, "-i", name)
	}

	args = append(args,
		"-filter_complex", plan.String(),
		"-map", plan.VideoMap(),
		"-map", plan.AudioMap(),
	)
	args = append(args, s.encodeArgs()...)
	if plan.AudioInput >= 0 {
		args = append(args, "-shortest")
	}

	output := outputBase + ".mp4"
	args = append(args, "-movflags", "+faststart", output)

	return &Command{
		Args:       args,
		Inputs:     inputs,
		Output:     output,
		OutputMime: "video/mp4",
		Strategy:   FilterGraph,
		Reencode:   true,
	}
}
