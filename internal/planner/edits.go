package planner

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/maauso/clipstitch/internal/clip"
)

// Static errors for single-clip edits.
var (
	// ErrInvalidRange is returned when a trim range is empty or negative.
	ErrInvalidRange = errors.New("planner: invalid time range")
	// ErrInvalidRegion is returned when a region is empty or outside the frame.
	ErrInvalidRegion = errors.New("planner: invalid region")
	// ErrInvalidBarRatio is returned when a letterbox bar ratio is out of range.
	ErrInvalidBarRatio = errors.New("planner: letterbox bar ratio must be in (0, 0.5)")
	// ErrUnsupportedAudioFormat is returned for unknown extraction formats.
	ErrUnsupportedAudioFormat = errors.New("planner: unsupported audio format")
)

// Region is a pixel rectangle inside a frame.
type Region struct {
	X int `json:"x" yaml:"x" validate:"min=0"`
	Y int `json:"y" yaml:"y" validate:"min=0"`
	W int `json:"w" yaml:"w" validate:"min=1"`
	H int `json:"h" yaml:"h" validate:"min=1"`
}

// Check validates the region against a frame. Zero frame dimensions mean
// the frame is unknown and only the region itself is checked.
func (r Region) Check(frameW, frameH int) error {
	if r.X < 0 || r.Y < 0 || r.W <= 0 || r.H <= 0 {
		return fmt.Errorf("%w: %dx%d+%d+%d", ErrInvalidRegion, r.W, r.H, r.X, r.Y)
	}
	if frameW > 0 && r.X+r.W > frameW {
		return fmt.Errorf("%w: exceeds frame width %d", ErrInvalidRegion, frameW)
	}
	if frameH > 0 && r.Y+r.H > frameH {
		return fmt.Errorf("%w: exceeds frame height %d", ErrInvalidRegion, frameH)
	}
	return nil
}

func (r Region) cropFilter() Filter {
	return Filter{Name: "crop", Args: []Arg{
		{Value: itoa(r.W)}, {Value: itoa(r.H)}, {Value: itoa(r.X)}, {Value: itoa(r.Y)},
	}}
}

// delogoFilter masks the region. The engine rejects a mask touching the
// frame border, so the rectangle is pulled one pixel inside when needed.
func (r Region) delogoFilter(frameW, frameH int) Filter {
	x, y, w, h := r.X, r.Y, r.W, r.H
	if x < 1 {
		w -= 1 - x
		x = 1
	}
	if y < 1 {
		h -= 1 - y
		y = 1
	}
	if frameW > 0 && x+w >= frameW {
		w = frameW - x - 1
	}
	if frameH > 0 && y+h >= frameH {
		h = frameH - y - 1
	}
	return Filter{Name: "delogo", Args: []Arg{
		{Key: "x", Value: itoa(x)},
		{Key: "y", Value: itoa(y)},
		{Key: "w", Value: itoa(max(w, 1))},
		{Key: "h", Value: itoa(max(h, 1))},
	}}
}

// AudioFormat is an audio extraction target.
type AudioFormat string

// Supported extraction formats.
const (
	AudioMP3 AudioFormat = "mp3"
	AudioWAV AudioFormat = "wav"
	AudioAAC AudioFormat = "aac"
)

var audioCodecs = map[AudioFormat][]string{
	AudioMP3: {"-c:a", "libmp3lame", "-q:a", "2"},
	AudioWAV: {"-c:a", "pcm_s16le"},
	AudioAAC: {"-c:a", "aac", "-b:a", "192k"},
}

var audioMimes = map[AudioFormat]string{
	AudioMP3: "audio/mpeg",
	AudioWAV: "audio/wav",
	AudioAAC: "audio/aac",
}

func editInput(c clip.Descriptor) InputFile {
	return InputFile{Name: "edit_input." + c.Ext(), Source: c.Source}
}

// TrimCommand cuts [start, end) out of a clip with stream copy. Cuts land
// on the nearest preceding keyframe.
func TrimCommand(c clip.Descriptor, start, end float64) (*Command, error) {
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: %s..%s", ErrInvalidRange, seconds(start), seconds(end))
	}
	if c.Duration > 0 && start >= c.Duration {
		return nil, fmt.Errorf("%w: start %s beyond duration %s", ErrInvalidRange, seconds(start), seconds(c.Duration))
	}

	in := editInput(c)
	output := "trimmed." + c.Ext()
	return &Command{
		Args: []string{
			"-y",
			"-ss", seconds(start),
			"-to", seconds(end),
			"-i", in.Name,
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
			output,
		},
		Inputs:     []InputFile{in},
		Output:     output,
		OutputMime: mimeFor(c),
	}, nil
}

// CropCommand re-encodes a clip keeping only the region.
func CropCommand(c clip.Descriptor, r Region, settings Settings) (*Command, error) {
	if err := r.Check(c.Width, c.Height); err != nil {
		return nil, err
	}
	return reencodeWithFilter(c, "cropped", r.cropFilter(), settings), nil
}

// DelogoCommand re-encodes a clip with the region masked out by
// interpolating surrounding pixels.
func DelogoCommand(c clip.Descriptor, r Region, settings Settings) (*Command, error) {
	if err := r.Check(c.Width, c.Height); err != nil {
		return nil, err
	}
	return reencodeWithFilter(c, "delogo", r.delogoFilter(c.Width, c.Height), settings), nil
}

// LetterboxCommand draws solid bars over the top and bottom of the frame.
// barRatio is the height of each bar as a fraction of the frame height.
func LetterboxCommand(c clip.Descriptor, barRatio float64, color string, settings Settings) (*Command, error) {
	if barRatio <= 0 || barRatio >= 0.5 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidBarRatio, barRatio)
	}
	if color == "" {
		color = "black"
	}
	bar := "ih*" + strconv.FormatFloat(barRatio, 'f', -1, 64)

	in := editInput(c)
	output := "letterbox.mp4"
	s := settings.withDefaults()

	top := Filter{Name: "drawbox", Args: []Arg{
		{Key: "x", Value: "0"}, {Key: "y", Value: "0"},
		{Key: "w", Value: "iw"}, {Key: "h", Value: bar},
		{Key: "color", Value: color}, {Key: "t", Value: "fill"},
	}}
	bottom := Filter{Name: "drawbox", Args: []Arg{
		{Key: "x", Value: "0"}, {Key: "y", Value: "ih-" + bar},
		{Key: "w", Value: "iw"}, {Key: "h", Value: bar},
		{Key: "color", Value: color}, {Key: "t", Value: "fill"},
	}}
	vf := top.String() + "," + bottom.String()

	args := []string{"-y", "-i", in.Name, "-vf", vf}
	args = append(args, s.encodeArgs()...)
	args = append(args, "-movflags", "+faststart", output)

	return &Command{
		Args:       args,
		Inputs:     []InputFile{in},
		Output:     output,
		OutputMime: "video/mp4",
		Reencode:   true,
	}, nil
}

// ExtractAudioCommand drops the video stream and encodes the audio track.
func ExtractAudioCommand(c clip.Descriptor, format AudioFormat) (*Command, error) {
	codec, ok := audioCodecs[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAudioFormat, format)
	}

	in := editInput(c)
	output := "audio." + string(format)
	args := []string{"-y", "-i", in.Name, "-vn"}
	args = append(args, codec...)
	args = append(args, output)

	return &Command{
		Args:       args,
		Inputs:     []InputFile{in},
		Output:     output,
		OutputMime: audioMimes[format],
		Reencode:   true,
	}, nil
}

func reencodeWithFilter(c clip.Descriptor, base string, f Filter, settings Settings) *Command {
	s := settings.withDefaults()
	in := editInput(c)
	output := base + ".mp4"

	args := []string{"-y", "-i", in.Name, "-vf", f.String()}
	args = append(args, s.encodeArgs()...)
	args = append(args, "-movflags", "+faststart", output)

	return &Command{
		Args:       args,
		Inputs:     []InputFile{in},
		Output:     output,
		OutputMime: "video/mp4",
		Reencode:   true,
	}
}

func mimeFor(c clip.Descriptor) string {
	if c.MimeType != "" {
		return c.MimeType
	}
	return "video/" + c.Ext()
}
