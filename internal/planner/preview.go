package planner

import (
	"errors"
	"fmt"
)

// ErrMissingRegion is returned when a filtered preview has no region for its mode.
var ErrMissingRegion = errors.New("planner: preview mode requires a region")

// PreviewMode selects the filter applied to a preview frame.
type PreviewMode string

// Preview modes.
const (
	PreviewMask PreviewMode = "mask"
	PreviewCrop PreviewMode = "crop"
)

// PreviewRequest asks for one frame of a clip at a point in time, with the
// region the user is currently positioning.
type PreviewRequest struct {
	Clip      ClipRef
	Timestamp float64
	Mask      *Region
	Crop      *Region
}

// ClipRef identifies the previewed clip and its known geometry.
type ClipRef struct {
	Source string
	Ext    string
	Width  int
	Height int
}

// Preview file names are reserved and distinct from stitch and edit names.
const (
	previewInputBase = "preview_input"
	PreviewOutput    = "preview.png"
)

// PreviewCommand builds a single-frame extraction. With filtered set the
// mode's region is applied; without it the raw frame is extracted.
func PreviewCommand(req PreviewRequest, mode PreviewMode, filtered bool) (*Command, error) {
	if req.Timestamp < 0 {
		return nil, fmt.Errorf("%w: negative timestamp", ErrInvalidRange)
	}

	ext := req.Clip.Ext
	if ext == "" {
		ext = "mp4"
	}
	in := InputFile{Name: previewInputBase + "." + ext, Source: req.Clip.Source}

	args := []string{"-y", "-ss", seconds(req.Timestamp), "-i", in.Name}

	if filtered {
		f, err := previewFilter(req, mode)
		if err != nil {
			return nil, err
		}
		args = append(args, "-vf", f.String())
	}

	args = append(args, "-frames:v", "1", "-update", "1", PreviewOutput)

	return &Command{
		Args:       args,
		Inputs:     []InputFile{in},
		Output:     PreviewOutput,
		OutputMime: "image/png",
		Reencode:   true,
	}, nil
}

func previewFilter(req PreviewRequest, mode PreviewMode) (Filter, error) {
	switch mode {
	case PreviewMask:
		if req.Mask == nil {
			return Filter{}, fmt.Errorf("%w: %s", ErrMissingRegion, mode)
		}
		if err := req.Mask.Check(req.Clip.Width, req.Clip.Height); err != nil {
			return Filter{}, err
		}
		return req.Mask.delogoFilter(req.Clip.Width, req.Clip.Height), nil
	case PreviewCrop:
		if req.Crop == nil {
			return Filter{}, fmt.Errorf("%w: %s", ErrMissingRegion, mode)
		}
		if err := req.Crop.Check(req.Clip.Width, req.Clip.Height); err != nil {
			return Filter{}, err
		}
		return req.Crop.cropFilter(), nil
	default:
		return Filter{}, fmt.Errorf("planner: unknown preview mode %q", mode)
	}
}
