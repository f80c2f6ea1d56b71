// Package clip provides the input model for compositions: one Descriptor per
// source clip, the closed set of transition kinds, and the Composition that
// groups an ordered clip sequence with optional background audio.
package clip

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTooFewClips is returned when a composition has fewer than two clips.
// A single clip is handled by the single-clip edit commands, not by stitching.
var ErrTooFewClips = errors.New("clip: a composition needs at least two clips")

// Transition describes how a clip blends into the next one.
type Transition struct {
	// Kind is the transition effect. KindNone disables the blend.
	Kind Kind `json:"kind" yaml:"kind"`
	// Duration is the blend length in seconds.
	Duration float64 `json:"duration" yaml:"duration"`
}

// IsNone reports whether the transition produces a plain cut.
// A nil transition is a cut as well.
func (t *Transition) IsNone() bool {
	return t == nil || t.Kind == KindNone
}

// Descriptor is the normalized metadata of one input clip.
// Unknown metadata is carried as zero values; the planner treats a
// zero-valued clip conservatively rather than rejecting it.
type Descriptor struct {
	// Source is an opaque handle to the clip content (a storage path for
	// the server, a filesystem path for the CLI). The planner never reads it.
	Source string `json:"source" yaml:"source"`
	// Width is the frame width in pixels.
	Width int `json:"width" yaml:"width"`
	// Height is the frame height in pixels.
	Height int `json:"height" yaml:"height"`
	// Duration is the clip length in seconds.
	Duration float64 `json:"duration" yaml:"duration"`
	// ContainerExt is the container extension without the dot ("mp4", "webm").
	ContainerExt string `json:"container_ext" yaml:"container_ext"`
	// MimeType is the detected MIME type ("video/mp4").
	MimeType string `json:"mime_type" yaml:"mime_type"`
	// NoAudio is set when the clip has no audio stream.
	NoAudio bool `json:"no_audio,omitempty" yaml:"no_audio,omitempty"`
	// Transition is the blend into the next clip. Ignored on the last clip.
	Transition *Transition `json:"transition,omitempty" yaml:"transition,omitempty"`
}

// Ext returns the container extension, lowercased and without a leading dot.
// It falls back to "mp4" when the extension is unknown.
func (d Descriptor) Ext() string {
	ext := strings.ToLower(strings.TrimPrefix(d.ContainerExt, "."))
	if ext == "" {
		return "mp4"
	}
	return ext
}

// Probed reports whether the clip carries usable dimensions and duration.
func (d Descriptor) Probed() bool {
	return d.Width > 0 && d.Height > 0 && d.Duration > 0
}

// SameFormat reports whether two clips can be stream-copied together:
// identical dimensions and MIME type.
func (d Descriptor) SameFormat(o Descriptor) bool {
	return d.Width == o.Width && d.Height == o.Height && d.MimeType == o.MimeType
}

// Composition is one stitch request: an ordered clip sequence plus an
// optional replacement audio track.
type Composition struct {
	// Clips are the inputs in output order.
	Clips []Descriptor `json:"clips" yaml:"clips"`
	// BackgroundAudio is the opaque handle of the replacement audio track.
	BackgroundAudio string `json:"background_audio,omitempty" yaml:"background_audio,omitempty"`
	// BackgroundAudioExt is the container extension of the audio track.
	BackgroundAudioExt string `json:"background_audio_ext,omitempty" yaml:"background_audio_ext,omitempty"`
	// UseBackgroundAudio enables the replacement audio track.
	UseBackgroundAudio bool `json:"use_background_audio,omitempty" yaml:"use_background_audio,omitempty"`
}

// HasBackgroundAudio reports whether per-clip audio is replaced.
// Both the flag and a source must be present.
func (c Composition) HasBackgroundAudio() bool {
	return c.UseBackgroundAudio && c.BackgroundAudio != ""
}

// AudioExt returns the background audio extension, defaulting to "mp3".
func (c Composition) AudioExt() string {
	ext := strings.ToLower(strings.TrimPrefix(c.BackgroundAudioExt, "."))
	if ext == "" {
		return "mp3"
	}
	return ext
}

// Validate checks the structural requirements of a composition.
// Missing metadata is not an error.
func (c Composition) Validate() error {
	if len(c.Clips) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewClips, len(c.Clips))
	}
	return nil
}

// Junction returns the transition that applies between clip i and i+1.
// Only the earlier clip's transition is consulted.
func (c Composition) Junction(i int) *Transition {
	if i < 0 || i >= len(c.Clips)-1 {
		return nil
	}
	return c.Clips[i].Transition
}
