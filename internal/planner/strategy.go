// Package planner decides how a composition is produced and emits the exact
// argument vector for the media engine. Everything here is pure: no I/O, no
// shared state, safe for concurrent use on independent inputs.
package planner

import "github.com/maauso/clipstitch/internal/clip"

// Strategy is the encode path for a composition.
type Strategy string

const (
	// StreamCopy re-muxes the inputs through the concat demuxer without
	// decoding. Lossless and fast, but inputs must share their format.
	StreamCopy Strategy = "stream_copy"
	// FilterGraph decodes, normalizes, blends and re-encodes.
	FilterGraph Strategy = "filter_graph"
)

// Reencode reports whether the strategy decodes and encodes samples.
func (s Strategy) Reencode() bool {
	return s == FilterGraph
}

// SelectStrategy classifies a composition. The first matching rule wins:
// a clip whose geometry or MIME type differs from the first clip, any
// transition other than none, or requested background audio all force
// FilterGraph; otherwise StreamCopy.
func SelectStrategy(comp clip.Composition) Strategy {
	if len(comp.Clips) == 0 {
		return StreamCopy
	}

	first := comp.Clips[0]
	for _, c := range comp.Clips[1:] {
		if !first.SameFormat(c) {
			return FilterGraph
		}
	}

	for i := 0; i < len(comp.Clips)-1; i++ {
		if !comp.Junction(i).IsNone() {
			return FilterGraph
		}
	}

	if comp.HasBackgroundAudio() {
		return FilterGraph
	}

	return StreamCopy
}
