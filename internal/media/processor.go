// Package media probes clip files for the metadata the planner needs.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/maauso/clipstitch/internal/clip"
)

// Static errors for media operations.
var (
	// ErrNoVideoStream is returned when a file has no video track.
	ErrNoVideoStream = errors.New("media: no video stream")
	// ErrNotMP4 is returned by MP4Prober for files that are not ISO-BMFF.
	ErrNotMP4 = errors.New("media: not an mp4 file")
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("media: ffprobe execution failed")
	// ErrNoProbers is returned by an empty ChainProber.
	ErrNoProbers = errors.New("media: no probers configured")
)

// Info is the probed metadata of one media file.
type Info struct {
	Width      int
	Height     int
	Duration   float64
	HasVideo   bool
	HasAudio   bool
	VideoCodec string
	// MimeType and Ext come from content sniffing, not the file name.
	MimeType string
	Ext      string
}

// Descriptor converts the probe result into a clip descriptor.
func (i Info) Descriptor(source string) clip.Descriptor {
	return clip.Descriptor{
		Source:       source,
		Width:        i.Width,
		Height:       i.Height,
		Duration:     i.Duration,
		ContainerExt: i.Ext,
		MimeType:     i.MimeType,
		NoAudio:      !i.HasAudio,
	}
}

// Prober reads media metadata from a file path.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// ChainProber tries each prober in order and returns the first success.
type ChainProber []Prober

// Probe implements Prober.
func (c ChainProber) Probe(ctx context.Context, path string) (Info, error) {
	if len(c) == 0 {
		return Info{}, ErrNoProbers
	}
	var errs []error
	for _, p := range c {
		info, err := p.Probe(ctx, path)
		if err == nil {
			return info, nil
		}
		if ctx.Err() != nil {
			return Info{}, fmt.Errorf("probe cancelled: %w", ctx.Err())
		}
		errs = append(errs, err)
	}
	return Info{}, errors.Join(errs...)
}

// DetectType sniffs the MIME type and extension (without the dot) of a file.
func DetectType(path string) (mime, ext string, err error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", "", fmt.Errorf("detect type: %w", err)
	}
	return baseMime(m.String()), strings.TrimPrefix(m.Extension(), "."), nil
}

// DetectBytes sniffs the MIME type and extension of in-memory content.
func DetectBytes(data []byte) (mime, ext string) {
	m := mimetype.Detect(data)
	return baseMime(m.String()), strings.TrimPrefix(m.Extension(), ".")
}

// baseMime strips parameters such as "; charset=utf-8".
func baseMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		return strings.TrimSpace(m[:i])
	}
	return m
}

// withType fills MimeType and Ext from content sniffing when unset.
func withType(info Info, path string) Info {
	if info.MimeType != "" && info.Ext != "" {
		return info
	}
	mime, ext, err := DetectType(path)
	if err != nil {
		return info
	}
	if info.MimeType == "" {
		info.MimeType = mime
	}
	if info.Ext == "" {
		info.Ext = ext
	}
	return info
}
