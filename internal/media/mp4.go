package media

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Compile-time check that MP4Prober implements Prober.
var _ Prober = (*MP4Prober)(nil)

// MP4Prober reads MP4/MOV metadata from the box structure without running
// an external process.
type MP4Prober struct{}

// NewMP4Prober creates an MP4Prober.
func NewMP4Prober() *MP4Prober {
	return &MP4Prober{}
}

// Probe implements Prober.
func (p *MP4Prober) Probe(ctx context.Context, path string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, fmt.Errorf("probe cancelled: %w", err)
	}

	f, err := os.Open(path) // #nosec G304 - path comes from local storage
	if err != nil {
		return Info{}, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := ProbeMP4(f)
	if err != nil {
		return Info{}, err
	}
	return withType(info, path), nil
}

// ProbeMP4 reads metadata from an MP4 stream.
func ProbeMP4(r io.ReadSeeker) (Info, error) {
	file, err := mp4.DecodeFile(r)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrNotMP4, err)
	}

	moov := file.Moov
	if moov == nil && file.Init != nil {
		moov = file.Init.Moov
	}
	if moov == nil {
		return Info{}, fmt.Errorf("%w: missing moov box", ErrNotMP4)
	}

	var info Info
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil {
			continue
		}
		switch trak.Mdia.Hdlr.HandlerType {
		case "vide":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.Width, info.Height, info.VideoCodec = sampleEntry(trak)
			if d := trackSeconds(trak); d > info.Duration {
				info.Duration = d
			}
		case "soun":
			info.HasAudio = true
		}
	}
	if !info.HasVideo {
		return Info{}, ErrNoVideoStream
	}

	if mvhd := moov.Mvhd; mvhd != nil && mvhd.Timescale > 0 && mvhd.Duration > 0 {
		info.Duration = float64(mvhd.Duration) / float64(mvhd.Timescale)
	}
	return info, nil
}

func sampleEntry(trak *mp4.TrakBox) (width, height int, codec string) {
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return 0, 0, ""
	}
	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		if vse, ok := child.(*mp4.VisualSampleEntryBox); ok {
			return int(vse.Width), int(vse.Height), vse.Type()
		}
	}
	return 0, 0, ""
}

func trackSeconds(trak *mp4.TrakBox) float64 {
	mdhd := trak.Mdia.Mdhd
	if mdhd == nil || mdhd.Timescale == 0 {
		return 0
	}
	return float64(mdhd.Duration) / float64(mdhd.Timescale)
}
