package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maauso/clipstitch/internal/clip"
	"github.com/maauso/clipstitch/internal/media"
)

// ErrNoClipPath is returned when a manifest clip has no path.
var ErrNoClipPath = errors.New("manifest: clip path is required")

// Manifest describes one composition on disk.
//
//	output: holiday.mp4
//	background_audio: music.mp3
//	use_background_audio: true
//	clips:
//	  - path: a.mp4
//	    transition: {kind: fade, duration: 1}
//	  - path: b.mp4
type Manifest struct {
	Output             string         `yaml:"output"`
	BackgroundAudio    string         `yaml:"background_audio"`
	UseBackgroundAudio bool           `yaml:"use_background_audio"`
	Clips              []ManifestClip `yaml:"clips"`
}

// ManifestClip is one clip entry. Geometry, duration and type may be given
// explicitly; anything left out is probed from the file.
type ManifestClip struct {
	Path       string           `yaml:"path"`
	Width      int              `yaml:"width,omitempty"`
	Height     int              `yaml:"height,omitempty"`
	Duration   float64          `yaml:"duration,omitempty"`
	MimeType   string           `yaml:"mime_type,omitempty"`
	NoAudio    bool             `yaml:"no_audio,omitempty"`
	Transition *clip.Transition `yaml:"transition,omitempty"`
}

// LoadManifest reads a YAML manifest. Relative paths are resolved against
// the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	base := filepath.Dir(path)
	for i := range m.Clips {
		c := &m.Clips[i]
		if c.Path == "" {
			return nil, fmt.Errorf("%w (clip %d)", ErrNoClipPath, i)
		}
		c.Path = resolve(base, c.Path)
		if c.Transition != nil {
			kind, err := clip.ParseKind(string(c.Transition.Kind))
			if err != nil {
				return nil, fmt.Errorf("clip %d: %w", i, err)
			}
			c.Transition.Kind = kind
		}
	}
	if m.BackgroundAudio != "" {
		m.BackgroundAudio = resolve(base, m.BackgroundAudio)
	}
	if m.Output != "" {
		m.Output = resolve(base, m.Output)
	}
	return &m, nil
}

// Composition builds the planner input, probing clips whose metadata is
// incomplete. A clip that cannot be probed is planned with whatever the
// manifest and content sniffing provide.
func (m *Manifest) Composition(ctx context.Context, prober media.Prober, logger *slog.Logger) (clip.Composition, error) {
	comp := clip.Composition{
		BackgroundAudio:    m.BackgroundAudio,
		UseBackgroundAudio: m.UseBackgroundAudio,
	}
	if m.BackgroundAudio != "" {
		comp.BackgroundAudioExt = strings.TrimPrefix(filepath.Ext(m.BackgroundAudio), ".")
	}

	for _, mc := range m.Clips {
		d := clip.Descriptor{
			Source:       mc.Path,
			Width:        mc.Width,
			Height:       mc.Height,
			Duration:     mc.Duration,
			ContainerExt: strings.TrimPrefix(filepath.Ext(mc.Path), "."),
			MimeType:     mc.MimeType,
			NoAudio:      mc.NoAudio,
			Transition:   mc.Transition,
		}

		if !d.Probed() && prober != nil {
			info, err := prober.Probe(ctx, mc.Path)
			if err != nil {
				if ctx.Err() != nil {
					return clip.Composition{}, ctx.Err()
				}
				logger.Warn("probe failed, planning with partial metadata",
					slog.String("clip", mc.Path),
					slog.String("error", err.Error()),
				)
			} else {
				d = merge(d, info)
			}
		}

		if d.MimeType == "" {
			if mime, _, err := media.DetectType(mc.Path); err == nil {
				d.MimeType = mime
			}
		}
		comp.Clips = append(comp.Clips, d)
	}

	if err := comp.Validate(); err != nil {
		return clip.Composition{}, err
	}
	return comp, nil
}

// merge fills the descriptor's zero fields from a probe result. Values set
// in the manifest win.
func merge(d clip.Descriptor, info media.Info) clip.Descriptor {
	if d.Width == 0 {
		d.Width = info.Width
	}
	if d.Height == 0 {
		d.Height = info.Height
	}
	if d.Duration == 0 {
		d.Duration = info.Duration
	}
	if d.MimeType == "" {
		d.MimeType = info.MimeType
	}
	if info.Ext != "" {
		d.ContainerExt = info.Ext
	}
	if info.HasVideo && !info.HasAudio {
		d.NoAudio = true
	}
	return d
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
