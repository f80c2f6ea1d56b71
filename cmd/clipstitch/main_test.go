package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/clipstitch/internal/clip"
	"github.com/maauso/clipstitch/internal/media"
	"github.com/maauso/clipstitch/internal/planner"
)

type mockProber struct {
	mock.Mock
}

func (m *mockProber) Probe(ctx context.Context, path string) (media.Info, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(media.Info), args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clips.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

const crossfadeManifest = `
output: out/final.mp4
clips:
  - path: a.mp4
    width: 1280
    height: 720
    duration: 5
    mime_type: video/mp4
    transition: {kind: FADE, duration: 1}
  - path: b.mp4
    width: 1280
    height: 720
    duration: 5
    mime_type: video/mp4
  - path: /abs/c.mp4
    width: 1280
    height: 720
    duration: 5
    mime_type: video/mp4
`

const copyManifest = `
clips:
  - path: a.mp4
    width: 640
    height: 360
    duration: 3
    mime_type: video/mp4
  - path: b.mp4
    width: 640
    height: 360
    duration: 4
    mime_type: video/mp4
`

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, crossfadeManifest)
	dir := filepath.Dir(path)

	m, err := LoadManifest(path)
	require.NoError(t, err)

	require.Len(t, m.Clips, 3)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), m.Clips[0].Path)
	assert.Equal(t, "/abs/c.mp4", m.Clips[2].Path)
	assert.Equal(t, filepath.Join(dir, "out", "final.mp4"), m.Output)

	require.NotNil(t, m.Clips[0].Transition)
	assert.Equal(t, clip.KindFade, m.Clips[0].Transition.Kind, "kind is normalized")
	assert.InDelta(t, 1.0, m.Clips[0].Transition.Duration, 1e-9)
	assert.Nil(t, m.Clips[1].Transition)
}

func TestLoadManifest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"missing path", "clips:\n  - width: 10\n", ErrNoClipPath},
		{"unknown transition", "clips:\n  - path: a.mp4\n    transition: {kind: spin}\n", clip.ErrUnknownTransition},
		{"bad yaml", "clips: [\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, tt.body))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestManifest_Composition_ManifestMetadata(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, crossfadeManifest))
	require.NoError(t, err)

	// No expectations: any probe call fails the test.
	p := new(mockProber)
	comp, err := m.Composition(context.Background(), p, discardLogger())
	require.NoError(t, err)

	require.Len(t, comp.Clips, 3)
	assert.Equal(t, "mp4", comp.Clips[0].ContainerExt)
	assert.Equal(t, 1280, comp.Clips[1].Width)
	assert.False(t, comp.HasBackgroundAudio())
	p.AssertExpectations(t)
}

func TestManifest_Composition_ProbesMissingMetadata(t *testing.T) {
	m := &Manifest{Clips: []ManifestClip{
		{Path: "/clips/a.mov", Width: 1920},
		{Path: "/clips/b.mp4", Width: 640, Height: 360, Duration: 2, MimeType: "video/mp4"},
	}}

	p := new(mockProber)
	p.On("Probe", mock.Anything, "/clips/a.mov").Return(media.Info{
		Width: 1280, Height: 720, Duration: 4.5,
		HasVideo: true, MimeType: "video/quicktime", Ext: "mov",
	}, nil).Once()

	comp, err := m.Composition(context.Background(), p, discardLogger())
	require.NoError(t, err)

	a := comp.Clips[0]
	assert.Equal(t, 1920, a.Width, "manifest values win")
	assert.Equal(t, 720, a.Height)
	assert.InDelta(t, 4.5, a.Duration, 1e-9)
	assert.Equal(t, "video/quicktime", a.MimeType)
	assert.True(t, a.NoAudio)
	p.AssertExpectations(t)
}

func TestManifest_Composition_ProbeFailure(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp4")
	b := filepath.Join(dir, "b.mp4")
	header := []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2")
	require.NoError(t, os.WriteFile(a, header, 0600))
	require.NoError(t, os.WriteFile(b, header, 0600))

	p := new(mockProber)
	p.On("Probe", mock.Anything, mock.Anything).Return(media.Info{}, errors.New("moov box missing"))

	m := &Manifest{Clips: []ManifestClip{{Path: a}, {Path: b}}}
	comp, err := m.Composition(context.Background(), p, discardLogger())
	require.NoError(t, err)

	require.Len(t, comp.Clips, 2)
	assert.False(t, comp.Clips[0].Probed())
	assert.True(t, strings.HasPrefix(comp.Clips[0].MimeType, "video/"))
}

func TestManifest_Composition_TooFewClips(t *testing.T) {
	m := &Manifest{Clips: []ManifestClip{{Path: "a.mp4", Width: 1, Height: 1, Duration: 1, MimeType: "video/mp4"}}}

	_, err := m.Composition(context.Background(), nil, discardLogger())
	assert.ErrorIs(t, err, clip.ErrTooFewClips)
}

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"clipstitch"}, args...))
	return stdout.String(), stderr.String(), err
}

func TestPlanCommand_FilterGraph(t *testing.T) {
	path := writeManifest(t, crossfadeManifest)

	out, _, err := runApp(t, "--ffmpeg", "/opt/bin/ffmpeg", "plan", "--no-probe", path)
	require.NoError(t, err)

	assert.Contains(t, out, "strategy: filter_graph")
	assert.Contains(t, out, "junction 1: fade 1.000s at 4.000s")
	assert.Contains(t, out, "junction 2: concat at 9.000s")
	assert.Contains(t, out, "input0.mp4 <- "+filepath.Join(filepath.Dir(path), "a.mp4"))
	assert.Contains(t, out, "/opt/bin/ffmpeg -y")
	assert.Contains(t, out, "-filter_complex '")
}

func TestPlanCommand_StreamCopy(t *testing.T) {
	out, _, err := runApp(t, "plan", "--no-probe", writeManifest(t, copyManifest))
	require.NoError(t, err)

	assert.Contains(t, out, "strategy: stream_copy")
	assert.Contains(t, out, "-f concat")
	assert.Contains(t, out, "-c copy output.mp4")
	assert.NotContains(t, out, "junction")
}

func TestPlanCommand_JSON(t *testing.T) {
	out, _, err := runApp(t, "--crf", "30", "plan", "--no-probe", "--json", writeManifest(t, crossfadeManifest))
	require.NoError(t, err)

	var got planJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	assert.Equal(t, planner.FilterGraph, got.Strategy)
	assert.Equal(t, "output.mp4", got.Output)
	assert.Len(t, got.Inputs, 3)
	require.Len(t, got.Junctions, 2)
	assert.InDelta(t, 4.0, got.Junctions[0].Offset, 1e-9)
	assert.Equal(t, "ffmpeg", got.Argv[0])
	assert.Contains(t, strings.Join(got.Argv, " "), "-crf 30")
}

func TestPlanCommand_Errors(t *testing.T) {
	_, _, err := runApp(t, "plan")
	assert.Error(t, err)

	_, _, err = runApp(t, "plan", "--no-probe", writeManifest(t, "clips:\n  - path: a.mp4\n"))
	assert.ErrorIs(t, err, clip.ErrTooFewClips)
}

func TestTransitionsCommand(t *testing.T) {
	out, _, err := runApp(t, "transitions")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "none", lines[0])
	assert.Len(t, lines, len(clip.Kinds()))
}

func TestPreviewRequest(t *testing.T) {
	p := new(mockProber)
	p.On("Probe", mock.Anything, "/clips/a.webm").Return(media.Info{Width: 640, Height: 360, Ext: "webm"}, nil)
	region := planner.Region{X: 1, Y: 2, W: 30, H: 40}

	req, err := previewRequest(context.Background(), p, "/clips/a.webm", 1.5, planner.PreviewCrop, region)
	require.NoError(t, err)
	assert.Equal(t, 640, req.Clip.Width)
	assert.Equal(t, "webm", req.Clip.Ext)
	assert.InDelta(t, 1.5, req.Timestamp, 1e-9)
	assert.Nil(t, req.Mask)
	require.NotNil(t, req.Crop)
	assert.Equal(t, region, *req.Crop)

	req, err = previewRequest(context.Background(), p, "/clips/a.webm", 0, planner.PreviewMask, region)
	require.NoError(t, err)
	assert.NotNil(t, req.Mask)

	_, err = previewRequest(context.Background(), p, "/clips/a.webm", 0, "blur", region)
	assert.Error(t, err)
}

func TestParseRegion(t *testing.T) {
	r, err := parseRegion("10, 20,300,200")
	require.NoError(t, err)
	assert.Equal(t, planner.Region{X: 10, Y: 20, W: 300, H: 200}, r)

	for _, bad := range []string{"", "1,2,3", "1,2,3,x", "1,2,3,4,5"} {
		_, err := parseRegion(bad)
		assert.ErrorIs(t, err, ErrInvalidRegion, bad)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"-y":                    "-y",
		"input0.mp4":            "input0.mp4",
		"":                      "''",
		"[v0][v1]xfade":         "'[v0][v1]xfade'",
		"it's":                  `'it'\''s'`,
		"scale=1280:720,fps=30": "scale=1280:720,fps=30",
	}
	for in, want := range tests {
		assert.Equal(t, want, shellQuote(in), in)
	}
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "flag.mp4", outputPath("flag.mp4", "manifest.mp4", "output.mp4"))
	assert.Equal(t, "manifest.mp4", outputPath("", "manifest.mp4", "output.mp4"))
	assert.Equal(t, "output.webm", outputPath("", "", "output.webm"))
}

func TestProgressPrinter_NonTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf, "stitching")
	assert.False(t, p.tty)

	for _, r := range []float64{0.01, 0.05, 0.12, 0.18, 0.5, 1.0, 1.2} {
		p.Update(r)
	}
	p.Done()

	assert.Equal(t, "stitching 0%\nstitching 10%\nstitching 50%\nstitching 100%\n", buf.String())
}

func TestFileOpener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.mp4")
	require.NoError(t, os.WriteFile(path, []byte("clip"), 0600))

	rc, err := fileOpener{}.Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, "clip", buf.String())
}
