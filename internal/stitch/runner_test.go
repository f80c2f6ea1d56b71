package stitch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/clipstitch/internal/clip"
	"github.com/maauso/clipstitch/internal/engine"
	"github.com/maauso/clipstitch/internal/planner"
)

// fakeEngine records calls and produces a fixed output.
type fakeEngine struct {
	engine.Hub

	mu        sync.Mutex
	files     map[string][]byte
	staged    map[string][]byte
	written   []string
	deleted   []string
	args      [][]string
	code      int
	execErr   error
	output    []byte
	progress  []float64
	deleteErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		files:  map[string][]byte{},
		staged: map[string][]byte{},
		output: []byte("result"),
	}
}

func (f *fakeEngine) WriteInput(_ context.Context, name string, data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = b
	f.staged[name] = b
	f.written = append(f.written, name)
	return nil
}

func (f *fakeEngine) Exec(_ context.Context, args []string) (int, error) {
	f.mu.Lock()
	f.args = append(f.args, args)
	if f.execErr == nil && f.code == 0 && f.output != nil {
		f.files[args[len(args)-1]] = f.output
	}
	f.mu.Unlock()

	for _, p := range f.progress {
		f.PublishProgress(p)
	}
	return f.code, f.execErr
}

func (f *fakeEngine) ReadOutput(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[name]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return b, nil
}

func (f *fakeEngine) DeleteFile(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	delete(f.files, name)
	return f.deleteErr
}

type mapOpener map[string]string

func (m mapOpener) Open(_ context.Context, source string) (io.ReadCloser, error) {
	s, ok := m[source]
	if !ok {
		return nil, errors.New("no such source")
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

var opener = mapOpener{"a": "clip-a", "b": "clip-b", "c": "clip-c", "music": "song"}

func homogeneous() clip.Composition {
	d := func(src string) clip.Descriptor {
		return clip.Descriptor{Source: src, Width: 1920, Height: 1080, Duration: 5, ContainerExt: "mp4", MimeType: "video/mp4"}
	}
	return clip.Composition{Clips: []clip.Descriptor{d("a"), d("b"), d("c")}}
}

func withFades() clip.Composition {
	comp := homogeneous()
	for i := range comp.Clips[:2] {
		comp.Clips[i].Transition = &clip.Transition{Kind: clip.KindFade, Duration: 1}
	}
	return comp
}

func TestRunner_Stitch(t *testing.T) {
	ctx := context.Background()

	t.Run("stream copy", func(t *testing.T) {
		eng := newFakeEngine()
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		res, err := r.Stitch(ctx, homogeneous())
		require.NoError(t, err)
		assert.Equal(t, planner.StreamCopy, res.Strategy)
		assert.Nil(t, res.Plan)
		assert.Equal(t, []byte("result"), res.Data)
		assert.Equal(t, "output.mp4", res.Output)
		assert.Equal(t, "video/mp4", res.Mime)

		assert.Contains(t, eng.written, planner.ConcatListName)
		assert.Contains(t, eng.written, "input0.mp4")
		assert.Contains(t, eng.written, "input2.mp4")
		assert.Empty(t, eng.files, "every engine file is cleaned up")
	})

	t.Run("filter graph with transitions", func(t *testing.T) {
		eng := newFakeEngine()
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		res, err := r.Stitch(ctx, withFades())
		require.NoError(t, err)
		assert.Equal(t, planner.FilterGraph, res.Strategy)
		require.NotNil(t, res.Plan)
		assert.Len(t, res.Plan.Junctions, 2)
		assert.Contains(t, res.Args, "-filter_complex")
		assert.Empty(t, eng.files)
	})

	t.Run("background audio is staged", func(t *testing.T) {
		eng := newFakeEngine()
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		comp := homogeneous()
		comp.BackgroundAudio = "music"
		comp.UseBackgroundAudio = true

		_, err := r.Stitch(ctx, comp)
		require.NoError(t, err)
		assert.Contains(t, eng.written, "bgaudio.mp3")
	})

	t.Run("progress is forwarded", func(t *testing.T) {
		eng := newFakeEngine()
		eng.progress = []float64{0.25, 0.5, 1}
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		var mu sync.Mutex
		var got []float64
		_, err := r.Stitch(ctx, homogeneous(), WithProgress(func(p float64) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, p)
		}))
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []float64{0.25, 0.5, 1}, got)
	})

	t.Run("too few clips", func(t *testing.T) {
		eng := newFakeEngine()
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		comp := homogeneous()
		comp.Clips = comp.Clips[:1]
		_, err := r.Stitch(ctx, comp)
		assert.ErrorIs(t, err, clip.ErrTooFewClips)
		assert.Empty(t, eng.args)
	})

	t.Run("unknown source", func(t *testing.T) {
		eng := newFakeEngine()
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		comp := homogeneous()
		comp.Clips[1].Source = "nope"
		_, err := r.Stitch(ctx, comp)
		require.Error(t, err)
		assert.Empty(t, eng.args)
		assert.Empty(t, eng.files)
	})
}

func TestRunner_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("execution failure carries path context", func(t *testing.T) {
		eng := newFakeEngine()
		eng.code = 1
		eng.execErr = &engine.ExitError{Code: 1, Stderr: "Invalid data"}
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		_, err := r.Stitch(ctx, withFades())
		require.ErrorIs(t, err, ErrEngineExecutionFailed)
		assert.NotErrorIs(t, err, ErrEngineReadFailed)

		var execErr *ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Equal(t, planner.FilterGraph, execErr.Strategy)
		assert.Equal(t, 3, execErr.Clips)
		assert.True(t, execErr.Reencode)
		assert.Equal(t, 1, execErr.Code)
		assert.Contains(t, execErr.Advice(), "re-encoding")

		var exitErr *engine.ExitError
		assert.True(t, errors.As(err, &exitErr))
		assert.Empty(t, eng.files)
		assert.Len(t, eng.args, 1, "no silent retry")
	})

	t.Run("stream copy failure is not retried with re-encode", func(t *testing.T) {
		eng := newFakeEngine()
		eng.code = 1
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		_, err := r.Stitch(ctx, homogeneous())
		require.ErrorIs(t, err, ErrEngineExecutionFailed)

		var execErr *ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Equal(t, planner.StreamCopy, execErr.Strategy)
		assert.False(t, execErr.Reencode)
		assert.Contains(t, execErr.Advice(), "without re-encoding")
		assert.Len(t, eng.args, 1)
	})

	t.Run("read failure is distinct", func(t *testing.T) {
		eng := newFakeEngine()
		eng.output = nil
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		_, err := r.Stitch(ctx, homogeneous())
		require.ErrorIs(t, err, ErrEngineReadFailed)
		assert.NotErrorIs(t, err, ErrEngineExecutionFailed)
		assert.ErrorIs(t, err, engine.ErrNotFound)
	})

	t.Run("cleanup failures are swallowed", func(t *testing.T) {
		eng := newFakeEngine()
		eng.deleteErr = errors.New("busy")
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		res, err := r.Stitch(ctx, homogeneous())
		require.NoError(t, err)
		assert.Equal(t, []byte("result"), res.Data)
	})
}

func TestRunner_Edit(t *testing.T) {
	ctx := context.Background()
	c := clip.Descriptor{Source: "a", Width: 640, Height: 360, Duration: 10, ContainerExt: "mov", MimeType: "video/quicktime"}

	t.Run("trim", func(t *testing.T) {
		eng := newFakeEngine()
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		cmd, err := planner.TrimCommand(c, 1, 4)
		require.NoError(t, err)

		res, err := r.Edit(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, "trimmed.mov", res.Output)
		assert.Equal(t, "video/quicktime", res.Mime)
		assert.Equal(t, []byte("clip-a"), eng.staged["edit_input.mov"])
		assert.Empty(t, eng.files)
	})

	t.Run("failure has no strategy", func(t *testing.T) {
		eng := newFakeEngine()
		eng.execErr = errors.New("boom")
		eng.code = -1
		r := NewRunner(eng, opener, planner.DefaultSettings(), nil)

		cmd, err := planner.ExtractAudioCommand(c, planner.AudioMP3)
		require.NoError(t, err)

		_, err = r.Edit(ctx, cmd)
		var execErr *ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Empty(t, execErr.Strategy)
		assert.Equal(t, 1, execErr.Clips)
		assert.Contains(t, execErr.Error(), "strategy=edit")
	})

	t.Run("nil command", func(t *testing.T) {
		r := NewRunner(newFakeEngine(), opener, planner.DefaultSettings(), nil)
		_, err := r.Edit(ctx, nil)
		assert.ErrorIs(t, err, ErrNilCommand)
	})
}

func TestExpectedDuration(t *testing.T) {
	t.Run("sum on stream copy", func(t *testing.T) {
		assert.InDelta(t, 15.0, expectedDuration(homogeneous(), nil), 1e-9)
	})

	t.Run("overlaps shorten the output", func(t *testing.T) {
		comp := withFades()
		plan, err := planner.BuildGraph(comp, planner.DefaultSettings())
		require.NoError(t, err)
		assert.InDelta(t, 13.0, expectedDuration(comp, plan), 1e-9)
	})
}
