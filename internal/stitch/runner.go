// Package stitch runs planned compositions and edits on a media engine.
package stitch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/maauso/clipstitch/internal/clip"
	"github.com/maauso/clipstitch/internal/engine"
	"github.com/maauso/clipstitch/internal/planner"
)

// progressBuffer is the subscription buffer used when a progress callback
// is registered.
const progressBuffer = 64

// SourceOpener opens the bytes behind a clip source handle.
type SourceOpener interface {
	Open(ctx context.Context, source string) (io.ReadCloser, error)
}

// Result is the output of a successful run.
type Result struct {
	Data []byte
	Mime string
	// Output is the engine file name of the result; its extension is the
	// output container.
	Output   string
	Strategy planner.Strategy
	// Plan is nil on the stream-copy path and for edits.
	Plan *planner.Plan
	Args []string
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	progress func(ratio float64)
}

// WithProgress registers a callback receiving engine progress in [0, 1].
func WithProgress(fn func(ratio float64)) RunOption {
	return func(o *runOptions) {
		o.progress = fn
	}
}

// Runner executes commands against one engine. Runs are serialized: the
// engine is a single worker and commands reuse fixed file names.
type Runner struct {
	engine   engine.Engine
	opener   SourceOpener
	settings planner.Settings
	logger   *slog.Logger

	mu sync.Mutex
}

// NewRunner creates a Runner.
func NewRunner(eng engine.Engine, opener SourceOpener, settings planner.Settings, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:   eng,
		opener:   opener,
		settings: settings,
		logger:   logger,
	}
}

// Settings returns the encode settings used for compositions.
func (r *Runner) Settings() planner.Settings {
	return r.settings
}

// Stitch plans comp and runs the resulting command.
func (r *Runner) Stitch(ctx context.Context, comp clip.Composition, opts ...RunOption) (*Result, error) {
	cmd, plan, err := planner.Compose(comp, r.settings)
	if err != nil {
		return nil, fmt.Errorf("plan composition: %w", err)
	}

	r.logger.Info("stitching clips",
		slog.String("strategy", string(cmd.Strategy)),
		slog.Int("clips", len(comp.Clips)),
		slog.Bool("background_audio", comp.HasBackgroundAudio()),
	)

	ctx = engine.WithExpectedDuration(ctx, expectedDuration(comp, plan))
	res, err := r.run(ctx, cmd, len(comp.Clips), opts)
	if err != nil {
		return nil, err
	}
	res.Plan = plan
	return res, nil
}

// Edit runs a single-clip command built by the planner.
func (r *Runner) Edit(ctx context.Context, cmd *planner.Command, opts ...RunOption) (*Result, error) {
	if cmd == nil {
		return nil, ErrNilCommand
	}
	return r.run(ctx, cmd, len(cmd.Inputs), opts)
}

func (r *Runner) run(ctx context.Context, cmd *planner.Command, clips int, opts []RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	defer r.cleanup(ctx, cmd.EngineFiles())

	if err := r.stage(ctx, cmd); err != nil {
		return nil, err
	}

	if o.progress != nil {
		sub := r.engine.Subscribe(progressBuffer)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ratio := range sub.Progress {
				o.progress(ratio)
			}
		}()
		go func() {
			for range sub.Logs {
			}
		}()
		defer func() {
			sub.Close()
			<-done
		}()
	}

	code, err := r.engine.Exec(ctx, cmd.Args)
	if err == nil && code != 0 {
		err = fmt.Errorf("engine exited with code %d", code)
	}
	if err != nil {
		return nil, &ExecutionError{
			Strategy: cmd.Strategy,
			Clips:    clips,
			Reencode: cmd.Reencode,
			Code:     code,
			Err:      err,
		}
	}

	data, err := r.engine.ReadOutput(ctx, cmd.Output)
	if err != nil {
		return nil, &ReadError{Output: cmd.Output, Err: err}
	}

	return &Result{
		Data:     data,
		Mime:     cmd.OutputMime,
		Output:   cmd.Output,
		Strategy: cmd.Strategy,
		Args:     cmd.Args,
	}, nil
}

// stage writes the command's inputs and generated files into the engine.
func (r *Runner) stage(ctx context.Context, cmd *planner.Command) error {
	for _, in := range cmd.Inputs {
		rc, err := r.opener.Open(ctx, in.Source)
		if err != nil {
			return fmt.Errorf("open source %s: %w", in.Source, err)
		}
		err = r.engine.WriteInput(ctx, in.Name, rc)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("write engine input %s: %w", in.Name, err)
		}
	}
	for name, data := range cmd.Files {
		if err := r.engine.WriteInput(ctx, name, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("write engine file %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) cleanup(ctx context.Context, names []string) {
	ctx = context.WithoutCancel(ctx)
	for _, name := range names {
		if err := r.engine.DeleteFile(ctx, name); err != nil {
			r.logger.Warn("failed to delete engine file",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// expectedDuration estimates the output length in seconds. Zero means
// unknown.
func expectedDuration(comp clip.Composition, plan *planner.Plan) float64 {
	last := comp.Clips[len(comp.Clips)-1].Duration
	if plan != nil && len(plan.Junctions) > 0 {
		return plan.Junctions[len(plan.Junctions)-1].Offset + max(last, 0)
	}
	var total float64
	for _, c := range comp.Clips {
		total += max(c.Duration, 0)
	}
	return total
}
