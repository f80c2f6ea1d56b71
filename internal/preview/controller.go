// Package preview extracts single frames for interactive mask and crop
// positioning. A frame whose filter trips the engine's buffer-reallocation
// fault is retried once without the filter.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/maauso/clipstitch/internal/engine"
	"github.com/maauso/clipstitch/internal/planner"
)

// ErrPreviewGenerationFailed is the single error surfaced when no frame
// could be produced.
var ErrPreviewGenerationFailed = errors.New("preview: generation failed")

// logBuffer is the subscription buffer used to capture engine diagnostics
// during an attempt.
const logBuffer = 256

// SourceOpener opens the bytes behind a clip source handle.
type SourceOpener interface {
	Open(ctx context.Context, source string) (io.ReadCloser, error)
}

// Frame is an extracted preview image.
type Frame struct {
	Data []byte
	Mime string
	// Filtered is false when the frame came from the unfiltered retry.
	Filtered bool
}

// Controller runs preview extractions against one engine. Extractions are
// serialized: every preview reuses the same engine file names.
type Controller struct {
	engine engine.Engine
	opener SourceOpener
	logger *slog.Logger

	mu sync.Mutex
}

// NewController creates a Controller.
func NewController(eng engine.Engine, opener SourceOpener, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{engine: eng, opener: opener, logger: logger}
}

// ExtractFrame returns the PNG bytes of one frame of req.Clip at
// req.Timestamp with the mode's filter applied.
func (c *Controller) ExtractFrame(ctx context.Context, req planner.PreviewRequest, mode planner.PreviewMode) ([]byte, error) {
	frame, err := c.Extract(ctx, req, mode)
	if err != nil {
		return nil, err
	}
	return frame.Data, nil
}

// Extract is ExtractFrame that also reports whether the filter was applied.
func (c *Controller) Extract(ctx context.Context, req planner.PreviewRequest, mode planner.PreviewMode) (*Frame, error) {
	filtered, err := planner.PreviewCommand(req, mode, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreviewGenerationFailed, err)
	}
	raw, err := planner.PreviewCommand(req, mode, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreviewGenerationFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	defer c.cleanup(ctx, filtered.EngineFiles())

	if err := c.stage(ctx, filtered); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreviewGenerationFailed, err)
	}

	data, diag, err := c.attempt(ctx, filtered)
	if err == nil {
		return &Frame{Data: data, Mime: filtered.OutputMime, Filtered: true}, nil
	}
	if !MatchBufferRealloc(err.Error()) && !MatchBufferRealloc(diag) {
		return nil, fmt.Errorf("%w: %w", ErrPreviewGenerationFailed, err)
	}

	c.logger.Warn("preview filter failed, retrying without filter",
		slog.String("mode", string(mode)),
		slog.String("source", req.Clip.Source),
		slog.String("error", err.Error()),
	)
	c.deleteFile(ctx, filtered.Output)

	data, _, err = c.attempt(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: retry without filter: %w", ErrPreviewGenerationFailed, err)
	}
	return &Frame{Data: data, Mime: raw.OutputMime, Filtered: false}, nil
}

// stage writes the command inputs into the engine.
func (c *Controller) stage(ctx context.Context, cmd *planner.Command) error {
	for _, in := range cmd.Inputs {
		rc, err := c.opener.Open(ctx, in.Source)
		if err != nil {
			return fmt.Errorf("open %s: %w", in.Source, err)
		}
		err = c.engine.WriteInput(ctx, in.Name, rc)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("write %s: %w", in.Name, err)
		}
	}
	return nil
}

// attempt runs cmd and reads its output. The captured diagnostic stream is
// returned alongside any failure.
func (c *Controller) attempt(ctx context.Context, cmd *planner.Command) ([]byte, string, error) {
	sub := c.engine.Subscribe(logBuffer)

	var (
		wg    sync.WaitGroup
		lines []string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for line := range sub.Logs {
			lines = append(lines, line)
		}
	}()
	go func() {
		for range sub.Progress {
		}
	}()

	code, err := c.engine.Exec(ctx, cmd.Args)
	sub.Close()
	wg.Wait()
	diag := strings.Join(lines, "\n")

	if err != nil {
		return nil, diag, err
	}
	if code != 0 {
		return nil, diag, fmt.Errorf("engine exited with code %d", code)
	}

	data, err := c.engine.ReadOutput(ctx, cmd.Output)
	if err != nil {
		return nil, diag, fmt.Errorf("read %s: %w", cmd.Output, err)
	}
	return data, diag, nil
}

func (c *Controller) cleanup(ctx context.Context, names []string) {
	for _, name := range names {
		c.deleteFile(ctx, name)
	}
}

// deleteFile removes an engine file; failures are logged only.
func (c *Controller) deleteFile(ctx context.Context, name string) {
	if err := c.engine.DeleteFile(context.WithoutCancel(ctx), name); err != nil {
		c.logger.Warn("failed to delete engine file",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}
