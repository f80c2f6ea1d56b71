package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Compile-time check that FFmpegEngine implements Engine.
var _ Engine = (*FFmpegEngine)(nil)

// stderrTailLines bounds how much engine output an ExitError carries.
const stderrTailLines = 40

// FFmpegEngine implements Engine with the ffmpeg CLI. Its namespace is a
// private sandbox directory that is used as the working directory of every
// command, so argument vectors only ever reference bare file names.
type FFmpegEngine struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	dir        string
	logger     *slog.Logger
	hub        Hub

	// mu serializes Exec; the engine is a single worker.
	mu     sync.Mutex
	closed bool
}

// Option configures an FFmpegEngine.
type Option func(*FFmpegEngine)

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *FFmpegEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewFFmpegEngine creates an engine with a fresh sandbox under workDir.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
// If workDir is empty, os.TempDir() is used.
func NewFFmpegEngine(ffmpegPath, workDir string, opts ...Option) (*FFmpegEngine, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}

	dir := filepath.Join(workDir, "engine-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create engine sandbox: %w", err)
	}

	e := &FFmpegEngine{
		ffmpegPath: ffmpegPath,
		dir:        dir,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Dir returns the sandbox directory.
func (e *FFmpegEngine) Dir() string {
	return e.dir
}

// Subscribe implements Engine.
func (e *FFmpegEngine) Subscribe(buffer int) *Subscription {
	return e.hub.Subscribe(buffer)
}

// WriteInput implements Engine.
func (e *FFmpegEngine) WriteInput(ctx context.Context, name string, data io.Reader) error {
	path, err := e.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) // #nosec G304 - name validated against the sandbox
	if err != nil {
		return fmt.Errorf("create engine file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write engine file %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close engine file %s: %w", name, err)
	}
	return nil
}

// ReadOutput implements Engine.
func (e *FFmpegEngine) ReadOutput(ctx context.Context, name string) ([]byte, error) {
	path, err := e.path(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	data, err := os.ReadFile(path) // #nosec G304 - name validated against the sandbox
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read engine file %s: %w", name, err)
	}
	return data, nil
}

// DeleteFile implements Engine.
func (e *FFmpegEngine) DeleteFile(_ context.Context, name string) error {
	path, err := e.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove engine file %s: %w", name, err)
	}
	return nil
}

// Exec implements Engine. Stderr is streamed line by line to subscribers
// and to the debug log; "time=" stamps become progress events.
func (e *FFmpegEngine) Exec(ctx context.Context, args []string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return -1, ErrClosed
	}

	full := append([]string{"-hide_banner", "-nostdin"}, args...)
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, e.ffmpegPath, full...)
	cmd.Dir = e.dir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start ffmpeg: %w", err)
	}

	tracker := newProgressTracker(expectedDuration(ctx))
	tail := newLineTail(stderrTailLines)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail.add(line)
		e.hub.PublishLog(line)
		if ratio, ok := tracker.observe(line); ok {
			e.hub.PublishProgress(ratio)
		} else {
			e.logger.Debug("ffmpeg", slog.String("line", line))
		}
	}
	// An over-long line stops the scanner; keep draining so ffmpeg never
	// blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stderr)

	err = cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return -1, fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return code, &ExitError{
			Args:   args,
			Code:   code,
			Stderr: tail.String(),
			Err:    err,
		}
	}

	e.hub.PublishProgress(1)
	return 0, nil
}

// Close removes the sandbox. Further calls fail with ErrClosed.
func (e *FFmpegEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("remove engine sandbox: %w", err)
	}
	return nil
}

func (e *FFmpegEngine) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(e.dir, name), nil
}

// scanLines splits on '\n' or '\r'; ffmpeg rewrites its status line with
// carriage returns.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var (
	reDuration = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
	reTime     = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
)

// progressTracker converts ffmpeg status lines into a 0..1 ratio. Without
// an expected duration it uses the sum of the input durations it has seen.
type progressTracker struct {
	expected float64
	inputs   float64
}

func newProgressTracker(expected float64) *progressTracker {
	return &progressTracker{expected: expected}
}

func (p *progressTracker) observe(line string) (float64, bool) {
	if m := reDuration.FindStringSubmatch(line); m != nil {
		p.inputs += clockSeconds(m[1], m[2], m[3])
		return 0, false
	}
	m := reTime.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	total := p.expected
	if total <= 0 {
		total = p.inputs
	}
	if total <= 0 {
		return 0, false
	}
	ratio := clockSeconds(m[1], m[2], m[3]) / total
	if ratio > 1 {
		ratio = 1
	}
	return ratio, true
}

func clockSeconds(h, m, s string) float64 {
	hours, _ := strconv.ParseFloat(h, 64)
	minutes, _ := strconv.ParseFloat(m, 64)
	secs, _ := strconv.ParseFloat(s, 64)
	return hours*3600 + minutes*60 + secs
}

// lineTail keeps the last n lines.
type lineTail struct {
	lines []string
	n     int
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	return strings.Join(t.lines, "\n")
}
