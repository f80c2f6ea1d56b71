// Package engine provides the media engine collaborator: a private file
// namespace, command execution, and progress/log event streams.
//
// An Engine instance is a single serialized worker. Exec calls on the same
// instance never overlap; callers that need parallelism create more engines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Static errors for engine operations.
var (
	// ErrInvalidName is returned for file names that would escape the engine namespace.
	ErrInvalidName = errors.New("engine: invalid file name")
	// ErrNotFound is returned when an engine file does not exist.
	ErrNotFound = errors.New("engine: file not found")
	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("engine: closed")
)

// Engine is the capability surface of the media engine.
type Engine interface {
	// WriteInput stores data under name in the engine namespace.
	WriteInput(ctx context.Context, name string, data io.Reader) error
	// Exec runs one command and returns its exit code. A non-zero exit is
	// reported as an *ExitError as well.
	Exec(ctx context.Context, args []string) (int, error)
	// ReadOutput returns the content of a file produced by Exec.
	ReadOutput(ctx context.Context, name string) ([]byte, error)
	// DeleteFile removes a file. Deleting a missing file is not an error.
	DeleteFile(ctx context.Context, name string) error
	// Subscribe returns a subscription to progress and log events.
	Subscribe(buffer int) *Subscription
}

// ExitError is returned when the engine exits with a non-zero status.
type ExitError struct {
	Args   []string
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("engine exited with code %d: %v\nargs: %v\nstderr: %s", e.Code, e.Err, e.Args, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ValidateName rejects names containing path separators or parent references.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Subscription receives engine events. Events are dropped rather than
// blocking the engine when the buffers are full.
type Subscription struct {
	Progress <-chan float64
	Logs     <-chan string

	progress chan float64
	logs     chan string
	hub      *Hub
	once     sync.Once
}

// Close detaches the subscription and closes its channels.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans engine events out to subscribers. The zero value is ready to use.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscribe registers a new subscription with the given channel buffer.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	p := make(chan float64, buffer)
	l := make(chan string, buffer)
	s := &Subscription{Progress: p, Logs: l, progress: p, logs: l, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[*Subscription]struct{})
	}
	h.subs[s] = struct{}{}
	return s
}

// PublishProgress sends a ratio in [0, 1] to every subscriber.
func (h *Hub) PublishProgress(ratio float64) {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.progress <- ratio:
		default:
		}
	}
}

// PublishLog sends one diagnostic line to every subscriber.
func (h *Hub) PublishLog(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.logs <- line:
		default:
		}
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.progress)
	close(s.logs)
}

type durationKey struct{}

// WithExpectedDuration attaches the expected output duration in seconds to
// ctx so Exec can turn engine timestamps into a progress ratio.
func WithExpectedDuration(ctx context.Context, seconds float64) context.Context {
	return context.WithValue(ctx, durationKey{}, seconds)
}

func expectedDuration(ctx context.Context) float64 {
	if v, ok := ctx.Value(durationKey{}).(float64); ok && v > 0 {
		return v
	}
	return 0
}
