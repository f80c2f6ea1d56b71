package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/maauso/clipstitch/internal/clip"
	"github.com/maauso/clipstitch/internal/media"
	"github.com/maauso/clipstitch/internal/planner"
	"github.com/maauso/clipstitch/internal/preview"
	"github.com/maauso/clipstitch/internal/stitch"
	"github.com/maauso/clipstitch/internal/storage"
)

// Static errors for service operations.
var (
	// ErrTooManyClips is returned when a job exceeds the configured clip limit.
	ErrTooManyClips = errors.New("too many clips")
	// ErrEmptyInput is returned for a clip or track without content.
	ErrEmptyInput = errors.New("empty media input")
	// ErrUnsupportedMedia is returned for uploads that are not video.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrUnknownEdit is returned for an unknown edit operation.
	ErrUnknownEdit = errors.New("unknown edit operation")
)

// Stitcher runs compositions and single-clip commands.
type Stitcher interface {
	Stitch(ctx context.Context, comp clip.Composition, opts ...stitch.RunOption) (*stitch.Result, error)
	Edit(ctx context.Context, cmd *planner.Command, opts ...stitch.RunOption) (*stitch.Result, error)
}

// FrameExtractor produces preview frames.
type FrameExtractor interface {
	Extract(ctx context.Context, req planner.PreviewRequest, mode planner.PreviewMode) (*preview.Frame, error)
}

// ClipInput is one uploaded clip.
type ClipInput struct {
	// Data is the raw clip content.
	Data []byte
	// Name is the original file name, used for the extension hint.
	Name string
	// Transition is the blend into the next clip.
	Transition *clip.Transition
}

// CreateJobInput contains the input parameters for a stitch job.
type CreateJobInput struct {
	Clips []ClipInput
	// BackgroundAudio is the raw replacement audio track, if any.
	BackgroundAudio []byte
	// BackgroundAudioName is the original audio file name.
	BackgroundAudioName string
	// UseBackgroundAudio replaces per-clip audio with BackgroundAudio.
	UseBackgroundAudio bool
	// PushToS3 indicates whether to publish the final output to S3.
	PushToS3 bool
}

// PreviewInput asks for one frame of an uploaded clip.
type PreviewInput struct {
	Data      []byte
	Name      string
	Timestamp float64
	Mode      planner.PreviewMode
	Region    planner.Region
}

// EditOp names a single-clip edit.
type EditOp string

// Supported edit operations.
const (
	EditTrim         EditOp = "trim"
	EditCrop         EditOp = "crop"
	EditDelogo       EditOp = "delogo"
	EditLetterbox    EditOp = "letterbox"
	EditExtractAudio EditOp = "extract-audio"
)

// EditOps returns every supported edit operation.
func EditOps() []EditOp {
	return []EditOp{EditTrim, EditCrop, EditDelogo, EditLetterbox, EditExtractAudio}
}

// EditInput describes one single-clip edit. Only the fields of the chosen
// operation are read.
type EditInput struct {
	Op   EditOp
	Data []byte
	Name string
	// Trim range in seconds.
	Start float64
	End   float64
	// Crop and delogo region.
	Region planner.Region
	// Letterbox bar height as a fraction of the frame and bar color.
	BarRatio float64
	Color    string
	// AudioFormat for extract-audio.
	AudioFormat planner.AudioFormat
}

// Output is the content produced by a synchronous operation.
type Output struct {
	Data []byte
	Mime string
	// Name is a suggested file name for the content.
	Name string
	// Filtered is false when a preview fell back to the unfiltered frame.
	Filtered bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMaxClips limits the number of clips per job. Zero disables the limit.
func WithMaxClips(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.maxClips = n
		}
	}
}

// Service orchestrates stitch jobs and the synchronous preview and edit
// operations. Uploads are kept in storage, probed, planned and run on the
// stitcher; outputs stay in storage and are optionally published to S3.
type Service struct {
	repo     Repository
	store    storage.Storage
	prober   media.Prober
	stitcher Stitcher
	previews FrameExtractor
	logger   *slog.Logger
	maxClips int

	mu       sync.Mutex
	running  map[string]*run
	deleting map[string]struct{}
}

// run tracks one in-flight ProcessExistingJob call.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new Service.
func NewService(
	repo Repository,
	store storage.Storage,
	prober media.Prober,
	stitcher Stitcher,
	previews FrameExtractor,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:     repo,
		store:    store,
		prober:   prober,
		stitcher: stitcher,
		previews: previews,
		logger:   logger,
		maxClips: 20,
		running:  make(map[string]*run),
		deleting: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob stores and probes the uploads and persists a job in IN_QUEUE
// status, ready for ProcessExistingJob.
func (s *Service) CreateJob(ctx context.Context, input CreateJobInput) (*Job, error) {
	if len(input.Clips) < 2 {
		return nil, fmt.Errorf("%w: got %d", clip.ErrTooFewClips, len(input.Clips))
	}
	if s.maxClips > 0 && len(input.Clips) > s.maxClips {
		return nil, fmt.Errorf("%w: got %d, limit %d", ErrTooManyClips, len(input.Clips), s.maxClips)
	}

	job := New()
	job.PushToS3 = input.PushToS3

	var saved []string
	fail := func(err error) (*Job, error) {
		s.cleanup(ctx, saved)
		return nil, err
	}

	clips := make([]clip.Descriptor, 0, len(input.Clips))
	for i, in := range input.Clips {
		d, err := s.ingestClip(ctx, in.Data, in.Name, fmt.Sprintf("clip%d", i))
		if d.Source != "" {
			saved = append(saved, d.Source)
		}
		if err != nil {
			return fail(fmt.Errorf("clip %d: %w", i, err))
		}
		if in.Transition != nil {
			t := *in.Transition
			d.Transition = &t
		}
		clips = append(clips, d)
	}
	job.Composition.Clips = clips

	if len(input.BackgroundAudio) > 0 {
		path, ext, err := s.save(ctx, input.BackgroundAudio, input.BackgroundAudioName, "bgaudio")
		if err != nil {
			return fail(fmt.Errorf("background audio: %w", err))
		}
		saved = append(saved, path)
		job.Composition.BackgroundAudio = path
		job.Composition.BackgroundAudioExt = ext
		job.Composition.UseBackgroundAudio = input.UseBackgroundAudio
	}

	s.logger.Info("creating new job",
		slog.String("job_id", job.ID),
		slog.Int("clips", len(clips)),
		slog.Bool("background_audio", job.Composition.HasBackgroundAudio()),
		slog.Bool("push_to_s3", input.PushToS3),
	)

	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return fail(err)
	}

	return job, nil
}

// ProcessExistingJob runs a queued job to completion. The job is saved at
// every state change; a failed run leaves the job FAILED with the error.
func (s *Service) ProcessExistingJob(ctx context.Context, jobID string) (*Job, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Registered before the lookup so a concurrent DeleteJob either waits
	// for this run or makes the lookup fail.
	untrack, err := s.track(jobID, cancel)
	if err != nil {
		return nil, err
	}
	defer untrack()

	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, fmt.Errorf("start job %s: %w: already %s", jobID, ErrInvalidTransition, job.GetStatus())
	}

	if err := job.Start(); err != nil {
		return nil, fmt.Errorf("start job %s: %w", jobID, err)
	}
	s.persist(ctx, job)

	logger := s.logger.With(slog.String("job_id", jobID))
	logger.Info("processing job", slog.Int("clips", len(job.Composition.Clips)))

	lastPct := -1
	res, err := s.stitcher.Stitch(ctx, job.Composition, stitch.WithProgress(func(ratio float64) {
		pct := int(ratio * 100)
		if pct == lastPct || pct >= 100 {
			return
		}
		lastPct = pct
		job.UpdateProgress(pct)
		s.persist(ctx, job)
	}))
	if err != nil {
		return s.finishWithError(ctx, job, err, logger)
	}
	job.SetStrategy(string(res.Strategy))

	outputName := jobID + filepath.Ext(res.Output)
	outputPath, err := s.store.Save(ctx, outputName, bytes.NewReader(res.Data))
	if err != nil {
		return s.finishWithError(ctx, job, fmt.Errorf("store output: %w", err), logger)
	}

	var url string
	if job.PushToS3 {
		url, err = s.store.Publish(ctx, outputName, res.Mime, bytes.NewReader(res.Data))
		if err != nil {
			s.cleanup(ctx, []string{outputPath})
			return s.finishWithError(ctx, job, fmt.Errorf("publish output: %w", err), logger)
		}
	}
	job.SetOutput(outputPath, res.Mime, url)

	if err := job.Complete(); err != nil {
		return nil, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	s.persist(context.WithoutCancel(ctx), job)
	s.cleanup(ctx, job.InputPaths())

	logger.Info("job completed",
		slog.String("strategy", string(res.Strategy)),
		slog.Int("output_bytes", len(res.Data)),
		slog.String("output_url", url),
	)
	return job, nil
}

func (s *Service) finishWithError(ctx context.Context, job *Job, cause error, logger *slog.Logger) (*Job, error) {
	ctx = context.WithoutCancel(ctx)

	if errors.Is(cause, context.Canceled) {
		if err := job.Cancel(); err == nil {
			logger.Info("job cancelled")
			s.persist(ctx, job)
		}
		return job, cause
	}

	msg := cause.Error()
	var execErr *stitch.ExecutionError
	if errors.As(cause, &execErr) {
		msg = execErr.Advice() + ": " + msg
	}
	if err := job.Fail(msg); err != nil {
		logger.Warn("failed to mark job as failed", slog.String("error", err.Error()))
	}
	s.persist(ctx, job)

	logger.Error("job failed", slog.String("error", cause.Error()))
	return job, cause
}

// persist saves job, logging rather than returning failures so a storage
// hiccup does not abort processing.
func (s *Service) persist(ctx context.Context, job *Job) {
	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// GetJob retrieves a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// ListJobs returns all jobs, oldest first.
func (s *Service) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// DeleteJob cancels the job if it is still running and waits for it to
// stop, then removes its files and its record.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, busy := s.deleting[id]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is already being deleted", ErrJobNotFound, id)
	}
	s.deleting[id] = struct{}{}
	r, running := s.running[id]
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.deleting, id)
		s.mu.Unlock()
	}()

	if running {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}

	paths := job.InputPaths()
	if job.OutputPath != "" {
		paths = append(paths, job.OutputPath)
	}
	s.cleanup(ctx, paths)

	s.logger.Info("deleting job", slog.String("job_id", id), slog.Bool("was_running", running))
	return s.repo.Delete(ctx, id)
}

// Preview extracts one frame of an uploaded clip with the mask or crop
// region applied.
func (s *Service) Preview(ctx context.Context, input PreviewInput) (*Output, error) {
	d, err := s.ingestClip(ctx, input.Data, input.Name, "preview")
	if d.Source != "" {
		defer s.cleanup(context.WithoutCancel(ctx), []string{d.Source})
	}
	if err != nil {
		return nil, err
	}

	region := input.Region
	req := planner.PreviewRequest{
		Clip: planner.ClipRef{
			Source: d.Source,
			Ext:    d.Ext(),
			Width:  d.Width,
			Height: d.Height,
		},
		Timestamp: input.Timestamp,
	}
	switch input.Mode {
	case planner.PreviewMask:
		req.Mask = &region
	case planner.PreviewCrop:
		req.Crop = &region
	}

	frame, err := s.previews.Extract(ctx, req, input.Mode)
	if err != nil {
		return nil, err
	}
	return &Output{Data: frame.Data, Mime: frame.Mime, Name: planner.PreviewOutput, Filtered: frame.Filtered}, nil
}

// Edit applies one single-clip operation and returns the result.
func (s *Service) Edit(ctx context.Context, input EditInput) (*Output, error) {
	d, err := s.ingestClip(ctx, input.Data, input.Name, "edit")
	if d.Source != "" {
		defer s.cleanup(context.WithoutCancel(ctx), []string{d.Source})
	}
	if err != nil {
		return nil, err
	}

	cmd, err := s.editCommand(input, d)
	if err != nil {
		return nil, err
	}

	s.logger.Info("applying edit",
		slog.String("op", string(input.Op)),
		slog.String("output", cmd.Output),
	)

	res, err := s.stitcher.Edit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &Output{Data: res.Data, Mime: res.Mime, Name: res.Output, Filtered: true}, nil
}

func (s *Service) editCommand(input EditInput, d clip.Descriptor) (*planner.Command, error) {
	settings := planner.DefaultSettings()
	if st, ok := s.stitcher.(interface{ Settings() planner.Settings }); ok {
		settings = st.Settings()
	}

	switch input.Op {
	case EditTrim:
		return planner.TrimCommand(d, input.Start, input.End)
	case EditCrop:
		return planner.CropCommand(d, input.Region, settings)
	case EditDelogo:
		return planner.DelogoCommand(d, input.Region, settings)
	case EditLetterbox:
		return planner.LetterboxCommand(d, input.BarRatio, input.Color, settings)
	case EditExtractAudio:
		return planner.ExtractAudioCommand(d, input.AudioFormat)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEdit, input.Op)
	}
}

// ingestClip saves an uploaded clip and probes it. A clip that cannot be
// probed is still accepted when its content sniffs as video; the planner
// handles the missing metadata. The returned descriptor carries the saved
// path even on error so the caller can clean it up.
func (s *Service) ingestClip(ctx context.Context, data []byte, name, fallback string) (clip.Descriptor, error) {
	path, ext, err := s.save(ctx, data, name, fallback)
	if err != nil {
		return clip.Descriptor{}, err
	}

	info, err := s.prober.Probe(ctx, path)
	if err == nil {
		d := info.Descriptor(path)
		if d.ContainerExt == "" {
			d.ContainerExt = ext
		}
		return d, nil
	}

	mime, _ := media.DetectBytes(data)
	if !strings.HasPrefix(mime, "video/") {
		return clip.Descriptor{Source: path}, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mime)
	}

	s.logger.Warn("probe failed, continuing without metadata",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
	return clip.Descriptor{Source: path, ContainerExt: ext, MimeType: mime}, nil
}

// save stores data under a name hint with a reliable extension and returns
// the path and extension.
func (s *Service) save(ctx context.Context, data []byte, name, fallback string) (string, string, error) {
	if len(data) == 0 {
		return "", "", ErrEmptyInput
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		_, ext = media.DetectBytes(data)
	}
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." {
		base = fallback
	}
	hint := base
	if ext != "" {
		hint += "." + ext
	}

	path, err := s.store.Save(ctx, hint, bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("save %s: %w", hint, err)
	}
	return path, ext, nil
}

func (s *Service) cleanup(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	if err := s.store.Cleanup(context.WithoutCancel(ctx), paths); err != nil {
		s.logger.Warn("failed to cleanup files", slog.String("error", err.Error()))
	}
}

// track registers a running job and returns the func that unregisters it.
// A job that is being deleted cannot start.
func (s *Service) track(id string, cancel context.CancelFunc) (func(), error) {
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	if _, ok := s.deleting[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is being deleted", ErrJobNotFound, id)
	}
	s.running[id] = r
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		close(r.done)
	}, nil
}
