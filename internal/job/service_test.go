package job

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/clipstitch/internal/clip"
	"github.com/maauso/clipstitch/internal/media"
	"github.com/maauso/clipstitch/internal/planner"
	"github.com/maauso/clipstitch/internal/preview"
	"github.com/maauso/clipstitch/internal/stitch"
	"github.com/maauso/clipstitch/internal/storage"
)

// mp4Header sniffs as video/mp4.
var mp4Header = []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2")

type stubProber struct {
	info media.Info
	err  error
}

func (p *stubProber) Probe(context.Context, string) (media.Info, error) {
	return p.info, p.err
}

func probedInfo() media.Info {
	return media.Info{
		Width: 640, Height: 360, Duration: 5,
		HasVideo: true, HasAudio: true,
		MimeType: "video/mp4", Ext: "mp4",
	}
}

// fakeStitcher records calls. With block set, Stitch waits for ctx to be
// cancelled after signalling started.
type fakeStitcher struct {
	mu      sync.Mutex
	result  *stitch.Result
	err     error
	block   bool
	started chan struct{}
	comps   []clip.Composition
	cmds    []*planner.Command
}

func (f *fakeStitcher) Stitch(ctx context.Context, comp clip.Composition, _ ...stitch.RunOption) (*stitch.Result, error) {
	f.mu.Lock()
	f.comps = append(f.comps, comp)
	f.mu.Unlock()

	if f.block {
		close(f.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeStitcher) Edit(_ context.Context, cmd *planner.Command, _ ...stitch.RunOption) (*stitch.Result, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	return f.result, f.err
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, req planner.PreviewRequest, mode planner.PreviewMode) (*preview.Frame, error) {
	args := m.Called(ctx, req, mode)
	if f := args.Get(0); f != nil {
		return f.(*preview.Frame), args.Error(1)
	}
	return nil, args.Error(1)
}

type serviceFixture struct {
	svc      *Service
	repo     *MemoryRepository
	store    *storage.LocalStorage
	prober   *stubProber
	stitcher *fakeStitcher
	previews *mockExtractor
}

func newFixture(t *testing.T, opts ...ServiceOption) *serviceFixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := &serviceFixture{
		repo:     NewMemoryRepository(),
		store:    store,
		prober:   &stubProber{info: probedInfo()},
		stitcher: &fakeStitcher{},
		previews: &mockExtractor{},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	f.svc = NewService(f.repo, store, f.prober, f.stitcher, f.previews, logger, opts...)
	return f
}

func (f *serviceFixture) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.store.Dir())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func twoClips() []ClipInput {
	return []ClipInput{
		{Data: mp4Header, Name: "intro.mp4", Transition: &clip.Transition{Kind: clip.KindFade, Duration: 1}},
		{Data: mp4Header, Name: "outro.mp4"},
	}
}

func TestNewService(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil, nil, nil, nil)
	assert.NotNil(t, svc.logger)
	assert.Equal(t, 20, svc.maxClips)

	svc = NewService(NewMemoryRepository(), nil, nil, nil, nil, nil, WithMaxClips(0))
	assert.Equal(t, 0, svc.maxClips)

	svc = NewService(NewMemoryRepository(), nil, nil, nil, nil, nil, WithMaxClips(-1))
	assert.Equal(t, 20, svc.maxClips, "negative limit is ignored")
}

func TestService_CreateJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, CreateJobInput{
		Clips:               twoClips(),
		BackgroundAudio:     []byte("ID3 music"),
		BackgroundAudioName: "track.mp3",
		UseBackgroundAudio:  true,
		PushToS3:            true,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusInQueue, job.Status)
	assert.True(t, job.PushToS3)
	require.Len(t, job.Composition.Clips, 2)

	first := job.Composition.Clips[0]
	assert.Equal(t, 640, first.Width)
	assert.InDelta(t, 5.0, first.Duration, 1e-9)
	assert.Equal(t, "mp4", first.Ext())
	require.NotNil(t, first.Transition)
	assert.Equal(t, clip.KindFade, first.Transition.Kind)
	assert.Nil(t, job.Composition.Clips[1].Transition)

	assert.True(t, job.Composition.HasBackgroundAudio())
	assert.Equal(t, "mp3", job.Composition.AudioExt())

	for _, p := range job.InputPaths() {
		assert.FileExists(t, p)
		assert.Equal(t, f.store.Dir(), filepath.Dir(p))
	}

	saved, err := f.repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInQueue, saved.Status)
}

func TestService_CreateJob_ClipCount(t *testing.T) {
	f := newFixture(t, WithMaxClips(2))
	ctx := context.Background()

	_, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()[:1]})
	assert.ErrorIs(t, err, clip.ErrTooFewClips)

	clips := append(twoClips(), ClipInput{Data: mp4Header, Name: "extra.mp4"})
	_, err = f.svc.CreateJob(ctx, CreateJobInput{Clips: clips})
	assert.ErrorIs(t, err, ErrTooManyClips)

	assert.Empty(t, f.files(t))
}

func TestService_CreateJob_EmptyClip(t *testing.T) {
	f := newFixture(t)

	clips := twoClips()
	clips[1].Data = nil
	_, err := f.svc.CreateJob(context.Background(), CreateJobInput{Clips: clips})

	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, f.files(t), "first clip must be cleaned up")
}

func TestService_CreateJob_UnprobedVideoAccepted(t *testing.T) {
	f := newFixture(t)
	f.prober.err = media.ErrFFprobeExecution

	clips := twoClips()
	clips[0].Name = "" // extension comes from sniffing
	job, err := f.svc.CreateJob(context.Background(), CreateJobInput{Clips: clips})
	require.NoError(t, err)

	d := job.Composition.Clips[0]
	assert.False(t, d.Probed())
	assert.Equal(t, "video/mp4", d.MimeType)
	assert.Equal(t, "mp4", d.Ext())
}

func TestService_CreateJob_RejectsNonVideo(t *testing.T) {
	f := newFixture(t)
	f.prober.err = media.ErrNoVideoStream

	clips := twoClips()
	clips[1].Data = []byte("just some text")
	_, err := f.svc.CreateJob(context.Background(), CreateJobInput{Clips: clips})

	assert.ErrorIs(t, err, ErrUnsupportedMedia)
	assert.Empty(t, f.files(t))
}

func TestService_ProcessExistingJob_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stitcher.result = &stitch.Result{
		Data:     []byte("stitched movie"),
		Mime:     "video/mp4",
		Output:   "output.mp4",
		Strategy: planner.FilterGraph,
	}

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()})
	require.NoError(t, err)

	job, err := f.svc.ProcessExistingJob(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, string(planner.FilterGraph), job.Strategy)
	assert.Equal(t, "video/mp4", job.OutputMime)
	assert.Empty(t, job.OutputURL)

	data, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "stitched movie", string(data))
	assert.Equal(t, ".mp4", filepath.Ext(job.OutputPath))

	for _, p := range created.InputPaths() {
		assert.NoFileExists(t, p, "inputs are removed after completion")
	}

	require.Len(t, f.stitcher.comps, 1)
	assert.Len(t, f.stitcher.comps[0].Clips, 2)

	saved, err := f.repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, saved.Status)
	assert.Equal(t, job.OutputPath, saved.OutputPath)
}

func TestService_ProcessExistingJob_ExecutionFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	execErr := &stitch.ExecutionError{Strategy: planner.StreamCopy, Clips: 2, Code: 1, Err: errors.New("exit status 1")}
	f.stitcher.err = execErr

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()})
	require.NoError(t, err)

	job, err := f.svc.ProcessExistingJob(ctx, created.ID)
	assert.ErrorIs(t, err, stitch.ErrEngineExecutionFailed)
	require.NotNil(t, job)

	saved, err := f.repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, saved.Status)
	assert.Contains(t, saved.Error, execErr.Advice())
	assert.Contains(t, saved.Error, "strategy=stream_copy")
	assert.Empty(t, saved.OutputPath)
}

func TestService_ProcessExistingJob_PublishFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stitcher.result = &stitch.Result{Data: []byte("movie"), Mime: "video/mp4", Output: "output.mp4", Strategy: planner.StreamCopy}

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips(), PushToS3: true})
	require.NoError(t, err)

	_, err = f.svc.ProcessExistingJob(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrS3NotConfigured)

	saved, err := f.repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, saved.Status)
	assert.Len(t, f.files(t), 2, "only the inputs remain")
}

func TestService_ProcessExistingJob_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ProcessExistingJob(context.Background(), "job-missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestService_ProcessExistingJob_AlreadyTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := New()
	_ = job.Fail("boom")
	require.NoError(t, f.repo.Save(ctx, job))

	_, err := f.svc.ProcessExistingJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "already "+string(StatusFailed))
	assert.Empty(t, f.stitcher.comps)
}

func TestService_DeleteJob_CancelsRunningJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stitcher.block = true
	f.stitcher.started = make(chan struct{})

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := f.svc.ProcessExistingJob(ctx, created.ID)
		errc <- err
	}()
	<-f.stitcher.started

	require.NoError(t, f.svc.DeleteJob(ctx, created.ID))
	assert.ErrorIs(t, <-errc, context.Canceled)

	_, err = f.repo.FindByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrJobNotFound, "cancelled job must not be saved back")
	assert.Empty(t, f.files(t))
}

// hookRepository runs callbacks around repository calls to interleave a
// deletion with processing at exact points.
type hookRepository struct {
	Repository
	afterFind    func(ctx context.Context, id string)
	beforeDelete func(id string)
}

func (r *hookRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	j, err := r.Repository.FindByID(ctx, id)
	if r.afterFind != nil {
		r.afterFind(ctx, id)
	}
	return j, err
}

func (r *hookRepository) Delete(ctx context.Context, id string) error {
	if r.beforeDelete != nil {
		r.beforeDelete(id)
	}
	return r.Repository.Delete(ctx, id)
}

func TestService_DeleteJob_AfterProcessLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stitcher.result = &stitch.Result{Data: []byte("movie"), Mime: "video/mp4", Output: "output.mp4", Strategy: planner.StreamCopy}

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()})
	require.NoError(t, err)

	var (
		svc    *Service
		fired  atomic.Bool
		delErr = make(chan error, 1)
	)
	repo := &hookRepository{Repository: f.repo}
	repo.afterFind = func(runCtx context.Context, id string) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		go func() { delErr <- svc.DeleteJob(context.Background(), id) }()
		select {
		case <-runCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}
	svc = NewService(repo, f.store, f.prober, f.stitcher, f.previews, nil)

	_, _ = svc.ProcessExistingJob(ctx, created.ID)
	require.NoError(t, <-delErr)

	_, err = f.repo.FindByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrJobNotFound, "deleted job must stay deleted")
}

func TestService_ProcessExistingJob_DuringDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stitcher.result = &stitch.Result{Data: []byte("movie"), Mime: "video/mp4", Output: "output.mp4", Strategy: planner.StreamCopy}

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()})
	require.NoError(t, err)

	var (
		svc        *Service
		processErr error
	)
	repo := &hookRepository{Repository: f.repo}
	repo.beforeDelete = func(id string) {
		_, processErr = svc.ProcessExistingJob(context.Background(), id)
	}
	svc = NewService(repo, f.store, f.prober, f.stitcher, f.previews, nil)

	require.NoError(t, svc.DeleteJob(ctx, created.ID))
	assert.ErrorIs(t, processErr, ErrJobNotFound)
	assert.Empty(t, f.stitcher.comps, "a job being deleted must not start")

	_, err = f.repo.FindByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestService_DeleteJob_RemovesOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stitcher.result = &stitch.Result{Data: []byte("movie"), Mime: "video/mp4", Output: "output.mp4", Strategy: planner.StreamCopy}

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()})
	require.NoError(t, err)
	job, err := f.svc.ProcessExistingJob(ctx, created.ID)
	require.NoError(t, err)
	require.FileExists(t, job.OutputPath)

	require.NoError(t, f.svc.DeleteJob(ctx, created.ID))
	assert.NoFileExists(t, job.OutputPath)
	assert.ErrorIs(t, f.svc.DeleteJob(ctx, created.ID), ErrJobNotFound)
}

func TestService_GetAndListJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()})
	require.NoError(t, err)
	b, err := f.svc.CreateJob(ctx, CreateJobInput{Clips: twoClips()})
	require.NoError(t, err)

	got, err := f.svc.GetJob(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	jobs, err := f.svc.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{jobs[0].ID, jobs[1].ID})
}

func TestService_Preview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	region := planner.Region{X: 10, Y: 20, W: 100, H: 50}

	f.previews.On("Extract", mock.Anything, mock.MatchedBy(func(req planner.PreviewRequest) bool {
		return req.Mask != nil && *req.Mask == region && req.Crop == nil &&
			req.Clip.Width == 640 && req.Clip.Height == 360 &&
			req.Clip.Ext == "mp4" && req.Timestamp == 1.5
	}), planner.PreviewMask).Return(&preview.Frame{Data: []byte("png"), Mime: "image/png", Filtered: false}, nil)

	out, err := f.svc.Preview(ctx, PreviewInput{
		Data: mp4Header, Name: "clip.mp4", Timestamp: 1.5,
		Mode: planner.PreviewMask, Region: region,
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("png"), out.Data)
	assert.Equal(t, "image/png", out.Mime)
	assert.False(t, out.Filtered)
	assert.Empty(t, f.files(t), "upload removed after preview")
	f.previews.AssertExpectations(t)
}

func TestService_Preview_Failure(t *testing.T) {
	f := newFixture(t)
	f.previews.On("Extract", mock.Anything, mock.Anything, planner.PreviewCrop).
		Return(nil, preview.ErrPreviewGenerationFailed)

	_, err := f.svc.Preview(context.Background(), PreviewInput{
		Data: mp4Header, Name: "clip.mp4", Mode: planner.PreviewCrop,
		Region: planner.Region{W: 10, H: 10},
	})
	assert.ErrorIs(t, err, preview.ErrPreviewGenerationFailed)
	assert.Empty(t, f.files(t))
}

func TestService_Edit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stitcher.result = &stitch.Result{Data: []byte("trimmed"), Mime: "video/mp4", Output: "trimmed.mp4"}

	out, err := f.svc.Edit(ctx, EditInput{Op: EditTrim, Data: mp4Header, Name: "clip.mp4", Start: 1, End: 3})
	require.NoError(t, err)

	assert.Equal(t, []byte("trimmed"), out.Data)
	assert.Equal(t, "trimmed.mp4", out.Name)
	require.Len(t, f.stitcher.cmds, 1)
	assert.NotEmpty(t, f.stitcher.cmds[0].Args)
	assert.Empty(t, f.files(t))
}

func TestService_Edit_UnknownOp(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Edit(context.Background(), EditInput{Op: "blur", Data: mp4Header, Name: "clip.mp4"})
	assert.ErrorIs(t, err, ErrUnknownEdit)
	assert.Empty(t, f.stitcher.cmds)
	assert.Empty(t, f.files(t))
}

func TestService_Edit_EngineFailure(t *testing.T) {
	f := newFixture(t)
	f.stitcher.err = &stitch.ExecutionError{Code: 1, Err: errors.New("bad crop")}

	_, err := f.svc.Edit(context.Background(), EditInput{
		Op: EditCrop, Data: mp4Header, Name: "clip.mp4",
		Region: planner.Region{X: 0, Y: 0, W: 100, H: 100},
	})
	assert.ErrorIs(t, err, stitch.ErrEngineExecutionFailed)
}

func TestEditOps(t *testing.T) {
	ops := EditOps()
	assert.Len(t, ops, 5)
	assert.Contains(t, ops, EditExtractAudio)
}
