package job

import (
	"context"
	"testing"
	"time"

	"github.com/maauso/clipstitch/internal/clip"
)

// testRepository exercises the Repository contract shared by every
// implementation.
func testRepository(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("save and find", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := New()
		job.PushToS3 = true
		job.Composition = clip.Composition{
			Clips: []clip.Descriptor{
				{Source: "/in/a.mp4", Width: 640, Height: 360, Duration: 2, ContainerExt: "mp4", MimeType: "video/mp4",
					Transition: &clip.Transition{Kind: clip.KindDissolve, Duration: 0.5}},
				{Source: "/in/b.mp4", Width: 640, Height: 360, Duration: 3, ContainerExt: "mp4", MimeType: "video/mp4", NoAudio: true},
			},
			BackgroundAudio:    "/in/music.mp3",
			UseBackgroundAudio: true,
		}

		if err := repo.Save(ctx, job); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		saved, err := repo.FindByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("FindByID() error = %v", err)
		}
		if saved.ID != job.ID || saved.Status != StatusInQueue || !saved.PushToS3 {
			t.Errorf("unexpected job: %+v", saved)
		}
		if len(saved.Composition.Clips) != 2 {
			t.Fatalf("expected 2 clips, got %d", len(saved.Composition.Clips))
		}
		tr := saved.Composition.Clips[0].Transition
		if tr == nil || tr.Kind != clip.KindDissolve || tr.Duration != 0.5 {
			t.Errorf("transition not preserved: %+v", tr)
		}
		if !saved.Composition.Clips[1].NoAudio {
			t.Error("NoAudio not preserved")
		}
		if !saved.Composition.HasBackgroundAudio() {
			t.Error("background audio not preserved")
		}
		if !saved.CreatedAt.Equal(job.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", saved.CreatedAt, job.CreatedAt)
		}
	})

	t.Run("update", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := New()
		_ = repo.Save(ctx, job)

		_ = job.Start()
		job.UpdateProgress(50)
		job.SetStrategy("stream_copy")
		_ = repo.Save(ctx, job)

		saved, _ := repo.FindByID(ctx, job.ID)
		if saved.Status != StatusRunning {
			t.Errorf("expected status %s, got %s", StatusRunning, saved.Status)
		}
		if saved.Progress != 50 {
			t.Errorf("expected progress 50, got %d", saved.Progress)
		}
		if saved.Strategy != "stream_copy" {
			t.Errorf("expected strategy stream_copy, got %s", saved.Strategy)
		}
		if saved.StartedAt.IsZero() {
			t.Error("expected StartedAt to be set")
		}
	})

	t.Run("not found", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.FindByID(context.Background(), "nonexistent"); err != ErrJobNotFound {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("find returns a copy", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := New()
		_ = repo.Save(ctx, job)

		found, _ := repo.FindByID(ctx, job.ID)
		found.Progress = 99
		_ = found.Start()

		original, _ := repo.FindByID(ctx, job.ID)
		if original.Progress != 0 || original.Status != StatusInQueue {
			t.Error("modifying returned job should not affect repository")
		}
	})

	t.Run("list oldest first", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		jobs, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(jobs) != 0 {
			t.Errorf("expected 0 jobs, got %d", len(jobs))
		}

		older := NewWithID("job-b")
		older.CreatedAt = time.Now().Add(-time.Hour)
		newer := NewWithID("job-a")
		_ = repo.Save(ctx, newer)
		_ = repo.Save(ctx, older)

		jobs, err = repo.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("expected 2 jobs, got %d", len(jobs))
		}
		if jobs[0].ID != "job-b" || jobs[1].ID != "job-a" {
			t.Errorf("expected oldest first, got %s, %s", jobs[0].ID, jobs[1].ID)
		}
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := New()
		_ = repo.Save(ctx, job)

		if err := repo.Delete(ctx, job.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := repo.FindByID(ctx, job.ID); err != ErrJobNotFound {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
		if err := repo.Delete(ctx, job.ID); err != ErrJobNotFound {
			t.Errorf("expected ErrJobNotFound on second delete, got %v", err)
		}
	})
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, func(*testing.T) Repository { return NewMemoryRepository() })
}

func TestMemoryRepository_ConcurrentAccess(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	done := make(chan bool)

	go func() {
		for i := 0; i < 100; i++ {
			_ = repo.Save(ctx, New())
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 100; i++ {
			_, _ = repo.List(ctx)
		}
		done <- true
	}()

	<-done
	<-done
}
