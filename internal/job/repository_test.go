package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maauso/imagereel/internal/media"
	"github.com/maauso/imagereel/internal/ordering"
)

// testRepositoryContract runs the behaviour every Repository must share.
func testRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("save and find", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := New()
		job.ImageCount = 3
		job.DurationPerImage = 2
		job.FPS = 30
		job.MusicTrack = "track.mp3"
		job.PushToS3 = true

		if err := repo.Save(ctx, job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		saved, err := repo.FindByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if saved.ID != job.ID || saved.Status != StatusCreated {
			t.Errorf("unexpected job: %s %s", saved.ID, saved.Status)
		}
		if saved.ImageCount != 3 || saved.FPS != 30 || saved.MusicTrack != "track.mp3" || !saved.PushToS3 {
			t.Errorf("fields not persisted: %+v", saved)
		}
		if !saved.CreatedAt.Equal(job.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", saved.CreatedAt, job.CreatedAt)
		}
	})

	t.Run("save updates", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := New()
		_ = repo.Save(ctx, job)

		_ = job.TransitionTo(StatusOrderingResolved)
		_ = job.TransitionTo(StatusSegmentsInProgress)
		job.AddSegment(media.Segment{
			Index:           0,
			Source:          ordering.Parse("a (1).png"),
			Path:            "/w/segment_00000.mp4",
			DurationSeconds: 2,
			Params:          media.ParamsFor(media.ProfileLow),
		})
		_ = job.Fail(KindEncode, "boom")
		job.SetOutput("/out/x.mp4", "")
		_ = repo.Save(ctx, job)

		saved, _ := repo.FindByID(ctx, job.ID)
		if saved.Status != StatusFailed {
			t.Errorf("expected status %s, got %s", StatusFailed, saved.Status)
		}
		if saved.ErrorKind != KindEncode || saved.Error != "boom" {
			t.Errorf("unexpected error fields: %s %q", saved.ErrorKind, saved.Error)
		}
		if len(saved.Segments) != 1 || saved.Segments[0].Source.Sequence != 1 || saved.Segments[0].Params.Preset != "ultrafast" {
			t.Errorf("segments not persisted: %+v", saved.Segments)
		}
		if saved.OutputPath != "/out/x.mp4" {
			t.Errorf("OutputPath = %s", saved.OutputPath)
		}
		if saved.StartedAt.IsZero() || saved.CompletedAt.IsZero() {
			t.Error("expected timestamps to be persisted")
		}
	})

	t.Run("find not found", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.FindByID(context.Background(), "nonexistent")
		if !errors.Is(err, ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("find returns independent copy", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := New()
		_ = repo.Save(ctx, job)

		found, _ := repo.FindByID(ctx, job.ID)
		_ = found.TransitionTo(StatusOrderingResolved)

		original, _ := repo.FindByID(ctx, job.ID)
		if original.Status != StatusCreated {
			t.Error("modifying returned job status should not affect repository")
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		jobs, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(jobs) != 0 {
			t.Errorf("expected 0 jobs, got %d", len(jobs))
		}

		older := New()
		older.CreatedAt = time.Now().Add(-time.Hour)
		newer := New()
		_ = repo.Save(ctx, older)
		_ = repo.Save(ctx, newer)

		jobs, err = repo.List(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("expected 2 jobs, got %d", len(jobs))
		}
		if jobs[0].ID != newer.ID || jobs[1].ID != older.ID {
			t.Errorf("unexpected order: %s, %s", jobs[0].ID, jobs[1].ID)
		}
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		job := New()
		_ = repo.Save(ctx, job)

		if err := repo.Delete(ctx, job.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := repo.FindByID(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
		if err := repo.Delete(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound on second delete, got %v", err)
		}
	})
}
