package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/imagereel/internal/config"
	"github.com/maauso/imagereel/internal/job"
	"github.com/maauso/imagereel/internal/media"
	"github.com/maauso/imagereel/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:          8080,
		TempDir:       filepath.Join(dir, "staging"),
		MusicDir:      filepath.Join(dir, "music"),
		FFmpegTimeout: time.Minute,
		SweepInterval: time.Minute,
		MaxUploadMB:   10,
		CollationLang: "und",
		LogFormat:     "text",
		LogLevel:      "error",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
}

func TestResolveBinaries_Candidates(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, filepath.Join(dir, "ffmpeg"))
	writeExecutable(t, filepath.Join(dir, "ffprobe"))

	cfg := testConfig(t)
	cfg.FFmpegCandidates = filepath.Join(t.TempDir(), "missing") + "," + filepath.Join(dir, "ffmpeg")

	ffmpeg, ffprobe := ResolveBinaries(cfg)

	assert.Equal(t, filepath.Join(dir, "ffmpeg"), ffmpeg.Command)
	assert.Equal(t, media.SourceCandidate, ffmpeg.Source)
	assert.True(t, ffmpeg.Available)
	assert.Equal(t, filepath.Join(dir, "ffprobe"), ffprobe.Command)
	assert.Equal(t, media.SourceCandidate, ffprobe.Source)
}

func TestResolveBinaries_ExplicitPathsWin(t *testing.T) {
	explicit := t.TempDir()
	writeExecutable(t, filepath.Join(explicit, "my-ffmpeg"))
	writeExecutable(t, filepath.Join(explicit, "my-ffprobe"))
	other := t.TempDir()
	writeExecutable(t, filepath.Join(other, "ffmpeg"))

	cfg := testConfig(t)
	cfg.FFmpegPath = filepath.Join(explicit, "my-ffmpeg")
	cfg.FFprobePath = filepath.Join(explicit, "my-ffprobe")
	cfg.FFmpegCandidates = filepath.Join(other, "ffmpeg")

	ffmpeg, ffprobe := ResolveBinaries(cfg)

	assert.Equal(t, cfg.FFmpegPath, ffmpeg.Command)
	assert.Equal(t, cfg.FFprobePath, ffprobe.Command)
}

func TestNewRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("memory by default", func(t *testing.T) {
		repo, closeRepo, err := NewRepository(ctx, testConfig(t), discardLogger())
		require.NoError(t, err)
		assert.IsType(t, &job.MemoryRepository{}, repo)
		assert.NoError(t, closeRepo())
	})

	t.Run("sqlite when a path is set", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.JobDBPath = filepath.Join(t.TempDir(), "jobs.db")

		repo, closeRepo, err := NewRepository(ctx, cfg, discardLogger())
		require.NoError(t, err)
		assert.IsType(t, &job.SQLiteRepository{}, repo)
		assert.NoError(t, closeRepo())
		assert.FileExists(t, cfg.JobDBPath)
	})
}

func TestNewDependencies_LocksAndPurges(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	stale := filepath.Join(cfg.TempDir, "jobs", "job-stale")
	require.NoError(t, os.MkdirAll(stale, 0o750))

	deps, err := NewDependencies(ctx, cfg, discardLogger())
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
	assert.NotNil(t, deps.Composer)
	assert.Equal(t, cfg.MusicDir, deps.Music.Dir())

	_, err = NewDependencies(ctx, cfg, discardLogger())
	assert.ErrorIs(t, err, storage.ErrLocked)

	require.NoError(t, deps.Close())

	again, err := NewDependencies(ctx, cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestNewDependencies_FailsJobsInterruptedByRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.JobDBPath = filepath.Join(t.TempDir(), "jobs.db")

	repo, err := job.OpenSQLiteRepository(ctx, cfg.JobDBPath)
	require.NoError(t, err)

	running := job.NewWithID("job-running")
	require.NoError(t, running.TransitionTo(job.StatusOrderingResolved))
	require.NoError(t, running.TransitionTo(job.StatusSegmentsInProgress))
	running.SetWorkDir(filepath.Join(cfg.TempDir, "jobs", running.ID))
	require.NoError(t, repo.Save(ctx, running))

	done := job.NewWithID("job-done")
	for _, s := range []job.Status{
		job.StatusOrderingResolved, job.StatusSegmentsInProgress, job.StatusSegmentsComplete,
		job.StatusConcatenating, job.StatusConcatenated, job.StatusDone,
	} {
		require.NoError(t, done.TransitionTo(s))
	}
	output := filepath.Join(cfg.TempDir, "output", done.ID+".mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(output), 0o750))
	require.NoError(t, os.WriteFile(output, []byte("video"), 0o600))
	done.SetOutput(output, "")
	require.NoError(t, repo.Save(ctx, done))
	require.NoError(t, repo.Close())

	deps, err := NewDependencies(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, deps.Close()) }()

	got, err := deps.Composer.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.KindInterrupted, got.ErrorKind)
	assert.ErrorIs(t, deps.Composer.DeleteOutput(ctx, running.ID), job.ErrNoOutput)

	got, err = deps.Composer.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, got.Status)
	assert.NoFileExists(t, output)
	assert.Empty(t, got.OutputPath, "purged outputs are no longer advertised")
}
