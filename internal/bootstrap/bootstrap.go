// Package bootstrap provides dependency initialization for imagereel.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/text/language"

	"github.com/maauso/imagereel/internal/audio"
	"github.com/maauso/imagereel/internal/config"
	"github.com/maauso/imagereel/internal/job"
	"github.com/maauso/imagereel/internal/media"
	"github.com/maauso/imagereel/internal/ordering"
	"github.com/maauso/imagereel/internal/process"
	"github.com/maauso/imagereel/internal/storage"
)

// backgroundDrainTimeout bounds how long Close waits for cancelled
// background compositions to record their final state.
const backgroundDrainTimeout = 30 * time.Second

// Dependencies holds all initialized dependencies of a composition host.
type Dependencies struct {
	Composer  *job.Composer
	Music     *audio.Library
	Processes *process.Manager
	Processor *media.FFmpegProcessor
	Storage   storage.Storage
	Staging   *storage.LocalStorage
	Repo      job.Repository
	FFmpeg    media.Binary
	FFprobe   media.Binary

	closeRepo func() error
}

// NewDependencies creates and initializes all dependencies. It takes the
// staging lock and purges jobs left behind by a previous run, so Close
// must be called when the host shuts down.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	ffmpeg, ffprobe := ResolveBinaries(cfg)
	logBinary(logger, ffmpeg)
	logBinary(logger, ffprobe)

	store, staging, err := NewStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := staging.Lock(); err != nil {
		return nil, fmt.Errorf("lock staging directory %s: %w", staging.TempDir(), err)
	}
	repo, closeRepo, err := NewRepository(ctx, cfg, logger)
	if err != nil {
		_ = staging.Unlock()
		return nil, err
	}

	if n, err := staging.PurgeStale(ctx); err != nil {
		logger.Warn("failed to purge stale jobs", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("purged stale jobs", slog.Int("entries", n))
	}
	if n, err := job.RecoverInterrupted(ctx, repo); err != nil {
		logger.Warn("failed to reconcile job history", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("reconciled interrupted jobs", slog.Int("jobs", n))
	}

	manager := process.NewManager(
		process.WithTimeout(cfg.FFmpegTimeout),
		process.WithLogger(logger),
	)
	processor := media.NewFFmpegProcessor(ffmpeg.Command,
		media.WithFFprobePath(ffprobe.Command),
		media.WithRunner(manager),
	)
	music := NewMusicLibrary(cfg, processor, logger)

	composer := job.NewComposer(processor, store, repo,
		job.WithMusicLibrary(music),
		job.WithResolver(ordering.NewResolverForLang(cfg.CollationLang)),
		job.WithLogger(logger),
	)

	return &Dependencies{
		Composer:  composer,
		Music:     music,
		Processes: manager,
		Processor: processor,
		Storage:   store,
		Staging:   staging,
		Repo:      repo,
		FFmpeg:    ffmpeg,
		FFprobe:   ffprobe,
		closeRepo: closeRepo,
	}, nil
}

// Close cancels background compositions and waits for them, terminates
// running encoder processes, closes the job repository and releases the
// staging lock.
func (d *Dependencies) Close() error {
	var errs []error
	drainCtx, cancel := context.WithTimeout(context.Background(), backgroundDrainTimeout)
	defer cancel()
	if err := d.Composer.Shutdown(drainCtx); err != nil {
		errs = append(errs, err)
	}
	d.Processes.Close()

	if d.closeRepo != nil {
		if err := d.closeRepo(); err != nil {
			errs = append(errs, fmt.Errorf("close job repository: %w", err))
		}
	}
	if err := d.Staging.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("release staging lock: %w", err))
	}
	return errors.Join(errs...)
}

// ResolveBinaries picks the ffmpeg and ffprobe executables. Explicit paths
// win; otherwise FFMPEG_CANDIDATES is probed, and ffprobe is looked for
// next to each ffmpeg candidate.
func ResolveBinaries(cfg *config.Config) (ffmpeg, ffprobe media.Binary) {
	candidates := cfg.Candidates()
	if cfg.FFmpegPath != "" {
		candidates = append([]string{cfg.FFmpegPath}, candidates...)
	}
	ffmpeg = media.ResolveBinary("ffmpeg", candidates)

	var probeCandidates []string
	if cfg.FFprobePath != "" {
		probeCandidates = append(probeCandidates, cfg.FFprobePath)
	}
	for _, c := range candidates {
		probeCandidates = append(probeCandidates, filepath.Join(filepath.Dir(c), "ffprobe"))
	}
	ffprobe = media.ResolveBinary("ffprobe", probeCandidates)
	return ffmpeg, ffprobe
}

// NewStorage creates the staging area, publishing to S3 when configured.
// The LocalStorage owning the staging root is returned alongside.
func NewStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, *storage.LocalStorage, error) {
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(ctx, cfg.TempDir, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 publishing configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
			slog.String("temp_dir", s3Store.TempDir()),
		)
		return s3Store, s3Store.LocalStorage, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", localStore.TempDir()),
	)
	return localStore, localStore, nil
}

// NewRepository opens the SQLite job history when JOB_DB_PATH is set and
// falls back to memory otherwise. The returned func closes it.
func NewRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Repository, func() error, error) {
	if cfg.JobDBPath == "" {
		logger.Info("job history kept in memory")
		return job.NewMemoryRepository(), func() error { return nil }, nil
	}

	repo, err := job.OpenSQLiteRepository(ctx, cfg.JobDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open job database: %w", err)
	}
	logger.Info("job history persisted", slog.String("path", repo.Path()))
	return repo, repo.Close, nil
}

// NewMusicLibrary builds the track library over MUSIC_DIR. When prober is
// non-nil, listings include track durations.
func NewMusicLibrary(cfg *config.Config, prober audio.DurationProber, logger *slog.Logger) *audio.Library {
	tag, err := language.Parse(cfg.CollationLang)
	if err != nil {
		logger.Warn("unknown collation language, using root locale",
			slog.String("lang", cfg.CollationLang),
		)
		tag = language.Und
	}
	opts := []audio.LibraryOption{
		audio.WithLanguage(tag),
		audio.WithLogger(logger),
	}
	if prober != nil {
		opts = append(opts, audio.WithDurationProber(prober))
	}
	return audio.NewLibrary(cfg.MusicDir, opts...)
}

func logBinary(logger *slog.Logger, b media.Binary) {
	if !b.Available {
		logger.Warn("binary not found, relying on execution-time lookup",
			slog.String("name", b.Name),
		)
		return
	}
	logger.Info("binary resolved",
		slog.String("name", b.Name),
		slog.String("command", b.Command),
		slog.String("source", b.Source),
	)
}
