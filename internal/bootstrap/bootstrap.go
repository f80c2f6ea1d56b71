// Package bootstrap provides dependency initialization for the clipstitch API.
package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/maauso/clipstitch/internal/config"
	"github.com/maauso/clipstitch/internal/engine"
	"github.com/maauso/clipstitch/internal/job"
	"github.com/maauso/clipstitch/internal/media"
	"github.com/maauso/clipstitch/internal/preview"
	"github.com/maauso/clipstitch/internal/stitch"
	"github.com/maauso/clipstitch/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service *job.Service

	closers []io.Closer
}

// Close releases the engines' sandboxes and the job database.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}
	fail := func(err error) (*Dependencies, error) {
		_ = deps.Close()
		return nil, err
	}

	store, err := initStorage(cfg, logger)
	if err != nil {
		return fail(err)
	}

	repo, err := initRepository(cfg, logger)
	if err != nil {
		return fail(err)
	}
	if c, ok := repo.(io.Closer); ok {
		deps.closers = append(deps.closers, c)
	}

	// Stitches and previews get separate engines so a preview never waits
	// behind a long render.
	engineDir := filepath.Join(cfg.TempDir, "engines")
	stitchEngine, err := engine.NewFFmpegEngine(cfg.FFmpegPath, engineDir, engine.WithLogger(logger))
	if err != nil {
		return fail(fmt.Errorf("create stitch engine: %w", err))
	}
	deps.closers = append(deps.closers, stitchEngine)

	previewEngine, err := engine.NewFFmpegEngine(cfg.FFmpegPath, engineDir, engine.WithLogger(logger))
	if err != nil {
		return fail(fmt.Errorf("create preview engine: %w", err))
	}
	deps.closers = append(deps.closers, previewEngine)

	prober := media.ChainProber{media.NewMP4Prober(), media.NewFFprobe(cfg.FFprobePath)}
	runner := stitch.NewRunner(stitchEngine, store, cfg.Settings(), logger)
	previews := preview.NewController(previewEngine, store, logger)

	deps.Service = job.NewService(repo, store, prober, runner, previews, logger,
		job.WithMaxClips(cfg.MaxClips),
	)

	logger.Info("engines configured",
		slog.String("ffmpeg", cfg.FFmpegPath),
		slog.String("ffprobe", cfg.FFprobePath),
		slog.String("stitch_sandbox", stitchEngine.Dir()),
		slog.String("preview_sandbox", previewEngine.Dir()),
	)

	return deps, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(cfg.TempDir, cfg.S3Config())
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
			slog.String("prefix", cfg.S3Prefix),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}

// initRepository picks the SQLite repository when DB_PATH is set.
func initRepository(cfg *config.Config, logger *slog.Logger) (job.Repository, error) {
	if cfg.DBPath == "" {
		logger.Info("in-memory job repository configured")
		return job.NewMemoryRepository(), nil
	}

	repo, err := job.NewSQLiteRepository(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}
	logger.Info("sqlite job repository configured", slog.String("path", cfg.DBPath))
	return repo, nil
}
