// Package app assembles the lifecycle components from configuration. Both
// the daemon and the operator CLI start from here.
package app

import (
	"context"
	"fmt"

	"github.com/I54m/LFS/internal/archive"
	"github.com/I54m/LFS/internal/config"
	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/embed"
	"github.com/I54m/LFS/internal/lifecycle"
	"github.com/I54m/LFS/internal/preview"
	"github.com/I54m/LFS/internal/service"
	"github.com/I54m/LFS/internal/storage"
	"github.com/I54m/LFS/internal/worker"
	"go.uber.org/zap"
)

type App struct {
	Config   *config.Config
	Repo     database.Repository
	Store    *storage.FilesystemStorage
	Pool     *worker.Pool
	Machine  *lifecycle.Machine
	Archiver *service.Archiver
	Sweeper  *service.Sweeper
	Files    *service.Files
	Embeds   *embed.Cache
	Logger   *zap.Logger
}

// New opens the repository and wires every component. Background jobs run
// under ctx.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := storage.NewFilesystemStorage(cfg.MediaRoot)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	dialer, err := archive.NewDialer(cfg.Archive, logger)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	previewer, err := preview.NewManager(cfg.PreviewCacheDir, logger)
	if err != nil {
		return nil, fmt.Errorf("previews: %w", err)
	}
	cache, err := embed.NewCache(cfg.EmbedCacheSize, cfg.EmbedCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("embed cache: %w", err)
	}

	repo, err := database.Open(ctx, cfg.RepositoryDriver, cfg.DatabaseURL, cfg.BadgerPath)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}

	pool := worker.NewPool(ctx, cfg.Workers, logger)
	machine := lifecycle.NewMachine(repo, lifecycle.WithLocation(loc))
	archiver := service.NewArchiver(repo, store, dialer, machine, logger)
	thumbs := worker.NewThumbnailer(repo, store, previewer, pool, cfg.ThumbnailsSync, logger)
	builder := embed.NewBuilder(cfg.PublicBaseURL, store, logger)

	return &App{
		Config:   cfg,
		Repo:     repo,
		Store:    store,
		Pool:     pool,
		Machine:  machine,
		Archiver: archiver,
		Sweeper:  service.NewSweeper(repo, store, dialer, logger),
		Files: service.NewFiles(repo, store, machine, archiver, logger,
			service.WithThumbnailer(thumbs),
			service.WithPool(pool),
			service.WithEmbeds(cache, builder),
		),
		Embeds: cache,
		Logger: logger,
	}, nil
}

// Close waits for background jobs and closes the repository.
func (a *App) Close() error {
	a.Pool.Wait()
	if err := a.Repo.Close(); err != nil {
		return fmt.Errorf("close repository: %w", err)
	}
	return nil
}
