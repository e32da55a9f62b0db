package app

import (
	"context"
	"log/slog"
	"sync"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/infra"
	"tokenwatch/internal/infra/storage"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Store      *storage.Store
	Downloader *infra.IconDownloader
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB)
func (b *Bootstrap) Initialize() error {
	slog.Info("Bootstrapping TokenWatch...")

	// 1. Load Config
	cfg, err := infra.LoadConfig("configs/config.yaml")
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize snapshot store (DB)
	store, err := storage.NewStore()
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("Snapshot store initialized")

	// 4. Initialize Icon Downloader
	downloader, err := infra.NewIconDownloader()
	if err != nil {
		return err
	}
	b.Downloader = downloader
	slog.Info("Icon downloader ready")

	return nil
}

// SyncIcons downloads missing token icons in the background with bounded
// concurrency. Failures are logged per token and never block startup.
func (b *Bootstrap) SyncIcons(ctx context.Context, tokens []domain.Token) {
	slog.Info("Starting icon synchronization...", slog.Int("tokens", len(tokens)))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 5) // Limit concurrent downloads

	for _, t := range tokens {
		if t.Image == "" {
			continue
		}
		wg.Add(1)
		go func(id, imageURL string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			if _, err := b.Downloader.DownloadIcon(id, imageURL); err != nil {
				slog.Warn("Failed to download icon", slog.String("id", id), slog.Any("error", err))
			}
		}(t.ID, t.Image)
	}

	wg.Wait()
	slog.Info("Icon synchronization completed")
}
