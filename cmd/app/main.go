package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenwatch/internal/app"
	"tokenwatch/internal/domain"
	"tokenwatch/internal/infra"
	"tokenwatch/internal/service"

	"github.com/shopspring/decimal"
)

func main() {
	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Market data gateway + watchlist service (restores persisted snapshot)
	gateway := infra.NewCoinGeckoClient(cfg)
	svc := service.NewWatchlistService(gateway, bootstrap.Store, cfg.Watchlist.SnapshotKey)
	defer svc.Close()

	// 4. Populate per configured mode, then refresh what we have
	switch cfg.Watchlist.Mode {
	case infra.ModeTop:
		if err := svc.LoadInitialPage(ctx, cfg.Watchlist.TopPage, cfg.Watchlist.PageSize); err != nil {
			slog.Error("Initial page load failed", slog.Any("error", err))
		}
	default:
		if err := svc.RefreshPrices(ctx); err != nil {
			slog.Warn("Initial price refresh failed", slog.Any("error", err))
		}
	}

	// 5. Background icon sync for whatever is on the list now
	go bootstrap.SyncIcons(ctx, svc.State().Tokens)

	// 6. Price auto-refresh poller
	refreshInterval := time.Duration(cfg.Watchlist.RefreshIntervalSec) * time.Second
	svc.StartAutoRefresh(ctx, refreshInterval)
	slog.InfoContext(ctx, "Price auto-refresh started", slog.Duration("interval", refreshInterval))

	// 7. Optional wallet balance overlay (read-only, presentation-side join)
	if cfg.Wallet.RPCURL != "" && cfg.Wallet.Address != "" {
		watcher := infra.NewWalletWatcher(cfg, func(balance decimal.Decimal) {
			slog.Info("On-chain balance", slog.String("eth", balance.String()))
		})
		if err := watcher.Start(ctx); err != nil {
			slog.Error("Failed to start wallet watcher", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	// 8. Periodic portfolio summary from the derived view model
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state := svc.State()
				total := domain.PortfolioTotal(state)
				slog.Info("Portfolio",
					slog.Int("tokens", len(state.Tokens)),
					slog.String("total_usd", total.StringFixed(2)),
					slog.Int("positions", len(domain.Breakdown(state))),
				)
			}
		}
	}()

	slog.InfoContext(ctx, "TokenWatch running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("Shutting down gracefully...")
}
