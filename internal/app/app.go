// Package app assembles the collection engine: storage, rate limiter,
// upstream client, orchestrator, HTTP API and the auto-resume scheduler.
// There are no package globals; every shared component lives on App and
// is injected where needed.
package app

import (
	"context"
	"fmt"

	"optcollect/internal/collector"
	cfgpkg "optcollect/internal/config"
	"optcollect/internal/logger"
	"optcollect/internal/ratelimit"
	"optcollect/internal/scheduler"
	"optcollect/internal/store"
	collecthttp "optcollect/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App owns the long-lived components of one process.
type App struct {
	cfg          *cfgpkg.Config
	store        store.Store
	limiter      *ratelimit.Limiter
	orchestrator *collector.Orchestrator
	httpServer   *collecthttp.Server
	resumeTicker *scheduler.IntervalScheduler
}

// NewApp builds the application from config (without starting it).
func NewApp(cfg *cfgpkg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the HTTP API and the auto-resume scheduler and blocks until
// ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.httpServer.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if a.resumeTicker != nil {
		group.Go(func() error {
			a.resumeTicker.Start(ctx, func(tickCtx context.Context) {
				stats, err := a.orchestrator.Resume(tickCtx)
				if err != nil {
					logger.Warnf("auto-resume failed: %v", err)
					return
				}
				if stats.Pending > 0 {
					logger.Infof("auto-resume: %d pending, %d fetched, %d candles, %d errors",
						stats.Pending, stats.Fetched, stats.Candles, stats.Errors)
				}
			})
			return nil
		})
	}
	return group.Wait()
}

// UpdateRateLimits applies a reloaded config's quota windows to the live
// limiter. Other sections require a restart.
func (a *App) UpdateRateLimits(next *cfgpkg.Config) error {
	if a == nil || a.limiter == nil || next == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.limiter.UpdateLimits(next.LimiterConfig().Windows)
}

// Orchestrator exposes the orchestrator (test and replay harnesses).
func (a *App) Orchestrator() *collector.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orchestrator
}

// Close releases the store and stops the limiter dispatcher.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("closing store failed: %v", err)
		}
	}
}
