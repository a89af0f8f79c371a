package app

import (
	"context"
	"fmt"
	"time"

	"optcollect/internal/collector"
	cfgpkg "optcollect/internal/config"
	"optcollect/internal/ratelimit"
	"optcollect/internal/scheduler"
	"optcollect/internal/store"
	"optcollect/internal/store/sqlite"
	collecthttp "optcollect/internal/transport/http"
	"optcollect/internal/upstream"
	"optcollect/internal/upstream/upstox"
)

// AppBuilder constructs the component graph. The build steps are swappable
// so tests can substitute fakes (an in-memory source, a prebuilt store).
type AppBuilder struct {
	cfg      *cfgpkg.Config
	storeFn  func(*cfgpkg.Config) (store.Store, error)
	sourceFn func(*cfgpkg.Config, *ratelimit.Limiter) (upstream.Source, error)
}

// AppBuilderOption overrides one build step.
type AppBuilderOption func(*AppBuilder)

// WithStore substitutes the storage layer.
func WithStore(st store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(*cfgpkg.Config) (store.Store, error) { return st, nil }
	}
}

// WithSource substitutes the upstream data source.
func WithSource(src upstream.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.sourceFn = func(*cfgpkg.Config, *ratelimit.Limiter) (upstream.Source, error) { return src, nil }
	}
}

// NewAppBuilder prepares a builder with the production build steps.
func NewAppBuilder(cfg *cfgpkg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		storeFn:  buildStore,
		sourceFn: buildSource,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the App. Migration failures surface here and abort
// startup.
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	st, err := b.storeFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening store failed: %w", err)
	}

	limiter := ratelimit.New(cfg.LimiterConfig())

	source, err := b.sourceFn(cfg, limiter)
	if err != nil {
		limiter.Close()
		_ = st.Close()
		return nil, fmt.Errorf("building upstream source failed: %w", err)
	}

	registry := collector.NewRegistry()
	orc := collector.New(cfg.OrchestratorConfig(), st, source, registry)

	router := collecthttp.NewRouter(orc, st, limiter)
	httpServer, err := collecthttp.NewServer(cfg.App.HTTPAddr, router)
	if err != nil {
		limiter.Close()
		_ = st.Close()
		return nil, fmt.Errorf("building http server failed: %w", err)
	}

	app := &App{
		cfg:          cfg,
		store:        st,
		limiter:      limiter,
		orchestrator: orc,
		httpServer:   httpServer,
	}
	if interval := cfg.AutoResumeInterval(); interval > 0 {
		app.resumeTicker = scheduler.NewIntervalScheduler(interval)
	}
	return app, nil
}

func buildStore(cfg *cfgpkg.Config) (store.Store, error) {
	return sqlite.Open(cfg.Database.Path, sqlite.Options{
		ReadPoolSize: cfg.Database.ReadPoolSize,
	})
}

func buildSource(cfg *cfgpkg.Config, limiter *ratelimit.Limiter) (upstream.Source, error) {
	return upstox.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Token, limiter,
		upstox.WithTimeout(time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second))
}
