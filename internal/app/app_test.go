package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"optcollect/internal/collector"
	cfgpkg "optcollect/internal/config"
	"optcollect/internal/ratelimit"
	"optcollect/internal/store/sqlite"
	"optcollect/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nullSource satisfies upstream.Source and returns nothing.
type nullSource struct{}

func (nullSource) Expiries(context.Context, string, ratelimit.Priority) ([]time.Time, error) {
	return nil, nil
}

func (nullSource) Contracts(context.Context, string, time.Time, ratelimit.Priority) (upstream.ContractSet, error) {
	return upstream.ContractSet{}, nil
}

func (nullSource) Candles(context.Context, string, time.Time, time.Time, string, ratelimit.Priority) ([]upstream.Candle, error) {
	return nil, nil
}

func testConfig(t *testing.T) *cfgpkg.Config {
	t.Helper()
	cfg := &cfgpkg.Config{}
	cfg.App.HTTPAddr = "127.0.0.1:0"
	cfg.App.LogLevel = "error"
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func TestNewAppBuildsRealComponents(t *testing.T) {
	application, err := NewApp(testConfig(t))
	require.NoError(t, err)
	defer application.Close()

	assert.NotNil(t, application.Orchestrator())
	assert.NotNil(t, application.store)
	assert.NotNil(t, application.limiter)
	assert.Nil(t, application.resumeTicker, "auto-resume is opt-in")
}

func TestNewAppRejectsNilConfig(t *testing.T) {
	_, err := NewApp(nil)
	assert.Error(t, err)
	_, err = NewAppBuilder(nil).Build(context.Background())
	assert.Error(t, err)
}

func TestBuilderAcceptsSubstitutes(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "sub.db"), sqlite.Options{})
	require.NoError(t, err)

	application, err := NewAppBuilder(testConfig(t), WithStore(st), WithSource(nullSource{})).
		Build(context.Background())
	require.NoError(t, err)
	defer application.Close()

	// The substituted store is used, not a freshly opened one.
	assert.Same(t, st, application.store)

	// A task created through the substituted source runs to completion.
	id, err := application.Orchestrator().Create(collector.Params{
		InstrumentKeys: []string{"NSE_INDEX|Nifty 50"},
		Expiries:       []time.Time{time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := application.Orchestrator().Status(id)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			assert.Equal(t, "COMPLETED", string(snap.Status))
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not finish")
}

func TestUpdateRateLimitsValidatesWindows(t *testing.T) {
	application, err := NewApp(testConfig(t))
	require.NoError(t, err)
	defer application.Close()

	next := testConfig(t)
	next.RateLimit.Windows = []cfgpkg.RateWindowConfig{{Name: "s", Limit: 50, SpanSeconds: 1}}
	require.NoError(t, application.UpdateRateLimits(next))

	next.RateLimit.Windows = []cfgpkg.RateWindowConfig{{Name: "s", Limit: 0, SpanSeconds: 1}}
	assert.Error(t, application.UpdateRateLimits(next))
	assert.Error(t, application.UpdateRateLimits(nil))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	application, err := NewAppBuilder(testConfig(t), WithSource(nullSource{})).
		Build(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	time.Sleep(100 * time.Millisecond) // let the listener come up
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown, not a failure")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
