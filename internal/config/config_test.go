package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  env: prod\n"))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":9981", cfg.App.HTTPAddr)
	assert.Equal(t, "data/optcollect.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Database.ReadPoolSize)
	require.Len(t, cfg.RateLimit.Windows, 3)
	assert.Equal(t, 25, cfg.RateLimit.Windows[0].Limit)
	assert.Equal(t, "https://api.upstox.com/v2", cfg.Upstream.BaseURL)
	assert.Equal(t, 4, cfg.Collector.Workers)
	assert.Zero(t, cfg.AutoResumeInterval(), "auto-resume is opt-in")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero window limit": `
ratelimit:
  windows:
    - name: s
      limit: 0
      span_seconds: 1
`,
		"workers above cap": `
collector:
  workers: 32
`,
		"decay out of range": `
ratelimit:
  backoff_decay: 1.5
`,
		"cap below one": `
ratelimit:
  backoff_cap: 0.5
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadKeepsExplicitBackoffValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ratelimit:
  backoff_cap: 2.0
  backoff_decay: 0.9
`))
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.RateLimit.BackoffCap)
	assert.Equal(t, 0.9, cfg.RateLimit.BackoffDecay)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
	_, err = Load("")
	assert.Error(t, err)
}

func TestLimiterConfigConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ratelimit:
  windows:
    - name: burst
      limit: 10
      span_seconds: 2
  retry_wait_seconds: 7
`))
	require.NoError(t, err)

	lc := cfg.LimiterConfig()
	require.Len(t, lc.Windows, 1)
	assert.Equal(t, "burst", lc.Windows[0].Name)
	assert.Equal(t, 10, lc.Windows[0].Limit)
	assert.Equal(t, 2*time.Second, lc.Windows[0].Span)
	assert.Equal(t, 7*time.Second, lc.DefaultRetryWait)
}

func TestOrchestratorConfigConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
collector:
  max_parallel_instruments: 3
  workers: 8
  candle_lookback_days: 45
  interval: 30minute
  auto_resume_interval_minutes: 15
`))
	require.NoError(t, err)

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, 3, oc.MaxParallelInstruments)
	assert.Equal(t, 8, oc.Workers)
	assert.Equal(t, 45, oc.CandleLookbackDays)
	assert.Equal(t, "30minute", oc.Interval)
	assert.Equal(t, 15*time.Minute, cfg.AutoResumeInterval())
}

func TestWatchRequiresHandler(t *testing.T) {
	assert.Error(t, Watch(writeConfig(t, "app: {}\n"), nil))
}
