package collecthttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"optcollect/internal/collector"
	"optcollect/internal/ratelimit"
	"optcollect/internal/store"
	"optcollect/internal/store/sqlite"
	"optcollect/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// stubSource satisfies upstream.Source with canned responses.
type stubSource struct {
	candles map[string][]upstream.Candle
}

func (s *stubSource) Expiries(context.Context, string, ratelimit.Priority) ([]time.Time, error) {
	return nil, nil
}

func (s *stubSource) Contracts(context.Context, string, time.Time, ratelimit.Priority) (upstream.ContractSet, error) {
	return upstream.ContractSet{}, nil
}

func (s *stubSource) Candles(_ context.Context, key string, _, _ time.Time, _ string, _ ratelimit.Priority) ([]upstream.Candle, error) {
	return s.candles[key], nil
}

func newTestRouter(t *testing.T) (*gin.Engine, store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lim := ratelimit.New(ratelimit.Config{
		Windows: []ratelimit.WindowConfig{{Name: "s", Limit: 100, Span: time.Second}},
	})
	t.Cleanup(lim.Close)

	src := &stubSource{candles: map[string][]upstream.Candle{
		"c1": {{Timestamp: time.Date(2024, 1, 24, 0, 0, 0, 0, time.UTC), Open: 1, High: 2, Low: 1, Close: 2, Volume: 5}},
	}}
	orc := collector.New(collector.Config{}, st, src, collector.NewRegistry())

	engine := gin.New()
	NewRouter(orc, st, lim).Register(engine.Group("/api"))
	return engine, st
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestCreateRejectsSchemaViolations(t *testing.T) {
	engine, _ := newTestRouter(t)

	cases := map[string]string{
		"empty instruments":  `{"instruments":[]}`,
		"missing field":      `{"expiries":["2024-01-25"]}`,
		"bad expiry format":  `{"instruments":["k"],"expiries":["25-01-2024"]}`,
		"workers above cap":  `{"instruments":["k"],"workers":99}`,
		"unknown property":   `{"instruments":["k"],"mode":"fast"}`,
		"not json":           `nope`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doJSON(t, engine, http.MethodPost, "/api/collect", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.True(t, gjson.Get(rec.Body.String(), "error").Exists())
		})
	}
}

func TestCreateStatusAndCancelRoundTrip(t *testing.T) {
	engine, _ := newTestRouter(t)

	rec := doJSON(t, engine, http.MethodPost, "/api/collect",
		`{"instruments":["NSE_INDEX|Nifty 50"],"expiries":["2024-01-25"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := gjson.Get(rec.Body.String(), "task_id").String()
	require.NotEmpty(t, id)

	// Poll until terminal (stub source yields no contracts, so it is quick).
	deadline := time.Now().Add(5 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		rec = doJSON(t, engine, http.MethodGet, "/api/collect/"+id, "")
		require.Equal(t, http.StatusOK, rec.Code)
		status = gjson.Get(rec.Body.String(), "status").String()
		if status == "COMPLETED" || status == "FAILED" || status == "CANCELLED" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, "COMPLETED", status)

	// The list endpoint includes it.
	rec = doJSON(t, engine, http.MethodGet, "/api/collect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "tasks.#").Int())

	// Cancelling a finished task reports false.
	rec = doJSON(t, engine, http.MethodDelete, "/api/collect/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "cancelled").Bool())
}

func TestStatusUnknownTaskIs404(t *testing.T) {
	engine, _ := newTestRouter(t)
	rec := doJSON(t, engine, http.MethodGet, "/api/collect/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeEndpointReportsStats(t *testing.T) {
	engine, st := newTestRouter(t)
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertContracts(context.Background(), []store.ContractRecord{{
		ExpiredKey: "c1", InstrumentKey: "inst", ExpiryDate: expiry, Kind: "CE",
	}}))

	rec := doJSON(t, engine, http.MethodPost, "/api/collect/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "pending").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "fetched").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "candles").Int())
}

func TestRefetchEndpoint(t *testing.T) {
	engine, st := newTestRouter(t)
	ctx := context.Background()
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertContracts(ctx, []store.ContractRecord{{
		ExpiredKey: "c1", InstrumentKey: "inst", ExpiryDate: expiry, Kind: "CE",
	}}))
	require.NoError(t, st.MarkContractFetched(ctx, "c1", false))

	rec := doJSON(t, engine, http.MethodPost, "/api/collect/refetch",
		`{"instrument_key":"inst","expiry":"2024-01-25"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "reset").Int())

	rec = doJSON(t, engine, http.MethodPost, "/api/collect/refetch",
		`{"instrument_key":"inst","expiry":"not-a-date"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, engine, http.MethodPost, "/api/collect/refetch", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoints(t *testing.T) {
	engine, st := newTestRouter(t)
	ctx := context.Background()
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertContracts(ctx, []store.ContractRecord{{
		ExpiredKey: "c1", InstrumentKey: "inst", ExpiryDate: expiry, Kind: "CE",
	}}))
	_, err := st.UpsertCandles(ctx, []store.CandleRecord{{
		ContractKey: "c1", Timestamp: expiry, Open: 1, High: 2, Low: 1, Close: 2, Volume: 10,
	}})
	require.NoError(t, err)

	rec := doJSON(t, engine, http.MethodGet, "/api/stats/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "pending.inst").Int())

	rec = doJSON(t, engine, http.MethodGet, "/api/stats/candles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "candles").Int())

	rec = doJSON(t, engine, http.MethodGet, "/api/stats/candles?contract_key=c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", gjson.Get(rec.Body.String(), "contract_key").String())

	rec = doJSON(t, engine, http.MethodGet, "/api/stats/ratelimit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "windows").IsArray())
}

func TestInstrumentsEndpoint(t *testing.T) {
	engine, st := newTestRouter(t)
	require.NoError(t, st.UpsertInstrument(context.Background(),
		store.Instrument{Key: "NSE_INDEX|Nifty 50", Symbol: "Nifty 50", Exchange: "NSE"}))

	rec := doJSON(t, engine, http.MethodGet, "/api/instruments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "instruments.#").Int())
}
