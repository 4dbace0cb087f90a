package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/crewtrace/steplog"
	"github.com/BaSui01/crewtrace/testutil"
	"github.com/BaSui01/crewtrace/timing"
	"github.com/BaSui01/crewtrace/tracestore"
)

// backend 路由测试共用的真实依赖（内存 SQLite）
type backend struct {
	timer      *timing.Timer
	timings    *timing.GormRepository
	aggregator *timing.Aggregator
	logs       *steplog.Registry
	hub        *steplog.Hub
	store      *tracestore.Store
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	pm := testutil.NewSQLitePool(t, &timing.Record{}, &steplog.Entry{}, &tracestore.Record{})

	logger := zaptest.NewLogger(t)
	b := &backend{
		timings: timing.NewGormRepository(pm.DB()),
		hub:     steplog.NewHub(0, logger, nil),
		store:   tracestore.NewStore(pm, tracestore.Options{Logger: logger}),
	}
	b.timer = timing.NewTimer(b.timings, timing.Options{Logger: logger})
	b.aggregator = timing.NewAggregator(b.timings, timing.AggregatorOptions{Logger: logger})
	b.logs = steplog.NewRegistry(steplog.NewGormRepository(pm.DB()), steplog.RegistryOptions{
		Logger:    logger,
		Observers: []steplog.Observer{b.hub},
	})
	return b
}

func (b *backend) sessionHandler(t *testing.T) *SessionHandler {
	return NewSessionHandler(SessionDeps{
		Timer:      b.timer,
		Timings:    b.timings,
		Aggregator: b.aggregator,
		Logs:       b.logs,
		Hub:        b.hub,
	}, zaptest.NewLogger(t))
}

// decodeData 把 Response.Data 解到具体类型
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) Response {
	t.Helper()
	resp := decodeResponse(t, w)
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
	return resp
}
