package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appsvc "kwrelay/internal/application/service"
	"kwrelay/internal/application/usecase/relay"
	"kwrelay/internal/domain/model"
	"kwrelay/internal/infrastructure/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRelay struct {
	mu          sync.Mutex
	connected   bool
	delivered   bool
	condErr     error
	registers   []relay.RegisterRequest
	unregGroups []string
	removes     []string
	realtime    []string
}

func (f *fakeRelay) RegisterInstruments(_ context.Context, req relay.RegisterRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(req.Items) == 0 {
		return false, fmt.Errorf("%w: items", relay.ErrInvalidRequest)
	}
	f.registers = append(f.registers, req)
	return f.delivered, nil
}

func (f *fakeRelay) UnregisterInstruments(_ context.Context, group string, items, _ []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, group)
	return f.delivered, nil
}

func (f *fakeRelay) UnregisterGroup(_ context.Context, group string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregGroups = append(f.unregGroups, group)
	return f.delivered, nil
}

func (f *fakeRelay) ConditionList(context.Context) (model.Frame, error) {
	if f.condErr != nil {
		return model.Frame{}, f.condErr
	}
	return model.Frame{Trnm: model.TrnmConditionList, Raw: []byte(`{"trnm":"CNSRLST","return_code":0}`)}, nil
}

func (f *fakeRelay) ConditionSearch(_ context.Context, q relay.ConditionQuery) (model.Frame, error) {
	if q.Seq == "" {
		return model.Frame{}, relay.ErrInvalidRequest
	}
	return model.Frame{Trnm: model.TrnmConditionReq, Raw: []byte(`{"trnm":"CNSRREQ","seq":"` + q.Seq + `"}`)}, nil
}

func (f *fakeRelay) StartRealtimeCondition(_ context.Context, seq, marketType string) (model.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, seq+"/"+marketType)
	return model.Frame{Trnm: model.TrnmConditionReq, Raw: []byte(`{"trnm":"CNSRREQ","return_code":0}`)}, nil
}

func (f *fakeRelay) CancelRealtimeCondition(context.Context, string) (model.Frame, error) {
	return model.Frame{Trnm: model.TrnmConditionStop, Raw: []byte(`{"trnm":"CNSRCNC","return_code":0}`)}, nil
}

func (f *fakeRelay) Status() relay.Status {
	return relay.Status{Subscriptions: map[string]map[string][]string{"1": {"005930": {"0D"}}}, Conditions: []string{"4"}}
}

func (f *fakeRelay) Connected() bool { return f.connected }

type fakeMarket struct {
	latest   map[string]appsvc.CacheEntry
	lastN    int
	recent   []appsvc.CacheEntry
	failWith error
}

func (m *fakeMarket) Latest(_ context.Context, code, item string) (appsvc.CacheEntry, bool, error) {
	if m.failWith != nil {
		return appsvc.CacheEntry{}, false, m.failWith
	}
	e, ok := m.latest[code+":"+item]
	return e, ok, nil
}

func (m *fakeMarket) Recent(_ context.Context, _, _ string, n int) ([]appsvc.CacheEntry, error) {
	m.lastN = n
	return m.recent, nil
}

func newTestServer(r *fakeRelay, m MarketReader) *Server {
	return NewServer(ServerDeps{
		Relay:         r,
		Market:        m,
		Metrics:       metrics.New().Handler(),
		RecentDefault: 20,
	})
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestSubscribeRequiresUpstream(t *testing.T) {
	s := newTestServer(&fakeRelay{}, nil)

	w, body := do(t, s, http.MethodPost, "/api/realtime/price/subscribe", `{"items":["005930"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "error", body["status"])
}

func TestSubscribeDefaults(t *testing.T) {
	fr := &fakeRelay{connected: true, delivered: true}
	s := newTestServer(fr, nil)

	w, body := do(t, s, http.MethodPost, "/api/realtime/price/subscribe", `{"items":["005930"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "1", data["group_no"])
	assert.Equal(t, []any{"0D"}, data["data_types"])
	assert.Equal(t, relay.RegisterRequest{Group: "1", Items: []string{"005930"}, Kinds: []string{"0D"}, Refresh: true}, fr.registers[0])
}

func TestSubscribeNotDelivered(t *testing.T) {
	s := newTestServer(&fakeRelay{connected: true}, nil)

	w, _ := do(t, s, http.MethodPost, "/api/realtime/price/subscribe", `{"group_no":3,"items":["005930"],"refresh":false}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSubscribeInvalid(t *testing.T) {
	s := newTestServer(&fakeRelay{connected: true, delivered: true}, nil)

	w, _ := do(t, s, http.MethodPost, "/api/realtime/price/subscribe", `{"items":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/realtime/price/subscribe", `{"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnsubscribe(t *testing.T) {
	fr := &fakeRelay{connected: true, delivered: true}
	s := newTestServer(fr, nil)

	w, _ := do(t, s, http.MethodPost, "/api/realtime/price/unsubscribe", `{"group_no":"2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"2"}, fr.unregGroups)

	w, _ = do(t, s, http.MethodPost, "/api/realtime/price/unsubscribe", `{"items":["005930"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"1"}, fr.removes)

	w, _ = do(t, s, http.MethodDelete, "/api/realtime/price/group/5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"2", "5"}, fr.unregGroups)
}

func TestConditionRoutes(t *testing.T) {
	fr := &fakeRelay{connected: true}
	s := newTestServer(fr, nil)

	w, body := do(t, s, http.MethodGet, "/api/conditions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CNSRLST", body["data"].(map[string]any)["trnm"])

	w, body = do(t, s, http.MethodPost, "/api/conditions/search", `{"seq":4}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4", body["data"].(map[string]any)["seq"])

	w, _ = do(t, s, http.MethodPost, "/api/conditions/search", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/conditions/7/realtime", "")
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, s, http.MethodPost, "/api/conditions/8/realtime", `{"market_type":"N"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"7/", "8/N"}, fr.realtime)

	w, _ = do(t, s, http.MethodDelete, "/api/conditions/7/realtime", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConditionErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{relay.ErrDuplicateTag, http.StatusConflict},
		{relay.ErrCorrelationTimeout, http.StatusGatewayTimeout},
		{relay.ErrNotDelivered, http.StatusBadGateway},
		{fmt.Errorf("wrap: %w", relay.ErrInvalidRequest), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s := newTestServer(&fakeRelay{connected: true, condErr: tc.err}, nil)
		w, body := do(t, s, http.MethodGet, "/api/conditions", "")
		assert.Equal(t, tc.want, w.Code, tc.err.Error())
		assert.Equal(t, tc.err.Error(), body["message"])
	}
}

func TestStatusAndHealth(t *testing.T) {
	s := newTestServer(&fakeRelay{}, nil)

	w, body := do(t, s, http.MethodGet, "/api/realtime/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, []any{"4"}, data["condition_subscriptions"])

	w, body = do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["upstream_connected"])
}

func TestMarketRoutes(t *testing.T) {
	m := &fakeMarket{
		latest: map[string]appsvc.CacheEntry{
			"0D:005930": {Key: "0D:005930", Fields: map[string]string{"41": "70000"}},
		},
		recent: []appsvc.CacheEntry{{Key: "0B:005930:093000001", Stamp: "093000001"}},
	}
	s := newTestServer(&fakeRelay{}, m)

	w, body := do(t, s, http.MethodGet, "/api/market/0d/005930", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "70000", body["data"].(map[string]any)["fields"].(map[string]any)["41"])

	w, _ = do(t, s, http.MethodGet, "/api/market/0D/000660", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = do(t, s, http.MethodGet, "/api/market/0B/005930/recent", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, 20, m.lastN)

	w, _ = do(t, s, http.MethodGet, "/api/market/0B/005930/recent?count=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, m.lastN)

	w, _ = do(t, s, http.MethodGet, "/api/market/0B/005930/recent?count=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	m.failWith = errors.New("redis down")
	w, _ = do(t, s, http.MethodGet, "/api/market/0D/005930", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMarketCacheDisabled(t *testing.T) {
	s := newTestServer(&fakeRelay{}, nil)

	w, _ := do(t, s, http.MethodGet, "/api/market/0D/005930", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeRelay{}, nil)

	w, _ := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
