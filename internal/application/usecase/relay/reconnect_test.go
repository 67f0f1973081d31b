package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kwrelay/internal/domain/model"
	"kwrelay/internal/domain/service"
	"kwrelay/internal/infrastructure/metrics"
	"kwrelay/internal/infrastructure/storage"
	"kwrelay/internal/infrastructure/upstream"
)

// venue 模拟上游：登录与条件检索总是成功
type venue struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	frames   chan map[string]any

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newVenue(t *testing.T) *venue {
	v := &venue{frames: make(chan map[string]any, 256)}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := v.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.conns = append(v.conns, conn)
		v.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(raw, &m) != nil {
				continue
			}
			switch m["trnm"] {
			case model.TrnmLogin, model.TrnmConditionReq:
				reply, _ := json.Marshal(map[string]any{"trnm": m["trnm"], "return_code": 0})
				_ = conn.WriteMessage(websocket.TextMessage, reply)
			}
			v.frames <- m
		}
	}))
	t.Cleanup(v.server.Close)
	return v
}

func (v *venue) dropAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.conns {
		_ = c.Close()
	}
}

func (v *venue) waitFor(t *testing.T, trnm string) map[string]any {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-v.frames:
			if m["trnm"] == trnm {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", trnm)
			return nil
		}
	}
}

type staticTokens struct{}

func (staticTokens) Token(context.Context) (string, error) { return "tok", nil }
func (staticTokens) Invalidate()                           {}

func TestReconnectReplaysRegistry(t *testing.T) {
	v := newVenue(t)
	m := metrics.New()

	tr := upstream.New(upstream.Config{
		URL:                  "ws" + strings.TrimPrefix(v.server.URL, "http"),
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, staticTokens{}, m)
	defer tr.Disconnect()

	subs := service.NewSubscriptionRegistry()
	conds := service.NewConditionSet()
	corr := NewCorrelator(tr, m)
	svc := NewService(ServiceDeps{
		Upstream:      tr,
		Correlator:    corr,
		Subscriptions: subs,
		Conditions:    conds,
		Store:         storage.NewMemoryStore(),
		Config:        Config{RequestTimeout: 2 * time.Second, ConditionSearchTimeout: 2 * time.Second},
	})
	dispatcher := NewDispatcher(DispatcherDeps{Subscriptions: subs, Listeners: service.NewListenerRegistry(), Metrics: m})
	defer dispatcher.Close()
	tr.SetHandler(NewDemux(DemuxDeps{
		Upstream:   tr,
		Correlator: corr,
		Push:       dispatcher,
		Metrics:    m,
		OnLogin:    svc.Replay,
	}))

	require.NoError(t, tr.Start(context.Background()))
	v.waitFor(t, model.TrnmLogin)

	ctx := context.Background()
	_, err := svc.RegisterInstruments(ctx, RegisterRequest{Group: "1", Items: []string{"005930", "000660"}, Kinds: []string{"0D"}, Refresh: true})
	require.NoError(t, err)
	_, err = svc.RegisterInstruments(ctx, RegisterRequest{Group: "2", Items: []string{"005930"}, Kinds: []string{"0B"}, Refresh: true})
	require.NoError(t, err)
	_, err = svc.UnregisterInstruments(ctx, "1", []string{"000660"}, nil)
	require.NoError(t, err)
	f, err := svc.StartRealtimeCondition(ctx, "4", "")
	require.NoError(t, err)
	require.True(t, f.OK())

	// drain everything sent so far
	v.waitFor(t, model.TrnmConditionReq)

	v.dropAll()
	v.waitFor(t, model.TrnmLogin)

	replayed := map[string]map[string][]string{}
	var seqs []string
	for len(replayed) < 2 || len(seqs) < 1 {
		select {
		case msg := <-v.frames:
			switch msg["trnm"] {
			case model.TrnmRegister:
				g := msg["grp_no"].(string)
				replayed[g] = map[string][]string{}
				for _, d := range msg["data"].([]any) {
					entry := d.(map[string]any)
					var kinds []string
					for _, k := range entry["type"].([]any) {
						kinds = append(kinds, k.(string))
					}
					for _, it := range entry["item"].([]any) {
						replayed[g][it.(string)] = kinds
					}
				}
			case model.TrnmConditionReq:
				seqs = append(seqs, msg["seq"].(string))
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("replay incomplete: groups=%v seqs=%v", replayed, seqs)
		}
	}
	sort.Strings(seqs)

	assert.Equal(t, map[string]map[string][]string{
		"1": {"005930": {"0D"}},
		"2": {"005930": {"0B"}},
	}, replayed)
	assert.Equal(t, []string{"4"}, seqs)
	assert.True(t, tr.Connected())
}
