package relay

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kwrelay/internal/domain/model"
	"kwrelay/internal/domain/service"
	"kwrelay/internal/infrastructure/metrics"
	"kwrelay/internal/infrastructure/storage"
)

type serviceFixture struct {
	up    *fakeUpstream
	corr  *Correlator
	subs  *service.SubscriptionRegistry
	conds *service.ConditionSet
	store *storage.MemoryStore
	svc   *Service
}

func newServiceFixture() *serviceFixture {
	fx := &serviceFixture{
		up:    newFakeUpstream(),
		subs:  service.NewSubscriptionRegistry(),
		conds: service.NewConditionSet(),
		store: storage.NewMemoryStore(),
	}
	fx.corr = NewCorrelator(fx.up, metrics.New())
	fx.svc = NewService(ServiceDeps{
		Upstream:      fx.up,
		Correlator:    fx.corr,
		Subscriptions: fx.subs,
		Conditions:    fx.conds,
		Store:         fx.store,
		Config:        Config{RequestTimeout: time.Second, ConditionSearchTimeout: time.Second},
	})
	return fx
}

// replyWith 每次发送后异步回复一个同 trnm 的帧
func (fx *serviceFixture) replyWith(code int) {
	fx.up.mu.Lock()
	defer fx.up.mu.Unlock()
	fx.up.onSend = func(raw []byte) {
		f := mustFrame(string(raw))
		reply := `{"trnm":"` + f.Trnm + `","return_code":` + map[bool]string{true: "0", false: "1"}[code == 0] + `}`
		go fx.corr.Resolve(mustFrame(reply))
	}
}

func TestRegisterScenario(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()

	ok, err := fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "1", Items: []string{"005930"}, Kinds: []string{"0D"}, Refresh: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string][]string{"005930": {"0D"}}, fx.subs.Group("1"))

	_, err = fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "1", Items: []string{"000660"}, Kinds: []string{"0D"}})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"005930": {"0D"}, "000660": {"0D"}}, fx.subs.Group("1"))

	msgs := fx.up.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "REG", msgs[0]["trnm"])
	assert.Equal(t, "1", msgs[0]["grp_no"])
	assert.Equal(t, "1", msgs[0]["refresh"])
	assert.Equal(t, "0", msgs[1]["refresh"])
	assert.Equal(t, []any{map[string]any{"item": []any{"000660"}, "type": []any{"0D"}}}, msgs[1]["data"])

	snap, _ := fx.store.Load(ctx)
	assert.Equal(t, fx.subs.Snapshot(), snap.Groups)
}

func TestRegistryUpdatedEvenWhenSendFails(t *testing.T) {
	fx := newServiceFixture()
	fx.up.deliver = false

	ok, err := fx.svc.RegisterInstruments(context.Background(), RegisterRequest{Group: "1", Items: []string{"005930"}, Kinds: []string{"0B"}})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, map[string][]string{"005930": {"0B"}}, fx.subs.Group("1"))
}

func TestRegisterValidation(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()
	for _, req := range []RegisterRequest{
		{Items: []string{"005930"}, Kinds: []string{"0D"}},
		{Group: "1", Kinds: []string{"0D"}},
		{Group: "1", Items: []string{" "}, Kinds: []string{"0D"}},
		{Group: "1", Items: []string{"005930"}},
	} {
		_, err := fx.svc.RegisterInstruments(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Empty(t, fx.up.messages())
}

func TestUnregisterAllKindsScenario(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()
	fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "1", Items: []string{"005930", "000660"}, Kinds: []string{"0B", "0D"}, Refresh: true})
	fx.up.reset()

	ok, err := fx.svc.UnregisterInstruments(ctx, "1", []string{"005930"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string][]string{"000660": {"0B", "0D"}}, fx.subs.Group("1"))

	msgs := fx.up.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "REMOVE", msgs[0]["trnm"])
	assert.Equal(t, []any{map[string]any{"item": []any{"005930"}, "type": []any{"0B", "0D"}}}, msgs[0]["data"])

	fx.svc.UnregisterInstruments(ctx, "1", []string{"000660"}, nil)
	assert.Equal(t, 0, fx.subs.Len())
	snap, _ := fx.store.Load(ctx)
	assert.Empty(t, snap.Groups)

	// nothing left to remove: no wire message
	fx.up.reset()
	ok, err = fx.svc.UnregisterInstruments(ctx, "1", []string{"000660"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, fx.up.messages())
}

func TestUnregisterGroup(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()
	fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "3", Items: []string{"005930"}, Kinds: []string{"0D"}})
	fx.up.reset()

	ok, err := fx.svc.UnregisterGroup(ctx, "3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, fx.subs.Group("3"))
	assert.Equal(t, []map[string]any{{"trnm": "UNREG", "grp_no": "3"}}, fx.up.messages())

	_, err = fx.svc.UnregisterGroup(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReplayMatchesRegistryExactly(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()
	fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "1", Items: []string{"005930", "000660"}, Kinds: []string{"0D"}, Refresh: true})
	fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "1", Items: []string{"035720"}, Kinds: []string{"0B", "0D"}})
	fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "2", Items: []string{"005930"}, Kinds: []string{"0B"}})
	fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "4", Items: []string{"111111"}, Kinds: []string{"0B"}})
	fx.svc.UnregisterGroup(ctx, "4")
	fx.conds.Add("7")
	fx.conds.Add("3")
	fx.up.reset()
	fx.replyWith(0)
	defer fx.svc.Close()

	fx.svc.Replay()

	// 条件检索在后台逐个等待回复后发出
	assert.Eventually(t, func() bool { return fx.countSent("CNSRREQ") == 2 && len(fx.corr.Pending()) == 0 },
		2*time.Second, 10*time.Millisecond)

	replayed := map[string]map[string][]string{}
	var seqs []string
	for _, m := range fx.up.messages() {
		switch m["trnm"] {
		case "REG":
			assert.Equal(t, "1", m["refresh"])
			g := m["grp_no"].(string)
			if replayed[g] == nil {
				replayed[g] = map[string][]string{}
			}
			for _, d := range m["data"].([]any) {
				entry := d.(map[string]any)
				var kinds []string
				for _, k := range entry["type"].([]any) {
					kinds = append(kinds, k.(string))
				}
				for _, it := range entry["item"].([]any) {
					replayed[g][it.(string)] = kinds
				}
			}
		case "CNSRREQ":
			assert.Equal(t, "1", m["search_type"])
			seqs = append(seqs, m["seq"].(string))
		default:
			t.Fatalf("unexpected replay message %v", m)
		}
	}
	sort.Strings(seqs)
	assert.Equal(t, fx.subs.Snapshot(), replayed)
	assert.Equal(t, []string{"3", "7"}, seqs)
}

func (fx *serviceFixture) countSent(trnm string) int {
	n := 0
	for _, m := range fx.up.messages() {
		if m["trnm"] == trnm {
			n++
		}
	}
	return n
}

func TestReplayedConditionReplyNotHandedToCaller(t *testing.T) {
	fx := newServiceFixture()
	defer fx.svc.Close()
	fx.conds.Add("4")

	fx.svc.Replay()
	assert.Eventually(t, func() bool { return len(fx.corr.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	// 重放占用 CNSRREQ 槽位时调用方立即得到明确错误，而不是拿到重放的回复
	_, err := fx.svc.ConditionSearch(context.Background(), ConditionQuery{Seq: "9"})
	assert.ErrorIs(t, err, ErrDuplicateTag)

	require.True(t, fx.corr.Resolve(mustFrame(`{"trnm":"CNSRREQ","return_code":0,"seq":"4"}`)))
	assert.Eventually(t, func() bool { return len(fx.corr.Pending()) == 0 }, time.Second, 5*time.Millisecond)

	fx.replyWith(0)
	f, err := fx.svc.ConditionSearch(context.Background(), ConditionQuery{Seq: "9"})
	require.NoError(t, err)
	assert.True(t, f.OK())
}

func TestReplayWaitsForPendingCallerSearch(t *testing.T) {
	fx := newServiceFixture()
	defer fx.svc.Close()
	fx.conds.Add("4")

	type result struct {
		f   model.Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := fx.svc.ConditionSearch(context.Background(), ConditionQuery{Seq: "9"})
		done <- result{f, err}
	}()
	assert.Eventually(t, func() bool { return fx.countSent("CNSRREQ") == 1 }, time.Second, 5*time.Millisecond)

	fx.svc.Replay()
	time.Sleep(3 * replayRetryDelay)
	// 调用方的请求仍在等待，重放尚未发出
	assert.Equal(t, 1, fx.countSent("CNSRREQ"))

	require.True(t, fx.corr.Resolve(mustFrame(`{"trnm":"CNSRREQ","return_code":0,"seq":"9","data":[{"9001":"A005930"}]}`)))
	res := <-done
	require.NoError(t, res.err)
	assert.Contains(t, string(res.f.Raw), "A005930")

	assert.Eventually(t, func() bool { return fx.countSent("CNSRREQ") == 2 }, time.Second, 5*time.Millisecond)
	msgs := fx.up.messages()
	assert.Equal(t, "4", msgs[len(msgs)-1]["seq"])
	assert.Equal(t, "1", msgs[len(msgs)-1]["search_type"])
}

func TestConcurrentRegistersPersistFinalState(t *testing.T) {
	fx := newServiceFixture()
	store := &jitterStore{MemoryStore: fx.store}
	fx.svc.store = store
	ctx := context.Background()

	items := []string{"005930", "000660", "035720", "035420", "051910", "006400", "207940", "068270"}
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			_, err := fx.svc.RegisterInstruments(ctx, RegisterRequest{Group: "1", Items: []string{item}, Kinds: []string{"0B"}})
			assert.NoError(t, err)
		}(item)
	}
	wg.Wait()

	snap, err := fx.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, fx.subs.Group("1"), snap.Groups["1"])
	assert.Len(t, snap.Groups["1"], len(items))
}

func TestReplayEmptyRegistrySendsNothing(t *testing.T) {
	fx := newServiceFixture()
	fx.svc.Replay()
	assert.Empty(t, fx.up.messages())
}

func TestRealtimeConditionLifecycle(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()
	fx.replyWith(0)

	f, err := fx.svc.StartRealtimeCondition(ctx, "4", "")
	require.NoError(t, err)
	assert.True(t, f.OK())
	assert.True(t, fx.conds.Has("4"))
	msgs := fx.up.messages()
	assert.Equal(t, "CNSRREQ", msgs[0]["trnm"])
	assert.Equal(t, "1", msgs[0]["search_type"])
	assert.Equal(t, "K", msgs[0]["stex_tp"])

	snap, _ := fx.store.Load(ctx)
	assert.Equal(t, []string{"4"}, snap.Conditions)

	_, err = fx.svc.CancelRealtimeCondition(ctx, "4")
	require.NoError(t, err)
	assert.False(t, fx.conds.Has("4"))
	snap, _ = fx.store.Load(ctx)
	assert.Empty(t, snap.Conditions)
}

func TestRealtimeConditionRejected(t *testing.T) {
	fx := newServiceFixture()
	fx.replyWith(1)

	f, err := fx.svc.StartRealtimeCondition(context.Background(), "4", "K")
	require.NoError(t, err)
	assert.False(t, f.OK())
	assert.False(t, fx.conds.Has("4"))
}

func TestConditionSearchAndList(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()
	fx.replyWith(0)

	_, err := fx.svc.ConditionList(ctx)
	require.NoError(t, err)
	_, err = fx.svc.ConditionSearch(ctx, ConditionQuery{Seq: "2"})
	require.NoError(t, err)

	msgs := fx.up.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]any{"trnm": "CNSRLST"}, msgs[0])
	assert.Equal(t, map[string]any{"trnm": "CNSRREQ", "seq": "2", "search_type": "0", "stex_tp": "K", "cont_yn": "N"}, msgs[1])

	_, err = fx.svc.ConditionSearch(ctx, ConditionQuery{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRestoreAndStatus(t *testing.T) {
	fx := newServiceFixture()
	ctx := context.Background()
	fx.store.ReplaceGroup(ctx, "1", map[string][]string{"005930": {"0D"}})
	fx.store.AddCondition(ctx, "5")

	require.NoError(t, fx.svc.Restore(ctx))
	st := fx.svc.Status()
	assert.Equal(t, map[string]map[string][]string{"1": {"005930": {"0D"}}}, st.Subscriptions)
	assert.Equal(t, []string{"5"}, st.Conditions)
	assert.True(t, st.Upstream.Connected)
	assert.Empty(t, st.Pending)
	assert.True(t, fx.svc.Connected())
}

// jitterStore 写入前随机让出，放大并发写入的交错
type jitterStore struct {
	*storage.MemoryStore
}

func (j *jitterStore) ReplaceGroup(ctx context.Context, group string, items map[string][]string) error {
	time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
	return j.MemoryStore.ReplaceGroup(ctx, group, items)
}
