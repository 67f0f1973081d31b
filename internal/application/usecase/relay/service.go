package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kwrelay/internal/application/port"
	"kwrelay/internal/domain/model"
	"kwrelay/internal/domain/service"
)

const (
	searchTypeNormal   = "0"
	searchTypeRealtime = "1"
	defaultMarketType  = "K"

	// replayRetryDelay 重放的条件检索遇到调用方请求占用时的等待间隔
	replayRetryDelay = 50 * time.Millisecond
)

// Config 请求超时等参数
type Config struct {
	RequestTimeout         time.Duration
	ConditionSearchTimeout time.Duration
	MarketType             string
}

// ServiceDeps 中继服务依赖
type ServiceDeps struct {
	Upstream      port.Upstream
	Correlator    *Correlator
	Subscriptions *service.SubscriptionRegistry
	Conditions    *service.ConditionSet
	Store         port.SubscriptionStore
	Config        Config
}

// Service 中继用例：订阅管理、条件检索、断线重放
type Service struct {
	upstream   port.Upstream
	correlator *Correlator
	subs       *service.SubscriptionRegistry
	conds      *service.ConditionSet
	store      port.SubscriptionStore
	cfg        Config

	// mu 串行化镜像变更与持久化，落库顺序与变更顺序一致
	mu sync.Mutex

	replayMu     sync.Mutex
	replayCancel context.CancelFunc
	replayWg     sync.WaitGroup
	closed       bool
}

// NewService 创建中继服务
func NewService(deps ServiceDeps) *Service {
	cfg := deps.Config
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ConditionSearchTimeout <= 0 {
		cfg.ConditionSearchTimeout = 20 * time.Second
	}
	if cfg.MarketType == "" {
		cfg.MarketType = defaultMarketType
	}
	return &Service{
		upstream:   deps.Upstream,
		correlator: deps.Correlator,
		subs:       deps.Subscriptions,
		conds:      deps.Conditions,
		store:      deps.Store,
		cfg:        cfg,
	}
}

// ========== 上游报文 ==========

type regData struct {
	Item []string `json:"item"`
	Type []string `json:"type"`
}

type regRequest struct {
	Trnm    string    `json:"trnm"`
	GrpNo   string    `json:"grp_no"`
	Refresh string    `json:"refresh,omitempty"`
	Data    []regData `json:"data,omitempty"`
}

type conditionRequest struct {
	Trnm       string `json:"trnm"`
	Seq        string `json:"seq,omitempty"`
	SearchType string `json:"search_type,omitempty"`
	MarketType string `json:"stex_tp,omitempty"`
	ContYN     string `json:"cont_yn,omitempty"`
	NextKey    string `json:"next_key,omitempty"`
}

func refreshFlag(refresh bool) string {
	if refresh {
		return "1"
	}
	return "0"
}

// ========== 订阅 ==========

// RegisterRequest 实时数据注册
type RegisterRequest struct {
	Group   string
	Items   []string
	Kinds   []string
	Refresh bool
}

// RegisterInstruments 更新订阅镜像并发送 REG。镜像无论发送成败都会更新，返回值表示是否送达。
func (s *Service) RegisterInstruments(ctx context.Context, req RegisterRequest) (bool, error) {
	items, kinds := clean(req.Items), clean(req.Kinds)
	if strings.TrimSpace(req.Group) == "" || len(items) == 0 || len(kinds) == 0 {
		return false, fmt.Errorf("%w: group, items and kinds are required", ErrInvalidRequest)
	}

	s.mu.Lock()
	s.subs.Register(req.Group, items, kinds, req.Refresh)
	s.persistGroup(ctx, req.Group)
	s.mu.Unlock()

	delivered := s.upstream.Send(regRequest{
		Trnm:    model.TrnmRegister,
		GrpNo:   req.Group,
		Refresh: refreshFlag(req.Refresh),
		Data:    []regData{{Item: items, Type: kinds}},
	})
	log.Info().
		Str("group", req.Group).
		Strs("items", items).
		Strs("kinds", kinds).
		Bool("refresh", req.Refresh).
		Bool("delivered", delivered).
		Msg("instruments registered")
	return delivered, nil
}

// UnregisterInstruments 移除标的；kinds 为 nil 时移除这些标的已注册的全部类型
func (s *Service) UnregisterInstruments(ctx context.Context, group string, items, kinds []string) (bool, error) {
	items = clean(items)
	if strings.TrimSpace(group) == "" || len(items) == 0 {
		return false, fmt.Errorf("%w: group and items are required", ErrInvalidRequest)
	}
	if kinds != nil {
		kinds = clean(kinds)
	}

	s.mu.Lock()
	removed := s.subs.Unregister(group, items, kinds)
	s.persistGroup(ctx, group)
	s.mu.Unlock()

	wireKinds := kinds
	if wireKinds == nil {
		wireKinds = removed
	}
	if len(wireKinds) == 0 {
		log.Debug().Str("group", group).Strs("items", items).Msg("nothing registered to remove")
		return true, nil
	}

	delivered := s.upstream.Send(regRequest{
		Trnm:  model.TrnmRemove,
		GrpNo: group,
		Data:  []regData{{Item: items, Type: wireKinds}},
	})
	log.Info().
		Str("group", group).
		Strs("items", items).
		Strs("kinds", wireKinds).
		Bool("delivered", delivered).
		Msg("instruments unregistered")
	return delivered, nil
}

// UnregisterGroup 移除整个组并发送 UNREG
func (s *Service) UnregisterGroup(ctx context.Context, group string) (bool, error) {
	if strings.TrimSpace(group) == "" {
		return false, fmt.Errorf("%w: group is required", ErrInvalidRequest)
	}
	s.mu.Lock()
	s.subs.UnregisterGroup(group)
	if err := s.store.DeleteGroup(ctx, group); err != nil {
		log.Warn().Err(err).Str("group", group).Msg("persist group removal failed")
	}
	s.mu.Unlock()

	delivered := s.upstream.Send(regRequest{Trnm: model.TrnmUnregister, GrpNo: group})
	log.Info().Str("group", group).Bool("delivered", delivered).Msg("group unregistered")
	return delivered, nil
}

// persistGroup 调用方持有 s.mu
func (s *Service) persistGroup(ctx context.Context, group string) {
	items := s.subs.Group(group)
	var err error
	if len(items) == 0 {
		err = s.store.DeleteGroup(ctx, group)
	} else {
		err = s.store.ReplaceGroup(ctx, group, items)
	}
	if err != nil {
		log.Warn().Err(err).Str("group", group).Msg("persist subscription group failed")
	}
}

// ========== 条件检索 ==========

// ConditionQuery 一般条件检索参数
type ConditionQuery struct {
	Seq        string
	MarketType string
	ContYN     string
	NextKey    string
}

// ConditionList 查询条件式列表
func (s *Service) ConditionList(ctx context.Context) (model.Frame, error) {
	return s.correlator.SendAndAwait(ctx, conditionRequest{Trnm: model.TrnmConditionList}, model.TrnmConditionList, s.cfg.RequestTimeout)
}

// ConditionSearch 一般条件检索（一次性结果）
func (s *Service) ConditionSearch(ctx context.Context, q ConditionQuery) (model.Frame, error) {
	if strings.TrimSpace(q.Seq) == "" {
		return model.Frame{}, fmt.Errorf("%w: seq is required", ErrInvalidRequest)
	}
	if q.MarketType == "" {
		q.MarketType = s.cfg.MarketType
	}
	if q.ContYN == "" {
		q.ContYN = "N"
	}
	return s.correlator.SendAndAwait(ctx, conditionRequest{
		Trnm:       model.TrnmConditionReq,
		Seq:        q.Seq,
		SearchType: searchTypeNormal,
		MarketType: q.MarketType,
		ContYN:     q.ContYN,
		NextKey:    q.NextKey,
	}, model.TrnmConditionReq, s.cfg.ConditionSearchTimeout)
}

// StartRealtimeCondition 开始实时条件检索，上游确认成功后记入条件订阅集合
func (s *Service) StartRealtimeCondition(ctx context.Context, seq, marketType string) (model.Frame, error) {
	if strings.TrimSpace(seq) == "" {
		return model.Frame{}, fmt.Errorf("%w: seq is required", ErrInvalidRequest)
	}
	f, err := s.correlator.SendAndAwait(ctx, s.realtimeConditionRequest(seq, marketType), model.TrnmConditionReq, s.cfg.ConditionSearchTimeout)
	if err != nil {
		return f, err
	}
	if f.OK() {
		s.mu.Lock()
		s.conds.Add(seq)
		if err := s.store.AddCondition(ctx, seq); err != nil {
			log.Warn().Err(err).Str("seq", seq).Msg("persist condition failed")
		}
		s.mu.Unlock()
		log.Info().Str("seq", seq).Msg("realtime condition started")
	} else {
		log.Warn().Str("seq", seq).Int("return_code", f.Code()).Str("return_msg", f.ReturnMsg).Msg("realtime condition rejected")
	}
	return f, nil
}

// CancelRealtimeCondition 取消实时条件检索，收到任意回复即移出集合
func (s *Service) CancelRealtimeCondition(ctx context.Context, seq string) (model.Frame, error) {
	if strings.TrimSpace(seq) == "" {
		return model.Frame{}, fmt.Errorf("%w: seq is required", ErrInvalidRequest)
	}
	f, err := s.correlator.SendAndAwait(ctx, conditionRequest{Trnm: model.TrnmConditionStop, Seq: seq}, model.TrnmConditionStop, s.cfg.RequestTimeout)
	if err != nil {
		return f, err
	}
	s.mu.Lock()
	s.conds.Remove(seq)
	if err := s.store.RemoveCondition(ctx, seq); err != nil {
		log.Warn().Err(err).Str("seq", seq).Msg("persist condition removal failed")
	}
	s.mu.Unlock()
	log.Info().Str("seq", seq).Msg("realtime condition cancelled")
	return f, nil
}

func (s *Service) realtimeConditionRequest(seq, marketType string) conditionRequest {
	if marketType == "" {
		marketType = s.cfg.MarketType
	}
	return conditionRequest{
		Trnm:       model.TrnmConditionReq,
		Seq:        seq,
		SearchType: searchTypeRealtime,
		MarketType: marketType,
	}
}

// ========== 重放与状态 ==========

// Replay 把订阅镜像与条件订阅完整重发给上游。登录成功后在接收 goroutine 上调用，不能阻塞：
// REG 直接发送，实时条件检索交给后台逐个经关联引擎发送并等待回复。
func (s *Service) Replay() {
	groups := s.subs.Snapshot()
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		if !s.upstream.Send(replayRequest(name, groups[name])) {
			failed++
		}
	}
	if len(names) > 0 {
		log.Info().Int("groups", len(names)).Int("failed", failed).Msg("subscription groups replayed")
	}

	if conds := s.conds.List(); len(conds) > 0 {
		s.replayConditions(conds)
	}
}

// replayConditions 后台重发实时条件检索。每个请求都占用关联引擎的 CNSRREQ 槽位，
// 回复不会被同时进行的 ConditionSearch 误收。新一轮重放取消上一轮。
func (s *Service) replayConditions(seqs []string) {
	s.replayMu.Lock()
	if s.closed {
		s.replayMu.Unlock()
		return
	}
	if s.replayCancel != nil {
		s.replayCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.replayCancel = cancel
	s.replayWg.Add(1)
	s.replayMu.Unlock()

	go func() {
		defer s.replayWg.Done()
		failed := 0
		for _, seq := range seqs {
			f, err := s.awaitConditionReplay(ctx, seq)
			if ctx.Err() != nil {
				log.Debug().Str("seq", seq).Msg("realtime condition replay cancelled")
				return
			}
			switch {
			case err != nil:
				failed++
				log.Warn().Err(err).Str("seq", seq).Msg("realtime condition replay failed")
			case !f.OK():
				failed++
				log.Warn().Str("seq", seq).Int("return_code", f.Code()).Str("return_msg", f.ReturnMsg).Msg("realtime condition replay rejected")
			}
		}
		log.Info().Int("conditions", len(seqs)).Int("failed", failed).Msg("realtime conditions replayed")
	}()
}

// awaitConditionReplay 槽位被调用方请求占用时稍后重试，总时长不超过条件检索超时
func (s *Service) awaitConditionReplay(ctx context.Context, seq string) (model.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConditionSearchTimeout)
	defer cancel()
	req := s.realtimeConditionRequest(seq, "")
	for {
		f, err := s.correlator.SendAndAwait(ctx, req, model.TrnmConditionReq, s.cfg.ConditionSearchTimeout)
		if !errors.Is(err, ErrDuplicateTag) {
			return f, err
		}
		select {
		case <-ctx.Done():
			return model.Frame{}, ctx.Err()
		case <-time.After(replayRetryDelay):
		}
	}
}

// Close 取消进行中的条件重放并等待其退出
func (s *Service) Close() {
	s.replayMu.Lock()
	s.closed = true
	if s.replayCancel != nil {
		s.replayCancel()
	}
	s.replayMu.Unlock()
	s.replayWg.Wait()
}

// replayRequest 同一组内类型集合相同的标的合并为一个 data 项
func replayRequest(group string, items map[string][]string) regRequest {
	byKinds := make(map[string][]string)
	kindSets := make(map[string][]string)
	for item, kinds := range items {
		key := strings.Join(kinds, ",")
		byKinds[key] = append(byKinds[key], item)
		kindSets[key] = kinds
	}
	keys := make([]string, 0, len(byKinds))
	for k := range byKinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := make([]regData, 0, len(keys))
	for _, k := range keys {
		its := byKinds[k]
		sort.Strings(its)
		data = append(data, regData{Item: its, Type: kindSets[k]})
	}
	return regRequest{Trnm: model.TrnmRegister, GrpNo: group, Refresh: refreshFlag(true), Data: data}
}

// Restore 从持久化存储恢复订阅镜像，在首次连接前调用
func (s *Service) Restore(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	s.subs.Restore(snap.Groups)
	for _, seq := range snap.Conditions {
		s.conds.Add(seq)
	}
	log.Info().Int("groups", len(snap.Groups)).Int("conditions", len(snap.Conditions)).Msg("subscriptions restored")
	return nil
}

// Status 中继状态快照
type Status struct {
	Upstream      port.UpstreamStats             `json:"upstream"`
	Subscriptions map[string]map[string][]string `json:"subscriptions"`
	Conditions    []string                       `json:"condition_subscriptions"`
	Pending       []string                       `json:"pending_requests"`
}

func (s *Service) Status() Status {
	snap := service.Snapshot(s.subs, s.conds)
	return Status{
		Upstream:      s.upstream.Stats(),
		Subscriptions: snap.Groups,
		Conditions:    snap.Conditions,
		Pending:       s.correlator.Pending(),
	}
}

// Connected 上游是否已连接
func (s *Service) Connected() bool { return s.upstream.Connected() }

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
