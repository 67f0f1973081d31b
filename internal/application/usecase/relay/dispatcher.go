package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kwrelay/internal/domain/model"
	"kwrelay/internal/domain/service"
	"kwrelay/internal/infrastructure/metrics"
)

// conditionSeqField 实时条件检索推送中的条件序号字段
const conditionSeqField = "841"

// CacheWriter 推送事件的缓存落地。at 为事件到达时刻，时间序列类型用它生成键。
type CacheWriter interface {
	Write(ctx context.Context, ev model.PushEvent, reduced map[string]string, at time.Time) error
}

// DispatcherConfig 缓存写入工作池参数
type DispatcherConfig struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// DispatcherDeps 推送分发器依赖
type DispatcherDeps struct {
	Profiles      *model.Profiles
	Cache         CacheWriter // nil 表示不落缓存
	Subscriptions *service.SubscriptionRegistry
	Listeners     *service.ListenerRegistry
	Metrics       *metrics.Metrics
	Config        DispatcherConfig
}

type cacheJob struct {
	event   model.PushEvent
	reduced map[string]string
	at      time.Time
}

// Dispatcher 推送事件分发：精简后写缓存，原始帧扇出给下游。两个出口互不影响。
type Dispatcher struct {
	profiles  *model.Profiles
	cache     CacheWriter
	subs      *service.SubscriptionRegistry
	listeners *service.ListenerRegistry
	metrics   *metrics.Metrics
	cfg       DispatcherConfig

	now func() time.Time
	// 每个 (kind, item) 最近一次发放的时间序列时间戳，只在接收 goroutine 上访问
	lastStamp map[string]time.Time

	jobs   chan cacheJob
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher 创建分发器并启动缓存写入工作池
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	cfg := deps.Config
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	d := &Dispatcher{
		profiles:  deps.Profiles,
		cache:     deps.Cache,
		subs:      deps.Subscriptions,
		listeners: deps.Listeners,
		metrics:   deps.Metrics,
		cfg:       cfg,
		now:       time.Now,
		lastStamp: make(map[string]time.Time),
		jobs:      make(chan cacheJob, cfg.QueueSize),
	}
	if d.profiles == nil {
		d.profiles = model.NewProfiles(nil)
	}
	if d.cache != nil {
		for i := 0; i < cfg.Workers; i++ {
			d.wg.Add(1)
			go d.cacheWorker()
		}
	}
	return d
}

// Dispatch 处理一个非请求回复的入站帧
func (d *Dispatcher) Dispatch(f model.Frame) {
	events := model.PushEvents(f)
	for _, ev := range events {
		d.metrics.PushEvents.WithLabelValues(ev.Code).Inc()
		if d.cache != nil {
			d.enqueue(cacheJob{event: ev, reduced: d.profiles.Reduce(ev.Kind, ev.Fields), at: d.stamp(ev)})
		}
	}

	groups := d.route(events)
	n := d.listeners.BroadcastGroups(groups, f.Raw)
	log.Debug().Str("trnm", f.Trnm).Int("events", len(events)).Strs("groups", groups).Int("delivered", n).Msg("push dispatched")
}

// route 计算目标监听组；无匹配时广播给全部监听者
func (d *Dispatcher) route(events []model.PushEvent) []string {
	seen := make(map[string]struct{})
	var groups []string
	add := func(g string) {
		if _, ok := seen[g]; !ok {
			seen[g] = struct{}{}
			groups = append(groups, g)
		}
	}

	for _, ev := range events {
		switch ev.Kind {
		case model.KindConditionSignal:
			if seq := ev.Fields[conditionSeqField]; seq != "" {
				add(model.ConditionGroup(seq))
			}
		default:
			for _, g := range d.subs.GroupsFor(ev.Instrument, ev.Code) {
				add(g)
			}
		}
	}
	if len(groups) == 0 {
		return []string{service.AllGroups}
	}
	return groups
}

// stamp 按到达顺序为时间序列事件分配时间戳。同一 (kind, item) 在同一毫秒内
// 多次到达时依次顺延 1ms，保证键唯一且顺序与到达顺序一致。
func (d *Dispatcher) stamp(ev model.PushEvent) time.Time {
	at := d.now().Truncate(time.Millisecond)
	if ev.Kind.Policy() != model.PolicySeries {
		return at
	}
	key := ev.Code + ":" + ev.Instrument
	if last, ok := d.lastStamp[key]; ok && !at.After(last) {
		at = last.Add(time.Millisecond)
	}
	d.lastStamp[key] = at
	return at
}

func (d *Dispatcher) enqueue(job cacheJob) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.jobs <- job:
	default:
		d.metrics.CacheWritesDropped.Inc()
	}
}

func (d *Dispatcher) cacheWorker() {
	defer d.wg.Done()
	for job := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		err := d.cache.Write(ctx, job.event, job.reduced, job.at)
		cancel()
		if err != nil {
			d.metrics.CacheWriteErrors.Inc()
			log.Warn().Err(err).Str("kind", job.event.Code).Str("item", job.event.Instrument).Msg("cache write failed")
		}
	}
}

// Close 停止接收新任务，等待队列中的缓存写入完成
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}
