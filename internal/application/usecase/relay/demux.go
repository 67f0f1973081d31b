package relay

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"kwrelay/internal/application/port"
	"kwrelay/internal/domain/model"
	"kwrelay/internal/infrastructure/metrics"
)

// PushSink 推送帧的去向
type PushSink interface {
	Dispatch(f model.Frame)
}

// DemuxDeps 接收循环分类器依赖
type DemuxDeps struct {
	Upstream   port.Upstream
	Tokens     port.TokenSource
	Correlator *Correlator
	Push       PushSink
	Metrics    *metrics.Metrics
	// OnLogin 登录成功后调用（用于重放订阅）
	OnLogin func()
}

// Demux 按优先级对入站帧分类：心跳 -> 登录状态 -> 挂起请求匹配 -> 推送
type Demux struct {
	deps DemuxDeps
}

// NewDemux 创建分类器
func NewDemux(deps DemuxDeps) *Demux {
	return &Demux{deps: deps}
}

// HandleFrame 在上游接收 goroutine 上执行
func (d *Demux) HandleFrame(raw []byte) {
	f, err := model.ParseFrame(raw)
	if err != nil {
		d.deps.Metrics.FramesReceived.WithLabelValues(metrics.FrameInvalid).Inc()
		log.Warn().Err(err).Int("bytes", len(raw)).Msg("unparseable upstream frame")
		return
	}

	switch {
	case f.Trnm == model.TrnmPing:
		d.deps.Metrics.FramesReceived.WithLabelValues(metrics.FrameHeartbeat).Inc()
		if !d.deps.Upstream.Send(json.RawMessage(raw)) {
			log.Warn().Msg("heartbeat echo not delivered")
		}

	case f.Trnm == model.TrnmLogin:
		d.deps.Metrics.FramesReceived.WithLabelValues(metrics.FrameLogin).Inc()
		if !f.OK() {
			log.Error().Int("return_code", f.Code()).Str("return_msg", f.ReturnMsg).Msg("upstream login failed")
			if d.deps.Tokens != nil {
				d.deps.Tokens.Invalidate()
			}
			d.deps.Upstream.Drop(fmt.Errorf("%w: code=%d msg=%s", ErrLoginFailure, f.Code(), f.ReturnMsg))
			return
		}
		log.Info().Msg("upstream login succeeded")
		d.deps.Upstream.LoginSucceeded()
		if d.deps.OnLogin != nil {
			d.deps.OnLogin()
		}

	case d.deps.Correlator.Resolve(f):
		d.deps.Metrics.FramesReceived.WithLabelValues(metrics.FrameReply).Inc()

	default:
		d.deps.Metrics.FramesReceived.WithLabelValues(metrics.FramePush).Inc()
		d.deps.Push.Dispatch(f)
	}
}
