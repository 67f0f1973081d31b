package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"kwrelay/internal/application/usecase/relay"
	"kwrelay/internal/domain/model"
	"kwrelay/internal/domain/service"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	defaultPriceGroup = "1"
)

var defaultPriceKinds = []string{model.KindOrderBook.Code()}

// command 下游发来的命令，按 action 区分
type command struct {
	Action     string        `json:"action"`
	GroupNo    model.GroupID `json:"group_no"`
	Items      []string      `json:"items"`
	Types      []string      `json:"types"`
	DataTypes  []string      `json:"data_types"`
	Refresh    *bool         `json:"refresh"`
	Seq        model.GroupID `json:"seq"`
	MarketType string        `json:"market_type"`
	ContYN     string        `json:"cont_yn"`
	NextKey    string        `json:"next_key"`
}

// reply 回复信封
type reply struct {
	Status  string `json:"status"`
	Action  string `json:"action,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type connectionInfo struct {
	ClientID string   `json:"client_id"`
	Groups   []string `json:"groups"`
}

type statusReply struct {
	relay.Status
	Connection connectionInfo `json:"connection_info"`
}

type priceReply struct {
	GroupNo   string   `json:"group_no"`
	Items     []string `json:"items,omitempty"`
	DataTypes []string `json:"data_types,omitempty"`
}

// session 单个连接的命令处理上下文
type session struct {
	h        *Handler
	client   *Client
	listener *service.Listener
}

func (s *session) handle(ctx context.Context, msg []byte) {
	var cmd command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		s.write(reply{Status: statusError, Message: "invalid JSON"})
		return
	}
	log.Debug().Str("client", s.client.id).Str("action", cmd.Action).Msg("downstream command")

	var (
		data any
		err  error
	)
	switch cmd.Action {
	case "register":
		data, err = s.register(ctx, cmd)
	case "subscribe_price":
		data, err = s.subscribePrice(ctx, cmd)
	case "unsubscribe_price":
		data, err = s.unsubscribePrice(ctx, cmd)
	case "condition_list":
		data, err = s.upstreamReply(s.h.relay.ConditionList(ctx))
	case "condition_search":
		data, err = s.upstreamReply(s.h.relay.ConditionSearch(ctx, relay.ConditionQuery{
			Seq:        cmd.Seq.String(),
			MarketType: cmd.MarketType,
			ContYN:     cmd.ContYN,
			NextKey:    cmd.NextKey,
		}))
	case "condition_realtime":
		data, err = s.conditionRealtime(ctx, cmd)
	case "condition_cancel":
		data, err = s.conditionCancel(ctx, cmd)
	case "get_status":
		data = statusReply{
			Status:     s.h.relay.Status(),
			Connection: connectionInfo{ClientID: s.client.id, Groups: s.h.listeners.Groups(s.listener)},
		}
	default:
		s.write(reply{Status: statusError, Action: cmd.Action, Message: fmt.Sprintf("unsupported action %q", cmd.Action)})
		return
	}

	if err != nil {
		s.write(reply{Status: statusError, Action: cmd.Action, Data: data, Message: err.Error()})
		return
	}
	s.write(reply{Status: statusSuccess, Action: cmd.Action, Data: data})
}

func (s *session) register(ctx context.Context, cmd command) (any, error) {
	group := cmd.GroupNo.String()
	refresh := cmd.Refresh != nil && *cmd.Refresh
	if err := s.subscribe(ctx, group, cmd.Items, cmd.Types, refresh); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *session) subscribePrice(ctx context.Context, cmd command) (any, error) {
	group := cmd.GroupNo.String()
	if group == "" {
		group = defaultPriceGroup
	}
	kinds := cmd.DataTypes
	if len(kinds) == 0 {
		kinds = defaultPriceKinds
	}
	refresh := cmd.Refresh == nil || *cmd.Refresh
	if len(cmd.Items) == 0 {
		return nil, fmt.Errorf("%w: items are required", relay.ErrInvalidRequest)
	}
	if err := s.subscribe(ctx, group, cmd.Items, kinds, refresh); err != nil {
		return nil, err
	}
	return priceReply{GroupNo: group, Items: cmd.Items, DataTypes: kinds}, nil
}

func (s *session) subscribe(ctx context.Context, group string, items, kinds []string, refresh bool) error {
	delivered, err := s.h.relay.RegisterInstruments(ctx, relay.RegisterRequest{
		Group:   group,
		Items:   items,
		Kinds:   kinds,
		Refresh: refresh,
	})
	if err != nil {
		return err
	}
	if !delivered {
		return relay.ErrNotDelivered
	}
	s.h.listeners.Join(s.listener, group)
	return nil
}

func (s *session) unsubscribePrice(ctx context.Context, cmd command) (any, error) {
	group := cmd.GroupNo.String()
	if group == "" {
		group = defaultPriceGroup
	}

	var (
		delivered bool
		err       error
	)
	if len(cmd.Items) == 0 {
		delivered, err = s.h.relay.UnregisterGroup(ctx, group)
		if err == nil {
			s.h.listeners.Leave(s.listener, group)
		}
	} else {
		delivered, err = s.h.relay.UnregisterInstruments(ctx, group, cmd.Items, cmd.DataTypes)
	}
	if err != nil {
		return nil, err
	}
	if !delivered {
		return nil, relay.ErrNotDelivered
	}
	return priceReply{GroupNo: group, Items: cmd.Items, DataTypes: cmd.DataTypes}, nil
}

func (s *session) conditionRealtime(ctx context.Context, cmd command) (any, error) {
	seq := cmd.Seq.String()
	data, err := s.upstreamReply(s.h.relay.StartRealtimeCondition(ctx, seq, cmd.MarketType))
	if err != nil {
		return data, err
	}
	s.h.listeners.Join(s.listener, model.ConditionGroup(seq))
	return data, nil
}

func (s *session) conditionCancel(ctx context.Context, cmd command) (any, error) {
	seq := cmd.Seq.String()
	f, err := s.h.relay.CancelRealtimeCondition(ctx, seq)
	if err != nil {
		return nil, err
	}
	s.h.listeners.Leave(s.listener, model.ConditionGroup(seq))
	return f, nil
}

// upstreamReply 把上游回复作为 data 返回；非零 return_code 视为错误
func (s *session) upstreamReply(f model.Frame, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if !f.OK() {
		return f, errUpstreamRejected(f)
	}
	return f, nil
}

func errUpstreamRejected(f model.Frame) error {
	return fmt.Errorf("upstream rejected %s: code=%d msg=%s", f.Trnm, f.Code(), f.ReturnMsg)
}

func (s *session) write(r reply) {
	b, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Str("client", s.client.id).Msg("encode reply failed")
		return
	}
	if err := s.client.Send(b); err != nil {
		log.Debug().Err(err).Str("client", s.client.id).Msg("reply dropped")
	}
}
