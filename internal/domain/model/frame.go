package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// 上游交易名（trnm）
const (
	TrnmLogin         = "LOGIN"
	TrnmPing          = "PING"
	TrnmReal          = "REAL"
	TrnmRegister      = "REG"
	TrnmRemove        = "REMOVE"
	TrnmUnregister    = "UNREG"
	TrnmConditionList = "CNSRLST"
	TrnmConditionReq  = "CNSRREQ"
	TrnmConditionStop = "CNSRCNC"
)

// ErrMissingTrnm 帧缺少 trnm 字段
var ErrMissingTrnm = errors.New("frame has no trnm")

// Frame 上游 JSON 文本帧。Raw 保留原始字节，用于心跳原样回显与未精简的扇出。
type Frame struct {
	Trnm       string          `json:"trnm"`
	ReturnCode json.Number     `json:"return_code,omitempty"`
	ReturnMsg  string          `json:"return_msg,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Raw        []byte          `json:"-"`
}

// ParseFrame 解析上游帧
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if strings.TrimSpace(f.Trnm) == "" {
		return Frame{}, ErrMissingTrnm
	}
	f.Raw = raw
	return f, nil
}

// Code 返回码，缺省视为 0
func (f Frame) Code() int {
	if f.ReturnCode == "" {
		return 0
	}
	n, err := strconv.Atoi(f.ReturnCode.String())
	if err != nil {
		return -1
	}
	return n
}

// OK 上游是否报告成功
func (f Frame) OK() bool { return f.Code() == 0 }

// MarshalJSON 转发时输出原始帧
func (f Frame) MarshalJSON() ([]byte, error) {
	if len(f.Raw) > 0 {
		return f.Raw, nil
	}
	type plain Frame
	return json.Marshal(plain(f))
}

// PushEntry REAL 帧 data 数组中的一项
type PushEntry struct {
	Type   string            `json:"type"`
	Name   string            `json:"name,omitempty"`
	Item   string            `json:"item"`
	Values map[string]string `json:"values"`
}

// PushEvent 单条推送事件
type PushEvent struct {
	Kind       DataKind
	Code       string
	Instrument string
	Fields     map[string]string
}

// PushEvents 从帧中提取推送事件；data 不是推送数组时返回 nil
func PushEvents(f Frame) []PushEvent {
	if len(f.Data) == 0 {
		return nil
	}
	var entries []PushEntry
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil
	}
	out := make([]PushEvent, 0, len(entries))
	for _, e := range entries {
		if e.Type == "" || e.Values == nil {
			continue
		}
		out = append(out, PushEvent{
			Kind:       ParseDataKind(e.Type),
			Code:       e.Type,
			Instrument: e.Item,
			Fields:     e.Values,
		})
	}
	return out
}

// GroupID 订阅组编号。客户端可能以字符串或数字发送 grp_no。
type GroupID string

func (g *GroupID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*g = GroupID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("group id must be string or number: %w", err)
	}
	*g = GroupID(n.String())
	return nil
}

func (g GroupID) String() string { return string(g) }

// ConditionGroup 实时条件检索对应的监听组
func ConditionGroup(seq string) string { return "cond_" + seq }

// SubscriptionSnapshot 订阅注册表的完整状态
type SubscriptionSnapshot struct {
	Groups     map[string]map[string][]string `json:"groups"`
	Conditions []string                       `json:"conditions"`
}
