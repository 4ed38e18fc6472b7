package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"PPChat/service/realtime"
	"PPChat/tools/errs"
)

type Op string

// 客户端 -> 网关
const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpBroadcast   Op = "broadcast"
	OpTrack       Op = "track"
	OpUntrack     Op = "untrack"
	OpPing        Op = "ping"
)

// 网关 -> 客户端
const (
	OpEvent    Op = "event"
	OpChange   Op = "change"
	OpPresence Op = "presence"
	OpReply    Op = "reply"
)

// FilterSpec 变更订阅条件，expr 形如 conversation_id=eq.<id>
type FilterSpec struct {
	Table string              `json:"table"`
	Type  realtime.ChangeType `json:"type,omitempty"`
	Expr  string              `json:"filter,omitempty"`
}

func (f *FilterSpec) toFilter() (realtime.ChangeFilter, error) {
	return realtime.ParseFilter(f.Table, realtime.ChangeType(strings.ToUpper(string(f.Type))), f.Expr)
}

// Frame 双向复用同一结构，按 op 取用字段
type Frame struct {
	Op      Op              `json:"op"`
	Ref     string          `json:"ref,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Events  []string        `json:"events,omitempty"` // subscribe 时需要转发的广播事件
	Payload json.RawMessage `json:"payload,omitempty"`
	Filter  *FilterSpec     `json:"filter,omitempty"`

	Change   *realtime.Change `json:"change,omitempty"`
	Presence []string         `json:"presence,omitempty"`
	Status   string           `json:"status,omitempty"` // reply: ok | error
	Code     int              `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	switch f.Op {
	case OpPing:
		return f, nil
	case OpSubscribe, OpUnsubscribe, OpBroadcast, OpTrack, OpUntrack:
		if strings.TrimSpace(f.Channel) == "" {
			return nil, errs.ErrInvalidArgument.WrapMsg("channel is required", "op", string(f.Op))
		}
		if f.Op == OpBroadcast && f.Event == "" {
			return nil, errs.ErrInvalidArgument.WrapMsg("event is required")
		}
		return f, nil
	case "":
		return nil, errs.ErrInvalidArgument.WrapMsg("op is required")
	default:
		return nil, errs.ErrInvalidArgument.WrapMsg("unsupported op", "op", string(f.Op))
	}
}

// ---- 服务端下行帧 ----

func replyOK(ref string) *Frame {
	return &Frame{Op: OpReply, Ref: ref, Status: "ok"}
}

func replyErr(ref string, err error) *Frame {
	return &Frame{Op: OpReply, Ref: ref, Status: "error", Code: errs.CodeOf(err), Error: errs.Message(err)}
}

func eventFrame(channel, event string, payload json.RawMessage) *Frame {
	return &Frame{Op: OpEvent, Channel: channel, Event: event, Payload: payload}
}

func changeFrame(channel string, c realtime.Change) *Frame {
	return &Frame{Op: OpChange, Channel: channel, Change: &c}
}

func presenceFrame(channel string, keys []string) *Frame {
	if keys == nil {
		keys = []string{}
	}
	return &Frame{Op: OpPresence, Channel: channel, Presence: keys}
}
