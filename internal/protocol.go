package internal

import (
	"encoding/json"
	"fmt"
)

// Command 入站命令（tagged union，由 Hub.Dispatch 以 type switch 路由）
type Command interface {
	commandType() string
}

// JoinCommand 加入房間
type JoinCommand struct {
	Username string
	Room     string
}

// MessageCommand 發送訊息；Room 為空時使用目前房間
type MessageCommand struct {
	Room string
	Body string
}

// TypingCommand 輸入中狀態；Room 為空時使用目前房間
type TypingCommand struct {
	Room     string
	IsTyping bool
}

// LeaveCommand 離開房間
type LeaveCommand struct {
	Room string
}

// PingCommand 應用層心跳
type PingCommand struct{}

func (JoinCommand) commandType() string    { return "join" }
func (MessageCommand) commandType() string { return "message" }
func (TypingCommand) commandType() string  { return "typing" }
func (LeaveCommand) commandType() string   { return "leave" }
func (PingCommand) commandType() string    { return "ping" }

// inboundFrame 入站 JSON 幀（所有欄位攤平在同一層）
type inboundFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
	Body     string `json:"body"`
	IsTyping *bool  `json:"isTyping"`
}

// DecodeCommand 解析入站幀
//
// 格式錯誤、未知類型、缺少必要欄位都返回 ErrInvalidFrame。
func DecodeCommand(data []byte) (Command, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrInvalidFrame.Wrap(err)
	}

	switch frame.Type {
	case "join":
		return JoinCommand{Username: frame.Username, Room: frame.Room}, nil
	case "message":
		return MessageCommand{Room: frame.Room, Body: frame.Body}, nil
	case "typing":
		if frame.IsTyping == nil {
			return nil, ErrInvalidFrame.WithDetails("typing frame requires isTyping")
		}
		return TypingCommand{Room: frame.Room, IsTyping: *frame.IsTyping}, nil
	case "leave":
		return LeaveCommand{Room: frame.Room}, nil
	case "ping":
		return PingCommand{}, nil
	case "":
		return nil, ErrInvalidFrame.WithDetails("missing type")
	default:
		return nil, ErrInvalidFrame.WithDetails("unknown type %q", frame.Type)
	}
}

// outboundFrame 出站 JSON 幀
type outboundFrame struct {
	Type EventKind `json:"type"`
	Data Event     `json:"data"`
}

// EncodeEvent 編碼出站事件為 {"type": ..., "data": {...}}
func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode event: nil event")
	}
	data, err := json.Marshal(outboundFrame{Type: ev.Kind(), Data: ev})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Kind(), err)
	}
	return data, nil
}
