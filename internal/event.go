package internal

import "time"

// EventKind 出站事件類型
type EventKind string

const (
	KindPresence EventKind = "presence"
	KindMessage  EventKind = "message"
	KindTyping   EventKind = "typing"
	KindJoined   EventKind = "joined"  // 加入確認（只發給加入者）
	KindLeft     EventKind = "left"    // 離開確認（只發給離開者）
	KindError    EventKind = "error"   // 事件級錯誤（只發給發起者）
	KindDropped  EventKind = "dropped" // 慢消費者丟棄通知
	KindPong     EventKind = "pong"
)

// Event 出站事件（tagged union）
//
// 每個變體攜帶自己的 payload 型別，由 Kind() 區分；
// 事件一旦建立就不再修改，同一個值可以安全地放進多個連接的佇列。
type Event interface {
	Kind() EventKind
}

// PresenceAction 成員變動類型
type PresenceAction string

const (
	PresenceJoined PresenceAction = "joined"
	PresenceLeft   PresenceAction = "left"
)

// PresenceEvent 成員變動事件（由成員集合推導，不儲存）
//
// Count 是事件發生當下房間的實際成員數。
type PresenceEvent struct {
	Action   PresenceAction `json:"kind"`
	Username string         `json:"username"`
	Room     string         `json:"room"`
	Count    int            `json:"count"`
}

// Message 聊天訊息
//
// Seq 由房間分配，同一房間內嚴格遞增且分配時無間隙。
type Message struct {
	Username  string    `json:"username"`
	Room      string    `json:"room"`
	Seq       uint64    `json:"seq"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingEvent 輸入中狀態
type TypingEvent struct {
	Username string `json:"username"`
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

// JoinedEvent 加入確認
type JoinedEvent struct {
	Room     string   `json:"room"`
	Username string   `json:"username"`
	Count    int      `json:"count"`
	Members  []string `json:"members"`
	Seq      uint64   `json:"seq"` // 加入時房間最後分配的序號
}

// LeftEvent 離開確認
type LeftEvent struct {
	Room string `json:"room"`
}

// ErrorEvent 錯誤通知
type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DroppedEvent 告知消費者有事件因背壓被丟棄
type DroppedEvent struct {
	Count int `json:"count"`
}

// PongEvent 應用層心跳回應
type PongEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

func (PresenceEvent) Kind() EventKind { return KindPresence }
func (Message) Kind() EventKind       { return KindMessage }
func (TypingEvent) Kind() EventKind   { return KindTyping }
func (JoinedEvent) Kind() EventKind   { return KindJoined }
func (LeftEvent) Kind() EventKind     { return KindLeft }
func (ErrorEvent) Kind() EventKind    { return KindError }
func (DroppedEvent) Kind() EventKind  { return KindDropped }
func (PongEvent) Kind() EventKind     { return KindPong }

// errorEventFrom 把錯誤轉成回報給發起者的事件
func errorEventFrom(err error) ErrorEvent {
	if code := CodeOf(err); code != "" {
		return ErrorEvent{Code: code, Message: err.Error()}
	}
	return ErrorEvent{Code: "INTERNAL_ERROR", Message: err.Error()}
}
