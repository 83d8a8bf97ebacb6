package internal

import (
	"errors"
	"fmt"
)

// ErrorCode 錯誤碼（同時作為 wire 上 error 事件的 code 欄位）
type ErrorCode string

const (
	CodeInvalidUsername   ErrorCode = "INVALID_USERNAME"
	CodeUsernameTaken     ErrorCode = "USERNAME_TAKEN"
	CodeNotJoined         ErrorCode = "NOT_JOINED"
	CodeMessageTooLong    ErrorCode = "MESSAGE_TOO_LONG"
	CodeEmptyMessage      ErrorCode = "EMPTY_MESSAGE"
	CodeRoomFull          ErrorCode = "ROOM_FULL"
	CodeInvalidRoom       ErrorCode = "INVALID_ROOM"
	CodeRoomNotFound      ErrorCode = "ROOM_NOT_FOUND"
	CodeSlowConsumer      ErrorCode = "SLOW_CONSUMER_DISCONNECTED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeUnknownConnection ErrorCode = "UNKNOWN_CONNECTION"
	CodeConnectionClosed  ErrorCode = "CONNECTION_CLOSED"
	CodeInvalidFrame      ErrorCode = "INVALID_FRAME"
	CodeServerShutdown    ErrorCode = "SERVER_SHUTDOWN"
)

// HubError Hub 的錯誤型別
//
// 錯誤分類：
//   - 事件級錯誤（用戶名無效、未加入、訊息過長...）只回報給發起的連接
//   - 傳輸層錯誤只會斷開該連接，永遠不影響 Hub 與其他連接
//
// errors.Is 以 Code 比對，所以 WithDetails 產生的副本仍然等於原本的 sentinel。
type HubError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error 實現 error 介面
func (e *HubError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *HubError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
func (e *HubError) Is(target error) bool {
	t, ok := target.(*HubError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails 返回帶有詳細資訊的副本（sentinel 本身不可修改）
func (e *HubError) WithDetails(format string, args ...any) *HubError {
	cp := *e
	cp.Details = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap 返回包裝了底層錯誤的副本
func (e *HubError) Wrap(err error) *HubError {
	cp := *e
	cp.Err = err
	return &cp
}

func newError(code ErrorCode, message string) *HubError {
	return &HubError{Code: code, Message: message}
}

// 預定義錯誤
var (
	ErrInvalidUsername   = newError(CodeInvalidUsername, "invalid username")
	ErrUsernameTaken     = newError(CodeUsernameTaken, "username already taken in this room")
	ErrNotJoined         = newError(CodeNotJoined, "not joined to room")
	ErrMessageTooLong    = newError(CodeMessageTooLong, "message too long")
	ErrEmptyMessage      = newError(CodeEmptyMessage, "message body is empty")
	ErrRoomFull          = newError(CodeRoomFull, "room is full")
	ErrInvalidRoom       = newError(CodeInvalidRoom, "invalid room name")
	ErrRoomNotFound      = newError(CodeRoomNotFound, "room not found")
	ErrSlowConsumer      = newError(CodeSlowConsumer, "disconnected: consumer too slow")
	ErrRateLimited       = newError(CodeRateLimited, "rate limit exceeded")
	ErrUnknownConnection = newError(CodeUnknownConnection, "unknown connection")
	ErrConnectionClosed  = newError(CodeConnectionClosed, "connection is closing")
	ErrInvalidFrame      = newError(CodeInvalidFrame, "invalid frame")
	ErrServerShutdown    = newError(CodeServerShutdown, "server shutting down")
)

// errRoomClosed 房間已被回收（內部使用，Hub 會重試到新的房間）
var errRoomClosed = errors.New("room closed")

// CodeOf 取得錯誤碼，非 HubError 返回空字串
func CodeOf(err error) ErrorCode {
	var hubErr *HubError
	if errors.As(err, &hubErr) {
		return hubErr.Code
	}
	return ""
}
