package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   Hub 只認識 Sink 介面，WebSocket 怎麼接上去？
//
// 核心挑戰：
//   1. gorilla/websocket 同一時間只允許一個寫入者
//   2. 死連接偵測（網絡異常、客戶端崩潰）
//   3. 斷線原因要讓客戶端看得懂（慢消費者 / 服務關閉 / 正常關閉）
//
// 設計方案：
//   ✅ Sink.Send 只由連接的 drain goroutine 呼叫，天然單一寫入者
//   ✅ Ping 走 WriteControl（可與其他寫入併發）
//   ✅ Ping/Pong 心跳 54s/60s
//   ✅ 斷線原因映射到 close code：1008 慢消費者、1001 服務關閉、1000 正常

// WebSocketServer WebSocket 傳輸轉接層
//
// 每個 WebSocket 連接：
//   - 一個讀取 goroutine：解碼入站幀 → Hub.Dispatch
//   - 一個 ping goroutine
//   - 寫入由 Hub 的 Connection drain goroutine 透過 wsSink 完成
type WebSocketServer struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxFrameBytes int64
	pingInterval  time.Duration
	pongWait      time.Duration
	writeWait     time.Duration

	wg sync.WaitGroup
}

// NewWebSocketServer 創建 WebSocket 轉接層
func NewWebSocketServer(hub *Hub, cfg *Config, logger *slog.Logger) *WebSocketServer {
	origins := newOriginPolicy(cfg.WebSocket.AllowedOrigins, logger)

	return &WebSocketServer{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     origins.check,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		maxFrameBytes: cfg.WebSocket.MaxFrameBytes,
		pingInterval:  cfg.WebSocket.PingInterval,
		pongWait:      cfg.WebSocket.PongWait,
		writeWait:     cfg.Outbound.WriteTimeout,
	}
}

// ServeWS 處理 WebSocket 升級請求
//
// 連接建立後處於 Connecting 狀態，需要送出 join 幀才會加入房間。
func (s *WebSocketServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經寫好錯誤響應
		s.logger.Warn("升級 WebSocket 失敗", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	if s.maxFrameBytes > 0 {
		conn.SetReadLimit(s.maxFrameBytes)
	}

	sink := newWSSink(conn, s.writeWait)
	id := s.hub.Connect(sink)

	s.wg.Add(2)
	go s.readLoop(id, conn)
	go s.pingLoop(sink)

	s.logger.Info("WebSocket 連接建立", "conn_id", id, "remote_addr", r.RemoteAddr)
}

// Wait 等待所有讀取與 ping goroutine 結束（在 Hub.Stop 之後呼叫）
func (s *WebSocketServer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("WebSocket 轉接層已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop 讀取客戶端幀
//
// 心跳（讀取端）：pongWait 內沒收到任何幀（包含 Pong）就視為死連接。
func (s *WebSocketServer) readLoop(id ConnID, conn *websocket.Conn) {
	defer s.wg.Done()

	s.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline(conn)
		return nil
	})

	var reason error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason = s.readFailure(id, err)
			break
		}
		s.extendReadDeadline(conn)

		cmd, err := DecodeCommand(data)
		if err != nil {
			if c, ok := s.hub.Connection(id); ok {
				c.Enqueue(errorEventFrom(err))
			}
			s.logger.Debug("無效的入站幀", "conn_id", id, "error", err)
			continue
		}

		if err := s.hub.Dispatch(id, cmd); errors.Is(err, ErrUnknownConnection) {
			// Hub 已經斷開這個連接（例如慢消費者）
			break
		}
	}

	s.hub.Disconnect(id, reason)
}

// readFailure 把讀取錯誤轉成斷線原因；客戶端正常關閉返回 nil
func (s *WebSocketServer) readFailure(id ConnID, err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		s.logger.Warn("入站幀超過大小限制", "conn_id", id, "limit", s.maxFrameBytes)
		return ErrInvalidFrame.Wrap(err)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("客戶端關閉連接", "conn_id", id)
		return nil
	}
	if isExpectedCloseError(err) {
		return ErrConnectionClosed.Wrap(err)
	}
	s.logger.Warn("WebSocket 讀取錯誤", "conn_id", id, "error", err)
	return ErrConnectionClosed.Wrap(err)
}

func (s *WebSocketServer) extendReadDeadline(conn *websocket.Conn) {
	if s.pongWait <= 0 {
		return
	}
	if err := conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
		s.logger.Debug("設置讀取期限失敗", "error", err)
	}
}

// pingLoop 心跳（發送端），Sink 關閉後結束
func (s *WebSocketServer) pingLoop(sink *wsSink) {
	defer s.wg.Done()

	if s.pingInterval <= 0 {
		<-sink.closed
		return
	}

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		case <-sink.closed:
			return
		}
	}
}

// wsSink 以 gorilla/websocket 連接實現 Sink
type wsSink struct {
	conn      *websocket.Conn
	writeWait time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSSink(conn *websocket.Conn, writeWait time.Duration) *wsSink {
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &wsSink{
		conn:      conn,
		writeWait: writeWait,
		closed:    make(chan struct{}),
	}
}

// Send 編碼並寫出一個事件；期限取 ctx 與 writeWait 較早者
func (s *wsSink) Send(ctx context.Context, ev Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 送出 close frame 後關閉底層連接（只生效一次）
func (s *wsSink) Close(reason error) error {
	var err error
	s.closeOnce.Do(func() {
		code, text := closeFrameFor(reason)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second))

		close(s.closed)
		if cerr := s.conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	})
	return err
}

func (s *wsSink) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// closeFrameFor 斷線原因 → close code
func closeFrameFor(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, ErrSlowConsumer):
		return websocket.ClosePolicyViolation, string(CodeSlowConsumer)
	case errors.Is(reason, ErrServerShutdown):
		return websocket.CloseGoingAway, string(CodeServerShutdown)
	case errors.Is(reason, ErrInvalidFrame):
		return websocket.CloseMessageTooBig, string(CodeInvalidFrame)
	default:
		return websocket.CloseNormalClosure, ""
	}
}

// isExpectedCloseError 連接已經關閉時的常見錯誤
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
