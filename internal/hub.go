package internal

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Hub 頂層路由
//
// 職責：
//   - 連接生命週期（Connect / Disconnect）
//   - 房間名 → Room 的映射（首次加入時創建，空了之後回收）
//   - 把入站命令路由到對應房間
//   - 擁有 Presence 索引
//
// 鎖的規則：
//   - h.mu 只保護 conns 和 rooms 兩個 map
//   - 持有 h.mu 時從不呼叫 Room / Connection 的加鎖方法（只讀 Room 的 atomic closed）
//   - 事件級錯誤只回報給發起的連接
type Hub struct {
	cfg      *Config
	logger   *slog.Logger
	presence *Presence

	mu    sync.RWMutex
	conns map[ConnID]*Connection
	rooms map[string]*Room

	messages        atomic.Uint64
	droppedEvents   atomic.Uint64
	slowDisconnects atomic.Uint64

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Stats Hub 統計資訊
type Stats struct {
	Rooms                   int    `json:"total_rooms"`
	Connections             int    `json:"total_connections"`
	Members                 int    `json:"total_members"`
	Messages                uint64 `json:"total_messages"`
	DroppedEvents           uint64 `json:"dropped_events"`
	SlowConsumerDisconnects uint64 `json:"slow_consumer_disconnects"`
}

// NewHub 創建 Hub
func NewHub(cfg *Config, logger *slog.Logger) *Hub {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		presence: NewPresence(),
		conns:    make(map[ConnID]*Connection),
		rooms:    make(map[string]*Room),
		stopCh:   make(chan struct{}),
	}

	// 有寬限期時空房間交給清理 goroutine 回收
	if cfg.Hub.EmptyRoomGrace > 0 {
		h.wg.Add(1)
		go h.cleanupLoop()
	}

	return h
}

// Presence 在線索引（唯讀用途）
func (h *Hub) Presence() *Presence { return h.presence }

// Connect 註冊新連接並啟動它的 drain goroutine
func (h *Hub) Connect(sink Sink) ConnID {
	id := ConnID(uuid.NewString())
	conn := NewConnection(id, sink, ConnectionOptions{
		QueueCapacity:     h.cfg.Outbound.QueueCapacity,
		Policies:          h.cfg.Policies(),
		SlowConsumerGrace: h.cfg.Outbound.SlowConsumerGrace,
		WriteTimeout:      h.cfg.Outbound.WriteTimeout,
		FlushTimeout:      h.cfg.Outbound.FlushTimeout,
		RateLimit:         rate.Limit(h.cfg.RateLimit.EventsPerSecond),
		RateBurst:         h.cfg.RateLimit.Burst,
		Logger:            h.logger,
		OnSlowConsumer:    h.slowConsumer,
		OnTransportError:  h.transportError,
	})
	conn.Start()

	if h.stopped.Load() {
		conn.beginClose(ErrServerShutdown)
		return id
	}

	h.mu.Lock()
	h.conns[id] = conn
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Debug("連接已註冊", "conn_id", id, "total_connections", total)
	return id
}

// Connection 查詢連接
func (h *Hub) Connection(id ConnID) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	return conn, ok
}

// Join 以 username 加入房間
//
// 流程：驗證 → 佔用用戶名（Presence）→ 加入房間並通知既有成員 → 綁定連接 → 回覆加入者
// 任何一步失敗都不改變狀態。同一連接以相同用戶名重複加入是冪等的。
func (h *Hub) Join(id ConnID, roomName, username string) (*JoinedEvent, error) {
	roomName, err := h.validateRoom(roomName)
	if err != nil {
		return nil, err
	}
	username, err = h.validateUsername(username)
	if err != nil {
		return nil, err
	}

	conn, err := h.conn(id)
	if err != nil {
		return nil, err
	}
	already, err := conn.checkJoin(roomName, username)
	if err != nil {
		return nil, err
	}

	if err := h.presence.Claim(roomName, username, id); err != nil {
		return nil, err
	}

	var (
		room *Room
		ack  *JoinedEvent
		res  BroadcastResult
	)
	for {
		room = h.roomFor(roomName)
		ack, res, err = room.Join(conn, username)
		if errors.Is(err, errRoomClosed) {
			// 房間剛好被回收，換一個新的
			continue
		}
		break
	}
	if err != nil {
		if !already {
			h.presence.Release(roomName, id)
		}
		return nil, err
	}

	if err := conn.bind(roomName, username); err != nil {
		// 連接在加入途中被關閉
		h.leaveRoom(conn, roomName)
		return nil, err
	}

	h.droppedEvents.Add(uint64(res.Dropped))
	conn.Enqueue(*ack)

	if !already {
		h.logger.Info("用戶加入房間",
			"conn_id", id,
			"room", roomName,
			"username", username,
			"count", ack.Count)
	}
	return ack, nil
}

// Send 在房間發送訊息
//
// 房間分配序號後扇出給所有成員（包含發送者，發送者藉此拿到 seq）。
func (h *Hub) Send(id ConnID, roomName, body string) (*Message, error) {
	conn, err := h.conn(id)
	if err != nil {
		return nil, err
	}
	roomName = conn.resolveRoom(roomName)
	if _, err := conn.membership(roomName); err != nil {
		return nil, err
	}
	if err := h.validateBody(body); err != nil {
		return nil, err
	}

	room := h.lookupRoom(roomName)
	if room == nil {
		return nil, ErrNotJoined.WithDetails("room %q no longer exists", roomName)
	}

	msg, res, err := room.Publish(id, body, time.Now())
	if err != nil {
		return nil, err
	}

	conn.touch()
	h.messages.Add(1)
	h.droppedEvents.Add(uint64(res.Dropped))

	h.logger.Debug("訊息已廣播",
		"room", roomName,
		"username", msg.Username,
		"seq", msg.Seq,
		"delivered", res.Delivered,
		"dropped", res.Dropped)
	return &msg, nil
}

// SetTyping 更新 typing 狀態並通知其他成員（fire-and-forget）
func (h *Hub) SetTyping(id ConnID, roomName string, isTyping bool) error {
	conn, err := h.conn(id)
	if err != nil {
		return err
	}
	roomName = conn.resolveRoom(roomName)
	if _, err := conn.membership(roomName); err != nil {
		return err
	}

	room := h.lookupRoom(roomName)
	if room == nil {
		return ErrNotJoined.WithDetails("room %q no longer exists", roomName)
	}

	res, err := room.Typing(id, isTyping, time.Now())
	if err != nil {
		return err
	}
	conn.touch()
	h.droppedEvents.Add(uint64(res.Dropped))
	return nil
}

// Leave 離開單一房間（連接保持開啟）
func (h *Hub) Leave(id ConnID, roomName string) error {
	conn, err := h.conn(id)
	if err != nil {
		return err
	}
	roomName = conn.resolveRoom(roomName)
	if _, err := conn.membership(roomName); err != nil {
		return err
	}

	h.leaveRoom(conn, roomName)
	conn.Enqueue(LeftEvent{Room: roomName})

	h.logger.Info("用戶離開房間", "conn_id", id, "room", roomName)
	return nil
}

// Disconnect 斷開連接（冪等）
//
// 順序：
//  1. 進入 Closing：停止處理入站命令，出站佇列不再接受新事件
//  2. 離開所有房間，每個房間恰好一個 left 事件；空房間回收
//  3. drain goroutine 盡力寫出已入隊的事件後關閉傳輸
func (h *Hub) Disconnect(id ConnID, reason error) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	delete(h.conns, id)
	total := len(h.conns)
	h.mu.Unlock()

	if !ok || !conn.beginClose(reason) {
		return
	}

	rooms := h.presence.RoomsOf(id)
	for _, roomName := range rooms {
		h.leaveRoom(conn, roomName)
	}

	h.logger.Info("連接已斷開",
		"conn_id", id,
		"username", conn.Username(),
		"rooms", rooms,
		"reason", reason,
		"total_connections", total)
}

// Dispatch 執行一個入站命令
//
// 錯誤會以 error 事件回報給發起的連接，並同時返回給呼叫者。
func (h *Hub) Dispatch(id ConnID, cmd Command) error {
	conn, err := h.conn(id)
	if err != nil {
		return err
	}

	if !conn.allow() {
		err = ErrRateLimited
	} else {
		switch c := cmd.(type) {
		case JoinCommand:
			_, err = h.Join(id, c.Room, c.Username)
		case MessageCommand:
			_, err = h.Send(id, c.Room, c.Body)
		case TypingCommand:
			err = h.SetTyping(id, c.Room, c.IsTyping)
		case LeaveCommand:
			err = h.Leave(id, c.Room)
		case PingCommand:
			conn.touch()
			conn.Enqueue(PongEvent{Timestamp: time.Now()})
		default:
			err = ErrInvalidFrame.WithDetails("unsupported command %T", cmd)
		}
	}

	if err != nil {
		conn.Enqueue(errorEventFrom(err))
		h.logger.Debug("命令被拒絕", "conn_id", id, "error", err)
	}
	return err
}

// Rooms 所有房間的摘要（按名稱排序，不含成員列表）
func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	now := time.Now()
	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info(now, false))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Room 單一房間詳情（含成員列表）
func (h *Hub) Room(name string) (*RoomInfo, error) {
	room := h.lookupRoom(name)
	if room == nil {
		return nil, ErrRoomNotFound.WithDetails("%q", name)
	}
	info := room.Info(time.Now(), true)
	return &info, nil
}

// Stats 統計資訊
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	stats := Stats{
		Rooms:       len(h.rooms),
		Connections: len(h.conns),
	}
	h.mu.RUnlock()

	stats.Members = h.presence.Len()
	stats.Messages = h.messages.Load()
	stats.DroppedEvents = h.droppedEvents.Load()
	stats.SlowConsumerDisconnects = h.slowDisconnects.Load()
	return stats
}

// Cleanup 回收空置超過寬限期的房間（公開方法供測試使用）
func (h *Hub) Cleanup() {
	h.cleanup(time.Now())
}

// Stop 停止 Hub：斷開所有連接並等待 drain goroutine 結束
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		close(h.stopCh)
	})
	h.wg.Wait()

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.Disconnect(conn.ID(), ErrServerShutdown)
	}

	for _, conn := range conns {
		select {
		case <-conn.Done():
		case <-ctx.Done():
			h.logger.Warn("等待連接關閉超時", "remaining", len(conns))
			return ctx.Err()
		}
	}

	h.logger.Info("Hub 已停止", "closed_connections", len(conns))
	return nil
}

// cleanupLoop 定期回收空房間
func (h *Hub) cleanupLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Hub.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			h.cleanup(now)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) cleanup(now time.Time) {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	for _, room := range rooms {
		if room.expireIfIdle(now, h.cfg.Hub.EmptyRoomGrace) {
			h.removeRoom(room)
		}
	}
}

// leaveRoom 離開房間並釋放用戶名；返回是否真的移除了成員
func (h *Hub) leaveRoom(conn *Connection, roomName string) bool {
	removed := false
	if room := h.lookupRoom(roomName); room != nil {
		var count int
		count, removed = room.Leave(conn.ID())
		if removed && count == 0 {
			h.reapIfEmpty(room)
		}
	}
	h.presence.Release(roomName, conn.ID())
	conn.unbind(roomName)
	return removed
}

// reapIfEmpty 沒有寬限期時，空房間立即回收
func (h *Hub) reapIfEmpty(room *Room) {
	if h.cfg.Hub.EmptyRoomGrace > 0 {
		return
	}
	if room.closeIfEmpty() {
		h.removeRoom(room)
	}
}

func (h *Hub) removeRoom(room *Room) {
	h.mu.Lock()
	if h.rooms[room.Name()] == room {
		delete(h.rooms, room.Name())
	}
	total := len(h.rooms)
	h.mu.Unlock()

	h.logger.Debug("房間已回收", "room", room.Name(), "total_rooms", total)
}

// roomFor 取得房間，不存在或已回收時創建新的
func (h *Hub) roomFor(name string) *Room {
	h.mu.RLock()
	room := h.rooms[name]
	h.mu.RUnlock()
	if room != nil && !room.isClosed() {
		return room
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room = h.rooms[name]
	if room == nil || room.isClosed() {
		room = NewRoom(name, RoomOptions{
			MaxMembers:    h.cfg.Hub.MaxRoomMembers,
			TypingTimeout: h.cfg.Hub.TypingTimeout,
		})
		h.rooms[name] = room
		h.logger.Debug("房間已創建", "room", name, "total_rooms", len(h.rooms))
	}
	return room
}

func (h *Hub) lookupRoom(name string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[name]
}

func (h *Hub) conn(id ConnID) (*Connection, error) {
	conn, ok := h.Connection(id)
	if !ok {
		return nil, ErrUnknownConnection.WithDetails("%s", id)
	}
	return conn, nil
}

func (h *Hub) slowConsumer(conn *Connection) {
	h.slowDisconnects.Add(1)
	h.logger.Warn("慢消費者，強制斷線",
		"conn_id", conn.ID(),
		"username", conn.Username(),
		"queue_len", conn.QueueLen())

	// 在廣播途中被觸發（持有房間的 fanoutMu），必須非同步斷線
	go h.Disconnect(conn.ID(), ErrSlowConsumer)
}

func (h *Hub) transportError(conn *Connection, err error) {
	go h.Disconnect(conn.ID(), err)
}

func (h *Hub) validateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrInvalidUsername.WithDetails("username is empty")
	}
	if n := utf8.RuneCountInString(username); n > h.cfg.Hub.MaxUsernameLength {
		return "", ErrInvalidUsername.WithDetails("%d characters exceeds limit %d", n, h.cfg.Hub.MaxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsControl(r) || strings.ContainsRune(`<>&"'`, r) {
			return "", ErrInvalidUsername.WithDetails("disallowed character %q", r)
		}
	}
	return username, nil
}

func (h *Hub) validateRoom(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidRoom.WithDetails("room name is empty")
	}
	if n := utf8.RuneCountInString(name); n > h.cfg.Hub.MaxRoomNameLength {
		return "", ErrInvalidRoom.WithDetails("%d characters exceeds limit %d", n, h.cfg.Hub.MaxRoomNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrInvalidRoom.WithDetails("disallowed character %q", r)
		}
	}
	return name, nil
}

func (h *Hub) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(body); n > h.cfg.Hub.MaxMessageLength {
		return ErrMessageTooLong.WithDetails("%d characters exceeds limit %d", n, h.cfg.Hub.MaxMessageLength)
	}
	return nil
}
