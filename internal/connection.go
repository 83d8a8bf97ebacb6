package internal

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnID 連接識別碼
type ConnID string

// ConnState 連接狀態
//
//	Connecting → Joined → Closing → Closed
//	     ↑_________↓（離開所有房間後回到 Connecting）
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateJoined
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sink 底層傳輸（由外部提供：可靠、有序的雙向通道的寫入端）
//
// Send 只會被連接自己的 drain goroutine 呼叫，不需要處理併發寫入；
// Close 在 drain 結束後呼叫一次，reason 為 nil 表示正常關閉。
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close(reason error) error
}

// ConnectionOptions 連接參數
type ConnectionOptions struct {
	QueueCapacity     int
	Policies          PolicyTable
	SlowConsumerGrace time.Duration
	WriteTimeout      time.Duration
	FlushTimeout      time.Duration
	RateLimit         rate.Limit // 0 表示不限流
	RateBurst         int
	Logger            *slog.Logger

	// OnSlowConsumer 佇列持續飽和超過寬限期時呼叫（每個連接最多一次）
	OnSlowConsumer func(*Connection)
	// OnTransportError Sink 寫入失敗時呼叫（每個連接最多一次）
	OnTransportError func(*Connection, error)
}

// Connection 單一客戶端連接
//
// 由 Hub 獨佔擁有；Room 的成員集合只引用它。
// 出站路徑：Room.Broadcast → Enqueue（不阻塞）→ drain goroutine → Sink.Send
type Connection struct {
	id     ConnID
	sink   Sink
	queue  *outboundQueue
	logger *slog.Logger

	limiter      *rate.Limiter
	writeTimeout time.Duration
	flushTimeout time.Duration

	onSlowConsumer   func(*Connection)
	onTransportError func(*Connection, error)
	slowOnce         sync.Once
	brokenOnce       sync.Once

	mu          sync.Mutex
	state       ConnState
	username    string
	rooms       map[string]struct{}
	current     string
	createdAt   time.Time
	lastActive  time.Time
	closeReason error

	startOnce sync.Once
	done      chan struct{}
}

// NewConnection 創建連接（尚未啟動 drain goroutine）
func NewConnection(id ConnID, sink Sink, opts ConnectionOptions) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	flushTimeout := opts.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(opts.RateLimit, opts.RateBurst)
	}

	now := time.Now()
	return &Connection{
		id:               id,
		sink:             sink,
		queue:            newOutboundQueue(opts.QueueCapacity, opts.Policies, opts.SlowConsumerGrace),
		logger:           logger.With("conn_id", string(id)),
		limiter:          limiter,
		writeTimeout:     writeTimeout,
		flushTimeout:     flushTimeout,
		onSlowConsumer:   opts.OnSlowConsumer,
		onTransportError: opts.OnTransportError,
		state:            StateConnecting,
		rooms:            make(map[string]struct{}),
		createdAt:        now,
		lastActive:       now,
		done:             make(chan struct{}),
	}
}

// ID 連接識別碼
func (c *Connection) ID() ConnID { return c.id }

// State 目前狀態
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Username 綁定的用戶名（尚未加入任何房間時為空）
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Rooms 已加入的房間（排序）
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// CurrentRoom 最近一次加入的房間
func (c *Connection) CurrentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// LastActive 最後活動時間
func (c *Connection) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// CloseReason 關閉原因（正常關閉為 nil）
func (c *Connection) CloseReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// QueueLen 出站佇列目前長度
func (c *Connection) QueueLen() int { return c.queue.len() }

// Dropped 因背壓被丟棄的事件總數
func (c *Connection) Dropped() uint64 { return c.queue.dropped() }

// Done drain goroutine 結束後關閉
func (c *Connection) Done() <-chan struct{} { return c.done }

// Enqueue 把事件放進出站佇列，不阻塞
//
// 佇列滿時依事件類型的策略處理；返回事件是否被接受。
func (c *Connection) Enqueue(ev Event) bool {
	res := c.queue.push(ev)
	if res == pushSaturated && c.onSlowConsumer != nil {
		c.slowOnce.Do(func() { c.onSlowConsumer(c) })
	}
	return res.accepted()
}

// Start 啟動 drain goroutine（只生效一次）
func (c *Connection) Start() {
	c.startOnce.Do(func() { go c.run() })
}

// run drain 迴圈
//
// 佇列關閉後，剩餘事件在 flushTimeout 內盡力寫出，超時的直接丟棄，最後關閉 Sink。
func (c *Connection) run() {
	defer close(c.done)

	var (
		batch    []Event
		deadline time.Time
		broken   bool
	)

	for {
		<-c.queue.notify

		var closed bool
		batch, closed = c.queue.drain(batch[:0])
		if closed && deadline.IsZero() {
			deadline = time.Now().Add(c.flushTimeout)
		}

		for _, ev := range batch {
			if broken {
				break
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				c.logger.Debug("關閉前刷新超時，丟棄剩餘事件")
				break
			}
			if err := c.write(ev, deadline); err != nil {
				broken = true
				c.transportFailed(err)
			}
		}
		clear(batch)

		if closed {
			c.finish()
			return
		}
	}
}

func (c *Connection) write(ev Event, deadline time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if !deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, deadline)
		defer cancelDeadline()
	}
	return c.sink.Send(ctx, ev)
}

func (c *Connection) transportFailed(err error) {
	c.brokenOnce.Do(func() {
		c.logger.Warn("傳輸寫入失敗", "error", err)
		if c.onTransportError != nil {
			c.onTransportError(c, err)
		}
	})
}

func (c *Connection) finish() {
	reason := c.CloseReason()
	if err := c.sink.Close(reason); err != nil {
		c.logger.Debug("關閉傳輸失敗", "error", err)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// beginClose 進入 Closing：停止接受入站命令與新的出站事件
//
// 返回 false 表示已經在關閉中（冪等）。
func (c *Connection) beginClose(reason error) bool {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosing
	c.closeReason = reason
	c.mu.Unlock()

	c.queue.close()
	return true
}

// bind 記錄加入房間；第一次加入時綁定用戶名
func (c *Connection) bind(room, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosing || c.state == StateClosed {
		return ErrConnectionClosed
	}
	if c.username != "" && c.username != username {
		return ErrInvalidUsername.WithDetails("connection already bound to %q", c.username)
	}

	c.username = username
	c.rooms[room] = struct{}{}
	c.current = room
	c.state = StateJoined
	c.lastActive = time.Now()
	return nil
}

// unbind 移除房間；離開所有房間後回到 Connecting
func (c *Connection) unbind(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.rooms, room)
	if c.current == room {
		c.current = ""
		for r := range c.rooms {
			if c.current == "" || r < c.current {
				c.current = r
			}
		}
	}
	if len(c.rooms) == 0 && c.state == StateJoined {
		c.state = StateConnecting
	}
}

// checkJoin 加入前檢查：連接狀態、用戶名綁定；返回是否已在該房間
func (c *Connection) checkJoin(room, username string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosing || c.state == StateClosed {
		return false, ErrConnectionClosed
	}
	if c.username != "" && c.username != username {
		return false, ErrInvalidUsername.WithDetails("connection already bound to %q", c.username)
	}
	_, in := c.rooms[room]
	return in, nil
}

// membership 檢查是否以 Joined 狀態在該房間，返回用戶名
func (c *Connection) membership(room string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosing, StateClosed:
		return "", ErrConnectionClosed
	case StateJoined:
	default:
		return "", ErrNotJoined.WithDetails("join a room first")
	}
	if _, ok := c.rooms[room]; !ok {
		return "", ErrNotJoined.WithDetails("not a member of %q", room)
	}
	return c.username, nil
}

// resolveRoom 未指定房間時使用目前房間
func (c *Connection) resolveRoom(room string) string {
	if room != "" {
		return room
	}
	return c.CurrentRoom()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// allow 入站限流
func (c *Connection) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// isOpen 是否仍可接收事件
func (c *Connection) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnecting || c.state == StateJoined
}
