package internal

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// 系統設計問題：
//   多個發送者同時在同一房間發言，如何保證每個接收者看到的順序一致，
//   又不讓一個慢成員卡住所有發送者？
//
// 核心挑戰：
//   1. 順序：序號分配與入隊必須是同一個原子步驟，否則 seq=2 可能比 seq=1 先入隊
//   2. 隔離：訊息與成員事件永遠不跨房間
//   3. 併發加入/離開：廣播途中成員集合變動不能破壞正在送出的事件
//   4. typing 狀態：不為每個用戶開計時器
//
// 設計方案：
//   ✅ 兩把鎖：mu 保護成員/typing/序號，fanoutMu 串行化「分配 + 入隊」
//   ✅ 快照廣播：在 mu 下複製成員列表，入隊在 mu 之外
//   ✅ 入隊不阻塞（背壓策略在每個連接的佇列上處理）
//   ✅ typing 惰性過期：讀取時過濾並清理

// RoomOptions 房間參數
type RoomOptions struct {
	MaxMembers    int           // 0 表示不限制
	TypingTimeout time.Duration // 預設 1 秒
}

// member 房間成員
type member struct {
	conn     *Connection
	username string
	joinedAt time.Time
}

// Room 廣播域
type Room struct {
	name string
	opts RoomOptions

	// fanoutMu 保證序號/成員數的分配順序 = 每個成員佇列中的入隊順序
	fanoutMu sync.Mutex

	mu         sync.Mutex
	members    map[ConnID]*member
	typing     map[string]time.Time // username → 最後一次 typing 時間
	seq        uint64
	createdAt  time.Time
	emptySince time.Time

	closed atomic.Bool
}

// MemberInfo 成員資訊
type MemberInfo struct {
	ConnID   ConnID    `json:"conn_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomInfo 房間快照
type RoomInfo struct {
	Name      string       `json:"room"`
	Count     int          `json:"count"`
	Members   []MemberInfo `json:"members,omitempty"`
	Typing    []string     `json:"typing"`
	Seq       uint64       `json:"seq"`
	CreatedAt time.Time    `json:"created_at"`
}

// BroadcastResult 一次扇出的結果
type BroadcastResult struct {
	Delivered int // 成功入隊的成員數
	Dropped   int // 因背壓未入隊的成員數
}

// NewRoom 創建房間
func NewRoom(name string, opts RoomOptions) *Room {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = time.Second
	}
	now := time.Now()
	return &Room{
		name:       name,
		opts:       opts,
		members:    make(map[ConnID]*member),
		typing:     make(map[string]time.Time),
		createdAt:  now,
		emptySince: now,
	}
}

// Name 房間名稱
func (r *Room) Name() string { return r.name }

// AddMember 加入成員，返回加入後的成員數
func (r *Room) AddMember(conn *Connection, username string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addMemberLocked(conn, username)
}

func (r *Room) addMemberLocked(conn *Connection, username string) (int, error) {
	if r.closed.Load() {
		return 0, errRoomClosed
	}
	if _, exists := r.members[conn.ID()]; exists {
		return len(r.members), nil
	}
	for _, m := range r.members {
		if m.username == username {
			return 0, ErrUsernameTaken.WithDetails("%q in room %q", username, r.name)
		}
	}
	if r.opts.MaxMembers > 0 && len(r.members) >= r.opts.MaxMembers {
		return 0, ErrRoomFull.WithDetails("room %q has %d members", r.name, len(r.members))
	}

	r.members[conn.ID()] = &member{conn: conn, username: username, joinedAt: time.Now()}
	r.emptySince = time.Time{}
	return len(r.members), nil
}

// RemoveMember 移除成員，返回剩餘成員數、房間是否已空、是否真的移除了
func (r *Room) RemoveMember(id ConnID) (int, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, count, removed := r.removeMemberLocked(id)
	return count, count == 0, removed
}

func (r *Room) removeMemberLocked(id ConnID) (string, int, bool) {
	m, exists := r.members[id]
	if !exists {
		return "", len(r.members), false
	}
	delete(r.members, id)
	delete(r.typing, m.username)

	if len(r.members) == 0 {
		// 空房間不保留 typing 狀態
		clear(r.typing)
		r.emptySince = time.Now()
	}
	return m.username, len(r.members), true
}

// NextSequence 分配下一個序號（房間內順序的唯一來源）
func (r *Room) NextSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// Sequence 最後分配的序號
func (r *Room) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Broadcast 把事件放進每個成員的佇列（排除 exclude）
//
// 成員列表在鎖內取快照，入隊在鎖外；
// 廣播途中加入的成員可能收到也可能收不到這個事件（best-effort）。
func (r *Room) Broadcast(ev Event, exclude ConnID) BroadcastResult {
	r.mu.Lock()
	targets := r.snapshotLocked(exclude)
	r.mu.Unlock()

	return fanout(targets, ev)
}

// Join 加入並通知既有成員（不通知加入者）
func (r *Room) Join(conn *Connection, username string) (*JoinedEvent, BroadcastResult, error) {
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()

	r.mu.Lock()
	before := len(r.members)
	count, err := r.addMemberLocked(conn, username)
	if err != nil {
		r.mu.Unlock()
		return nil, BroadcastResult{}, err
	}
	ack := &JoinedEvent{
		Room:     r.name,
		Username: username,
		Count:    count,
		Members:  r.usernamesLocked(),
		Seq:      r.seq,
	}
	if count == before {
		// 同一連接重複加入：冪等，不重新廣播
		r.mu.Unlock()
		return ack, BroadcastResult{}, nil
	}
	targets := r.snapshotLocked(conn.ID())
	r.mu.Unlock()

	res := fanout(targets, PresenceEvent{
		Action:   PresenceJoined,
		Username: username,
		Room:     r.name,
		Count:    count,
	})
	return ack, res, nil
}

// Leave 移除成員並通知剩餘成員；返回剩餘成員數與是否移除
func (r *Room) Leave(id ConnID) (int, bool) {
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()

	r.mu.Lock()
	username, count, removed := r.removeMemberLocked(id)
	if !removed {
		r.mu.Unlock()
		return count, false
	}
	targets := r.snapshotLocked("")
	r.mu.Unlock()

	fanout(targets, PresenceEvent{
		Action:   PresenceLeft,
		Username: username,
		Room:     r.name,
		Count:    count,
	})
	return count, true
}

// Publish 分配序號並扇出給所有成員（包含發送者）
func (r *Room) Publish(id ConnID, body string, at time.Time) (Message, BroadcastResult, error) {
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()

	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return Message{}, BroadcastResult{}, ErrNotJoined.WithDetails("not a member of %q", r.name)
	}
	r.seq++
	msg := Message{
		Username:  m.username,
		Room:      r.name,
		Seq:       r.seq,
		Body:      body,
		Timestamp: at,
	}
	// 發言視為停止輸入
	delete(r.typing, m.username)
	targets := r.snapshotLocked("")
	r.mu.Unlock()

	return msg, fanout(targets, msg), nil
}

// Typing 更新 typing 狀態並通知其他成員（不回送給自己）
func (r *Room) Typing(id ConnID, isTyping bool, at time.Time) (BroadcastResult, error) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return BroadcastResult{}, ErrNotJoined.WithDetails("not a member of %q", r.name)
	}
	r.setTypingLocked(m.username, isTyping, at)
	targets := r.snapshotLocked(id)
	r.mu.Unlock()

	return fanout(targets, TypingEvent{
		Username: m.username,
		Room:     r.name,
		IsTyping: isTyping,
	}), nil
}

// SetTyping 直接更新 typing 表（不廣播）
func (r *Room) SetTyping(username string, isTyping bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.usernameMember(username); !ok {
		return
	}
	r.setTypingLocked(username, isTyping, at)
}

func (r *Room) setTypingLocked(username string, isTyping bool, at time.Time) {
	if isTyping {
		r.typing[username] = at
	} else {
		delete(r.typing, username)
	}
}

// TypingUsers 目前仍在輸入的用戶（排序）
//
// 超過 TypingTimeout 沒有更新的條目視為過期，在這裡順便清掉。
func (r *Room) TypingUsers(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typingUsersLocked(now)
}

func (r *Room) typingUsersLocked(now time.Time) []string {
	users := make([]string, 0, len(r.typing))
	for username, at := range r.typing {
		if now.Sub(at) > r.opts.TypingTimeout {
			delete(r.typing, username)
			continue
		}
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// Count 成員數
func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members 成員列表（按加入時間排序）
func (r *Room) Members() []MemberInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

func (r *Room) membersLocked() []MemberInfo {
	out := make([]MemberInfo, 0, len(r.members))
	for id, m := range r.members {
		out = append(out, MemberInfo{ConnID: id, Username: m.username, JoinedAt: m.joinedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Username < out[j].Username
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Info 房間快照
func (r *Room) Info(now time.Time, withMembers bool) RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RoomInfo{
		Name:      r.name,
		Count:     len(r.members),
		Typing:    r.typingUsersLocked(now),
		Seq:       r.seq,
		CreatedAt: r.createdAt,
	}
	if withMembers {
		info.Members = r.membersLocked()
	}
	return info
}

// closeIfEmpty 空房間標記為關閉；返回是否關閉
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.closed.Store(true)
	return true
}

// expireIfIdle 空置超過 grace 的房間標記為關閉
func (r *Room) expireIfIdle(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.emptySince.IsZero() || now.Sub(r.emptySince) < grace {
		return false
	}
	r.closed.Store(true)
	return true
}

// isClosed 房間是否已被回收
func (r *Room) isClosed() bool { return r.closed.Load() }

func (r *Room) snapshotLocked(exclude ConnID) []*Connection {
	targets := make([]*Connection, 0, len(r.members))
	for id, m := range r.members {
		if id == exclude {
			continue
		}
		targets = append(targets, m.conn)
	}
	return targets
}

func (r *Room) usernamesLocked() []string {
	names := make([]string, 0, len(r.members))
	for _, m := range r.members {
		names = append(names, m.username)
	}
	sort.Strings(names)
	return names
}

func (r *Room) usernameMember(username string) (*member, bool) {
	for _, m := range r.members {
		if m.username == username {
			return m, true
		}
	}
	return nil, false
}

// fanout 逐一入隊；每個連接的佇列彼此獨立，慢成員只影響自己
func fanout(targets []*Connection, ev Event) BroadcastResult {
	var res BroadcastResult
	for _, conn := range targets {
		if conn.Enqueue(ev) {
			res.Delivered++
		} else {
			res.Dropped++
		}
	}
	return res
}
