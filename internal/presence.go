package internal

import (
	"sort"
	"sync"
)

// Presence 跨房間的在線索引
//
// 兩個方向的映射：
//   - room → username → ConnID：O(1) 回答「這個用戶名在這個房間是否已被使用」
//   - ConnID → room → username：斷線時不用掃描所有房間
//
// 只由 Hub 的 join/leave/disconnect 路徑修改，Room 不會直接碰它。
type Presence struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]ConnID
	byConn map[ConnID]map[string]string
}

// NewPresence 創建在線索引
func NewPresence() *Presence {
	return &Presence{
		byRoom: make(map[string]map[string]ConnID),
		byConn: make(map[ConnID]map[string]string),
	}
}

// Claim 在房間中佔用用戶名
//
// 同一連接重複佔用同一用戶名是冪等的；被其他連接佔用時返回 ErrUsernameTaken。
func (p *Presence) Claim(room, username string, id ConnID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := p.byRoom[room]
	if holder, ok := names[username]; ok {
		if holder == id {
			return nil
		}
		return ErrUsernameTaken.WithDetails("%q in room %q", username, room)
	}
	if current, ok := p.byConn[id][room]; ok && current != username {
		return ErrInvalidUsername.WithDetails("connection already joined %q as %q", room, current)
	}

	if names == nil {
		names = make(map[string]ConnID)
		p.byRoom[room] = names
	}
	names[username] = id

	rooms := p.byConn[id]
	if rooms == nil {
		rooms = make(map[string]string)
		p.byConn[id] = rooms
	}
	rooms[room] = username
	return nil
}

// Release 釋放連接在房間中的用戶名，返回被釋放的用戶名
func (p *Presence) Release(room string, id ConnID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	username, ok := p.byConn[id][room]
	if !ok {
		return "", false
	}

	delete(p.byConn[id], room)
	if len(p.byConn[id]) == 0 {
		delete(p.byConn, id)
	}
	if names := p.byRoom[room]; names != nil && names[username] == id {
		delete(names, username)
		if len(names) == 0 {
			delete(p.byRoom, room)
		}
	}
	return username, true
}

// Holder 查詢房間中某用戶名的持有者
func (p *Presence) Holder(room, username string) (ConnID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byRoom[room][username]
	return id, ok
}

// UsernameIn 查詢連接在房間中使用的用戶名
func (p *Presence) UsernameIn(room string, id ConnID) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	username, ok := p.byConn[id][room]
	return username, ok
}

// RoomsOf 連接所在的所有房間（排序）
func (p *Presence) RoomsOf(id ConnID) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rooms := make([]string, 0, len(p.byConn[id]))
	for room := range p.byConn[id] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Len 所有房間的在線成員總數
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, names := range p.byRoom {
		n += len(names)
	}
	return n
}
