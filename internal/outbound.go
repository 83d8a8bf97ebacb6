package internal

import (
	"sync"
	"time"
)

// 系統設計問題：
//   一個慢消費者（網絡差、客戶端卡住）如何不拖垮整個房間？
//
// 核心挑戰：
//   1. 記憶體有界：每個連接的出站佇列有固定容量，永不無限增長
//   2. 生產與消費解耦：房間廣播只負責入隊，寫入由每個連接自己的 goroutine 完成
//   3. 不同事件的取捨不同：typing 要新鮮、聊天訊息要完整
//
// 設計方案：
//   ✅ 環形緩衝區 + 容量 1 的通知 channel
//   ✅ 每種事件各自的溢出策略（drop_oldest / drop_newest / disconnect）
//   ✅ 丟棄計數在下一個送達的事件之前以 dropped 通知補上

// OverflowPolicy 佇列滿時的處理策略
type OverflowPolicy string

const (
	// PolicyDropOldest 踢掉最舊的可丟棄事件以容納新事件（偏向新鮮度，適合 typing）
	PolicyDropOldest OverflowPolicy = "drop_oldest"
	// PolicyDropNewest 拒絕新事件，保留佇列現狀（偏向完整性）
	PolicyDropNewest OverflowPolicy = "drop_newest"
	// PolicyDisconnect 拒絕新事件，佇列持續滿超過寬限期則強制斷線
	PolicyDisconnect OverflowPolicy = "disconnect"
)

// Valid 是否為已知策略
func (p OverflowPolicy) Valid() bool {
	switch p {
	case PolicyDropOldest, PolicyDropNewest, PolicyDisconnect:
		return true
	}
	return false
}

// PolicyTable 事件類型 → 溢出策略
type PolicyTable map[EventKind]OverflowPolicy

// For 查詢策略，未設定的類型採用 drop_newest
func (t PolicyTable) For(kind EventKind) OverflowPolicy {
	if p, ok := t[kind]; ok && p.Valid() {
		return p
	}
	return PolicyDropNewest
}

// pushResult 入隊結果
type pushResult int

const (
	pushEnqueued  pushResult = iota
	pushEvicted              // 踢掉舊事件後入隊
	pushDropped              // 新事件被丟棄
	pushSaturated            // 新事件被丟棄，且佇列持續飽和超過寬限期
	pushClosed               // 佇列已關閉
)

func (r pushResult) accepted() bool {
	return r == pushEnqueued || r == pushEvicted
}

// queuedEvent 佇列項目
//
// gap 記錄在此事件之前被丟棄、尚未通知消費者的事件數。
type queuedEvent struct {
	ev  Event
	gap int
}

// outboundQueue 有界 FIFO 出站佇列
type outboundQueue struct {
	mu       sync.Mutex
	buf      []queuedEvent
	head     int
	size     int
	policies PolicyTable
	grace    time.Duration
	now      func() time.Time

	pendingDropped int // 尚未掛到任何項目上的丟棄數
	totalDropped   uint64
	saturatedSince time.Time // 佇列變滿的時間，騰出空間後清零
	closed         bool

	notify chan struct{}
}

func newOutboundQueue(capacity int, policies PolicyTable, grace time.Duration) *outboundQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &outboundQueue{
		buf:      make([]queuedEvent, capacity),
		policies: policies,
		grace:    grace,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
	}
}

// push 入隊，不阻塞
func (q *outboundQueue) push(ev Event) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return pushClosed
	}

	if q.size < len(q.buf) {
		q.appendLocked(ev)
		return pushEnqueued
	}

	switch q.policies.For(ev.Kind()) {
	case PolicyDropOldest:
		if q.evictOldestLossyLocked() {
			q.appendLocked(ev)
			return pushEvicted
		}
		q.dropLocked(ev)
		return pushDropped

	case PolicyDisconnect:
		q.dropLocked(ev)
		if q.now().Sub(q.saturatedSince) >= q.grace {
			return pushSaturated
		}
		return pushDropped

	default:
		q.dropLocked(ev)
		return pushDropped
	}
}

// drain 取出佇列中所有事件（追加到 dst），丟棄計數展開成 DroppedEvent
//
// 第二個返回值表示佇列已關閉：之後不會再有新事件。
func (q *outboundQueue) drain(dst []Event) ([]Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size > 0 {
		item := q.buf[q.head]
		q.buf[q.head] = queuedEvent{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--

		if item.gap > 0 {
			dst = append(dst, DroppedEvent{Count: item.gap})
		}
		dst = append(dst, item.ev)
	}

	if q.pendingDropped > 0 {
		dst = append(dst, DroppedEvent{Count: q.pendingDropped})
		q.pendingDropped = 0
	}

	q.saturatedSince = time.Time{}
	return dst, q.closed
}

// close 停止接受新事件並喚醒消費者，已入隊的事件仍可被 drain
func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *outboundQueue) dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalDropped
}

func (q *outboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outboundQueue) appendLocked(ev Event) {
	idx := (q.head + q.size) % len(q.buf)
	q.buf[idx] = queuedEvent{ev: ev, gap: q.pendingDropped}
	q.pendingDropped = 0
	q.size++
	if q.size == len(q.buf) && q.saturatedSince.IsZero() {
		q.saturatedSince = q.now()
	}
	q.signal()
}

func (q *outboundQueue) dropLocked(ev Event) {
	q.totalDropped++
	if ev.Kind() != KindTyping {
		q.pendingDropped++
	}
}

// evictOldestLossyLocked 移除最舊的一個 drop_oldest 類事件
//
// 被移除項目的 gap 轉移給下一個項目，保證丟棄通知出現在正確位置。
func (q *outboundQueue) evictOldestLossyLocked() bool {
	n := len(q.buf)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % n
		victim := q.buf[idx]
		if q.policies.For(victim.ev.Kind()) != PolicyDropOldest {
			continue
		}

		gap := victim.gap
		q.totalDropped++
		if victim.ev.Kind() != KindTyping {
			gap++
		}

		// 後面的項目往前移一格
		for j := i; j < q.size-1; j++ {
			q.buf[(q.head+j)%n] = q.buf[(q.head+j+1)%n]
		}
		q.size--
		q.buf[(q.head+q.size)%n] = queuedEvent{}

		if i < q.size {
			q.buf[(q.head+i)%n].gap += gap
		} else {
			q.pendingDropped += gap
		}
		return true
	}
	return false
}
