package internal_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-chat-hub/internal"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// testConfig 關閉限流、縮短刷新時間
func testConfig() *internal.Config {
	cfg := internal.DefaultConfig()
	cfg.RateLimit.EventsPerSecond = 0
	cfg.Outbound.FlushTimeout = 200 * time.Millisecond
	return cfg
}

// newTestHub 創建 Hub，測試結束時停止
func newTestHub(t *testing.T, cfg *internal.Config) *internal.Hub {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	hub := internal.NewHub(cfg, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Stop(ctx)
	})
	return hub
}

// recordingSink 記錄所有送達事件的 Sink
//
// gate 不為 nil 時，Send 會阻塞到 gate 關閉（模擬慢消費者）。
type recordingSink struct {
	mu      sync.Mutex
	events  []internal.Event
	closed  bool
	reason  error
	sendErr error
	gate    chan struct{}
	once    sync.Once
}

func newRecordingSink() *recordingSink {
	return &recordingSink{}
}

func newBlockedSink() *recordingSink {
	return &recordingSink{gate: make(chan struct{})}
}

func (s *recordingSink) Send(ctx context.Context, ev internal.Event) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
	return nil
}

func (s *recordingSink) release() {
	s.once.Do(func() { close(s.gate) })
}

func (s *recordingSink) failWith(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *recordingSink) Events() []internal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]internal.Event(nil), s.events...)
}

func (s *recordingSink) Closed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.reason
}

// 依類型過濾事件

func messagesOf(events []internal.Event) []internal.Message {
	var out []internal.Message
	for _, ev := range events {
		if m, ok := ev.(internal.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

func presenceOf(events []internal.Event) []internal.PresenceEvent {
	var out []internal.PresenceEvent
	for _, ev := range events {
		if p, ok := ev.(internal.PresenceEvent); ok {
			out = append(out, p)
		}
	}
	return out
}

func typingOf(events []internal.Event) []internal.TypingEvent {
	var out []internal.TypingEvent
	for _, ev := range events {
		if p, ok := ev.(internal.TypingEvent); ok {
			out = append(out, p)
		}
	}
	return out
}

func errorsOf(events []internal.Event) []internal.ErrorEvent {
	var out []internal.ErrorEvent
	for _, ev := range events {
		if e, ok := ev.(internal.ErrorEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

func kindsOf(events []internal.Event) []internal.EventKind {
	out := make([]internal.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind())
	}
	return out
}

// waitForEvents 等到 sink 收到滿足條件的事件
func waitForEvents(t *testing.T, sink *recordingSink, cond func([]internal.Event) bool) []internal.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(sink.Events())
	}, 2*time.Second, 5*time.Millisecond)
	return sink.Events()
}

// settle 等待非同步 drain 完成（用於驗證「沒有收到」）
func settle() {
	time.Sleep(50 * time.Millisecond)
}

// connectAndJoin 建立連接並加入房間
func connectAndJoin(t *testing.T, hub *internal.Hub, room, username string) (internal.ConnID, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	id := hub.Connect(sink)
	_, err := hub.Join(id, room, username)
	require.NoError(t, err)
	return id, sink
}
