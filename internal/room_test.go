package internal_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-chat-hub/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMember 創建已啟動的連接（不經過 Hub）
func newMember(t *testing.T, id string) (*internal.Connection, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	conn := internal.NewConnection(internal.ConnID(id), sink, internal.ConnectionOptions{
		QueueCapacity: 64,
		Policies:      internal.DefaultConfig().Policies(),
		Logger:        testLogger(),
	})
	conn.Start()
	return conn, sink
}

// TestNewRoom 測試創建新房間
func TestNewRoom(t *testing.T) {
	room := internal.NewRoom("general", internal.RoomOptions{})

	assert.Equal(t, "general", room.Name())
	assert.Equal(t, 0, room.Count())
	assert.Equal(t, uint64(0), room.Sequence())
	assert.Empty(t, room.Members())
	assert.Empty(t, room.TypingUsers(time.Now()))
}

// TestRoom_AddMember 測試加入成員
func TestRoom_AddMember(t *testing.T) {
	tests := []struct {
		name     string
		opts     internal.RoomOptions
		validate func(t *testing.T, room *internal.Room)
	}{
		{
			name: "members counted",
			validate: func(t *testing.T, room *internal.Room) {
				a, _ := newMember(t, "a")
				b, _ := newMember(t, "b")

				count, err := room.AddMember(a, "alice")
				require.NoError(t, err)
				assert.Equal(t, 1, count)

				count, err = room.AddMember(b, "bob")
				require.NoError(t, err)
				assert.Equal(t, 2, count)

				members := room.Members()
				require.Len(t, members, 2)
				assert.Equal(t, "alice", members[0].Username)
			},
		},
		{
			name: "same connection twice is idempotent",
			validate: func(t *testing.T, room *internal.Room) {
				a, _ := newMember(t, "a")
				_, err := room.AddMember(a, "alice")
				require.NoError(t, err)

				count, err := room.AddMember(a, "alice")
				require.NoError(t, err)
				assert.Equal(t, 1, count)
			},
		},
		{
			name: "duplicate username rejected",
			validate: func(t *testing.T, room *internal.Room) {
				a, _ := newMember(t, "a")
				b, _ := newMember(t, "b")
				_, err := room.AddMember(a, "alice")
				require.NoError(t, err)

				_, err = room.AddMember(b, "alice")
				assert.ErrorIs(t, err, internal.ErrUsernameTaken)
				assert.Equal(t, 1, room.Count())
			},
		},
		{
			name: "room full",
			opts: internal.RoomOptions{MaxMembers: 1},
			validate: func(t *testing.T, room *internal.Room) {
				a, _ := newMember(t, "a")
				b, _ := newMember(t, "b")
				_, err := room.AddMember(a, "alice")
				require.NoError(t, err)

				_, err = room.AddMember(b, "bob")
				assert.ErrorIs(t, err, internal.ErrRoomFull)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, internal.NewRoom("general", tt.opts))
		})
	}
}

// TestRoom_RemoveMember 測試移除成員
func TestRoom_RemoveMember(t *testing.T) {
	room := internal.NewRoom("general", internal.RoomOptions{})
	a, _ := newMember(t, "a")
	b, _ := newMember(t, "b")
	_, err := room.AddMember(a, "alice")
	require.NoError(t, err)
	_, err = room.AddMember(b, "bob")
	require.NoError(t, err)

	room.SetTyping("alice", true, time.Now())
	room.SetTyping("bob", true, time.Now())

	count, empty, removed := room.RemoveMember(a.ID())
	assert.Equal(t, 1, count)
	assert.False(t, empty)
	assert.True(t, removed)
	assert.Equal(t, []string{"bob"}, room.TypingUsers(time.Now()), "離開者的 typing 一併清除")

	_, _, removed = room.RemoveMember(a.ID())
	assert.False(t, removed)

	count, empty, removed = room.RemoveMember(b.ID())
	assert.Equal(t, 0, count)
	assert.True(t, empty)
	assert.True(t, removed)
	assert.Empty(t, room.TypingUsers(time.Now()), "空房間不保留 typing")
}

// TestRoom_JoinLeaveEvents join/leave 的 presence 事件
func TestRoom_JoinLeaveEvents(t *testing.T) {
	room := internal.NewRoom("general", internal.RoomOptions{})
	a, sinkA := newMember(t, "a")
	b, sinkB := newMember(t, "b")

	ack, res, err := room.Join(a, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Count)
	assert.Equal(t, 0, res.Delivered)

	ack, res, err = room.Join(b, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Count)
	assert.Equal(t, []string{"alice", "bob"}, ack.Members)
	assert.Equal(t, 1, res.Delivered)

	count, removed := room.Leave(a.ID())
	assert.True(t, removed)
	assert.Equal(t, 1, count)

	evs := waitForEvents(t, sinkB, func(evs []internal.Event) bool {
		return len(presenceOf(evs)) == 1
	})
	assert.Equal(t, internal.PresenceEvent{
		Action: internal.PresenceLeft, Username: "alice", Room: "general", Count: 1,
	}, presenceOf(evs)[0])

	evs = waitForEvents(t, sinkA, func(evs []internal.Event) bool {
		return len(presenceOf(evs)) == 1
	})
	assert.Equal(t, internal.PresenceEvent{
		Action: internal.PresenceJoined, Username: "bob", Room: "general", Count: 2,
	}, presenceOf(evs)[0])
}

// TestRoom_Publish 序號分配與扇出
func TestRoom_Publish(t *testing.T) {
	room := internal.NewRoom("general", internal.RoomOptions{})
	a, sinkA := newMember(t, "a")
	b, sinkB := newMember(t, "b")
	outsider, _ := newMember(t, "c")
	_, err := room.AddMember(a, "alice")
	require.NoError(t, err)
	_, err = room.AddMember(b, "bob")
	require.NoError(t, err)

	at := time.Now()
	msg, res, err := room.Publish(a.ID(), "hello", at)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, at, msg.Timestamp)
	assert.Equal(t, internal.BroadcastResult{Delivered: 2}, res)

	msg, _, err = room.Publish(b.ID(), "world", at)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), msg.Seq)
	assert.Equal(t, uint64(2), room.Sequence())

	_, _, err = room.Publish(outsider.ID(), "let me in", at)
	assert.ErrorIs(t, err, internal.ErrNotJoined)
	assert.Equal(t, uint64(2), room.Sequence(), "失敗的發送不消耗序號")

	for _, sink := range []*recordingSink{sinkA, sinkB} {
		evs := waitForEvents(t, sink, func(evs []internal.Event) bool {
			return len(messagesOf(evs)) == 2
		})
		msgs := messagesOf(evs)
		assert.Equal(t, "hello", msgs[0].Body)
		assert.Equal(t, "world", msgs[1].Body)
	}
}

// TestRoom_Broadcast 排除指定成員
func TestRoom_Broadcast(t *testing.T) {
	room := internal.NewRoom("general", internal.RoomOptions{})
	a, sinkA := newMember(t, "a")
	b, sinkB := newMember(t, "b")
	_, err := room.AddMember(a, "alice")
	require.NoError(t, err)
	_, err = room.AddMember(b, "bob")
	require.NoError(t, err)

	res := room.Broadcast(internal.TypingEvent{Username: "alice", Room: "general", IsTyping: true}, a.ID())
	assert.Equal(t, internal.BroadcastResult{Delivered: 1}, res)

	waitForEvents(t, sinkB, func(evs []internal.Event) bool {
		return len(typingOf(evs)) == 1
	})
	settle()
	assert.Empty(t, sinkA.Events())
}

// TestRoom_NextSequenceConcurrent 併發分配序號不重複、無間隙
func TestRoom_NextSequenceConcurrent(t *testing.T) {
	room := internal.NewRoom("general", internal.RoomOptions{})

	const (
		goroutines = 50
		perRoutine = 200
	)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool, goroutines*perRoutine)
		wg   sync.WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perRoutine)
			for j := 0; j < perRoutine; j++ {
				local = append(local, room.NextSequence())
			}
			mu.Lock()
			for _, s := range local {
				seen[s] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perRoutine)
	for s := uint64(1); s <= goroutines*perRoutine; s++ {
		require.True(t, seen[s], "missing seq %d", s)
	}
}

// TestRoom_TypingExpiry typing 惰性過期
func TestRoom_TypingExpiry(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		age     time.Duration
		want    []string
	}{
		{name: "fresh", timeout: time.Second, age: 500 * time.Millisecond, want: []string{"alice"}},
		{name: "at timeout", timeout: time.Second, age: time.Second, want: []string{"alice"}},
		{name: "expired", timeout: time.Second, age: 1500 * time.Millisecond, want: []string{}},
		{name: "custom timeout", timeout: 3 * time.Second, age: 2 * time.Second, want: []string{"alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := internal.NewRoom("general", internal.RoomOptions{TypingTimeout: tt.timeout})
			a, _ := newMember(t, "a")
			_, err := room.AddMember(a, "alice")
			require.NoError(t, err)

			now := time.Now()
			room.SetTyping("alice", true, now.Add(-tt.age))
			assert.Equal(t, tt.want, room.TypingUsers(now))
		})
	}

	t.Run("non-member ignored", func(t *testing.T) {
		room := internal.NewRoom("general", internal.RoomOptions{})
		room.SetTyping("ghost", true, time.Now())
		assert.Empty(t, room.TypingUsers(time.Now()))
	})

	t.Run("stop typing", func(t *testing.T) {
		room := internal.NewRoom("general", internal.RoomOptions{})
		a, _ := newMember(t, "a")
		_, err := room.AddMember(a, "alice")
		require.NoError(t, err)

		_, err = room.Typing(a.ID(), true, time.Now())
		require.NoError(t, err)
		_, err = room.Typing(a.ID(), false, time.Now())
		require.NoError(t, err)
		assert.Empty(t, room.TypingUsers(time.Now()))
	})
}

// TestRoom_Info 房間快照
func TestRoom_Info(t *testing.T) {
	room := internal.NewRoom("general", internal.RoomOptions{})
	for i := 0; i < 3; i++ {
		conn, _ := newMember(t, fmt.Sprintf("c%d", i))
		_, err := room.AddMember(conn, fmt.Sprintf("user%d", i))
		require.NoError(t, err)
	}
	room.NextSequence()
	room.SetTyping("user1", true, time.Now())

	info := room.Info(time.Now(), true)
	assert.Equal(t, "general", info.Name)
	assert.Equal(t, 3, info.Count)
	assert.Len(t, info.Members, 3)
	assert.Equal(t, []string{"user1"}, info.Typing)
	assert.Equal(t, uint64(1), info.Seq)

	assert.Nil(t, room.Info(time.Now(), false).Members)
}
