package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koopa0/system-design/14-chat-hub/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*internal.Hub, http.Handler) {
	t.Helper()
	hub := newTestHub(t, nil)
	handler := internal.NewHandler(hub, testLogger())
	return hub, handler.Routes()
}

func doRequest(router http.Handler, method, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestHandler_Health 健康檢查
func TestHandler_Health(t *testing.T) {
	_, router := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

// TestHandler_ListRooms 房間列表
func TestHandler_ListRooms(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, hub *internal.Hub)
		wantTotal int
		validate  func(t *testing.T, rooms []map[string]any)
	}{
		{
			name:      "no rooms",
			setup:     func(t *testing.T, hub *internal.Hub) {},
			wantTotal: 0,
		},
		{
			name: "sorted by name with counts",
			setup: func(t *testing.T, hub *internal.Hub) {
				connectAndJoin(t, hub, "zeta", "alice")
				connectAndJoin(t, hub, "alpha", "bob")
				connectAndJoin(t, hub, "alpha", "carol")
			},
			wantTotal: 2,
			validate: func(t *testing.T, rooms []map[string]any) {
				assert.Equal(t, "alpha", rooms[0]["room"])
				assert.Equal(t, float64(2), rooms[0]["count"])
				assert.Equal(t, "zeta", rooms[1]["room"])
				assert.NotContains(t, rooms[0], "members")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, router := newTestRouter(t)
			tt.setup(t, hub)

			w := doRequest(router, http.MethodGet, "/api/v1/rooms")
			assert.Equal(t, http.StatusOK, w.Code)

			var resp struct {
				Rooms []map[string]any `json:"rooms"`
				Total int              `json:"total"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantTotal, resp.Total)
			assert.Len(t, resp.Rooms, tt.wantTotal)
			if tt.validate != nil {
				tt.validate(t, resp.Rooms)
			}
		})
	}
}

// TestHandler_GetRoomDetail 房間詳情
func TestHandler_GetRoomDetail(t *testing.T) {
	hub, router := newTestRouter(t)

	a, _ := connectAndJoin(t, hub, "general", "alice")
	connectAndJoin(t, hub, "general", "bob")
	_, err := hub.Send(a, "general", "hi")
	require.NoError(t, err)
	require.NoError(t, hub.SetTyping(a, "general", true))

	w := doRequest(router, http.MethodGet, "/api/v1/rooms/general")
	assert.Equal(t, http.StatusOK, w.Code)

	var info internal.RoomInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "general", info.Name)
	assert.Equal(t, 2, info.Count)
	assert.Equal(t, uint64(1), info.Seq)
	assert.Equal(t, []string{"alice"}, info.Typing)
	require.Len(t, info.Members, 2)
	assert.Equal(t, "alice", info.Members[0].Username)

	w = doRequest(router, http.MethodGet, "/api/v1/rooms/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(internal.CodeRoomNotFound), resp["code"])
}

// TestHandler_Stats 統計資訊
func TestHandler_Stats(t *testing.T) {
	hub, router := newTestRouter(t)

	a, _ := connectAndJoin(t, hub, "general", "alice")
	_, err := hub.Send(a, "general", "hi")
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, w.Code)

	var stats internal.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Members)
	assert.Equal(t, uint64(1), stats.Messages)
}

// TestHandler_MethodNotAllowed 只提供 GET
func TestHandler_MethodNotAllowed(t *testing.T) {
	_, router := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/rooms")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
