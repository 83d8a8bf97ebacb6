package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Handler HTTP 查詢接口（只讀；聊天本身走 WebSocket）
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room}", wrap(h.getRoomDetail))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.hub.Rooms()
	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	}, http.StatusOK)
}

// getRoomDetail 房間詳情（成員、typing 中的用戶、最後序號）
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	info, err := h.hub.Room(r.PathValue("room"))
	if err != nil {
		h.hubErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, info, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.hub.Stats(), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, code ErrorCode, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"code":  code,
		"error": message,
	}, status)
}

// hubErrorResponse 依錯誤碼決定 HTTP 狀態
func (h *Handler) hubErrorResponse(w http.ResponseWriter, err error) {
	var hubErr *HubError
	if !errors.As(err, &hubErr) {
		h.errorResponse(w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusBadRequest
	switch hubErr.Code {
	case CodeRoomNotFound:
		status = http.StatusNotFound
	case CodeRateLimited:
		status = http.StatusTooManyRequests
	case CodeServerShutdown:
		status = http.StatusServiceUnavailable
	}
	h.errorResponse(w, hubErr.Code, hubErr.Error(), status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "INTERNAL_ERROR", "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
