package internal

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy WebSocket 來源白名單
//
// 沒有 Origin header 的請求（非瀏覽器客戶端）一律放行；
// 瀏覽器請求必須命中白名單，"*" 表示全部放行。
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *slog.Logger
}

func newOriginPolicy(origins []string, logger *slog.Logger) *originPolicy {
	p := &originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("忽略無效的 origin 配置", "origin", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

// check 作為 websocket.Upgrader.CheckOrigin
func (p *originPolicy) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(header)
	if ok {
		if _, exists := p.allowed[normalized]; exists {
			return true
		}
	}

	p.logger.Warn("拒絕來自未允許來源的 WebSocket 連接", "origin", header)
	return false
}

// normalizeOrigin scheme 與 host 轉小寫，去掉 path
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
