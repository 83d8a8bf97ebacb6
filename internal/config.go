package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個服務的配置
//
// 載入順序：DefaultConfig → YAML 檔案 → 環境變數 → 命令行參數（main 處理）
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Hub struct {
		MaxUsernameLength int           `yaml:"max_username_length"`
		MaxMessageLength  int           `yaml:"max_message_length"`
		MaxRoomNameLength int           `yaml:"max_room_name_length"`
		MaxRoomMembers    int           `yaml:"max_room_members"` // 0 表示不限制
		TypingTimeout     time.Duration `yaml:"typing_timeout"`
		EmptyRoomGrace    time.Duration `yaml:"empty_room_grace"` // 0 表示空房間立即刪除
		CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	} `yaml:"hub"`

	Outbound struct {
		QueueCapacity     int            `yaml:"queue_capacity"`
		SlowConsumerGrace time.Duration  `yaml:"slow_consumer_grace"`
		WriteTimeout      time.Duration  `yaml:"write_timeout"`
		FlushTimeout      time.Duration  `yaml:"flush_timeout"`
		MessagePolicy     OverflowPolicy `yaml:"message_policy"`
		PresencePolicy    OverflowPolicy `yaml:"presence_policy"`
		TypingPolicy      OverflowPolicy `yaml:"typing_policy"`
		ControlPolicy     OverflowPolicy `yaml:"control_policy"`
	} `yaml:"outbound"`

	RateLimit struct {
		EventsPerSecond float64 `yaml:"events_per_second"` // 0 表示不限流
		Burst           int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	WebSocket struct {
		AllowedOrigins []string      `yaml:"allowed_origins"`
		MaxFrameBytes  int64         `yaml:"max_frame_bytes"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongWait       time.Duration `yaml:"pong_wait"`
	} `yaml:"websocket"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Hub.MaxUsernameLength = 20
	cfg.Hub.MaxMessageLength = 500
	cfg.Hub.MaxRoomNameLength = 64
	cfg.Hub.TypingTimeout = time.Second
	cfg.Hub.CleanupInterval = time.Minute

	cfg.Outbound.QueueCapacity = 256
	cfg.Outbound.SlowConsumerGrace = 5 * time.Second
	cfg.Outbound.WriteTimeout = 10 * time.Second
	cfg.Outbound.FlushTimeout = time.Second
	cfg.Outbound.MessagePolicy = PolicyDisconnect
	cfg.Outbound.PresencePolicy = PolicyDisconnect
	cfg.Outbound.TypingPolicy = PolicyDropOldest
	cfg.Outbound.ControlPolicy = PolicyDropNewest

	cfg.RateLimit.EventsPerSecond = 20
	cfg.RateLimit.Burst = 40

	cfg.WebSocket.AllowedOrigins = []string{"http://localhost:8080"}
	cfg.WebSocket.MaxFrameBytes = 4096
	cfg.WebSocket.PingInterval = 54 * time.Second
	cfg.WebSocket.PongWait = 60 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// LoadConfig 從 YAML 檔案載入配置（未設定的欄位保留預設值），並套用環境變數
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令行參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 以環境變數覆蓋配置，無效值直接忽略
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CHAT_PORT"); v != "" {
		c.Server.Port = parsePositiveInt(v, c.Server.Port)
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		c.WebSocket.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("CHAT_QUEUE_CAPACITY"); v != "" {
		c.Outbound.QueueCapacity = parsePositiveInt(v, c.Outbound.QueueCapacity)
	}
	if v := os.Getenv("CHAT_MAX_ROOM_MEMBERS"); v != "" {
		c.Hub.MaxRoomMembers = parsePositiveInt(v, c.Hub.MaxRoomMembers)
	}
	if v := os.Getenv("CHAT_SLOW_CONSUMER_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			c.Outbound.SlowConsumerGrace = d
		}
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CHAT_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
}

// Validate 檢查配置合理性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Hub.MaxUsernameLength <= 0 {
		return fmt.Errorf("max_username_length must be positive")
	}
	if c.Hub.MaxMessageLength <= 0 {
		return fmt.Errorf("max_message_length must be positive")
	}
	if c.Hub.MaxRoomNameLength <= 0 {
		return fmt.Errorf("max_room_name_length must be positive")
	}
	if c.Hub.MaxRoomMembers < 0 {
		return fmt.Errorf("max_room_members must not be negative")
	}
	if c.Hub.TypingTimeout <= 0 {
		return fmt.Errorf("typing_timeout must be positive")
	}
	if c.Hub.EmptyRoomGrace > 0 && c.Hub.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive when empty_room_grace is set")
	}
	if c.Outbound.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	if c.Outbound.SlowConsumerGrace < 0 {
		return fmt.Errorf("slow_consumer_grace must not be negative")
	}
	for name, p := range map[string]OverflowPolicy{
		"message_policy":  c.Outbound.MessagePolicy,
		"presence_policy": c.Outbound.PresencePolicy,
		"typing_policy":   c.Outbound.TypingPolicy,
		"control_policy":  c.Outbound.ControlPolicy,
	} {
		if !p.Valid() {
			return fmt.Errorf("invalid %s: %q", name, p)
		}
	}
	if c.RateLimit.EventsPerSecond < 0 {
		return fmt.Errorf("events_per_second must not be negative")
	}
	if c.RateLimit.EventsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("burst must be positive when rate limiting is enabled")
	}
	return nil
}

// Policies 每種事件類型的溢出策略（控制事件共用 ControlPolicy）
func (c *Config) Policies() PolicyTable {
	return PolicyTable{
		KindMessage:  c.Outbound.MessagePolicy,
		KindPresence: c.Outbound.PresencePolicy,
		KindTyping:   c.Outbound.TypingPolicy,
		KindJoined:   c.Outbound.ControlPolicy,
		KindLeft:     c.Outbound.ControlPolicy,
		KindError:    c.Outbound.ControlPolicy,
		KindPong:     c.Outbound.ControlPolicy,
	}
}

func parsePositiveInt(value string, fallback int) int {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return n
	}
	return fallback
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
