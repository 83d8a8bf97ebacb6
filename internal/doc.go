// Package internal 實現多房間、具備背壓控制的即時聊天廣播 Hub。
//
// # 核心功能
//
// 連接與房間：
//   - 一個連接可以同時加入多個房間，第一次加入時綁定用戶名
//   - 同一房間內用戶名唯一（跨連接）
//   - 房間首次加入時創建，最後一人離開後回收
//
// 廣播：
//   - 每個房間自己分配訊息序號，所有接收者看到相同順序
//   - 廣播只負責入隊，從不等待慢的接收者
//
// # 背壓
//
// 每個連接有固定容量的出站佇列，依事件類型採用不同溢出策略：
//   - message / presence：丟棄新事件，持續飽和超過寬限期則斷線
//   - typing：踢掉最舊的 typing 事件
//   - 其他控制事件：丟棄新事件
//
// 被丟棄的非 typing 事件數會以 dropped 事件告知客戶端。
//
// # 分層
//
//   - Hub：連接生命週期、房間映射、命令路由
//   - Room：成員、typing、序號、扇出
//   - Presence：房間 × 用戶名 × 連接 的雙向索引
//   - Connection：狀態機 + 出站佇列 + drain goroutine
//   - WebSocketServer / Handler：傳輸與 HTTP 查詢接口（核心只依賴 Sink 介面）
//
// # 使用範例
//
//	cfg := internal.DefaultConfig()
//	hub := internal.NewHub(cfg, logger)
//	ws := internal.NewWebSocketServer(hub, cfg, logger)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", internal.NewHandler(hub, logger).Routes())
//	mux.HandleFunc("GET /ws", ws.ServeWS)
//
// 客戶端：
//
//	{"type":"join","username":"alice","room":"general"}
//	{"type":"message","body":"hi"}
//	{"type":"typing","isTyping":true}
package internal
