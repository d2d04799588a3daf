// Package internal 實作即時多人遊戲房間的編排服務。
//
// 老師開房取得五位數加入碼，學生以代碼加入，老師按下開始後，
// 房間內所有連接同時收到遊戲開始信號並載入同一份內容。
//
// # 房間註冊表
//
// Registry 是所有存活房間的唯一真實來源：
//   - 加入碼在存活房間中唯一
//   - 只有房主能開始遊戲，且每個房間只開始一次
//   - 房主離線即拆房，之後以該代碼加入一律失敗
//   - 房間只存在於記憶體，重啟即消失
//
// # 連接閘道
//
// Gateway 終結 websocket 連接，把 host-game、join-game、start-game
// 翻譯成 Registry 呼叫並扇出結果：
//   - 每條連接一個讀 goroutine 與一個寫 goroutine
//   - 心跳檢測（Ping/Pong）偵測死連接
//   - 非阻塞入列，慢客戶端不影響其他人
//   - 每條連接的加入嘗試以令牌桶限流
//
// # 內容授權
//
// Authorizer 結合持久化事實（擁有者、作業）與即時房間名單：
// 學生只要在正在播放該內容的存活房間裡，就能讀取內容。
//
// 使用範例
//
// 啟動服務器：
//
//	registry := internal.NewRegistry(logger, internal.RegistryOptions{DedupeByIdentity: true})
//	gateway := internal.NewGateway(registry, logger, internal.GatewayOptions{})
//	handler := internal.NewHandler(internal.HandlerDeps{Registry: registry, Gateway: gateway, ...}, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 客戶端連接：
//
//	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost:8080/ws?token="+token, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ws.WriteJSON(map[string]any{"event": "join-game", "data": map[string]string{"code": "73510", "displayName": "Amy"}})
//
// 架構設計
//
// 系統採用分層架構設計：
//   - Handler 層：HTTP API（內容、作業、成績）
//   - Gateway 層：即時連接與事件扇出
//   - Registry 層：房間狀態與不變量
//   - bridge 套件：編排端與遊戲引擎之間的訊息協議
//   - storage 套件：PostgreSQL 與 Redis 快取
package internal
