package internal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/koopa0/system-design/14-live-game-session/internal/limiter"
	"github.com/koopa0/system-design/14-live-game-session/internal/notify"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
)

// 系統設計問題：
//   老師開房、學生輸入代碼加入、老師按下開始後全班同時進入遊戲。
//
// 核心挑戰：
//   1. 角色由第一個事件決定，之後不得改變
//   2. session-started 對每條連接最多送一次
//   3. 慢客戶端不能拖累整個房間
//   4. 斷線要即時反映到房間狀態（房主斷線即拆房）
//
// 設計方案：
//   ✅ 每條連接一個讀 goroutine + 一個寫 goroutine
//   ✅ 每條連接的事件依序處理，狀態只由讀 goroutine 修改
//   ✅ 非阻塞入列 + 緩衝 channel，佇列滿就關閉該慢速連接並記錄
//   ✅ Ping/Pong 心跳（54s/60s）偵測死連接

// connState 連接狀態
type connState int

const (
	stateUnbound connState = iota
	stateHost
	stateParticipant
)

func (s connState) String() string {
	switch s {
	case stateHost:
		return "host"
	case stateParticipant:
		return "participant"
	default:
		return "unbound"
	}
}

// GatewayOptions Gateway 選項
type GatewayOptions struct {
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	ReadBufferSize  int
	WriteBufferSize int
	// AllowedOrigins 為空時接受所有來源
	AllowedOrigins []string
	// JoinLimiter 每條連接的加入限流；nil 為不限
	JoinLimiter limiter.Factory
	// Tokens 升級時驗證 token；nil 時忽略 token
	Tokens TokenVerifier
	// Publisher 事件發佈；nil 時不發佈
	Publisher notify.Publisher
}

// GatewayOptionsFromConfig 由配置建立選項
func GatewayOptionsFromConfig(cfg *Config) GatewayOptions {
	return GatewayOptions{
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		PingInterval:    cfg.WebSocket.PingInterval,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		MaxMessageSize:  cfg.WebSocket.MaxMessageSize,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
		JoinLimiter:     limiter.NewFactory(cfg.Rooms.JoinBurst, cfg.Rooms.JoinRate),
	}
}

func (o *GatewayOptions) applyDefaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 512 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 1024
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 1024
	}
	if o.JoinLimiter == nil {
		o.JoinLimiter = limiter.NewFactory(0, 0)
	}
	if o.Publisher == nil {
		o.Publisher = notify.Nop{}
	}
}

// Gateway 即時連接閘道
//
// 終結 websocket 連接，把事件翻譯成 Registry 呼叫並扇出結果。
// 它是 Registry 的唯一呼叫者。
type Gateway struct {
	registry *Registry
	logger   *slog.Logger
	opts     GatewayOptions
	upgrader websocket.Upgrader
	validate *validator.Validate

	mu    sync.RWMutex
	conns map[string]*Connection // connectionID -> Connection

	// fanout 讓 Registry 操作與對應的入列成為一個整體，
	// 使 join-success 一定早於同一連接的 session-started
	fanout sync.Mutex

	stopped   atomic.Bool
	pumps     sync.WaitGroup // 讀 goroutine；斷線清理可能還會發佈事件
	publishWG sync.WaitGroup

	counters gatewayCounters
}

type gatewayCounters struct {
	accepted        atomic.Int64
	rejectedUpgrade atomic.Int64
	dropped         atomic.Int64
	slowClosed      atomic.Int64
	invalidEvents   atomic.Int64
	rateLimited     atomic.Int64
	publishFailures atomic.Int64
}

// GatewayStats 閘道統計
type GatewayStats struct {
	OpenConnections  int   `json:"open_connections"`
	AcceptedTotal    int64 `json:"accepted_total"`
	RejectedUpgrades int64 `json:"rejected_upgrades"`
	DroppedMessages  int64 `json:"dropped_messages"`
	SlowClosed       int64 `json:"slow_closed"`
	InvalidEvents    int64 `json:"invalid_events"`
	RateLimitedJoins int64 `json:"rate_limited_joins"`
	PublishFailures  int64 `json:"publish_failures"`
}

// Connection websocket 連接
type Connection struct {
	ID         string
	IdentityID string // 來自 token，可為空
	Conn       *websocket.Conn
	Send       chan []byte
	gateway    *Gateway
	joins      limiter.Limiter
	closeOnce  sync.Once
	evicted    atomic.Bool

	// 只由讀 goroutine 存取
	state connState
	code  string
}

// NewGateway 創建閘道
func NewGateway(registry *Registry, logger *slog.Logger, opts GatewayOptions) *Gateway {
	opts.applyDefaults()

	g := &Gateway{
		registry: registry,
		logger:   logger.With("component", "gateway"),
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		conns:    make(map[string]*Connection),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(g.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeWS 處理 websocket 升級
//
// 帶 token 時以 token 的 subject 作為身分；token 無效直接 401。
// 不帶 token 時使用 join-game 裡客戶端提供的 identityId（匿名情境）。
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if g.stopped.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	var identityID string
	if token := bearerToken(r); token != "" && g.opts.Tokens != nil {
		who, err := g.opts.Tokens.Verify(token)
		if err != nil {
			g.counters.rejectedUpgrade.Add(1)
			g.logger.Warn("websocket token 驗證失敗", "error", err, "remote_addr", r.RemoteAddr)
			http.Error(w, apperrors.ErrUnauthorized.Message, http.StatusUnauthorized)
			return
		}
		identityID = who.ID
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.counters.rejectedUpgrade.Add(1)
		g.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Conn:       conn,
		Send:       make(chan []byte, g.opts.SendBuffer),
		gateway:    g,
		joins:      g.opts.JoinLimiter(),
	}

	if !g.register(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	g.logger.Info("WebSocket 連接建立",
		"connection_id", c.ID,
		"identity_id", identityID)
}

// register 註冊連接；Stop 之後返回 false
func (g *Gateway) register(c *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped.Load() {
		return false
	}
	g.conns[c.ID] = c
	g.pumps.Add(1)
	g.counters.accepted.Add(1)
	return true
}

// unregister 取消註冊並關閉發送佇列
func (g *Gateway) unregister(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if actual, exists := g.conns[c.ID]; exists && actual == c {
		delete(g.conns, c.ID)
	}
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// sendTo 非阻塞入列；連接已不存在時丟棄
//
// 佇列滿代表客戶端跟不上，關閉底層連接讓讀 goroutine 走正常的斷線流程，
// 而不是讓它悄悄漏掉 session-started 之類的訊息。
func (g *Gateway) sendTo(connectionID string, message []byte) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, exists := g.conns[connectionID]
	if !exists {
		return false
	}

	select {
	case c.Send <- message:
		return true
	default:
		g.counters.dropped.Add(1)
		if c.evicted.CompareAndSwap(false, true) {
			g.counters.slowClosed.Add(1)
			g.logger.Warn("連接緩衝區滿，關閉慢速連接",
				"connection_id", connectionID,
				"buffer", cap(c.Send))
			_ = c.Conn.Close()
		}
		return false
	}
}

// emit 序列化並送出事件
func (g *Gateway) emit(connectionID, event string, data any) {
	message, err := encodeEvent(event, data)
	if err != nil {
		g.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}
	g.sendTo(connectionID, message)
}

// publish 在背景發佈事件，不阻塞事件處理
func (g *Gateway) publish(subject string, data any) {
	g.publishWG.Add(1)
	go func() {
		defer g.publishWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := g.opts.Publisher.Publish(ctx, subject, data); err != nil {
			g.counters.publishFailures.Add(1)
			g.logger.Warn("發佈事件失敗", "subject", subject, "error", err)
		}
	}()
}

// dispatch 依事件名分派；c 的狀態只在這裡被修改
func (c *Connection) dispatch(message []byte) {
	g := c.gateway

	event, data, ok := peekEvent(message)
	if !ok {
		g.counters.invalidEvents.Add(1)
		g.logger.Warn("無法解析的訊息", "connection_id", c.ID, "size", len(message))
		return
	}

	switch event {
	case EventHostGame:
		c.handleHostGame(data)
	case EventJoinGame:
		c.handleJoinGame(data)
	case EventStartGame:
		c.handleStartGame(data)
	default:
		g.counters.invalidEvents.Add(1)
		g.logger.Debug("收到未知事件", "event", event, "connection_id", c.ID)
	}
}

func (c *Connection) handleHostGame(data gjson.Result) {
	g := c.gateway

	if c.state != stateUnbound {
		g.emit(c.ID, EventHostError, ErrorPayload{Message: apperrors.ErrConnectionBound.Message})
		return
	}

	var payload HostGamePayload
	if err := decodePayload(data, "contentId", &payload); err != nil || g.validate.Struct(payload) != nil {
		g.counters.invalidEvents.Add(1)
		g.emit(c.ID, EventHostError, ErrorPayload{Message: "contentId is required"})
		return
	}

	g.fanout.Lock()
	defer g.fanout.Unlock()

	code, err := g.registry.CreateRoom(c.ID, payload.ContentID)
	if err != nil {
		g.logger.Warn("創建房間失敗", "connection_id", c.ID, "content_id", payload.ContentID, "error", err)
		g.emit(c.ID, EventHostError, ErrorPayload{
			Message:   messageFor(err),
			Retryable: apperrors.IsRetryable(err),
		})
		return
	}

	c.state = stateHost
	c.code = code
	g.emit(c.ID, EventRoomCreated, RoomCreatedPayload{Code: code})
}

func (c *Connection) handleJoinGame(data gjson.Result) {
	g := c.gateway

	if c.state != stateUnbound {
		g.emit(c.ID, EventJoinError, ErrorPayload{Message: apperrors.ErrConnectionBound.Message})
		return
	}

	if !c.joins.Allow() {
		g.counters.rateLimited.Add(1)
		g.logger.Warn("加入嘗試過於頻繁", "connection_id", c.ID)
		g.emit(c.ID, EventJoinError, ErrorPayload{Message: apperrors.ErrRateLimited.Message, Retryable: true})
		return
	}

	var payload JoinGamePayload
	if err := decodePayload(data, "", &payload); err != nil || g.validate.Struct(payload) != nil {
		g.counters.invalidEvents.Add(1)
		g.emit(c.ID, EventJoinError, ErrorPayload{Message: "code and displayName are required"})
		return
	}

	// 有 token 時以 token 為準；否則只是客戶端宣稱的身分
	join := g.registry.JoinRoomUnverified
	identityID := payload.IdentityID
	if c.IdentityID != "" {
		join = g.registry.JoinRoom
		identityID = c.IdentityID
	}

	g.fanout.Lock()
	defer g.fanout.Unlock()

	result, err := join(payload.Code, c.ID, payload.DisplayName, identityID)
	if err != nil {
		g.logger.Info("加入房間失敗", "connection_id", c.ID, "code", payload.Code, "error", err)
		g.emit(c.ID, EventJoinError, ErrorPayload{Message: messageFor(err)})
		return
	}

	c.state = stateParticipant
	c.code = result.Code

	if result.ReplacedConnectionID != "" {
		g.logger.Info("同一身分重新加入，取代舊連接",
			"code", result.Code,
			"identity_id", identityID,
			"replaced_connection_id", result.ReplacedConnectionID)
	}

	g.emit(c.ID, EventJoinSuccess, JoinSuccessPayload{Code: result.Code})
	g.emit(result.HostConnectionID, EventRosterUpdated, RosterUpdatedPayload{
		Code:   result.Code,
		Roster: rosterEntries(result.Roster),
	})
}

// handleStartGame 只有房主能開始；其他情況對客戶端靜默
func (c *Connection) handleStartGame(data gjson.Result) {
	g := c.gateway

	var payload StartGamePayload
	if err := decodePayload(data, "code", &payload); err != nil || g.validate.Struct(payload) != nil {
		g.counters.invalidEvents.Add(1)
		g.logger.Warn("忽略無效的 start-game", "connection_id", c.ID)
		return
	}

	g.fanout.Lock()
	result, err := g.registry.StartRoom(payload.Code, c.ID)
	if err != nil {
		g.fanout.Unlock()
		g.logger.Warn("忽略 start-game",
			"connection_id", c.ID,
			"code", payload.Code,
			"state", c.state,
			"reason", apperrors.Code(err))
		return
	}

	message, err := encodeEvent(EventSessionStarted, SessionStartedPayload{ContentID: result.ContentID})
	if err != nil {
		g.fanout.Unlock()
		g.logger.Error("序列化事件失敗", "event", EventSessionStarted, "error", err)
		return
	}
	delivered := 0
	for _, id := range result.Recipients {
		if g.sendTo(id, message) {
			delivered++
		}
	}
	g.fanout.Unlock()

	g.logger.Info("遊戲開始已廣播",
		"code", payload.Code,
		"content_id", result.ContentID,
		"recipients", len(result.Recipients),
		"delivered", delivered)

	g.publish(notify.SubjectSessionStarted, map[string]any{
		"code":       payload.Code,
		"contentId":  result.ContentID,
		"recipients": len(result.Recipients),
	})
}

// disconnect 傳輸層關閉：移出 Registry 並通知相關連接
func (g *Gateway) disconnect(c *Connection) {
	g.unregister(c)

	g.fanout.Lock()
	departure := g.registry.RemoveConnection(c.ID)
	switch departure.Role {
	case DepartureParticipant:
		g.emit(departure.HostConnectionID, EventRosterUpdated, RosterUpdatedPayload{
			Code:   departure.Code,
			Roster: rosterEntries(departure.Roster),
		})
	}
	g.fanout.Unlock()

	if departure.Role == DepartureHost {
		g.logger.Info("房主離線，房間已關閉",
			"code", departure.Code,
			"orphaned", len(departure.Orphaned))
		g.publish(notify.SubjectRoomClosed, map[string]any{
			"code":      departure.Code,
			"contentId": departure.ContentID,
			"orphaned":  len(departure.Orphaned),
		})
	}

	g.logger.Info("WebSocket 連接關閉",
		"connection_id", c.ID,
		"state", c.state,
		"code", c.code)
}

// messageFor 給客戶端看的錯誤訊息
func messageFor(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// Stop 停止閘道：拒絕新連接、關閉所有連接、等待斷線清理與發佈完成
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.stopped.Store(true)
	conns := lo.Values(g.conns)
	g.mu.Unlock()

	for _, c := range conns {
		g.unregister(c)
		_ = c.Conn.Close()
	}

	// 讀 goroutine 結束後不會再有新的 publish
	g.pumps.Wait()
	g.publishWG.Wait()
	g.logger.Info("Gateway 已停止", "closed_connections", len(conns))
}

// Stats 獲取統計資訊
func (g *Gateway) Stats() GatewayStats {
	g.mu.RLock()
	open := len(g.conns)
	g.mu.RUnlock()

	return GatewayStats{
		OpenConnections:  open,
		AcceptedTotal:    g.counters.accepted.Load(),
		RejectedUpgrades: g.counters.rejectedUpgrade.Load(),
		DroppedMessages:  g.counters.dropped.Load(),
		SlowClosed:       g.counters.slowClosed.Load(),
		InvalidEvents:    g.counters.invalidEvents.Load(),
		RateLimitedJoins: g.counters.rateLimited.Load(),
		PublishFailures:  g.counters.publishFailures.Load(),
	}
}

// readPump 讀取客戶端訊息
//
// 心跳（讀取端）：ReadTimeout 內沒收到任何訊息（包括 Pong）就關閉連接；
// 收到 Pong 時延長期限。PingInterval 必須小於 ReadTimeout 以留出網路延遲。
func (c *Connection) readPump() {
	g := c.gateway
	defer func() {
		g.disconnect(c)
		_ = c.Conn.Close()
		g.pumps.Done()
	}()

	c.Conn.SetReadLimit(g.opts.MaxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout)); err != nil {
		g.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				g.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.dispatch(message)
		}
	}
}

// writePump 寫入訊息到客戶端
//
// 心跳（發送端）：每 PingInterval 送一次 Ping；Send 被關閉時送出 Close 幀後結束。
func (c *Connection) writePump() {
	g := c.gateway
	ticker := time.NewTicker(g.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				// 嘗試送出關閉訊息，忽略錯誤（連接可能已關閉）
				if err := c.Conn.SetWriteDeadline(time.Now().Add(time.Second)); err == nil {
					_ = c.Conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.Conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				g.logger.Debug("發送訊息失敗", "connection_id", c.ID, "error", err)
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
