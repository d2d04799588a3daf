// Package notify 將房間與成績事件發佈到 NATS JetStream。
//
// 發佈是盡力而為：失敗只記錄日誌，不影響房間或成績流程本身。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// 事件主題
const (
	SubjectSessionStarted  = "game.session.started"
	SubjectRoomClosed      = "game.room.closed"
	SubjectResultSubmitted = "game.result.submitted"
)

// Event 事件信封
type Event struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// Publisher 事件發佈者
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close() error
}

// Nop 不發佈任何事件（未設定 NATS 時使用）
type Nop struct{}

// Publish 實作 Publisher
func (Nop) Publish(context.Context, string, any) error { return nil }

// Close 實作 Publisher
func (Nop) Close() error { return nil }

// Options NATS 發佈設定
type Options struct {
	URL      string
	Stream   string
	Subjects []string
	MaxAge   time.Duration
}

// NATSPublisher JetStream 發佈者
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS 並確保 Stream 存在
func NewNATSPublisher(opts Options, logger *slog.Logger) (*NATSPublisher, error) {
	if opts.Stream == "" {
		return nil, errors.New("nats stream name is required")
	}
	if len(opts.Subjects) == 0 {
		opts.Subjects = []string{"game.>"}
	}

	conn, err := nats.Connect(
		opts.URL,
		nats.Name("live-game-session"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("創建 JetStream 上下文失敗: %w", err)
	}

	p := &NATSPublisher{
		conn:   conn,
		js:     js,
		logger: logger.With("component", "nats_publisher"),
	}

	if err := p.ensureStream(opts); err != nil {
		conn.Close()
		return nil, fmt.Errorf("初始化 Stream 失敗: %w", err)
	}

	return p, nil
}

// ensureStream 不存在則創建，已存在則更新
func (p *NATSPublisher) ensureStream(opts Options) error {
	cfg := &nats.StreamConfig{
		Name:       opts.Stream,
		Subjects:   opts.Subjects,
		Storage:    nats.FileStorage,
		MaxAge:     opts.MaxAge,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}

	_, err := p.js.StreamInfo(opts.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("創建 Stream 失敗: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("查詢 Stream 失敗: %w", err)
	}

	if _, err := p.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("更新 Stream 失敗: %w", err)
	}
	return nil
}

// Publish 同步發佈；事件 ID 同時作為 JetStream 去重 ID
func (p *NATSPublisher) Publish(ctx context.Context, subject string, data any) error {
	event := Event{
		ID:         uuid.NewString(),
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	ack, err := p.js.Publish(subject, body, nats.Context(ctx), nats.MsgId(event.ID))
	if err != nil {
		return fmt.Errorf("發佈事件失敗: %w", err)
	}

	p.logger.Debug("事件已發佈",
		"subject", subject,
		"event_id", event.ID,
		"stream", ack.Stream,
		"seq", ack.Sequence)
	return nil
}

// Close 排空並關閉連接
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
