// Package bridge 實作編排端與隔離的遊戲引擎之間的雙訊息協議。
//
// 編排端等待引擎的 READY，送出唯一一次 INIT_SESSION（題組 + 回顯 ID），
// 引擎完成後回傳唯一一次 SESSION_COMPLETE（分數 + 回顯 ID）。
// 引擎被視為不可信的另一端：任何格式錯誤、ID 不符或分數越界的訊息都直接丟棄。
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/koopa0/system-design/14-live-game-session/internal/content"
)

// MessageType 訊息類型
type MessageType string

const (
	// TypeReady 引擎啟動完成
	TypeReady MessageType = "READY"
	// TypeInitSession 編排端 → 引擎
	TypeInitSession MessageType = "INIT_SESSION"
	// TypeSessionComplete 引擎 → 編排端
	TypeSessionComplete MessageType = "SESSION_COMPLETE"
)

// Message 跨邊界的訊息信封
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitSession 初始化訊息
//
// Questions 與 Content.Items 相同，保留給以 questions 讀題的舊版引擎。
type InitSession struct {
	Content          content.Content `json:"content"`
	Questions        []content.Item  `json:"questions"`
	SessionSubjectID string          `json:"sessionSubjectId"`
}

// Items 有序的計分題目
func (s InitSession) Items() []content.Item {
	if len(s.Content.Items) > 0 {
		return s.Content.Items
	}
	return s.Questions
}

// SessionComplete 完成訊息
type SessionComplete struct {
	SessionSubjectID string `json:"sessionSubjectId" validate:"required"`
	Score            int    `json:"score" validate:"gte=0"`
	MaxScore         int    `json:"maxScore" validate:"gte=0"`
}

// ErrInvalidScore 分數不在 [0, maxScore]
var ErrInvalidScore = errors.New("score out of range")

// Validate 檢查分數範圍與回顯 ID
func (c SessionComplete) Validate() error {
	if c.SessionSubjectID == "" {
		return errors.New("sessionSubjectId is required")
	}
	if c.MaxScore < 0 || c.Score < 0 || c.Score > c.MaxScore {
		return fmt.Errorf("%w: %d/%d", ErrInvalidScore, c.Score, c.MaxScore)
	}
	return nil
}

// NewInitSession 以內容 ID 作為回顯 ID 建立初始化訊息
func NewInitSession(c content.Content) InitSession {
	return InitSession{
		Content:          c,
		Questions:        c.Items,
		SessionSubjectID: c.ID,
	}
}

// NewMessage 建立帶 payload 的訊息
func NewMessage(t MessageType, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// Encode 序列化訊息
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode 解析訊息；缺少 type 視為錯誤
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode bridge message: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("decode bridge message: missing type")
	}
	return m, nil
}

// DecodeInitSession 取出 INIT_SESSION payload
func (m Message) DecodeInitSession() (InitSession, error) {
	if m.Type != TypeInitSession {
		return InitSession{}, fmt.Errorf("expected %s, got %s", TypeInitSession, m.Type)
	}
	var s InitSession
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return InitSession{}, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return s, nil
}

// DecodeSessionComplete 取出 SESSION_COMPLETE payload 並檢查範圍
func (m Message) DecodeSessionComplete() (SessionComplete, error) {
	if m.Type != TypeSessionComplete {
		return SessionComplete{}, fmt.Errorf("expected %s, got %s", TypeSessionComplete, m.Type)
	}
	var c SessionComplete
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return SessionComplete{}, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	if err := c.Validate(); err != nil {
		return SessionComplete{}, err
	}
	return c, nil
}
