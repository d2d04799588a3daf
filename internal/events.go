package internal

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// 客戶端 → 伺服器事件
const (
	EventHostGame  = "host-game"
	EventJoinGame  = "join-game"
	EventStartGame = "start-game"
)

// 伺服器 → 客戶端事件
const (
	EventRoomCreated    = "room-created"
	EventHostError      = "host-error"
	EventJoinSuccess    = "join-success"
	EventJoinError      = "join-error"
	EventRosterUpdated  = "roster-updated"
	EventSessionStarted = "session-started"
)

// Envelope 雙向共用的訊息信封 {"event": ..., "data": ...}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// HostGamePayload host-game
type HostGamePayload struct {
	ContentID string `json:"contentId" validate:"required,max=128"`
}

// JoinGamePayload join-game
type JoinGamePayload struct {
	Code        string `json:"code" validate:"required,max=16"`
	DisplayName string `json:"displayName" validate:"required,max=64"`
	IdentityID  string `json:"identityId" validate:"max=128"`
}

// StartGamePayload start-game
type StartGamePayload struct {
	Code string `json:"code" validate:"required"`
}

// RoomCreatedPayload room-created
type RoomCreatedPayload struct {
	Code string `json:"code"`
}

// ErrorPayload host-error / join-error
type ErrorPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// JoinSuccessPayload join-success
type JoinSuccessPayload struct {
	Code string `json:"code"`
}

// RosterEntry 送給房主的名單項目（不含連接 ID）
type RosterEntry struct {
	DisplayName string `json:"displayName"`
	IdentityID  string `json:"identityId,omitempty"`
}

// RosterUpdatedPayload roster-updated
type RosterUpdatedPayload struct {
	Code   string        `json:"code"`
	Roster []RosterEntry `json:"roster"`
}

// SessionStartedPayload session-started
type SessionStartedPayload struct {
	ContentID string `json:"contentId"`
}

func rosterEntries(participants []Participant) []RosterEntry {
	return lo.Map(participants, func(p Participant, _ int) RosterEntry {
		return RosterEntry{DisplayName: p.DisplayName, IdentityID: p.IdentityID}
	})
}

// encodeEvent 序列化伺服器事件
func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// peekEvent 不完整解碼就取出事件名與 data
func peekEvent(message []byte) (string, gjson.Result, bool) {
	if !gjson.ValidBytes(message) {
		return "", gjson.Result{}, false
	}
	event := gjson.GetBytes(message, "event")
	if event.Type != gjson.String || event.Str == "" {
		return "", gjson.Result{}, false
	}
	return event.Str, gjson.GetBytes(message, "data"), true
}

// decodePayload 解碼 data；允許以純字串代替只有一個欄位的物件
//
// 例如 {"event":"start-game","data":"73510"} 等同 {"data":{"code":"73510"}}。
func decodePayload(data gjson.Result, shorthandField string, out any) error {
	raw := data.Raw
	if data.Type == gjson.String && shorthandField != "" {
		wrapped, err := json.Marshal(map[string]string{shorthandField: data.Str})
		if err != nil {
			return err
		}
		raw = string(wrapped)
	}
	if raw == "" {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), out)
}
