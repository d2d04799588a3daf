// Package content 定義遊戲內容（題組）、作業與成績的資料模型。
//
// 這些是房間與授權邏輯依賴的持久化事實；儲存實作在 internal/storage。
package content

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role 使用者角色
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
)

// IsParticipantClass 是否為可透過作業或即時房間取得內容的角色
func (r Role) IsParticipantClass() bool {
	return r == RoleStudent
}

// Options 題目選項
//
// 可從 JSON 陣列或逗號分隔字串解碼（舊版題組以 "A, B, C" 儲存）。
type Options []string

// UnmarshalJSON 支援陣列與逗號分隔字串兩種格式
func (o *Options) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*o = trimAll(list)
		return nil
	}

	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("options must be an array or a comma-separated string: %w", err)
	}
	if strings.TrimSpace(joined) == "" {
		*o = Options{}
		return nil
	}
	*o = trimAll(strings.Split(joined, ","))
	return nil
}

func trimAll(items []string) Options {
	out := make(Options, 0, len(items))
	for _, item := range items {
		out = append(out, strings.TrimSpace(item))
	}
	return out
}

// Item 計分題目
type Item struct {
	Prompt        string  `json:"question"`
	Options       Options `json:"options"`
	CorrectOption int     `json:"correctOptionIndex"`
}

// Content 教師建立的遊戲內容
type Content struct {
	ID         string          `json:"_id"`
	OwnerID    string          `json:"owner"`
	TemplateID string          `json:"template"`
	Name       string          `json:"name"`
	Config     json.RawMessage `json:"config,omitempty"`
	Items      []Item          `json:"content"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// MaxScore 可得的最高分（題目數）
func (c *Content) MaxScore() int {
	return len(c.Items)
}

// Validate 檢查題目設定
func (c *Content) Validate() error {
	for i, item := range c.Items {
		if item.Prompt == "" {
			return fmt.Errorf("item %d: prompt is required", i)
		}
		if len(item.Options) < 2 {
			return fmt.Errorf("item %d: at least two options are required", i)
		}
		if item.CorrectOption < 0 || item.CorrectOption >= len(item.Options) {
			return fmt.Errorf("item %d: correct option %d out of range", i, item.CorrectOption)
		}
	}
	return nil
}

// AssignmentStatus 作業狀態
type AssignmentStatus string

const (
	AssignmentUpcoming AssignmentStatus = "upcoming"
	AssignmentActive   AssignmentStatus = "active"
	AssignmentClosed   AssignmentStatus = "closed"
)

// Assignment 作業：將內容指派給學生
type Assignment struct {
	ID         string           `json:"_id"`
	TeacherID  string           `json:"teacher"`
	Title      string           `json:"title"`
	StartDate  time.Time        `json:"startDate"`
	EndDate    time.Time        `json:"endDate"`
	Status     AssignmentStatus `json:"status"`
	StudentIDs []string         `json:"students"`
	ContentIDs []string         `json:"gameCreations"`
}

// Result 一次遊戲的成績
type Result struct {
	ID           string    `json:"_id"`
	StudentID    string    `json:"student"`
	ContentID    string    `json:"gameCreation"`
	AssignmentID string    `json:"assignment"`
	Score        int       `json:"score"`
	MaxScore     int       `json:"totalPossibleScore"`
	CreatedAt    time.Time `json:"createdAt"`
}
