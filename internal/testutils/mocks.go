package testutils

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/koopa0/system-design/14-live-game-session/internal/content"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
)

// MemoryStore 記憶體版的內容 / 作業 / 成績存儲
type MemoryStore struct {
	mu          sync.RWMutex
	contents    map[string]content.Content
	assignments []content.Assignment
	results     []content.Result
	seq         atomic.Int64

	// 記錄呼叫次數
	GetContentCalls     atomic.Int32
	FindAssignmentCalls atomic.Int32
	CreateResultCalls   atomic.Int32

	// 錯誤注入：下一次呼叫返回 FailError
	failNext  atomic.Bool
	FailError error
}

// NewMemoryStore 創建 MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contents: make(map[string]content.Content),
	}
}

// FailNext 讓下一次呼叫返回 err
func (m *MemoryStore) FailNext(err error) {
	m.FailError = err
	m.failNext.Store(true)
}

func (m *MemoryStore) shouldFail() bool {
	return m.failNext.CompareAndSwap(true, false)
}

func (m *MemoryStore) nextID(prefix string) string {
	return prefix + "-" + strconv.FormatInt(m.seq.Add(1), 10)
}

// PutContent 直接放入內容（測試資料準備）
func (m *MemoryStore) PutContent(c content.Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[c.ID] = c
}

// PutAssignment 直接放入作業（測試資料準備）
func (m *MemoryStore) PutAssignment(a content.Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = append(m.assignments, a)
}

// GetContent 實作 ContentStore
func (m *MemoryStore) GetContent(_ context.Context, id string) (content.Content, error) {
	m.GetContentCalls.Add(1)
	if m.shouldFail() {
		return content.Content{}, m.FailError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contents[id]
	if !ok {
		return content.Content{}, apperrors.ErrContentNotFound
	}
	return c, nil
}

// CreateContent 實作 ContentStore
func (m *MemoryStore) CreateContent(_ context.Context, c content.Content) (content.Content, error) {
	if m.shouldFail() {
		return content.Content{}, m.FailError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = m.nextID("content")
	}
	if _, exists := m.contents[c.ID]; exists {
		return content.Content{}, apperrors.New(apperrors.ErrCodeAlreadyExists, "content already exists")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.contents[c.ID] = c
	return c, nil
}

// ListContentsByOwner 實作 ContentStore
func (m *MemoryStore) ListContentsByOwner(_ context.Context, ownerID string) ([]content.Content, error) {
	if m.shouldFail() {
		return nil, m.FailError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := lo.Filter(lo.Values(m.contents), func(c content.Content, _ int) bool {
		return c.OwnerID == ownerID
	})
	slices.SortFunc(owned, func(a, b content.Content) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return owned, nil
}

// CreateAssignment 實作 AssignmentStore
func (m *MemoryStore) CreateAssignment(_ context.Context, a content.Assignment) (content.Assignment, error) {
	if m.shouldFail() {
		return content.Assignment{}, m.FailError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range a.ContentIDs {
		if _, ok := m.contents[id]; !ok {
			return content.Assignment{}, apperrors.New(apperrors.ErrCodeNotFound, "assigned content does not exist")
		}
	}
	if a.ID == "" {
		a.ID = m.nextID("assignment")
	}
	if a.Status == "" {
		a.Status = content.AssignmentUpcoming
	}
	m.assignments = append(m.assignments, a)
	return a, nil
}

// FindAssignmentFor 實作 AssignmentFinder
func (m *MemoryStore) FindAssignmentFor(_ context.Context, studentID, contentID string) (content.Assignment, error) {
	m.FindAssignmentCalls.Add(1)
	if m.shouldFail() {
		return content.Assignment{}, m.FailError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// 最新的作業優先
	for i := len(m.assignments) - 1; i >= 0; i-- {
		a := m.assignments[i]
		if slices.Contains(a.StudentIDs, studentID) && slices.Contains(a.ContentIDs, contentID) {
			return a, nil
		}
	}
	return content.Assignment{}, apperrors.ErrAssignmentNotFound
}

// ListAssignmentsForStudent 實作 AssignmentStore
func (m *MemoryStore) ListAssignmentsForStudent(_ context.Context, studentID string) ([]content.Assignment, error) {
	if m.shouldFail() {
		return nil, m.FailError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	mine := lo.Filter(m.assignments, func(a content.Assignment, _ int) bool {
		return slices.Contains(a.StudentIDs, studentID)
	})
	slices.Reverse(mine)
	return mine, nil
}

// CreateResult 實作 ResultStore
func (m *MemoryStore) CreateResult(_ context.Context, r content.Result) (content.Result, error) {
	m.CreateResultCalls.Add(1)
	if m.shouldFail() {
		return content.Result{}, m.FailError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	duplicate := lo.ContainsBy(m.results, func(existing content.Result) bool {
		return existing.StudentID == r.StudentID &&
			existing.ContentID == r.ContentID &&
			existing.AssignmentID == r.AssignmentID
	})
	if duplicate {
		return content.Result{}, apperrors.ErrResultAlreadySubmitted
	}

	if r.ID == "" {
		r.ID = m.nextID("result")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.results = append(m.results, r)
	return r, nil
}

// ListResultsByContent 實作 ResultStore
func (m *MemoryStore) ListResultsByContent(_ context.Context, contentID string) ([]content.Result, error) {
	if m.shouldFail() {
		return nil, m.FailError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.Filter(m.results, func(r content.Result, _ int) bool {
		return r.ContentID == contentID
	}), nil
}

// Results 所有成績副本
func (m *MemoryStore) Results() []content.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.results)
}

// PublishedEvent 記錄的事件
type PublishedEvent struct {
	Subject string
	Data    any
}

// RecordingPublisher 記錄所有發佈的事件
type RecordingPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
	Err    error
}

// Publish 實作 notify.Publisher
func (p *RecordingPublisher) Publish(_ context.Context, subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Subject: subject, Data: data})
	return p.Err
}

// Close 實作 notify.Publisher
func (p *RecordingPublisher) Close() error { return nil }

// Events 已發佈事件副本
func (p *RecordingPublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

// Subjects 依序列出主題
func (p *RecordingPublisher) Subjects() []string {
	return lo.Map(p.Events(), func(e PublishedEvent, _ int) string { return e.Subject })
}
