// Package storage 提供內容、作業與成績的持久化。
//
// PostgreSQL 是唯一真實來源；Redis 只做內容的 cache-aside。
// 房間狀態不在這裡：房間只存在於記憶體。
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-live-game-session/internal/content"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
)

// PostgreSQL 錯誤碼
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres PostgreSQL 存儲
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgres 創建存儲；連接池生命週期由呼叫端管理
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{
		pool:   pool,
		logger: logger.With("component", "postgres_store"),
		now:    time.Now,
	}
}

const contentColumns = `id, owner_id, template_id, name, config, items, created_at`

func scanContent(row pgx.Row) (content.Content, error) {
	var (
		c      content.Content
		config []byte
		items  []byte
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.TemplateID, &c.Name, &config, &items, &c.CreatedAt); err != nil {
		return content.Content{}, err
	}
	if len(config) > 0 && string(config) != "{}" {
		c.Config = json.RawMessage(config)
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return content.Content{}, fmt.Errorf("decode items of %s: %w", c.ID, err)
	}
	return c, nil
}

// GetContent 依 ID 讀取內容
func (p *Postgres) GetContent(ctx context.Context, id string) (content.Content, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+contentColumns+` FROM contents WHERE id = $1`, id)

	c, err := scanContent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return content.Content{}, apperrors.ErrContentNotFound
		}
		return content.Content{}, fmt.Errorf("get content %s: %w", id, err)
	}
	return c, nil
}

// CreateContent 新增內容；ID 為空時產生 UUID
func (p *Postgres) CreateContent(ctx context.Context, c content.Content) (content.Content, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = p.now().UTC()
	}
	if c.Items == nil {
		c.Items = []content.Item{}
	}

	items, err := json.Marshal(c.Items)
	if err != nil {
		return content.Content{}, fmt.Errorf("encode items: %w", err)
	}
	config := []byte(c.Config)
	if len(config) == 0 {
		config = []byte("{}")
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO contents (id, owner_id, template_id, name, config, items, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OwnerID, c.TemplateID, c.Name, config, items, c.CreatedAt)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return content.Content{}, apperrors.New(apperrors.ErrCodeAlreadyExists, "content already exists").
				WithDetails(c.ID)
		}
		return content.Content{}, fmt.Errorf("insert content: %w", err)
	}

	return c, nil
}

// ListContentsByOwner 列出擁有者的內容（新到舊）
func (p *Postgres) ListContentsByOwner(ctx context.Context, ownerID string) ([]content.Content, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+contentColumns+` FROM contents WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list contents: %w", err)
	}

	contents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (content.Content, error) {
		return scanContent(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan contents: %w", err)
	}
	return contents, nil
}

// CreateAssignment 新增作業及其學生、內容關聯
func (p *Postgres) CreateAssignment(ctx context.Context, a content.Assignment) (content.Assignment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = content.AssignmentUpcoming
	}
	if a.StartDate.IsZero() {
		a.StartDate = p.now().UTC()
	}
	if a.EndDate.IsZero() {
		a.EndDate = a.StartDate
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO assignments (id, teacher_id, title, start_date, end_date, status)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, a.TeacherID, a.Title, a.StartDate, a.EndDate, string(a.Status)); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO assignment_students (assignment_id, student_id)
			SELECT $1, s FROM unnest($2::text[]) AS s
			ON CONFLICT DO NOTHING`, a.ID, a.StudentIDs); err != nil {
			return fmt.Errorf("insert assignment students: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO assignment_contents (assignment_id, content_id)
			SELECT $1, c FROM unnest($2::text[]) AS c
			ON CONFLICT DO NOTHING`, a.ID, a.ContentIDs); err != nil {
			return fmt.Errorf("insert assignment contents: %w", err)
		}
		return nil
	})
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return content.Assignment{}, apperrors.Wrap(err, apperrors.ErrCodeNotFound, "assigned content does not exist")
		}
		return content.Assignment{}, err
	}

	return a, nil
}

// FindAssignmentFor 找出把該內容指派給該學生的最新作業
func (p *Postgres) FindAssignmentFor(ctx context.Context, studentID, contentID string) (content.Assignment, error) {
	var (
		a      content.Assignment
		status string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT a.id, a.teacher_id, a.title, a.start_date, a.end_date, a.status,
		       ARRAY(SELECT student_id FROM assignment_students WHERE assignment_id = a.id ORDER BY student_id),
		       ARRAY(SELECT content_id FROM assignment_contents WHERE assignment_id = a.id ORDER BY content_id)
		FROM assignments a
		JOIN assignment_students s ON s.assignment_id = a.id
		JOIN assignment_contents c ON c.assignment_id = a.id
		WHERE s.student_id = $1 AND c.content_id = $2
		ORDER BY a.created_at DESC, a.id
		LIMIT 1`, studentID, contentID).
		Scan(&a.ID, &a.TeacherID, &a.Title, &a.StartDate, &a.EndDate, &status, &a.StudentIDs, &a.ContentIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return content.Assignment{}, apperrors.ErrAssignmentNotFound
		}
		return content.Assignment{}, fmt.Errorf("find assignment: %w", err)
	}

	a.Status = content.AssignmentStatus(status)
	return a, nil
}

// ListAssignmentsForStudent 列出包含該學生的作業（新到舊）
func (p *Postgres) ListAssignmentsForStudent(ctx context.Context, studentID string) ([]content.Assignment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT a.id, a.teacher_id, a.title, a.start_date, a.end_date, a.status,
		       ARRAY(SELECT student_id FROM assignment_students WHERE assignment_id = a.id ORDER BY student_id),
		       ARRAY(SELECT content_id FROM assignment_contents WHERE assignment_id = a.id ORDER BY content_id)
		FROM assignments a
		JOIN assignment_students s ON s.assignment_id = a.id
		WHERE s.student_id = $1
		ORDER BY a.created_at DESC, a.id`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	assignments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (content.Assignment, error) {
		var (
			a      content.Assignment
			status string
		)
		err := row.Scan(&a.ID, &a.TeacherID, &a.Title, &a.StartDate, &a.EndDate, &status, &a.StudentIDs, &a.ContentIDs)
		a.Status = content.AssignmentStatus(status)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan assignments: %w", err)
	}
	return assignments, nil
}

// CreateResult 寫入成績；同一 (學生, 內容, 作業) 只能一筆
func (p *Postgres) CreateResult(ctx context.Context, r content.Result) (content.Result, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = p.now().UTC()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO results (id, student_id, content_id, assignment_id, score, max_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.StudentID, r.ContentID, r.AssignmentID, r.Score, r.MaxScore, r.CreatedAt)
	if err != nil {
		switch pgErrorCode(err) {
		case pgUniqueViolation:
			return content.Result{}, apperrors.ErrResultAlreadySubmitted
		case pgForeignKeyViolation:
			return content.Result{}, apperrors.Wrap(err, apperrors.ErrCodeNotFound, "content or assignment does not exist")
		}
		return content.Result{}, fmt.Errorf("insert result: %w", err)
	}

	p.logger.InfoContext(ctx, "成績已寫入",
		"result_id", r.ID,
		"student_id", r.StudentID,
		"content_id", r.ContentID,
		"score", r.Score,
		"max_score", r.MaxScore)

	return r, nil
}

// ListResultsByContent 列出內容的所有成績（新到舊）
func (p *Postgres) ListResultsByContent(ctx context.Context, contentID string) ([]content.Result, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, student_id, content_id, assignment_id, score, max_score, created_at
		FROM results
		WHERE content_id = $1
		ORDER BY created_at DESC, id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (content.Result, error) {
		var r content.Result
		err := row.Scan(&r.ID, &r.StudentID, &r.ContentID, &r.AssignmentID, &r.Score, &r.MaxScore, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	return results, nil
}

// Ping 檢查資料庫連線
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
