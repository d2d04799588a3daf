package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrAbandoned 引擎在完成前被放棄（呼叫端取消）
//
// 不是領域錯誤：玩家關閉頁面就是這條路徑。
var ErrAbandoned = errors.New("bridge session abandoned")

// ResultSubmitter 成績提交者
type ResultSubmitter interface {
	SubmitResult(ctx context.Context, result SessionComplete) error
}

// ResultSubmitterFunc 函數形式的 ResultSubmitter
type ResultSubmitterFunc func(ctx context.Context, result SessionComplete) error

// SubmitResult 實作 ResultSubmitter
func (f ResultSubmitterFunc) SubmitResult(ctx context.Context, result SessionComplete) error {
	return f(ctx, result)
}

// Orchestrator 編排端
type Orchestrator struct {
	submitter ResultSubmitter
	logger    *slog.Logger

	completed atomic.Int64
	abandoned atomic.Int64
	dropped   atomic.Int64
}

// OrchestratorStats 編排端統計
type OrchestratorStats struct {
	Completed int64 `json:"completed"`
	Abandoned int64 `json:"abandoned"`
	Dropped   int64 `json:"dropped_messages"`
}

// NewOrchestrator 創建編排端；submitter 可為 nil
func NewOrchestrator(submitter ResultSubmitter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		submitter: submitter,
		logger:    logger.With("component", "bridge_orchestrator"),
	}
}

// Run 執行一次完整的橋接會話
//
// 流程：等待 READY → 送出一次 INIT_SESSION → 等待第一個合法的 SESSION_COMPLETE。
// 除了 ctx 之外沒有自己的期限。完成後交給 submitter；提交失敗時仍返回成績。
func (o *Orchestrator) Run(ctx context.Context, port Port, init InitSession) (SessionComplete, error) {
	log := o.logger.With("session_subject_id", init.SessionSubjectID)

	if err := o.awaitReady(ctx, port, log); err != nil {
		return SessionComplete{}, o.fail(ctx, err, log)
	}

	msg, err := NewMessage(TypeInitSession, init)
	if err != nil {
		return SessionComplete{}, err
	}
	if err := port.Send(ctx, msg); err != nil {
		return SessionComplete{}, o.fail(ctx, fmt.Errorf("send init session: %w", err), log)
	}
	log.Debug("已送出 INIT_SESSION", "items", len(init.Items()))

	result, err := o.awaitComplete(ctx, port, init.SessionSubjectID, log)
	if err != nil {
		return SessionComplete{}, o.fail(ctx, err, log)
	}

	o.completed.Add(1)
	log.Info("橋接會話完成", "score", result.Score, "max_score", result.MaxScore)

	if o.submitter != nil {
		if err := o.submitter.SubmitResult(ctx, result); err != nil {
			log.Error("提交成績失敗", "error", err)
			return result, fmt.Errorf("submit result: %w", err)
		}
	}
	return result, nil
}

func (o *Orchestrator) awaitReady(ctx context.Context, port Port, log *slog.Logger) error {
	for {
		m, err := port.Receive(ctx)
		if err != nil {
			return fmt.Errorf("await ready: %w", err)
		}
		if m.Type == TypeReady {
			return nil
		}
		o.drop(log, m.Type, "before ready")
	}
}

func (o *Orchestrator) awaitComplete(ctx context.Context, port Port, subjectID string, log *slog.Logger) (SessionComplete, error) {
	for {
		m, err := port.Receive(ctx)
		if err != nil {
			return SessionComplete{}, fmt.Errorf("await session complete: %w", err)
		}

		switch m.Type {
		case TypeSessionComplete:
		case TypeReady:
			// 重複的 READY 無害
			continue
		default:
			o.drop(log, m.Type, "unexpected type")
			continue
		}

		result, err := m.DecodeSessionComplete()
		if err != nil {
			o.drop(log, m.Type, err.Error())
			continue
		}
		if result.SessionSubjectID != subjectID {
			o.drop(log, m.Type, "session subject mismatch")
			continue
		}
		return result, nil
	}
}

// fail 區分放棄與其他錯誤
func (o *Orchestrator) fail(ctx context.Context, err error, log *slog.Logger) error {
	if ctx.Err() != nil {
		o.abandoned.Add(1)
		log.Info("橋接會話已放棄", "reason", ctx.Err())
		return fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
	log.Warn("橋接會話失敗", "error", err)
	return err
}

func (o *Orchestrator) drop(log *slog.Logger, t MessageType, reason string) {
	o.dropped.Add(1)
	log.Warn("丟棄橋接訊息", "type", t, "reason", reason)
}

// Stats 獲取統計
func (o *Orchestrator) Stats() OrchestratorStats {
	return OrchestratorStats{
		Completed: o.completed.Load(),
		Abandoned: o.abandoned.Load(),
		Dropped:   o.dropped.Load(),
	}
}
