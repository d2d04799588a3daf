package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-live-game-session/internal/content"
)

// AnswerSource 為每一題提供玩家選擇的選項索引
type AnswerSource interface {
	Answer(ctx context.Context, index int, item content.Item) (int, error)
}

// AnswerFunc 函數形式的 AnswerSource
type AnswerFunc func(ctx context.Context, index int, item content.Item) (int, error)

// Answer 實作 AnswerSource
func (f AnswerFunc) Answer(ctx context.Context, index int, item content.Item) (int, error) {
	return f(ctx, index, item)
}

// AnswerKey 總是答對
var AnswerKey = AnswerFunc(func(_ context.Context, _ int, item content.Item) (int, error) {
	return item.CorrectOption, nil
})

// FixedAnswers 依序回答；超出長度的題目回答 -1（視為未作答）
func FixedAnswers(choices ...int) AnswerSource {
	return AnswerFunc(func(_ context.Context, index int, _ content.Item) (int, error) {
		if index >= len(choices) {
			return -1, nil
		}
		return choices[index], nil
	})
}

// QuizEngine 參考用的測驗引擎
//
// 送出 READY，接受第一個 INIT_SESSION，依序作答並累計，
// 最後送出一次 SESSION_COMPLETE。之後收到的 INIT_SESSION 一律忽略。
type QuizEngine struct {
	answers AnswerSource
	logger  *slog.Logger
}

// NewQuizEngine 創建測驗引擎
func NewQuizEngine(answers AnswerSource, logger *slog.Logger) *QuizEngine {
	return &QuizEngine{
		answers: answers,
		logger:  logger.With("component", "quiz_engine"),
	}
}

// Run 執行一次引擎生命週期
func (e *QuizEngine) Run(ctx context.Context, port Port) error {
	if err := port.Send(ctx, Message{Type: TypeReady}); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}

	init, err := e.awaitInit(ctx, port)
	if err != nil {
		return err
	}

	items := init.Items()
	score := 0
	for i, item := range items {
		choice, err := e.answers.Answer(ctx, i, item)
		if err != nil {
			return fmt.Errorf("answer item %d: %w", i, err)
		}
		if choice == item.CorrectOption {
			score++
		}
	}

	msg, err := NewMessage(TypeSessionComplete, SessionComplete{
		SessionSubjectID: init.SessionSubjectID,
		Score:            score,
		MaxScore:         len(items),
	})
	if err != nil {
		return err
	}
	if err := port.Send(ctx, msg); err != nil {
		return fmt.Errorf("send session complete: %w", err)
	}

	e.logger.Debug("測驗完成",
		"session_subject_id", init.SessionSubjectID,
		"score", score,
		"max_score", len(items))
	return nil
}

func (e *QuizEngine) awaitInit(ctx context.Context, port Port) (InitSession, error) {
	for {
		m, err := port.Receive(ctx)
		if err != nil {
			return InitSession{}, fmt.Errorf("await init session: %w", err)
		}
		if m.Type != TypeInitSession {
			continue
		}
		init, err := m.DecodeInitSession()
		if err != nil {
			e.logger.Warn("忽略無效的 INIT_SESSION", "error", err)
			continue
		}
		return init, nil
	}
}
