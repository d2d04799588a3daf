package internal

import (
	"context"

	"github.com/koopa0/system-design/14-live-game-session/internal/bridge"
)

// SubmitterFor 讓編排器以指定身分走與 POST /api/v1/results 相同的寫入流程
func (h *Handler) SubmitterFor(who Principal) bridge.ResultSubmitter {
	return bridge.ResultSubmitterFunc(func(ctx context.Context, completion bridge.SessionComplete) error {
		_, err := h.recordResult(ctx, who, completion)
		return err
	})
}
