package internal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-live-game-session/internal/content"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
)

// Principal 已認證的請求者
type Principal struct {
	ID   string
	Role content.Role
}

// AssignmentFinder 查詢學生是否被指派某內容
//
// 找不到時返回 ErrAssignmentNotFound；其他錯誤代表查詢本身失敗。
type AssignmentFinder interface {
	FindAssignmentFor(ctx context.Context, studentID, contentID string) (content.Assignment, error)
}

// RoomMembership 即時房間成員查詢（由 Registry 實作）
type RoomMembership interface {
	FindRoomsContaining(identityID, contentID string) []string
}

// AccessRule 授權命中的規則
type AccessRule string

const (
	RuleOwner      AccessRule = "owner"
	RuleAssignment AccessRule = "assignment"
	RuleLiveRoom   AccessRule = "live_room"
	RuleNone       AccessRule = "none"
)

// Decision 授權結果
type Decision struct {
	Allowed bool
	Rule    AccessRule
	// RoomCodes 以即時房間授權時命中的房間
	RoomCodes []string
}

// Authorizer 結合持久化事實與即時房間成員的內容授權
//
// 依序檢查，第一個命中即授權：
//  1. 內容擁有者
//  2. 學生：有指派該內容的作業
//  3. 學生：正在播放該內容的存活房間名單中
//
// 持久化查詢失敗時返回錯誤，絕不當成授權。
type Authorizer struct {
	assignments AssignmentFinder
	rooms       RoomMembership
	logger      *slog.Logger
}

// NewAuthorizer 創建授權器
func NewAuthorizer(assignments AssignmentFinder, rooms RoomMembership, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		assignments: assignments,
		rooms:       rooms,
		logger:      logger.With("component", "authorizer"),
	}
}

// Authorize 判斷請求者能否存取內容
func (a *Authorizer) Authorize(ctx context.Context, who Principal, c content.Content) (Decision, error) {
	decision, err := a.decide(ctx, who, c)
	if err != nil {
		return Decision{}, err
	}

	a.logger.DebugContext(ctx, "內容授權",
		"content_id", c.ID,
		"identity_id", who.ID,
		"role", who.Role,
		"allowed", decision.Allowed,
		"rule", decision.Rule)

	return decision, nil
}

func (a *Authorizer) decide(ctx context.Context, who Principal, c content.Content) (Decision, error) {
	if who.ID != "" && c.OwnerID == who.ID {
		return Decision{Allowed: true, Rule: RuleOwner}, nil
	}

	if !who.Role.IsParticipantClass() || who.ID == "" {
		return Decision{Rule: RuleNone}, nil
	}

	_, err := a.assignments.FindAssignmentFor(ctx, who.ID, c.ID)
	switch {
	case err == nil:
		return Decision{Allowed: true, Rule: RuleAssignment}, nil
	case apperrors.IsNotFound(err):
	default:
		return Decision{}, fmt.Errorf("lookup assignment for %s: %w", c.ID, err)
	}

	if codes := a.rooms.FindRoomsContaining(who.ID, c.ID); len(codes) > 0 {
		return Decision{Allowed: true, Rule: RuleLiveRoom, RoomCodes: codes}, nil
	}

	return Decision{Rule: RuleNone}, nil
}
