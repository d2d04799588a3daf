package internal

import (
	"time"

	"github.com/samber/lo"
)

// 系統設計問題：
//   老師開一個即時遊戲房間，學生以短代碼加入，老師按下開始後所有人同時進入遊戲。
//
// 核心挑戰：
//   1. 房間只存在於記憶體：重啟即消失，不做持久化
//   2. 角色由第一個事件決定：host-game → 房主；join-game → 參與者
//   3. 開始信號只能送一次：同一房間的 session-started 最多一次
//   4. 房主離線即拆房：參與者不另行通知
//
// Room 本身不持有鎖；所有讀寫都經過 Registry 的互斥鎖，
// 外部只能拿到 snapshot 副本。

// Participant 房間參與者
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
	IdentityID   string    `json:"identityId,omitempty"` // 匿名情境可為空
	Verified     bool      `json:"verified"`             // IdentityID 來自已驗證的 token
	JoinedAt     time.Time `json:"joinedAt"`
}

// Room 即時遊戲房間
//
// 不變量：
//   - 恰好一個房主（HostConnectionID）
//   - Participants 不含房主的連接 ID
//   - Code 在所有存活房間中唯一
type Room struct {
	Code             string        `json:"code"`
	HostConnectionID string        `json:"hostConnectionId"`
	ContentID        string        `json:"contentId"`
	Participants     []Participant `json:"participants"`
	CreatedAt        time.Time     `json:"createdAt"`
	Started          bool          `json:"started"`
	StartedAt        time.Time     `json:"startedAt,omitzero"`
}

func newRoom(code, hostConnectionID, contentID string, now time.Time) *Room {
	return &Room{
		Code:             code,
		HostConnectionID: hostConnectionID,
		ContentID:        contentID,
		Participants:     []Participant{},
		CreatedAt:        now,
	}
}

// addParticipant 加入參與者
//
// dedupe 為 true 且新項目的身分已驗證時，相同 IdentityID 的舊項目會被原位取代
// （保留順序），返回被取代的舊連接 ID；否則直接附加到名單尾端。
// 未驗證的身分只是客戶端的宣稱，不能擠掉任何人。
func (r *Room) addParticipant(p Participant, dedupe bool) (replaced string) {
	if dedupe && p.Verified && p.IdentityID != "" {
		_, idx, found := lo.FindIndexOf(r.Participants, func(existing Participant) bool {
			return existing.IdentityID == p.IdentityID
		})
		if found {
			replaced = r.Participants[idx].ConnectionID
			r.Participants[idx] = p
			return replaced
		}
	}

	r.Participants = append(r.Participants, p)
	return ""
}

// removeParticipant 依連接 ID 移除參與者
func (r *Room) removeParticipant(connectionID string) bool {
	before := len(r.Participants)
	r.Participants = lo.Reject(r.Participants, func(p Participant, _ int) bool {
		return p.ConnectionID == connectionID
	})
	return len(r.Participants) != before
}

// hasIdentity 名單中是否有該身分
func (r *Room) hasIdentity(identityID string) bool {
	if identityID == "" {
		return false
	}
	return lo.ContainsBy(r.Participants, func(p Participant) bool {
		return p.IdentityID == identityID
	})
}

// roster 名單副本
func (r *Room) roster() []Participant {
	out := make([]Participant, len(r.Participants))
	copy(out, r.Participants)
	return out
}

// connectionIDs 房主 + 所有參與者的連接 ID（開始信號的接收者）
func (r *Room) connectionIDs() []string {
	ids := lo.Map(r.Participants, func(p Participant, _ int) string {
		return p.ConnectionID
	})
	return append([]string{r.HostConnectionID}, ids...)
}

// participantConnectionIDs 參與者的連接 ID
func (r *Room) participantConnectionIDs() []string {
	return lo.Map(r.Participants, func(p Participant, _ int) string {
		return p.ConnectionID
	})
}

// snapshot 深拷貝
func (r *Room) snapshot() Room {
	cp := *r
	cp.Participants = r.roster()
	return cp
}
