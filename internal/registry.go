package internal

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
)

// DefaultMaxCodeAttempts 產生加入碼的最大嘗試次數
const DefaultMaxCodeAttempts = 32

// RegistryOptions 房間註冊表選項
type RegistryOptions struct {
	// Codes 加入碼產生器，nil 時使用五位數字碼
	Codes CodeGenerator
	// MaxCodeAttempts 找不到未使用代碼時放棄前的嘗試次數
	MaxCodeAttempts int
	// DedupeByIdentity 同一（已驗證）身分重複加入時取代舊項目，而非新增一筆
	DedupeByIdentity bool
	// Now 時鐘（測試用）
	Now func() time.Time
}

// Registry 房間註冊表
//
// 所有存活房間的唯一真實來源。每個操作都在同一把互斥鎖內完成，
// 鎖內只做記憶體操作，不做 I/O；呼叫端永遠拿不到可變的 *Room。
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room  // code -> Room
	bindings map[string]string // connectionID -> code

	codes       CodeGenerator
	maxAttempts int
	dedupe      bool
	now         func() time.Time
	logger      *slog.Logger

	counters registryCounters
}

// registryCounters 靜默路徑的計數，讓「不回應」的行為仍可觀測
type registryCounters struct {
	roomsCreated        atomic.Int64
	roomsTornDown       atomic.Int64
	joins               atomic.Int64
	joinsReplaced       atomic.Int64
	joinNotFound        atomic.Int64
	starts              atomic.Int64
	startNotFound       atomic.Int64
	startNotHost        atomic.Int64
	startAlreadyStarted atomic.Int64
	codeSpaceExhausted  atomic.Int64
}

// JoinResult 加入房間的結果
type JoinResult struct {
	Code             string
	HostConnectionID string
	Roster           []Participant
	// ReplacedConnectionID 去重模式下被取代的舊連接
	ReplacedConnectionID string
}

// StartResult 開始遊戲的結果
type StartResult struct {
	ContentID string
	// Recipients 呼叫當下房主 + 參與者的連接 ID
	Recipients []string
}

// DepartureRole 離線連接在房間中的角色
type DepartureRole string

const (
	DepartureNone        DepartureRole = ""
	DepartureHost        DepartureRole = "host"
	DepartureParticipant DepartureRole = "participant"
)

// Departure 連接離線的結果
type Departure struct {
	Role      DepartureRole
	Code      string
	ContentID string
	// Orphaned 房主離線時被遺棄的參與者連接
	Orphaned []string
	// Roster 參與者離線後的剩餘名單
	Roster           []Participant
	HostConnectionID string
}

// Stats 註冊表統計
type Stats struct {
	LiveRooms           int   `json:"live_rooms"`
	LiveParticipants    int   `json:"live_participants"`
	StartedRooms        int   `json:"started_rooms"`
	RoomsCreated        int64 `json:"rooms_created"`
	RoomsTornDown       int64 `json:"rooms_torn_down"`
	Joins               int64 `json:"joins"`
	JoinsReplaced       int64 `json:"joins_replaced"`
	JoinNotFound        int64 `json:"join_not_found"`
	Starts              int64 `json:"starts"`
	StartNotFound       int64 `json:"start_ignored_not_found"`
	StartNotHost        int64 `json:"start_ignored_not_host"`
	StartAlreadyStarted int64 `json:"start_ignored_already_started"`
	CodeSpaceExhausted  int64 `json:"code_space_exhausted"`
}

// NewRegistry 創建房間註冊表
func NewRegistry(logger *slog.Logger, opts RegistryOptions) *Registry {
	if opts.Codes == nil {
		opts.Codes = NewNumericCodeGenerator()
	}
	if opts.MaxCodeAttempts <= 0 {
		opts.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Registry{
		rooms:       make(map[string]*Room),
		bindings:    make(map[string]string),
		codes:       opts.Codes,
		maxAttempts: opts.MaxCodeAttempts,
		dedupe:      opts.DedupeByIdentity,
		now:         opts.Now,
		logger:      logger.With("component", "room_registry"),
	}
}

// CreateRoom 創建房間並返回加入碼
//
// 在持鎖狀態下抽碼並檢查唯一性，因此兩個同時創建的房間不可能拿到相同代碼。
// 嘗試 MaxCodeAttempts 次仍碰撞時返回 ErrCodeSpaceExhausted（可重試）。
func (r *Registry) CreateRoom(hostConnectionID, contentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if code, bound := r.bindings[hostConnectionID]; bound {
		return "", fmt.Errorf("host connection %s in room %s: %w",
			hostConnectionID, code, apperrors.ErrConnectionBound)
	}

	code, err := r.freeCodeLocked()
	if err != nil {
		return "", err
	}

	r.rooms[code] = newRoom(code, hostConnectionID, contentID, r.now())
	r.bindings[hostConnectionID] = code
	r.counters.roomsCreated.Add(1)

	r.logger.Info("房間已創建",
		"code", code,
		"host_connection_id", hostConnectionID,
		"content_id", contentID)

	return code, nil
}

// freeCodeLocked 抽取一個未被存活房間使用的代碼（需持有鎖）
func (r *Registry) freeCodeLocked() (string, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		code, err := r.codes.Generate()
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate room code")
		}
		if _, taken := r.rooms[code]; !taken {
			return code, nil
		}
	}

	r.counters.codeSpaceExhausted.Add(1)
	r.logger.Error("加入碼空間耗盡",
		"attempts", r.maxAttempts,
		"live_rooms", len(r.rooms))
	return "", fmt.Errorf("after %d attempts: %w", r.maxAttempts, apperrors.ErrCodeSpaceExhausted)
}

// JoinRoom 以已驗證的身分加入房間
//
// 代碼不存在時返回 ErrRoomNotFound，且不改動任何狀態。
// 連接已綁定其他房間（包括房主自己）時返回 ErrConnectionBound。
func (r *Registry) JoinRoom(code, connectionID, displayName, identityID string) (JoinResult, error) {
	return r.join(code, Participant{
		ConnectionID: connectionID,
		DisplayName:  displayName,
		IdentityID:   identityID,
		Verified:     true,
	})
}

// JoinRoomUnverified 以客戶端自稱的身分加入房間；永遠附加新項目，不取代既有參與者
func (r *Registry) JoinRoomUnverified(code, connectionID, displayName, identityID string) (JoinResult, error) {
	return r.join(code, Participant{
		ConnectionID: connectionID,
		DisplayName:  displayName,
		IdentityID:   identityID,
	})
}

func (r *Registry) join(code string, p Participant) (JoinResult, error) {
	connectionID, identityID := p.ConnectionID, p.IdentityID

	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[code]
	if !exists {
		r.counters.joinNotFound.Add(1)
		return JoinResult{}, fmt.Errorf("join room %s: %w", code, apperrors.ErrRoomNotFound)
	}

	if boundCode, bound := r.bindings[connectionID]; bound {
		return JoinResult{}, fmt.Errorf("connection %s in room %s: %w",
			connectionID, boundCode, apperrors.ErrConnectionBound)
	}

	p.JoinedAt = r.now()
	replaced := room.addParticipant(p, r.dedupe)

	r.bindings[connectionID] = code
	if replaced != "" {
		delete(r.bindings, replaced)
		r.counters.joinsReplaced.Add(1)
	}
	r.counters.joins.Add(1)

	r.logger.Info("參與者加入房間",
		"code", code,
		"connection_id", connectionID,
		"identity_id", identityID,
		"verified", p.Verified,
		"display_name", p.DisplayName,
		"replaced_connection_id", replaced,
		"participants", len(room.Participants))

	return JoinResult{
		Code:                 code,
		HostConnectionID:     room.HostConnectionID,
		Roster:               room.roster(),
		ReplacedConnectionID: replaced,
	}, nil
}

// StartRoom 開始遊戲（只有房主可以）
//
// 成功時標記房間已開始，並在同一把鎖內擷取接收者名單，
// 與並發的 JoinRoom 不會交錯。房間不會因開始而移除，
// 讓遊戲中的內容授權檢查仍能找到成員。
func (r *Registry) StartRoom(code, requesterConnectionID string) (StartResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[code]
	if !exists {
		r.counters.startNotFound.Add(1)
		return StartResult{}, fmt.Errorf("start room %s: %w", code, apperrors.ErrRoomNotFound)
	}

	if room.HostConnectionID != requesterConnectionID {
		r.counters.startNotHost.Add(1)
		return StartResult{}, fmt.Errorf("start room %s by %s: %w",
			code, requesterConnectionID, apperrors.ErrNotHost)
	}

	if room.Started {
		r.counters.startAlreadyStarted.Add(1)
		return StartResult{}, fmt.Errorf("start room %s: %w", code, apperrors.ErrAlreadyStarted)
	}

	room.Started = true
	room.StartedAt = r.now()
	r.counters.starts.Add(1)

	r.logger.Info("房間遊戲開始",
		"code", code,
		"content_id", room.ContentID,
		"participants", len(room.Participants))

	return StartResult{
		ContentID:  room.ContentID,
		Recipients: room.connectionIDs(),
	}, nil
}

// RemoveConnection 連接離線
//
// 房主離線：整個房間刪除，剩餘參與者解除綁定（不另行通知）。
// 參與者離線：只移除該筆名單。未綁定的連接：不做任何事。
func (r *Registry) RemoveConnection(connectionID string) Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, bound := r.bindings[connectionID]
	if !bound {
		return Departure{}
	}
	delete(r.bindings, connectionID)

	room, exists := r.rooms[code]
	if !exists {
		return Departure{}
	}

	if room.HostConnectionID == connectionID {
		orphaned := room.participantConnectionIDs()
		for _, id := range orphaned {
			delete(r.bindings, id)
		}
		delete(r.rooms, code)
		r.counters.roomsTornDown.Add(1)

		r.logger.Info("房主離線，房間已移除",
			"code", code,
			"content_id", room.ContentID,
			"orphaned_participants", len(orphaned))

		return Departure{
			Role:             DepartureHost,
			Code:             code,
			ContentID:        room.ContentID,
			Orphaned:         orphaned,
			HostConnectionID: connectionID,
		}
	}

	room.removeParticipant(connectionID)

	r.logger.Info("參與者離開房間",
		"code", code,
		"connection_id", connectionID,
		"participants", len(room.Participants))

	return Departure{
		Role:             DepartureParticipant,
		Code:             code,
		ContentID:        room.ContentID,
		Roster:           room.roster(),
		HostConnectionID: room.HostConnectionID,
	}
}

// FindRoomsContaining 找出播放該內容且名單中有該身分的所有存活房間
func (r *Registry) FindRoomsContaining(identityID, contentID string) []string {
	if identityID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := lo.PickBy(r.rooms, func(_ string, room *Room) bool {
		return room.ContentID == contentID && room.hasIdentity(identityID)
	})
	return lo.Keys(rooms)
}

// Room 取得房間快照
func (r *Registry) Room(code string) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[code]
	if !exists {
		return Room{}, false
	}
	return room.snapshot(), true
}

// BoundRoom 取得連接所在的房間代碼
func (r *Registry) BoundRoom(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, bound := r.bindings[connectionID]
	return code, bound
}

// Stats 獲取統計資訊
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	participants := 0
	started := 0
	for _, room := range r.rooms {
		participants += len(room.Participants)
		if room.Started {
			started++
		}
	}
	live := len(r.rooms)
	r.mu.Unlock()

	return Stats{
		LiveRooms:           live,
		LiveParticipants:    participants,
		StartedRooms:        started,
		RoomsCreated:        r.counters.roomsCreated.Load(),
		RoomsTornDown:       r.counters.roomsTornDown.Load(),
		Joins:               r.counters.joins.Load(),
		JoinsReplaced:       r.counters.joinsReplaced.Load(),
		JoinNotFound:        r.counters.joinNotFound.Load(),
		Starts:              r.counters.starts.Load(),
		StartNotFound:       r.counters.startNotFound.Load(),
		StartNotHost:        r.counters.startNotHost.Load(),
		StartAlreadyStarted: r.counters.startAlreadyStarted.Load(),
		CodeSpaceExhausted:  r.counters.codeSpaceExhausted.Load(),
	}
}
