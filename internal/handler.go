package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/koopa0/system-design/14-live-game-session/internal/bridge"
	"github.com/koopa0/system-design/14-live-game-session/internal/content"
	"github.com/koopa0/system-design/14-live-game-session/internal/notify"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
)

const maxBodyBytes = 1 << 20

// ContentStore 內容儲存
type ContentStore interface {
	GetContent(ctx context.Context, id string) (content.Content, error)
	CreateContent(ctx context.Context, c content.Content) (content.Content, error)
	ListContentsByOwner(ctx context.Context, ownerID string) ([]content.Content, error)
}

// AssignmentStore 作業儲存
type AssignmentStore interface {
	AssignmentFinder
	CreateAssignment(ctx context.Context, a content.Assignment) (content.Assignment, error)
	ListAssignmentsForStudent(ctx context.Context, studentID string) ([]content.Assignment, error)
}

// ResultStore 成績儲存
type ResultStore interface {
	CreateResult(ctx context.Context, r content.Result) (content.Result, error)
	ListResultsByContent(ctx context.Context, contentID string) ([]content.Result, error)
}

// Pinger 健康檢查依賴
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerDeps Handler 依賴
type HandlerDeps struct {
	Registry    *Registry
	Gateway     *Gateway
	Authorizer  *Authorizer
	Contents    ContentStore
	Assignments AssignmentStore
	Results     ResultStore
	Tokens      TokenVerifier
	Publisher   notify.Publisher
	// Health 可為 nil
	Health Pinger
}

// Handler HTTP 請求處理器
type Handler struct {
	registry    *Registry
	gateway     *Gateway
	authorizer  *Authorizer
	contents    ContentStore
	assignments AssignmentStore
	results     ResultStore
	tokens      TokenVerifier
	publisher   notify.Publisher
	health      Pinger
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewHandler 創建 HTTP 處理器
func NewHandler(deps HandlerDeps, logger *slog.Logger) *Handler {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Handler{
		registry:    deps.Registry,
		gateway:     deps.Gateway,
		authorizer:  deps.Authorizer,
		contents:    deps.Contents,
		assignments: deps.Assignments,
		results:     deps.Results,
		tokens:      deps.Tokens,
		publisher:   publisher,
		health:      deps.Health,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("component", "http"),
		now:         time.Now,
	}
}

// Routes 設定路由
//
// /ws 不經過 loggerMiddleware，升級需要原始的 ResponseWriter。
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}
	authed := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.authenticate(handler))
	}

	// 內容 API
	mux.HandleFunc("POST /api/v1/contents", authed(h.createContent))
	mux.HandleFunc("GET /api/v1/contents", authed(h.listContents))
	mux.HandleFunc("GET /api/v1/contents/{content_id}", authed(h.getContent))
	mux.HandleFunc("GET /api/v1/contents/{content_id}/session", authed(h.getSession))
	mux.HandleFunc("GET /api/v1/contents/{content_id}/results", authed(h.listResults))

	// 作業與成績
	mux.HandleFunc("POST /api/v1/assignments", authed(h.createAssignment))
	mux.HandleFunc("GET /api/v1/assignments/mine", authed(h.listMyAssignments))
	mux.HandleFunc("POST /api/v1/results", authed(h.submitResult))

	// 即時連接
	if h.gateway != nil {
		mux.HandleFunc("GET /ws", h.recoverer(h.gateway.ServeWS))
	}

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.healthCheck))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type createContentRequest struct {
	TemplateID string          `json:"template" validate:"required,max=64"`
	Name       string          `json:"name" validate:"required,max=200"`
	Config     json.RawMessage `json:"config"`
	Items      []content.Item  `json:"content" validate:"max=500"`
}

type createAssignmentRequest struct {
	Title      string    `json:"title" validate:"required,max=200"`
	StartDate  time.Time `json:"startDate" validate:"required"`
	EndDate    time.Time `json:"endDate" validate:"required,gtfield=StartDate"`
	StudentIDs []string  `json:"students" validate:"required,min=1,dive,required"`
	ContentIDs []string  `json:"gameCreations" validate:"required,min=1,dive,required"`
}

// createContent 創建內容（教師）
func (h *Handler) createContent(w http.ResponseWriter, r *http.Request) {
	who, _ := PrincipalFrom(r.Context())
	if !canAuthor(who.Role) {
		h.errorResponse(w, r, apperrors.ErrAccessDenied.WithDetails("only teachers can create content"))
		return
	}

	var req createContentRequest
	if err := h.decode(w, r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	c := content.Content{
		OwnerID:    who.ID,
		TemplateID: req.TemplateID,
		Name:       req.Name,
		Config:     req.Config,
		Items:      req.Items,
	}
	if err := c.Validate(); err != nil {
		h.errorResponse(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid content").WithDetails(err.Error()))
		return
	}

	created, err := h.contents.CreateContent(r.Context(), c)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, created, http.StatusCreated)
}

// listContents 列出自己的內容
func (h *Handler) listContents(w http.ResponseWriter, r *http.Request) {
	who, _ := PrincipalFrom(r.Context())

	contents, err := h.contents.ListContentsByOwner(r.Context(), who.ID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"contents": contents,
		"total":    len(contents),
	}, http.StatusOK)
}

// getContent 取得內容
func (h *Handler) getContent(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authorizedContent(w, r)
	if !ok {
		return
	}
	h.jsonResponse(w, c, http.StatusOK)
}

// getSession 取得 INIT_SESSION 訊息，交給遊戲執行環境
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authorizedContent(w, r)
	if !ok {
		return
	}

	msg, err := bridge.NewMessage(bridge.TypeInitSession, bridge.NewInitSession(c))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, msg, http.StatusOK)
}

// authorizedContent 讀取路徑中的內容並做授權；失敗時已寫出回應
func (h *Handler) authorizedContent(w http.ResponseWriter, r *http.Request) (content.Content, bool) {
	ctx := r.Context()
	who, _ := PrincipalFrom(ctx)

	c, err := h.contents.GetContent(ctx, r.PathValue("content_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return content.Content{}, false
	}

	decision, err := h.authorizer.Authorize(ctx, who, c)
	if err != nil {
		h.errorResponse(w, r, err)
		return content.Content{}, false
	}
	if !decision.Allowed {
		h.logger.InfoContext(ctx, "拒絕存取內容", "content_id", c.ID, "identity_id", who.ID, "role", who.Role)
		h.errorResponse(w, r, apperrors.ErrAccessDenied)
		return content.Content{}, false
	}

	return c, true
}

// listResults 內容的成績（僅擁有者）
func (h *Handler) listResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	who, _ := PrincipalFrom(ctx)

	c, err := h.contents.GetContent(ctx, r.PathValue("content_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	if c.OwnerID != who.ID {
		h.errorResponse(w, r, apperrors.ErrAccessDenied)
		return
	}

	results, err := h.results.ListResultsByContent(ctx, c.ID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"results": results,
		"total":   len(results),
	}, http.StatusOK)
}

// createAssignment 創建作業（教師）；只能指派自己的內容
func (h *Handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	who, _ := PrincipalFrom(ctx)
	if !canAuthor(who.Role) {
		h.errorResponse(w, r, apperrors.ErrAccessDenied.WithDetails("only teachers can create assignments"))
		return
	}

	var req createAssignmentRequest
	if err := h.decode(w, r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	for _, id := range req.ContentIDs {
		c, err := h.contents.GetContent(ctx, id)
		if err != nil {
			h.errorResponse(w, r, err)
			return
		}
		if c.OwnerID != who.ID {
			h.errorResponse(w, r, apperrors.ErrAccessDenied.WithDetails("content "+id+" is not yours"))
			return
		}
	}

	created, err := h.assignments.CreateAssignment(ctx, content.Assignment{
		TeacherID:  who.ID,
		Title:      req.Title,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		Status:     assignmentStatus(h.now(), req.StartDate, req.EndDate),
		StudentIDs: req.StudentIDs,
		ContentIDs: req.ContentIDs,
	})
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, created, http.StatusCreated)
}

// listMyAssignments 列出指派給呼叫者的作業
func (h *Handler) listMyAssignments(w http.ResponseWriter, r *http.Request) {
	who, _ := PrincipalFrom(r.Context())

	assignments, err := h.assignments.ListAssignmentsForStudent(r.Context(), who.ID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"assignments": assignments,
		"total":       len(assignments),
	}, http.StatusOK)
}

// submitResult 提交成績
//
// 接受完整的 SESSION_COMPLETE 訊息，或只有 payload 的物件。
func (h *Handler) submitResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	who, _ := PrincipalFrom(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.errorResponse(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無效的請求格式"))
		return
	}

	completion, err := parseCompletion(body)
	if err != nil {
		h.errorResponse(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無效的請求格式").WithDetails(err.Error()))
		return
	}

	result, err := h.recordResult(ctx, who, completion)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, result, http.StatusCreated)
}

// recordResult 驗證並寫入一次完成的遊戲
func (h *Handler) recordResult(ctx context.Context, who Principal, completion bridge.SessionComplete) (content.Result, error) {
	if err := h.validate.Struct(completion); err != nil {
		return content.Result{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid result").WithDetails(err.Error())
	}
	if err := completion.Validate(); err != nil {
		return content.Result{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid result").WithDetails(err.Error())
	}

	c, err := h.contents.GetContent(ctx, completion.SessionSubjectID)
	if err != nil {
		return content.Result{}, err
	}

	assignment, err := h.assignments.FindAssignmentFor(ctx, who.ID, c.ID)
	if err != nil {
		return content.Result{}, err
	}

	result, err := h.results.CreateResult(ctx, content.Result{
		StudentID:    who.ID,
		ContentID:    c.ID,
		AssignmentID: assignment.ID,
		Score:        completion.Score,
		MaxScore:     completion.MaxScore,
	})
	if err != nil {
		return content.Result{}, err
	}

	if err := h.publisher.Publish(ctx, notify.SubjectResultSubmitted, result); err != nil {
		h.logger.WarnContext(ctx, "發佈成績事件失敗", "result_id", result.ID, "error", err)
	}
	return result, nil
}

// parseCompletion 以 type 欄位判斷是否為完整訊息
func parseCompletion(body []byte) (bridge.SessionComplete, error) {
	if !gjson.ValidBytes(body) {
		return bridge.SessionComplete{}, errors.New("body is not valid JSON")
	}

	if msgType := gjson.GetBytes(body, "type"); msgType.Exists() {
		msg, err := bridge.Decode(body)
		if err != nil {
			return bridge.SessionComplete{}, err
		}
		if msg.Type != bridge.TypeSessionComplete {
			return bridge.SessionComplete{}, fmt.Errorf("unexpected message type %q", msg.Type)
		}
		return msg.DecodeSessionComplete()
	}

	var completion bridge.SessionComplete
	if err := json.Unmarshal(body, &completion); err != nil {
		return bridge.SessionComplete{}, err
	}
	return completion, nil
}

// healthCheck 健康檢查
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.health.Ping(ctx); err != nil {
			h.logger.WarnContext(r.Context(), "健康檢查失敗", "error", err)
			h.jsonResponse(w, map[string]any{
				"status": "unhealthy",
				"time":   h.now().Unix(),
			}, http.StatusServiceUnavailable)
			return
		}
	}

	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   h.now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"rooms": h.registry.Stats(),
	}
	if h.gateway != nil {
		body["gateway"] = h.gateway.Stats()
	}
	h.jsonResponse(w, body, http.StatusOK)
}

// decode 解碼並驗證請求
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無效的請求格式")
	}
	if err := h.validate.Struct(dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "參數驗證失敗").WithDetails(err.Error())
	}
	return nil
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應；非 AppError 一律視為內部錯誤
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal server error")
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "請求失敗", "error", err, "path", r.URL.Path)
	}

	h.jsonResponse(w, map[string]any{
		"error": appErr,
	}, status)
}

func canAuthor(role content.Role) bool {
	return role == content.RoleTeacher || role == content.RoleAdmin
}

func assignmentStatus(now, start, end time.Time) content.AssignmentStatus {
	switch {
	case now.Before(start):
		return content.AssignmentUpcoming
	case now.After(end):
		return content.AssignmentClosed
	default:
		return content.AssignmentActive
	}
}
