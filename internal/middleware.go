package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-live-game-session/internal/content"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
	"github.com/koopa0/system-design/14-live-game-session/pkg/logger"
)

// Claims JWT 內容：sub 為身分，role 為角色
type Claims struct {
	Role content.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier 驗證 bearer token
type TokenVerifier interface {
	Verify(token string) (Principal, error)
}

// Tokens HS256 JWT 簽發與驗證
//
// 帳號與登入不在本服務範圍；Issue 供測試與本地工具使用。
type Tokens struct {
	secret []byte
	issuer string
}

// NewTokens 創建 Tokens
func NewTokens(secret, issuer string) *Tokens {
	return &Tokens{secret: []byte(secret), issuer: issuer}
}

// Issue 簽發 token
func (t *Tokens) Issue(subject string, role content.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify 驗證簽章、期限與簽發者，返回請求者
func (t *Tokens) Verify(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, apperrors.ErrUnauthorized.Message)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Principal{}, apperrors.ErrUnauthorized
	}
	return Principal{ID: claims.Subject, Role: claims.Role}, nil
}

// bearerToken 從 Authorization 標頭或 ?token= 取出 token
//
// 瀏覽器的 WebSocket API 無法設定標頭，所以升級請求走查詢參數。
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom 取出已認證的請求者
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// authenticate JWT 認證中間件
func (h *Handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.errorResponse(w, r, apperrors.ErrUnauthorized.WithDetails("missing bearer token"))
			return
		}

		who, err := h.tokens.Verify(token)
		if err != nil {
			h.logger.WarnContext(r.Context(), "token 驗證失敗", "error", err)
			h.errorResponse(w, r, apperrors.ErrUnauthorized)
			return
		}

		ctx := withPrincipal(r.Context(), who)
		ctx = logger.WithUserID(ctx, who.ID)
		next(w, r.WithContext(ctx))
	}
}

// requestID 請求 ID 中間件
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.ErrorContext(r.Context(), "處理請求時發生 panic",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, r, apperrors.Wrap(fmt.Errorf("panic: %v", rec), apperrors.ErrCodeInternal, "internal server error"))
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap 讓 http.ResponseController 取得底層 writer
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// statusFor 錯誤碼對應 HTTP 狀態
func statusFor(err error) int {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}

	switch appErr.Code {
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeAccessDenied, apperrors.ErrCodeNotHost:
		return http.StatusForbidden
	case apperrors.ErrCodeNotFound, apperrors.ErrCodeRoomNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeAlreadyExists, apperrors.ErrCodeAlreadyStarted, apperrors.ErrCodeConnectionBound:
		return http.StatusConflict
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeCodeSpaceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
