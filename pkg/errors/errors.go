// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeRoomNotFound 房間不存在（加入碼錯誤或房主已離線）
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeNotHost 非房主的操作
	ErrCodeNotHost = "NOT_HOST"
	// ErrCodeAlreadyStarted 房間已開始
	ErrCodeAlreadyStarted = "ALREADY_STARTED"
	// ErrCodeConnectionBound 連接已綁定其他房間
	ErrCodeConnectionBound = "CONNECTION_BOUND"
	// ErrCodeCodeSpaceExhausted 無可用加入碼（可重試）
	ErrCodeCodeSpaceExhausted = "CODE_SPACE_EXHAUSTED"
	// ErrCodeAccessDenied 無權存取
	ErrCodeAccessDenied = "ACCESS_DENIED"
	// ErrCodeUnauthorized 未認證
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeRateLimited 請求過於頻繁
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrRoomNotFound) 對包裝過的錯誤同樣成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本，不修改預定義錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Retryable 客戶端是否可以稍後重試
func (e *AppError) Retryable() bool {
	return e.Code == ErrCodeCodeSpaceExhausted || e.Code == ErrCodeRateLimited
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeRoomNotFound, "Room not found. Please check the code.")

	// ErrNotHost 只有房主可以開始遊戲
	ErrNotHost = New(ErrCodeNotHost, "only the host can start the game")

	// ErrAlreadyStarted 遊戲已開始
	ErrAlreadyStarted = New(ErrCodeAlreadyStarted, "game already started")

	// ErrConnectionBound 連接已在房間中
	ErrConnectionBound = New(ErrCodeConnectionBound, "connection is already bound to a room")

	// ErrCodeSpaceExhausted 無法產生未使用的加入碼
	ErrCodeSpaceExhausted = New(ErrCodeCodeSpaceExhausted, "no free room code available, please retry")

	// ErrAccessDenied 無權存取內容
	ErrAccessDenied = New(ErrCodeAccessDenied, "Not authorized to access this game.")

	// ErrUnauthorized 未認證
	ErrUnauthorized = New(ErrCodeUnauthorized, "Not authorized, token failed")

	// ErrContentNotFound 內容不存在
	ErrContentNotFound = New(ErrCodeNotFound, "Game creation not found.")

	// ErrAssignmentNotFound 沒有對應的作業
	ErrAssignmentNotFound = New(ErrCodeNotFound, "No active assignment found for this game.")

	// ErrResultAlreadySubmitted 成績已提交
	ErrResultAlreadySubmitted = New(ErrCodeAlreadyExists, "You have already submitted a result for this game.")

	// ErrRateLimited 加入嘗試過於頻繁
	ErrRateLimited = New(ErrCodeRateLimited, "too many join attempts, slow down")
)

// Code 取得錯誤碼，非 AppError 返回 ErrCodeInternal
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRoomNotFound 檢查是否為房間不存在錯誤
func IsRoomNotFound(err error) bool {
	return Code(err) == ErrCodeRoomNotFound
}

// IsNotHost 檢查是否為非房主錯誤
func IsNotHost(err error) bool {
	return Code(err) == ErrCodeNotHost
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return Code(err) == ErrCodeAlreadyExists
}

// IsRetryable 檢查錯誤是否可重試
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}
