// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeRequestNotFound = "REQUEST_NOT_FOUND"
	ErrCodeUserNotFound    = "USER_NOT_FOUND"
	ErrCodeNotAuthorized   = "NOT_AUTHORIZED"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeVersionConflict = "VERSION_CONFLICT"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// NewInvalidCategoryError は無効なカテゴリエラーを生成する。
func NewInvalidCategoryError(category string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("Invalid category: %s", category),
		Category: "validation",
		Action:   "Choose one of the four supported request categories.",
	}
}

// NewEmptyContentError は本文が空のエラーを生成する。
func NewEmptyContentError() *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "Content is required",
		Category: "validation",
		Action:   "Describe your request before submitting.",
	}
}

// NewRequestNotFoundError はリクエスト未検出エラーを生成する。
// 存在しないIDと他人所有のIDを外部から区別させないため、
// メッセージには対象IDの詳細を含めない。
func NewRequestNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeRequestNotFound,
		Message:  "Service request not found",
		Category: "validation",
		Action:   "Check the request ID.",
	}
}

// NewNotAuthorizedError は所有者以外によるアクセスのエラーを生成する。
func NewNotAuthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthorized,
		Message:  "Not authorized",
		Category: "auth",
		Action:   "You can only access your own service requests.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewUnauthorizedError は認証情報が無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required",
		Category: "auth",
		Action:   "Sign in and retry with a valid token.",
	}
}

// NewVersionConflictError は楽観的ロックの競合エラーを生成する。
func NewVersionConflictError(expected, actual int) *APIError {
	return &APIError{
		Code:     ErrCodeVersionConflict,
		Message:  fmt.Sprintf("Version conflict: expected %d, current %d", expected, actual),
		Category: "validation",
		Action:   "Reload the request and apply your edit again.",
	}
}
