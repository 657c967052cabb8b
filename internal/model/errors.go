// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 認証・委任トークンに関するエラー分類。
// サービス層はこれらを %w でラップして返し、ハンドラーは errors.Is で判定する。
var (
	// ErrNotConfigured はOAuthクライアントの資格情報が未設定であることを示す。
	ErrNotConfigured = errors.New("oauth client is not configured")
	// ErrAuthExchangeFailed は認可コードの交換またはIDトークン検証に失敗したことを示す。
	ErrAuthExchangeFailed = errors.New("authorization code exchange failed")
	// ErrInvalidOrExpiredCode はハンドオフコードが不正または期限切れであることを示す。
	// 不正と期限切れは区別しない。
	ErrInvalidOrExpiredCode = errors.New("invalid or expired handoff code")
	// ErrPersistenceUnavailable は全ストレージ層への書き込みが失敗したことを示す。
	ErrPersistenceUnavailable = errors.New("no storage tier accepted the write")
	// ErrNotAuthenticated はセッションが存在しないか期限切れであることを示す。
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrDelegationExpired はリフレッシュトークンによる更新に失敗したことを示す。
	ErrDelegationExpired = errors.New("delegated credentials expired")
)

// LoginPath は再ログインを促す際にクライアントへ返す認可開始エンドポイント。
const LoginPath = "/auth/google/url"

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
	ErrCodeNotConfigured          = "NOT_CONFIGURED"
	ErrCodeAuthExchangeFailed     = "AUTH_EXCHANGE_FAILED"
	ErrCodeInvalidOrExpiredCode   = "INVALID_OR_EXPIRED_CODE"
	ErrCodePersistenceUnavailable = "PERSISTENCE_UNAVAILABLE"
	ErrCodeNotAuthenticated       = "NOT_AUTHENTICATED"
	ErrCodeDelegationExpired      = "DELEGATION_EXPIRED"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// NewNotConfiguredError はOAuth未設定エラーを生成する。
func NewNotConfiguredError() *APIError {
	return &APIError{
		Code:     ErrCodeNotConfigured,
		Message:  "Google OAuth is not configured on this server.",
		Category: "system",
		Action:   "Set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET and restart the server.",
	}
}

// NewAuthExchangeFailedError は認可コード交換失敗エラーを生成する。
func NewAuthExchangeFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthExchangeFailed,
		Message:  "Google sign-in could not be completed.",
		Category: "auth",
		Action:   "Close this window and start the sign-in again.",
	}
}

// NewInvalidOrExpiredCodeError はハンドオフコード不正エラーを生成する。
func NewInvalidOrExpiredCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOrExpiredCode,
		Message:  "Invalid or expired code.",
		Category: "auth",
		Action:   "Start the sign-in again.",
	}
}

// NewPersistenceUnavailableError は永続化失敗エラーを生成する。
func NewPersistenceUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodePersistenceUnavailable,
		Message:  "Credentials could not be stored.",
		Category: "system",
		Action:   "Try again later.",
	}
}

// NewNotAuthenticatedError は未認証エラーを生成する。
// Action にはログイン開始エンドポイントを含める。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "Not authenticated.",
		Category: "auth",
		Action:   "Sign in with Google via " + LoginPath + ".",
	}
}

// NewDelegationExpiredError は委任期限切れエラーを生成する。
func NewDelegationExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeDelegationExpired,
		Message:  "Google authorization has expired or was revoked.",
		Category: "auth",
		Action:   "Sign in with Google again via " + LoginPath + ".",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Check the request body and try again.",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Try again later.",
	}
}
