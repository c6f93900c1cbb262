package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError は統一エラーフォーマットを表す。
// Statusはクライアントに返すHTTPステータス、Errは原因となったエラー（ログ用）。
type APIError struct {
	Code    string // エラーコード
	Message string // クライアント向けメッセージ
	Status  int    // HTTPステータスコード
	Err     error  // 原因
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因のエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidState           = "INVALID_STATE"
	ErrCodeUpstreamAuth           = "UPSTREAM_AUTH_ERROR"
	ErrCodeUnauthenticated        = "UNAUTHENTICATED"
	ErrCodeInvalidInput           = "INVALID_INPUT"
	ErrCodeSubdomainTaken         = "SUBDOMAIN_TAKEN"
	ErrCodeRegistrationWriteError = "REGISTRATION_WRITE_ERROR"
	ErrCodeInvalidSignature       = "INVALID_SIGNATURE"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// NewInvalidStateError はOAuthのstate不一致エラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidState,
		Message: "Invalid state parameter",
		Status:  http.StatusBadRequest,
	}
}

// NewUpstreamAuthError はトークン交換やプロフィール取得の失敗を表す。
func NewUpstreamAuthError(err error) *APIError {
	return &APIError{
		Code:    ErrCodeUpstreamAuth,
		Message: "Failed to authenticate with GitHub",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// NewUnauthenticatedError は未ログインのセッションによる操作を表す。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:    ErrCodeUnauthenticated,
		Message: "Not authenticated",
		Status:  http.StatusUnauthorized,
	}
}

// NewInvalidInputError は入力形式の違反を表す。
func NewInvalidInputError(message string) *APIError {
	return &APIError{
		Code:    ErrCodeInvalidInput,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// NewSubdomainTakenError は既に登録済みのサブドメインを表す。
func NewSubdomainTakenError() *APIError {
	return &APIError{
		Code:    ErrCodeSubdomainTaken,
		Message: "Subdomain already taken",
		Status:  http.StatusBadRequest,
	}
}

// NewRegistrationWriteError はレコードストアへの書き込み失敗を表す。
func NewRegistrationWriteError(err error) *APIError {
	return &APIError{
		Code:    ErrCodeRegistrationWriteError,
		Message: "Failed to register subdomain",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// NewInvalidSignatureError はWebhook署名の検証失敗を表す。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidSignature,
		Message: "Invalid signature",
		Status:  http.StatusUnauthorized,
	}
}

// NewRateLimitedError はレート制限の超過を表す。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:    ErrCodeRateLimited,
		Message: "Too many requests. Please try again later.",
		Status:  http.StatusTooManyRequests,
	}
}

// NewInternalError は分類できない内部エラーを表す。
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:    ErrCodeInternal,
		Message: "Internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// IsCode はerrがAPIErrorで、指定のコードを持つかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// AsAPIError はerrをAPIErrorに変換する。APIErrorでない場合は内部エラーとして包む。
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternalError(err)
}
