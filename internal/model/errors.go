package model

import (
	"errors"
	"fmt"
	"strings"
)

// APIError は画面に表示するエラーの統一フォーマットを表す。
// いずれのエラーも表示専用であり、プロセスを停止させない。
type APIError struct {
	Code     string // エラーコード
	Message  string // 画面に表示するメッセージ
	Category string // カテゴリ: network, auth, validation, session, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因（ログ用。画面には出さない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeNetworkFailure       = "NETWORK_FAILURE"
	ErrCodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrCodeValidationRejected   = "VALIDATION_REJECTED"
	ErrCodeSessionInvalid       = "SESSION_INVALID"
	ErrCodeRequestInFlight      = "REQUEST_IN_FLIGHT"
	ErrCodeUpstreamError        = "UPSTREAM_ERROR"
)

// 画面に出す固定メッセージ
const (
	MessageAuthenticationFailed = "Authentication failed"
	MessageInferenceFailed      = "Failed to run inference. Please check backend connection."
	MessageNetworkFailure       = "Unable to reach the server. Please try again."
	MessageRequestInFlight      = "A request is already in progress."
	MessageUnsupportedFileType  = "Unsupported file type. Please upload a JPEG or PNG image."
	MessageFileTooLarge         = "File is too large. Maximum size is 5 MB."
	MessageNoFileSelected       = "Please select an image first."
)

// NewNetworkFailureError は通信失敗エラーを生成する。自動リトライは行わない。
func NewNetworkFailureError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeNetworkFailure,
		Message:  MessageNetworkFailure,
		Category: "network",
		Action:   "Check the connection to the backend and try again.",
		Err:      err,
	}
}

// NewAuthenticationFailedError は認証系エンドポイントの失敗エラーを生成する。
// サーバーからのメッセージがあればそれを使い、なければ汎用メッセージにする。
func NewAuthenticationFailedError(serverMessage string) *APIError {
	msg := strings.TrimSpace(serverMessage)
	if msg == "" {
		msg = MessageAuthenticationFailed
	}
	return &APIError{
		Code:     ErrCodeAuthenticationFailed,
		Message:  msg,
		Category: "auth",
		Action:   "Check your input and try again.",
	}
}

// NewValidationRejectedError はリクエスト送信前のローカル検証エラーを生成する。
func NewValidationRejectedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationRejected,
		Message:  message,
		Category: "validation",
		Action:   "Fix the highlighted input and submit again.",
	}
}

// NewMissingFieldsError は必須項目の未入力エラーを生成する。
func NewMissingFieldsError(fields []string) *APIError {
	return NewValidationRejectedError(
		fmt.Sprintf("Please fill in the required fields: %s.", strings.Join(fields, ", ")),
	)
}

// NewSessionInvalidError は保存済みトークンが /user/me で拒否されたことを表す。
// 画面にはエラーとして出さず、ログアウトしてランディングへ戻す。
func NewSessionInvalidError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeSessionInvalid,
		Message:  "Your session has expired.",
		Category: "session",
		Action:   "Log in again.",
		Err:      err,
	}
}

// NewRequestInFlightError は同じ操作のリクエストが処理中であることを表す。
func NewRequestInFlightError() *APIError {
	return &APIError{
		Code:     ErrCodeRequestInFlight,
		Message:  MessageRequestInFlight,
		Category: "system",
		Action:   "Wait for the current request to finish.",
	}
}

// NewUpstreamError はバックエンドが認証系以外で非2xxを返したことを表す。
func NewUpstreamError(statusCode int, detail string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamError,
		Message:  fmt.Sprintf("The backend returned status %d.", statusCode),
		Category: "system",
		Action:   "Try again later.",
		Err:      fmt.Errorf("upstream status %d: %s", statusCode, detail),
	}
}

// HasCode はエラーチェーン中にcodeを持つAPIErrorがあるかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// DisplayMessage はエラーから画面表示用のメッセージを取り出す。
// APIErrorでない場合はfallbackを返す。
func DisplayMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
