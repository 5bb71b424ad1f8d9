package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/deepdistill/internal/model"
)

// ErrorWriter はstatusとユーザー向けメッセージでエラー画面を書き出す。
// 画面を持つルートではview.Renderer.Errorを渡す。
type ErrorWriter func(w http.ResponseWriter, status int, message string)

// PlainErrorWriter はテキストでエラーを書き出す。
func PlainErrorWriter(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// StatusFor はエラーからHTTPステータスを決める。
// APIErrorでないエラーは内部エラーとして500にする。
func StatusFor(err error) int {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}
	switch apiErr.Code {
	case model.ErrCodeValidationRejected:
		return http.StatusUnprocessableEntity
	case model.ErrCodeAuthenticationFailed, model.ErrCodeSessionInvalid:
		return http.StatusUnauthorized
	case model.ErrCodeRequestInFlight:
		return http.StatusConflict
	case model.ErrCodeNetworkFailure, model.ErrCodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はエラーを統一的に書き出す。
// APIErrorはMessageだけを表示し、原因はログに残す。それ以外は汎用メッセージにする。
func WriteError(w http.ResponseWriter, write ErrorWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	write(w, status, model.DisplayMessage(err, MessageInternalError))
}

// MessageInternalError は内部エラー時に表示するメッセージ。詳細はログのみに記録する。
const MessageInternalError = "Something went wrong. Please try again later."

// WriteInternalServerError は内部サーバーエラーを書き出す。
func WriteInternalServerError(w http.ResponseWriter, write ErrorWriter) {
	write(w, http.StatusInternalServerError, MessageInternalError)
}
