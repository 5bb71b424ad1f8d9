// Package inference はアップロード画像の検証と推論リクエストの実行を提供する。
package inference

import (
	"mime"
	"strings"

	"github.com/hitoshi/deepdistill/internal/model"
)

// MaxUploadSize はアップロードできる画像の最大サイズ（5 MiB、この値ちょうどは許可）。
const MaxUploadSize int64 = 5 << 20

// allowedContentTypes はアップロードを許可するMIMEタイプ。
var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/jpg":  {},
}

// 拒否理由（メトリクスのラベルに使う）
const (
	RejectNoFile          = "no_file"
	RejectUnsupportedType = "unsupported_type"
	RejectTooLarge        = "too_large"
)

// ValidationError はローカル検証で拒否されたことを表す。
type ValidationError struct {
	Reason string
	*model.APIError
}

// Unwrap はAPIErrorを返す。
func (e *ValidationError) Unwrap() error {
	return e.APIError
}

// ValidateUpload はMIMEタイプとサイズを検証する。
// 違反した場合は*ValidationErrorを返し、リクエストは一切送らない。
func ValidateUpload(u *model.ImageUpload) error {
	if u == nil || (u.Filename == "" && len(u.Data) == 0) {
		return &ValidationError{Reason: RejectNoFile, APIError: model.NewValidationRejectedError(model.MessageNoFileSelected)}
	}
	if !AllowedContentType(u.ContentType) {
		return &ValidationError{Reason: RejectUnsupportedType, APIError: model.NewValidationRejectedError(model.MessageUnsupportedFileType)}
	}
	if u.Size() > MaxUploadSize {
		return &ValidationError{Reason: RejectTooLarge, APIError: model.NewValidationRejectedError(model.MessageFileTooLarge)}
	}
	return nil
}

// AllowedContentType はMIMEタイプが許可リストに含まれるかを返す。
// パラメータ（; charset=...）と大文字小文字は無視する。
func AllowedContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(contentType)
	}
	_, ok := allowedContentTypes[strings.ToLower(mediaType)]
	return ok
}
