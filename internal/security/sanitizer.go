// Package security はサーバー由来のデータを画面に出す際の保護機能を提供する。
//
// バックエンドが返す文字列（エラー詳細、クラス名、氏名など）はHTMLを取り除いてから表示し、
// バックエンドが返す画像URLはSSRF対策を施したプロキシ経由で取得する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はサーバー由来の文字列から表示用のテキストを取り出す。
type TextSanitizer interface {
	// Sanitize はタグをすべて取り除いたテキストを返す。
	// 結果はテンプレート側で改めてエスケープされるため、エンティティは元の文字に戻す。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。bluemondayのポリシーはスレッドセーフに使える。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを取り除き、前後の空白を詰めたテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
