// Package repository はダッシュボードセッションの永続化を提供する。
// PostgreSQL・Redis・メモリの3実装があり、起動時に設定から1つを選ぶ。
package repository

import (
	"context"

	"github.com/hitoshi/deepdistill/internal/model"
)

// SessionRepository はセッションデータの永続化インターフェース。
// バックエンドのBearerトークンはここにのみ保存され、ブラウザには渡さない。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateUser はセッションにキャッシュしたユーザー情報を置き換える。
	UpdateUser(ctx context.Context, id string, user *model.UserProfile) error
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
}

// ExpiredSessionPurger は期限切れセッションを一括削除できるストア。
// Redisはキーの有効期限で自動削除されるため実装しない。
type ExpiredSessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// sessionData はセッションのdata列（JSON）に保存する内容。
type sessionData struct {
	User *model.UserProfile `json:"user,omitempty"`
}
