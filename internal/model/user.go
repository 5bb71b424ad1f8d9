// Package model はドメインモデルを定義する。
package model

import "time"

// UserProfile はバックエンドの /user/me および認証レスポンスが返すユーザー情報を表す。
// クライアント側ではプロフィール・アバター更新レスポンスでのみ変更される。
type UserProfile struct {
	ID         string `json:"id,omitempty"`
	FullName   string `json:"full_name"`
	Email      string `json:"email"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	IsVerified bool   `json:"is_verified"`
}

// AuthResponse は /auth/login と /auth/register の成功レスポンス。
type AuthResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        UserProfile `json:"user"`
}

// Session はブラウザ1つ分のダッシュボードセッションを表す。
// Token はバックエンドのBearerトークン（不透明な文字列）。
// User は /user/me もしくは認証レスポンスが成功した後にのみ非nilになる。
type Session struct {
	ID        string
	Token     string
	User      *UserProfile
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Authenticated はセッションがユーザー情報まで解決済みかどうかを返す。
func (s *Session) Authenticated() bool {
	return s != nil && s.Token != "" && s.User != nil
}
