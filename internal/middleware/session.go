// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/deepdistill/internal/auth"
	"github.com/hitoshi/deepdistill/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var sessionContextKey = contextKey("session")

// SessionResolver はCookieのセッションIDからユーザー情報まで解決済みのセッションを返す。
// auth.Serviceが実装する。
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID string) (*model.Session, error)
}

// CookieConfig はCookie属性の設定。
type CookieConfig struct {
	Secure bool
	Domain string
}

// SessionID はリクエストのセッションCookieの値を返す。無ければ空文字。
func SessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetSessionCookie はセッションCookieを設定する。トークン自体はサーバー側に置き、Cookieには入れない。
func SetSessionCookie(w http.ResponseWriter, config CookieConfig, sess *model.Session) {
	maxAge := int(time.Until(sess.ExpiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewSessionMiddleware はダッシュボード配下のルートでセッションを解決するミドルウェアを返す。
// 有効なセッションが無い場合はCookieを削除してランディング（/）へ303で戻す。
// ストアの障害ではセッションが残っている可能性があるため、Cookieを残してエラー画面を返す。
// クライアントが切断した場合は何も書き込まずに終了する。
func NewSessionMiddleware(resolver SessionResolver, config CookieConfig, write ErrorWriter) func(next http.Handler) http.Handler {
	if write == nil {
		write = PlainErrorWriter
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := resolver.Resolve(r.Context(), SessionID(r))
			if err != nil {
				if r.Context().Err() != nil {
					return
				}
				if !errors.Is(err, auth.ErrNoSession) {
					slog.Error("failed to resolve session",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					WriteError(w, write, err)
					return
				}
				ClearSessionCookie(w, config)
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}

			annotateUser(r.Context(), sess)
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
		})
	}
}

// SessionFromContext はセッションミドルウェアが解決したセッションを返す。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*model.Session)
	return sess, ok && sess != nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, sess *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}
