package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"mime"
	"net/http"
)

const (
	// csrfCookieName はCSRFトークンを保持するCookieの名前。
	// トークンはテンプレートに埋め込むので、Cookie自体はHttpOnlyにする。
	csrfCookieName = "csrf_token"

	// csrfHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
	csrfHeaderName = "X-CSRF-Token"

	// csrfFieldName はフォームの隠しフィールド名。
	csrfFieldName = "csrf_token"

	// multipartMemory はmultipartフォームをメモリに保持する上限。超えた分は一時ファイルに書く。
	multipartMemory = 8 << 20
)

var csrfContextKey = contextKey("csrf_token")

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
	// MaxBodyBytes は状態変更リクエストの本文の上限。0以下なら制限しない。
	MaxBodyBytes int64
	// OnError はエラー画面の書き出し。nilならテキストで返す。
	OnError ErrorWriter
}

// NewCSRFMiddleware はCSRFトークンの生成・検証ミドルウェアを返す（double submit cookie）。
// 安全なメソッド（GET, HEAD, OPTIONS）はトークンCookieを用意してコンテキストに入れる。
// 状態変更メソッドはヘッダーまたはフォームのcsrf_tokenがCookieと一致することを必須とする。
// フォームを読む前に本文をMaxBodyBytesで制限し、超えた場合は413を返す。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	writeError := config.OnError
	if writeError == nil {
		writeError = PlainErrorWriter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				token := ensureCSRFCookie(w, r, config)
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfContextKey, token)))
				return
			}

			if config.MaxBodyBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, config.MaxBodyBytes)
			}

			cookieToken, err := r.Cookie(csrfCookieName)
			if err != nil || cookieToken.Value == "" {
				slog.Warn("CSRF validation failed: missing cookie token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeError(w, http.StatusForbidden, "CSRF token validation failed")
				return
			}

			requestToken := r.Header.Get(csrfHeaderName)
			if requestToken == "" {
				requestToken, err = formToken(r)
				if err != nil {
					var tooLarge *http.MaxBytesError
					if errors.As(err, &tooLarge) {
						slog.Warn("request body too large",
							slog.String("path", r.URL.Path),
							slog.Int64("limit", tooLarge.Limit),
						)
						writeError(w, http.StatusRequestEntityTooLarge, "The request is too large.")
						return
					}
					writeError(w, http.StatusBadRequest, "The request could not be read.")
					return
				}
			}

			if requestToken == "" {
				slog.Warn("CSRF validation failed: missing request token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeError(w, http.StatusForbidden, "CSRF token validation failed")
				return
			}

			if subtle.ConstantTimeCompare([]byte(cookieToken.Value), []byte(requestToken)) != 1 {
				slog.Warn("CSRF validation failed: token mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeError(w, http.StatusForbidden, "CSRF token validation failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfContextKey, cookieToken.Value)))
		})
	}
}

// CSRFToken はテンプレートに埋め込むCSRFトークンを返す。
func CSRFToken(ctx context.Context) string {
	token, _ := ctx.Value(csrfContextKey).(string)
	return token
}

// CSRFKey はブラウザ単位のキー（CSRFトークンCookieの値）を返す。
// 未ログインの画面で多重送信を防ぐキーに使う。
func CSRFKey(r *http.Request) string {
	if token := CSRFToken(r.Context()); token != "" {
		return token
	}
	if c, err := r.Cookie(csrfCookieName); err == nil {
		return c.Value
	}
	return ""
}

// formToken はフォームを解析してcsrf_tokenフィールドを返す。
func formToken(r *http.Request) (string, error) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if contentType == "multipart/form-data" {
		err = r.ParseMultipartForm(multipartMemory)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return "", err
	}
	return r.PostFormValue(csrfFieldName), nil
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// ensureCSRFCookie はCSRFトークンCookieが未設定の場合に設定し、トークンを返す。
func ensureCSRFCookie(w http.ResponseWriter, r *http.Request, config CSRFConfig) string {
	if c, err := r.Cookie(csrfCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	token, err := generateCSRFToken()
	if err != nil {
		slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
		return ""
	}

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   86400, // 24時間
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

// generateCSRFToken は暗号的に安全なCSRFトークンを生成する。
func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
