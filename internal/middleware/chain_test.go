package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRecoveryMiddleware_Returns500(t *testing.T) {
	handler := NewRecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value must not be shown")
	}
}

func TestRecoveryMiddleware_RepanicsAbortHandler(t *testing.T) {
	handler := NewRecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered = %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := NewSecurityHeadersMiddleware(true)(okStatus())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	csp := w.Header().Get("Content-Security-Policy")
	for _, directive := range []string{"script-src 'none'", "frame-ancestors 'none'", "img-src 'self' data:"} {
		if !strings.Contains(csp, directive) {
			t.Errorf("CSP %q missing %q", csp, directive)
		}
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected nosniff")
	}
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS when enabled")
	}

	w = httptest.NewRecorder()
	NewSecurityHeadersMiddleware(false)(okStatus()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS should be omitted over plain HTTP")
	}
}

// TestRouterIntegration_SessionAndCSRF は Session -> CSRF のチェーンがchi.Routerで動作することを検証する。
func TestRouterIntegration_SessionAndCSRF(t *testing.T) {
	sess := validSession()

	r := chi.NewRouter()
	r.Use(NewCSRFMiddleware(CSRFConfig{}))
	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(resolverFor(sess), CookieConfig{}, nil))
		r.Get("/dashboard", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(CSRFToken(r.Context())))
		})
		r.Post("/dashboard/inference/reset", func(w http.ResponseWriter, r *http.Request) {
			s, _ := SessionFromContext(r.Context())
			w.Write([]byte(s.User.ID))
		})
	})

	// GETでトークンを受け取る
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.ID})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	token := w.Body.String()
	var csrfCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			csrfCookie = c
		}
	}
	if token == "" || csrfCookie == nil || csrfCookie.Value != token {
		t.Fatalf("token = %q, cookie = %v", token, csrfCookie)
	}

	// 受け取ったトークンでPOST
	form := url.Values{"csrf_token": {token}}
	req = httptest.NewRequest(http.MethodPost, "/dashboard/inference/reset", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.ID})
	req.AddCookie(csrfCookie)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("POST status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "user-123" {
		t.Errorf("body = %q", w.Body.String())
	}

	// セッションなしのPOSTはCSRFを通ってもランディングへ戻る
	req = httptest.NewRequest(http.MethodPost, "/dashboard/inference/reset", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(csrfCookie)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Errorf("status without session = %d, want 303", w.Code)
	}
}
