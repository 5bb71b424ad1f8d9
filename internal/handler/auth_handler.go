// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/deepdistill/internal/auth"
	"github.com/hitoshi/deepdistill/internal/catalog"
	"github.com/hitoshi/deepdistill/internal/dashboard"
	"github.com/hitoshi/deepdistill/internal/middleware"
	"github.com/hitoshi/deepdistill/internal/model"
	"github.com/hitoshi/deepdistill/internal/view"
)

// AuthServiceInterface は認証ハンドラーとセッションミドルウェアが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	middleware.SessionResolver
	Bootstrap(ctx context.Context, u *url.URL, sessionID string) (*auth.Outcome, error)
	Logout(ctx context.Context, sessionID string) error
	UpdateAvatar(ctx context.Context, sess *model.Session, file *model.ImageUpload) (*model.UserProfile, error)
}

// FormSubmitter は認証フォームの送信を処理する。auth.FormControllerが実装する。
type FormSubmitter interface {
	Submit(ctx context.Context, key string, state auth.FormState, form auth.Form) (auth.Submission, error)
	Busy(key string) bool
}

var (
	_ AuthServiceInterface = (*auth.Service)(nil)
	_ FormSubmitter        = (*auth.FormController)(nil)
)

// AuthHandler はランディング・認証フォーム・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	forms    FormSubmitter
	states   *dashboard.StateStore
	catalog  *catalog.Catalog
	renderer *view.Renderer
	cookies  middleware.CookieConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	service AuthServiceInterface,
	forms FormSubmitter,
	states *dashboard.StateStore,
	cat *catalog.Catalog,
	renderer *view.Renderer,
	cookies middleware.CookieConfig,
) *AuthHandler {
	return &AuthHandler{
		service:  service,
		forms:    forms,
		states:   states,
		catalog:  cat,
		renderer: renderer,
		cookies:  cookies,
	}
}

// Home は起動時の画面を決める。
// GET / , GET /reset-password?token=..., GET /verify?token=...
func (h *AuthHandler) Home(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r)

	out, err := h.service.Bootstrap(r.Context(), r.URL, sessionID)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		middleware.WriteError(w, h.renderer.Error, err)
		return
	}

	if out.SessionCleared {
		h.states.Drop(sessionID)
		middleware.ClearSessionCookie(w, h.cookies)
	}

	page := view.Page{CSRFToken: middleware.CSRFToken(r.Context())}
	switch out.View {
	case auth.ViewDashboard:
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	case auth.ViewAuth:
		page.Title = out.Form.Mode.Title()
		h.renderer.Auth(w, http.StatusOK, &view.AuthPage{Page: page, Form: out.Form})
	case auth.ViewVerify:
		page.Title = "Email Verification"
		h.renderer.Verify(w, &view.VerifyPage{Page: page, Result: out.Verify})
	default:
		h.renderer.Landing(w, &view.LandingPage{Page: page, Team: h.catalog.Team})
	}
}

// Form は認証フォームを表示する。モードを切り替えるとメッセージは消える。
// GET /auth?mode=login|register|forgot|reset
func (h *AuthHandler) Form(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := auth.NewFormState(auth.ParseMode(q.Get("mode")))
	if state.Mode == auth.ModeReset {
		state.ResetToken = q.Get("token")
	}
	h.renderForm(w, r, http.StatusOK, state)
}

// Submit は認証フォームの送信を処理する。
// POST /auth
func (h *AuthHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.Error(w, http.StatusBadRequest, "The request could not be read.")
		return
	}

	form := auth.FormFromValues(r.PostForm)
	sub, err := h.forms.Submit(r.Context(), middleware.CSRFKey(r), auth.NewFormState(form.Mode()), form)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		middleware.WriteError(w, h.renderer.Error, err)
		return
	}

	if sub.Session != nil {
		h.discardSession(r.Context(), middleware.SessionID(r))
		middleware.SetSessionCookie(w, h.cookies, sub.Session)
		slog.Info("session started",
			slog.String("mode", string(form.Mode())),
		)
	}

	state := sub.State
	switch {
	case sub.Conflict:
		h.renderForm(w, r, http.StatusConflict, state)
	case state.Error != "":
		h.renderForm(w, r, http.StatusUnprocessableEntity, state)
	case state.RedirectTo != "" && state.RedirectAfter == 0:
		http.Redirect(w, r, state.RedirectTo, http.StatusSeeOther)
	default:
		h.renderForm(w, r, http.StatusOK, state)
	}
}

// Logout はセッションを破棄してランディングへ戻す。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r)

	if err := h.service.Logout(r.Context(), sessionID); err != nil {
		slog.Error("failed to delete session", slog.String("error", err.Error()))
	}
	h.states.Drop(sessionID)
	middleware.ClearSessionCookie(w, h.cookies)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// discardSession は新しいセッションに置き換わる前のセッションを破棄する。
func (h *AuthHandler) discardSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := h.service.Logout(ctx, sessionID); err != nil {
		slog.Warn("failed to delete previous session", slog.String("error", err.Error()))
	}
	h.states.Drop(sessionID)
}

// renderForm は認証フォームを描画する。同じブラウザの送信が処理中なら送信ボタンを無効にする。
func (h *AuthHandler) renderForm(w http.ResponseWriter, r *http.Request, status int, state auth.FormState) {
	h.renderer.Auth(w, status, &view.AuthPage{
		Page:    view.Page{Title: state.Mode.Title(), CSRFToken: middleware.CSRFToken(r.Context())},
		Form:    state,
		Pending: h.forms.Busy(middleware.CSRFKey(r)),
	})
}
