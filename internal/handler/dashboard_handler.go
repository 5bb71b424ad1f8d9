package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/deepdistill/internal/catalog"
	"github.com/hitoshi/deepdistill/internal/dashboard"
	"github.com/hitoshi/deepdistill/internal/inference"
	"github.com/hitoshi/deepdistill/internal/metrics"
	"github.com/hitoshi/deepdistill/internal/middleware"
	"github.com/hitoshi/deepdistill/internal/model"
	"github.com/hitoshi/deepdistill/internal/security"
	"github.com/hitoshi/deepdistill/internal/view"
)

// 画面に出すメッセージ
const (
	MessageHistoryFailed  = "Failed to load history."
	MessageAvatarUpdated  = "Profile picture updated!"
	MessageAvatarFailed   = "Failed to update profile picture."
	MessagePageNotFound   = "Page not found."
	MessageMediaNotFound  = "image not available"
	avatarUpdatedQueryKey = "avatar"
)

// HistoryFetcher はセッション履歴を取得する。apiclient.Clientが実装する。
type HistoryFetcher interface {
	History(ctx context.Context, token string) ([]model.HistoryRecord, error)
}

// MediaFetcher は画像をプロキシ用に取得する。security.MediaFetcherが実装する。
type MediaFetcher interface {
	Fetch(ctx context.Context, src string) (*security.Media, error)
}

// AvatarUpdater はアバター画像を更新する。auth.Serviceが実装する。
type AvatarUpdater interface {
	UpdateAvatar(ctx context.Context, sess *model.Session, file *model.ImageUpload) (*model.UserProfile, error)
}

var _ MediaFetcher = (*security.MediaFetcher)(nil)

// DashboardHandler はダッシュボード配下のHTTPハンドラー。
// すべてのハンドラーはセッションミドルウェアの内側で呼ばれる。
type DashboardHandler struct {
	states    *dashboard.StateStore
	predictor inference.Predictor
	history   HistoryFetcher
	avatars   AvatarUpdater
	media     MediaFetcher
	catalog   *catalog.Catalog
	renderer  *view.Renderer
	cookies   middleware.CookieConfig
	collector metrics.MetricsCollector
}

// DashboardDeps はDashboardHandlerの依存関係。
type DashboardDeps struct {
	States    *dashboard.StateStore
	Predictor inference.Predictor
	History   HistoryFetcher
	Avatars   AvatarUpdater
	Media     MediaFetcher
	Catalog   *catalog.Catalog
	Renderer  *view.Renderer
	Cookies   middleware.CookieConfig
	Collector metrics.MetricsCollector
}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler(deps DashboardDeps) *DashboardHandler {
	collector := deps.Collector
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &DashboardHandler{
		states:    deps.States,
		predictor: deps.Predictor,
		history:   deps.History,
		avatars:   deps.Avatars,
		media:     deps.Media,
		catalog:   deps.Catalog,
		renderer:  deps.Renderer,
		cookies:   deps.Cookies,
		collector: collector,
	}
}

// session はミドルウェアが解決したセッションと画面状態を返す。
func (h *DashboardHandler) session(r *http.Request) (*model.Session, *dashboard.State) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, nil
	}
	return sess, h.states.Get(sess.ID)
}

// Index は最後に開いたタブへリダイレクトする。
// GET /dashboard
func (h *DashboardHandler) Index(w http.ResponseWriter, r *http.Request) {
	_, state := h.session(r)
	if state == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/dashboard/"+string(state.ActiveTab()), http.StatusSeeOther)
}

// Tab はタブを表示する。履歴タブ以外は通信を伴わない。
// GET /dashboard/{tab}
func (h *DashboardHandler) Tab(w http.ResponseWriter, r *http.Request) {
	tab, ok := dashboard.ParseTab(chi.URLParam(r, "tab"))
	if !ok {
		h.renderer.Error(w, http.StatusNotFound, MessagePageNotFound)
		return
	}
	sess, state := h.session(r)
	if sess == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state.SwitchTab(tab)

	page, ok := h.page(r, sess, state, tab)
	if !ok {
		return
	}
	if tab == dashboard.TabProfile && r.URL.Query().Get(avatarUpdatedQueryKey) == "updated" {
		page.Profile.Success = MessageAvatarUpdated
	}
	h.renderer.Dashboard(w, http.StatusOK, page)
}

// page はタブの表示内容を組み立てる。クライアントが切断した場合はfalse。
// 通信は開いたときに自分でデータを取得するタブ（FetchesOnMount）でのみ行う。
func (h *DashboardHandler) page(r *http.Request, sess *model.Session, state *dashboard.State, tab dashboard.Tab) (*view.DashboardPage, bool) {
	page := view.NewDashboardPage(middleware.CSRFToken(r.Context()), sess.User, tab)
	page.Catalog = h.catalog

	if tab.FetchesOnMount() {
		return page, h.mount(r, sess, page, tab)
	}

	switch tab {
	case dashboard.TabInference:
		page.Inference = view.NewInferencePanel(state.Workspace.Snapshot())
	case dashboard.TabAnalytics:
		page.Analytics = view.NewAnalyticsPanel(h.catalog)
	case dashboard.TabProfile:
		page.Profile = &view.ProfilePanel{}
	}
	return page, true
}

// mount はタブのデータを1回だけ取得してpageに載せる。クライアントが切断した場合はfalse。
func (h *DashboardHandler) mount(r *http.Request, sess *model.Session, page *view.DashboardPage, tab dashboard.Tab) bool {
	switch tab {
	case dashboard.TabHistory:
		records, err := h.history.History(r.Context(), sess.Token)
		if err != nil {
			if r.Context().Err() != nil {
				return false
			}
			slog.Warn("failed to load history", slog.String("error", err.Error()))
			page.History = &view.HistoryPanel{Error: model.DisplayMessage(err, MessageHistoryFailed)}
			return true
		}
		page.History = view.NewHistoryPanel(records)
	}
	return true
}

// Select はアップロード候補を差し替える。検証に失敗した場合は直前の候補と結果を残す。
// POST /dashboard/inference/select
func (h *DashboardHandler) Select(w http.ResponseWriter, r *http.Request) {
	sess, state := h.session(r)
	if sess == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	upload, err := readUpload(r)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	if err := state.Workspace.Select(upload); err != nil {
		var ve *inference.ValidationError
		if errors.As(err, &ve) {
			h.collector.RecordUploadRejected(ve.Reason)
		}
		h.renderInference(w, r, sess, state, middleware.StatusFor(err), "")
		return
	}
	http.Redirect(w, r, "/dashboard/inference", http.StatusSeeOther)
}

// Run は選択中の画像で推論を1回実行する。実行中の2回目はリクエストを送らず409を返す。
// POST /dashboard/inference/run
func (h *DashboardHandler) Run(w http.ResponseWriter, r *http.Request) {
	sess, state := h.session(r)
	if sess == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	_, err := state.Workspace.Run(r.Context(), h.predictor, sess.Token)
	switch {
	case err == nil:
		h.collector.RecordInference("success")
	case errors.Is(err, inference.ErrSuperseded):
		h.collector.RecordInference("superseded")
	case model.HasCode(err, model.ErrCodeRequestInFlight):
		h.collector.RecordInference("in_flight")
		h.renderInference(w, r, sess, state, http.StatusConflict, model.MessageRequestInFlight)
		return
	case model.HasCode(err, model.ErrCodeValidationRejected):
		h.collector.RecordInference("no_file")
		h.renderInference(w, r, sess, state, http.StatusUnprocessableEntity, "")
		return
	case r.Context().Err() != nil:
		h.collector.RecordInference("canceled")
		return
	default:
		h.collector.RecordInference("failure")
		slog.Warn("inference failed", slog.String("error", err.Error()))
	}
	http.Redirect(w, r, "/dashboard/inference", http.StatusSeeOther)
}

// Reset は候補と結果を破棄する。実行中の推論はキャンセルする。
// POST /dashboard/inference/reset
func (h *DashboardHandler) Reset(w http.ResponseWriter, r *http.Request) {
	_, state := h.session(r)
	if state != nil {
		state.Workspace.Reset()
	}
	http.Redirect(w, r, "/dashboard/inference", http.StatusSeeOther)
}

// Preview は選択中の候補画像を返す。差し替え済みのIDは404。
// GET /dashboard/inference/preview?v=...
func (h *DashboardHandler) Preview(w http.ResponseWriter, r *http.Request) {
	_, state := h.session(r)
	if state == nil {
		http.NotFound(w, r)
		return
	}
	upload, ok := state.Workspace.Preview(r.URL.Query().Get("v"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	contentType, _, err := mime.ParseMediaType(upload.ContentType)
	if err != nil || !inference.AllowedContentType(contentType) {
		http.NotFound(w, r)
		return
	}
	writeImage(w, strings.ToLower(contentType), upload.Data)
}

// Avatar はアバター画像を更新する。
// POST /dashboard/profile/avatar
func (h *DashboardHandler) Avatar(w http.ResponseWriter, r *http.Request) {
	sess, state := h.session(r)
	if sess == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	upload, err := readUpload(r)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	if _, err := h.avatars.UpdateAvatar(r.Context(), sess, upload); err != nil {
		switch {
		case r.Context().Err() != nil:
			return
		case model.HasCode(err, model.ErrCodeSessionInvalid):
			h.states.Drop(sess.ID)
			middleware.ClearSessionCookie(w, h.cookies)
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}

		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			slog.Error("failed to update avatar", slog.String("error", err.Error()))
		}
		page, _ := h.page(r, sess, state, dashboard.TabProfile)
		page.Profile.Error = model.DisplayMessage(err, MessageAvatarFailed)
		h.renderer.Dashboard(w, middleware.StatusFor(err), page)
		return
	}

	state.SwitchTab(dashboard.TabProfile)
	http.Redirect(w, r, "/dashboard/profile?"+avatarUpdatedQueryKey+"=updated", http.StatusSeeOther)
}

// Media はバックエンド由来の画像（image_url, avatar_url）をプロキシする。
// GET /dashboard/media?src=...
func (h *DashboardHandler) Media(w http.ResponseWriter, r *http.Request) {
	m, err := h.media.Fetch(r.Context(), r.URL.Query().Get("src"))
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, security.ErrMediaRejected):
			status = http.StatusForbidden
		case errors.Is(err, security.ErrMediaTooLarge):
			status = http.StatusRequestEntityTooLarge
		}
		slog.Warn("media proxy failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		http.Error(w, MessageMediaNotFound, status)
		return
	}
	writeImage(w, m.ContentType, m.Data)
}

// renderInference は推論タブを描画する。messageが空でなければエラー表示を上書きする。
func (h *DashboardHandler) renderInference(w http.ResponseWriter, r *http.Request, sess *model.Session, state *dashboard.State, status int, message string) {
	state.SwitchTab(dashboard.TabInference)
	page, ok := h.page(r, sess, state, dashboard.TabInference)
	if !ok {
		return
	}
	if message != "" {
		page.Inference.Error = message
	}
	h.renderer.Dashboard(w, status, page)
}

// writeUploadError はmultipartの読み取りエラーを書き出す。
func (h *DashboardHandler) writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.collector.RecordUploadRejected(inference.RejectTooLarge)
		h.renderer.Error(w, http.StatusRequestEntityTooLarge, model.MessageFileTooLarge)
		return
	}
	slog.Warn("failed to read upload", slog.String("error", err.Error()))
	h.renderer.Error(w, http.StatusBadRequest, "The upload could not be read.")
}

// readUpload はmultipartのfileフィールドを読み取る。ファイルが無い場合はnilを返す。
// 上限を1バイト超えるところまで読み、サイズ超過の判定はinference.ValidateUploadに任せる。
func readUpload(r *http.Request) (*model.ImageUpload, error) {
	f, fh, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, inference.MaxUploadSize+1))
	if err != nil {
		return nil, err
	}
	return &model.ImageUpload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// writeImage は画像を返す。画像として以外は解釈させない。
func writeImage(w http.ResponseWriter, contentType string, data []byte) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Cache-Control", "private, max-age=300")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; sandbox")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
