package handler

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/deepdistill/internal/auth"
	"github.com/hitoshi/deepdistill/internal/catalog"
	"github.com/hitoshi/deepdistill/internal/middleware"
	"github.com/hitoshi/deepdistill/internal/model"
	"github.com/hitoshi/deepdistill/internal/security"
	"github.com/hitoshi/deepdistill/internal/view"
)

// --- モック定義 ---

type mockAuthService struct {
	resolveFn      func(ctx context.Context, id string) (*model.Session, error)
	bootstrapFn    func(ctx context.Context, u *url.URL, sessionID string) (*auth.Outcome, error)
	logoutFn       func(ctx context.Context, sessionID string) error
	updateAvatarFn func(ctx context.Context, sess *model.Session, file *model.ImageUpload) (*model.UserProfile, error)
}

func (m *mockAuthService) Resolve(ctx context.Context, id string) (*model.Session, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, id)
	}
	return nil, auth.ErrNoSession
}

func (m *mockAuthService) Bootstrap(ctx context.Context, u *url.URL, sessionID string) (*auth.Outcome, error) {
	if m.bootstrapFn != nil {
		return m.bootstrapFn(ctx, u, sessionID)
	}
	return &auth.Outcome{View: auth.ViewLanding}, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) UpdateAvatar(ctx context.Context, sess *model.Session, file *model.ImageUpload) (*model.UserProfile, error) {
	if m.updateAvatarFn != nil {
		return m.updateAvatarFn(ctx, sess, file)
	}
	return sess.User, nil
}

var _ AuthServiceInterface = (*mockAuthService)(nil)

type mockFormSubmitter struct {
	submitFn func(ctx context.Context, key string, state auth.FormState, form auth.Form) (auth.Submission, error)
	busyFn   func(key string) bool
}

func (m *mockFormSubmitter) Busy(key string) bool {
	if m.busyFn != nil {
		return m.busyFn(key)
	}
	return false
}

func (m *mockFormSubmitter) Submit(ctx context.Context, key string, state auth.FormState, form auth.Form) (auth.Submission, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, key, state, form)
	}
	return auth.Submission{State: state}, nil
}

var _ FormSubmitter = (*mockFormSubmitter)(nil)

type mockPredictor struct {
	mu        sync.Mutex
	calls     int
	predictFn func(ctx context.Context, token string, file *model.ImageUpload) (*model.PredictionResult, error)
}

func (m *mockPredictor) Predict(ctx context.Context, token string, file *model.ImageUpload) (*model.PredictionResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.predictFn != nil {
		return m.predictFn(ctx, token, file)
	}
	return samplePrediction(), nil
}

func (m *mockPredictor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockHistoryFetcher struct {
	calls     int
	historyFn func(ctx context.Context, token string) ([]model.HistoryRecord, error)
}

func (m *mockHistoryFetcher) History(ctx context.Context, token string) ([]model.HistoryRecord, error) {
	m.calls++
	if m.historyFn != nil {
		return m.historyFn(ctx, token)
	}
	return nil, nil
}

var _ HistoryFetcher = (*mockHistoryFetcher)(nil)

type mockMediaFetcher struct {
	fetchFn func(ctx context.Context, src string) (*security.Media, error)
}

func (m *mockMediaFetcher) Fetch(ctx context.Context, src string) (*security.Media, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, src)
	}
	return nil, security.ErrMediaUnavailable
}

var _ MediaFetcher = (*mockMediaFetcher)(nil)

// --- ヘルパー ---

// pngBytes はPNGのシグネチャで始まるテスト用のデータ。
var pngBytes = []byte("\x89PNG\r\n\x1a\n-test-image-")

func samplePrediction() *model.PredictionResult {
	return &model.PredictionResult{
		Models: map[string][]model.Prediction{
			"baseline_b0_tiny": {{ClassID: 1, ClassName: "goldfish", Probability: 61.5}},
			"b0_aktp_tiny":     {{ClassID: 1, ClassName: "goldfish", Probability: 82.25}},
		},
	}
}

func testSession() *model.Session {
	return &model.Session{
		ID:    "session-abc",
		Token: "backend-token",
		User: &model.UserProfile{
			ID:         "user-1",
			FullName:   "Ada Lovelace",
			Email:      "ada@example.com",
			IsVerified: true,
		},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func newTestRenderer(t *testing.T) *view.Renderer {
	t.Helper()
	r, err := view.New(security.NewTextSanitizer())
	if err != nil {
		t.Fatalf("view.New returned error: %v", err)
	}
	return r
}

func mustCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load()
	if err != nil {
		t.Fatalf("catalog.Load returned error: %v", err)
	}
	return c
}

// withSession はセッションミドルウェアが解決した後のリクエストを作る。
func withSession(req *http.Request, sess *model.Session) *http.Request {
	return req.WithContext(middleware.ContextWithSession(req.Context(), sess))
}

// withTab はchiのURLパラメータ{tab}を設定する。
func withTab(req *http.Request, tab string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("tab", tab)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// fileField はmultipartのファイルパート。
type fileField struct {
	filename    string
	contentType string
	data        []byte
}

// multipartRequest はfileフィールドと追加フィールドを持つmultipartリクエストを作る。
// fileがnilの場合はファイルパートを含めない。
func multipartRequest(t *testing.T, target string, file *fileField, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+file.filename+`"`)
		h.Set("Content-Type", file.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		if _, err := part.Write(file.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func formRequest(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(b)
}

// findCookie はレスポンスのSet-Cookieから指定名のCookieを返す。
func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// sessionCookieCleared はレスポンスがセッションCookieを削除しているかを返す。
func sessionCookieCleared(resp *http.Response) bool {
	c := findCookie(resp, middleware.SessionCookieName)
	return c != nil && c.MaxAge < 0
}
