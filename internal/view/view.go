// Package view はサーバーサイドで描画する画面（ランディング・認証・ダッシュボード）を提供する。
// テンプレートと静的ファイルはバイナリに埋め込む。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/deepdistill/internal/dashboard"
	"github.com/hitoshi/deepdistill/internal/security"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// 単独ページのテンプレート
const (
	PageLanding = "landing"
	PageAuth    = "auth"
	PageVerify  = "verify"
	PageError   = "error"
)

// Renderer はテンプレートを描画する。
type Renderer struct {
	pages     map[string]*template.Template
	sanitizer security.TextSanitizer
}

// New はテンプレートを読み込んでRendererを生成する。
// ダッシュボードはタブごとに layout + dashboard + tab_<name> を1つのテンプレートにまとめる。
func New(sanitizer security.TextSanitizer) (*Renderer, error) {
	r := &Renderer{
		pages:     make(map[string]*template.Template),
		sanitizer: sanitizer,
	}

	for _, name := range []string{PageLanding, PageAuth, PageVerify, PageError} {
		t, err := r.parse(name, "templates/"+name+".html")
		if err != nil {
			return nil, err
		}
		r.pages[name] = t
	}
	for _, tab := range dashboard.Tabs() {
		t, err := r.parse(dashboardPage(tab), "templates/dashboard.html", "templates/tab_"+string(tab)+".html")
		if err != nil {
			return nil, err
		}
		r.pages[dashboardPage(tab)] = t
	}
	return r, nil
}

func dashboardPage(tab dashboard.Tab) string {
	return "dashboard/" + string(tab)
}

func (r *Renderer) parse(name string, files ...string) (*template.Template, error) {
	patterns := append([]string{"templates/layout.html", "templates/partials.html"}, files...)
	t, err := template.New(name).Funcs(r.funcs()).ParseFS(templateFS, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	return t, nil
}

func (r *Renderer) funcs() template.FuncMap {
	return template.FuncMap{
		"clean": r.sanitizer.Sanitize,
		"media": MediaURL,
		"pct":   formatPercent,
		"width": barWidth,
		"bytes": formatBytes,
	}
}

// Render はテンプレートを描画してstatusで書き出す。
// 描画に失敗した場合は途中までの出力を送らず500を返す。
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.pages[name]
	if !ok {
		slog.Error("unknown template", slog.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// Landing はランディングページを描画する。
func (r *Renderer) Landing(w http.ResponseWriter, page *LandingPage) {
	r.Render(w, http.StatusOK, PageLanding, page)
}

// Auth は認証画面を描画する。
func (r *Renderer) Auth(w http.ResponseWriter, status int, page *AuthPage) {
	r.Render(w, status, PageAuth, page)
}

// Verify はメール確認の結果画面を描画する。
func (r *Renderer) Verify(w http.ResponseWriter, page *VerifyPage) {
	r.Render(w, http.StatusOK, PageVerify, page)
}

// Dashboard はアクティブなタブのダッシュボードを描画する。
func (r *Renderer) Dashboard(w http.ResponseWriter, status int, page *DashboardPage) {
	r.Render(w, status, dashboardPage(page.Active), page)
}

// Error はエラー画面を描画する。
func (r *Renderer) Error(w http.ResponseWriter, status int, message string) {
	r.Render(w, status, PageError, &ErrorPage{
		Page:    Page{Title: http.StatusText(status)},
		Status:  status,
		Message: message,
	})
}

// StaticHandler は埋め込みの静的ファイル（/static/配下）を返すハンドラー。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// MediaURL はバックエンド由来の画像URLをメディアプロキシ経由のURLに変換する。
func MediaURL(src string) string {
	if src == "" {
		return ""
	}
	return "/dashboard/media?src=" + url.QueryEscape(src)
}

// formatPercent は確率を表示用に整形する。
func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64) + "%"
}

// barWidth は確率バーの幅（0〜100）を返す。
func barWidth(p float64) string {
	if math.IsNaN(p) {
		p = 0
	}
	p = math.Max(0, math.Min(100, p))
	return strconv.FormatFloat(p, 'f', 1, 64)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return strconv.FormatFloat(float64(n)/(1<<20), 'f', 1, 64) + " MB"
	case n >= 1<<10:
		return strconv.FormatFloat(float64(n)/(1<<10), 'f', 1, 64) + " KB"
	default:
		return strconv.FormatInt(n, 10) + " B"
	}
}
