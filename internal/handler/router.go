package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/deepdistill/internal/catalog"
	"github.com/hitoshi/deepdistill/internal/dashboard"
	"github.com/hitoshi/deepdistill/internal/inference"
	"github.com/hitoshi/deepdistill/internal/metrics"
	"github.com/hitoshi/deepdistill/internal/middleware"
	"github.com/hitoshi/deepdistill/internal/view"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 描画とCookie
	Renderer *view.Renderer
	Cookies  middleware.CookieConfig

	// ミドルウェア依存
	RateLimiter  *middleware.RateLimiter
	MaxBodyBytes int64
	HSTS         bool
	Logger       *slog.Logger

	// 認証
	Auth  AuthServiceInterface
	Forms FormSubmitter

	// ダッシュボード
	States    *dashboard.StateStore
	Predictor inference.Predictor
	History   HistoryFetcher
	Media     MediaFetcher
	Catalog   *catalog.Catalog
	Collector metrics.MetricsCollector

	// 運用
	MetricsHandler http.Handler
	HealthChecker  HealthChecker
}

// NewRouter は全画面のルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CSRF → Session → RateLimit(General)
//
// /health, /metrics, /static/* はCSRFとセッションの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(deps.Renderer.Error))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		deps.Renderer.Error(w, http.StatusNotFound, MessagePageNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		deps.Renderer.Error(w, http.StatusMethodNotAllowed, "Method not allowed.")
	})

	authHandler := NewAuthHandler(deps.Auth, deps.Forms, deps.States, deps.Catalog, deps.Renderer, deps.Cookies)
	dashHandler := NewDashboardHandler(DashboardDeps{
		States:    deps.States,
		Predictor: deps.Predictor,
		History:   deps.History,
		Avatars:   deps.Auth,
		Media:     deps.Media,
		Catalog:   deps.Catalog,
		Renderer:  deps.Renderer,
		Cookies:   deps.Cookies,
		Collector: deps.Collector,
	})

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Handle("/static/*", view.StaticHandler())

	// --- 画面 ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(middleware.CSRFConfig{
			CookieSecure: deps.Cookies.Secure,
			CookieDomain: deps.Cookies.Domain,
			MaxBodyBytes: deps.MaxBodyBytes,
			OnError:      deps.Renderer.Error,
		}))

		// 認証不要
		r.Get("/", authHandler.Home)
		r.Get("/reset-password", authHandler.Home)
		r.Get("/verify", authHandler.Home)
		r.Get("/auth", authHandler.Form)
		r.With(deps.RateLimiter.AuthMiddleware()).Post("/auth", authHandler.Submit)
		r.Post("/logout", authHandler.Logout)

		// 認証が必要
		// ミドルウェアスタック: Session → RateLimit(General)
		r.Route("/dashboard", func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.Auth, deps.Cookies, deps.Renderer.Error))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/", dashHandler.Index)
			r.Get("/media", dashHandler.Media)

			r.With(deps.RateLimiter.UploadMiddleware()).Post("/inference/select", dashHandler.Select)
			r.With(deps.RateLimiter.UploadMiddleware()).Post("/inference/run", dashHandler.Run)
			r.Post("/inference/reset", dashHandler.Reset)
			r.Get("/inference/preview", dashHandler.Preview)
			r.With(deps.RateLimiter.UploadMiddleware()).Post("/profile/avatar", dashHandler.Avatar)

			r.Get("/{tab}", dashHandler.Tab)
		})
	})

	return r
}
