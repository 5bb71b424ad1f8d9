package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/deepdistill/internal/apiclient"
	"github.com/hitoshi/deepdistill/internal/auth"
	"github.com/hitoshi/deepdistill/internal/catalog"
	"github.com/hitoshi/deepdistill/internal/config"
	"github.com/hitoshi/deepdistill/internal/dashboard"
	"github.com/hitoshi/deepdistill/internal/database"
	"github.com/hitoshi/deepdistill/internal/handler"
	"github.com/hitoshi/deepdistill/internal/inference"
	"github.com/hitoshi/deepdistill/internal/logger"
	"github.com/hitoshi/deepdistill/internal/metrics"
	"github.com/hitoshi/deepdistill/internal/middleware"
	"github.com/hitoshi/deepdistill/internal/repository"
	"github.com/hitoshi/deepdistill/internal/security"
	"github.com/hitoshi/deepdistill/internal/view"
	"github.com/hitoshi/deepdistill/internal/worker/cleanup"
)

const (
	// storeConnectTimeout はセッションストアへの初回接続のタイムアウト。
	storeConnectTimeout = 10 * time.Second
	// stateSweepInterval はダッシュボード状態の掃除間隔。
	stateSweepInterval = 5 * time.Minute
	// multipartOverhead はアップロード本文の上限に足すmultipartの余白。
	multipartOverhead = 1 << 20
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("invalid LOG_LEVEL, falling back to info", slog.String("log_level", cfg.LogLevel))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		upstream := ""
		if hasFlag(args, upstreamFlag) {
			upstream = os.Getenv("API_BASE_URL")
		}
		return runHealthcheck(port, upstream)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return fmt.Errorf("unknown migrate action %q (want up, down or version)", args[1])
		}
		return runMigrate(cfg, action)
	default:
		return runServe(cfg)
	}
}

// sessionStore は起動時に選んだセッションストア。
type sessionStore struct {
	kind   string
	repo   repository.SessionRepository
	health handler.HealthChecker
	// purger はserveプロセス内で期限切れを削除する必要があるストア（メモリ）のみ設定する。
	purger cleanup.Purger
	close  func()
}

// openSessionStore はDATABASE_URL > REDIS_URL > メモリの順にストアを選んで接続する。
func openSessionStore(ctx context.Context, cfg *config.Config) (*sessionStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := database.OpenAndPing(ctx, cfg.DatabaseURL, storeConnectTimeout)
		if err != nil {
			return nil, err
		}
		return &sessionStore{
			kind:   "postgres",
			repo:   repository.NewPostgresSessionRepo(db),
			health: db,
			close:  func() { db.Close() },
		}, nil

	case cfg.RedisURL != "":
		client, err := repository.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return &sessionStore{
			kind:   "redis",
			repo:   repository.NewRedisSessionRepo(client),
			health: redisPinger{client: client},
			close:  func() { client.Close() },
		}, nil

	default:
		repo := repository.NewMemorySessionRepo()
		return &sessionStore{
			kind:   "memory",
			repo:   repo,
			purger: repo,
			close:  func() {},
		}, nil
	}
}

// redisPinger はRedisクライアントをhandler.HealthCheckerに合わせる。
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

var (
	_ handler.HealthChecker = (*sql.DB)(nil)
	_ handler.HealthChecker = redisPinger{}
)

// runServe はダッシュボードサーバーモードで起動する。
// セッションストアに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. セッションストア
	store, err := openSessionStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.close()

	slog.Info("session store ready", slog.String("store", store.kind))

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. バックエンドAPIクライアント
	apiClient, err := apiclient.NewClient(
		&http.Client{Timeout: cfg.APITimeout},
		cfg.APIBaseURL,
		slog.Default(),
		collector,
	)
	if err != nil {
		return fmt.Errorf("failed to create API client: %w", err)
	}

	// 4. ドメインサービス
	authService := auth.NewService(apiClient, store.repo, collector, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	})
	forms := auth.NewFormController(authService, collector)

	cat, err := catalog.Load()
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	// 5. 画面とメディアプロキシ
	renderer, err := view.New(security.NewTextSanitizer())
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	media, err := security.NewMediaFetcher(cfg.APIBaseURL, nil, security.NewSSRFGuard(), cfg.APITimeout, cfg.MediaMaxSize)
	if err != nil {
		return fmt.Errorf("failed to create media fetcher: %w", err)
	}

	// 6. バックグラウンドジョブ
	states := dashboard.NewStateStore(cfg.StateTTL)
	go states.Run(ctx, stateSweepInterval, slog.Default())

	if store.purger != nil {
		go cleanup.NewCleanupJob(store.purger, slog.Default()).Start(ctx, cfg.SessionCleanupInterval)
	}

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralPerMinute: cfg.RateLimitGeneral,
		UploadPerMinute:  cfg.RateLimitUpload,
		AuthPerMinute:    cfg.RateLimitAuth,
		OnLimit:          renderer.Error,
	})
	defer rateLimiter.Stop()

	// 7. ルーターの構築
	cookies := middleware.CookieConfig{
		Secure: cfg.CookieSecure,
		Domain: cfg.CookieDomain,
	}
	router := handler.NewRouter(&handler.RouterDeps{
		Renderer:       renderer,
		Cookies:        cookies,
		RateLimiter:    rateLimiter,
		MaxBodyBytes:   inference.MaxUploadSize + multipartOverhead,
		HSTS:           cfg.CookieSecure,
		Logger:         slog.Default(),
		Auth:           authService,
		Forms:          forms,
		States:         states,
		Predictor:      apiClient,
		History:        apiClient,
		Media:          media,
		Catalog:        cat,
		Collector:      collector,
		MetricsHandler: metrics.Handler(registry),
		HealthChecker:  store.health,
	})

	// 8. HTTPサーバーの起動
	// 推論は同期で待つため、書き込みタイムアウトはAPIタイムアウトより長くする
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.APITimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("dashboard server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down dashboard server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("dashboard server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// PostgreSQLの期限切れセッションをSESSION_CLEANUP_INTERVALごとに削除する。
// Redisはキーの有効期限で消え、メモリストアはserveプロセス内で削除するため、DATABASE_URLが必須。
func runWorker(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("worker requires DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenAndPing(ctx, cfg.DatabaseURL, storeConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	sessionRepo := repository.NewPostgresSessionRepo(db)
	job := cleanup.NewCleanupJob(sessionRepo, slog.Default())

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、upstreamが指定されていればバックエンドも確認する。
func runHealthcheck(port, upstream string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	if err := checkHealth(client, fmt.Sprintf("http://localhost:%s/health", port)); err != nil {
		return err
	}
	if upstream == "" {
		return nil
	}

	apiClient, err := apiclient.NewClient(client, upstream, slog.New(slog.NewJSONHandler(io.Discard, nil)), nil)
	if err != nil {
		return fmt.Errorf("upstream health check failed: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := apiClient.Health(ctx)
	if err != nil {
		return fmt.Errorf("upstream health check failed: %w", err)
	}
	if !strings.EqualFold(status.Status, "ok") && !strings.EqualFold(status.Status, "healthy") {
		return fmt.Errorf("upstream reported status %q", status.Status)
	}
	return nil
}

func checkHealth(client *http.Client, target string) error {
	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	hasUser := u.User != nil
	u.User = nil
	u.RawQuery = ""
	masked := u.String()
	if hasUser {
		masked = strings.Replace(masked, "://", "://***@", 1)
	}
	return masked
}
