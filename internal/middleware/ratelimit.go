package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// リミッターの種類
const (
	LimitGeneral = "general"
	LimitUpload  = "upload"
	LimitAuth    = "auth"
)

// MessageRateLimited は429のときに表示するメッセージ。
const MessageRateLimited = "Too many requests. Please try again later."

// RateLimiterConfig はレート制限の設定を保持する。各値は1分あたりのリクエスト数。
type RateLimiterConfig struct {
	GeneralPerMinute int           // ダッシュボード全般（セッション単位）
	UploadPerMinute  int           // 推論実行・アップロード（セッション単位）
	AuthPerMinute    int           // 認証フォーム送信（クライアントIP単位）
	CleanupInterval  time.Duration // 期限切れエントリのクリーンアップ間隔
	OnLimit          ErrorWriter
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralPerMinute: 120,
		UploadPerMinute:  20,
		AuthPerMinute:    10,
		CleanupInterval:  5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterPool は同じ制限値を共有するクライアントごとのリミッターの集合。
type limiterPool struct {
	name  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func newLimiterPool(name string, perMinute int) *limiterPool {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &limiterPool{
		name:    name,
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		clients: make(map[string]*clientLimiter),
	}
}

// get はkeyのリミッターを取得または作成する。
func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	cl, ok := p.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.clients[key] = cl
	}
	cl.lastAccess = now
	return cl.limiter
}

// sweep は最終アクセスからttlを超えたエントリを削除する。
func (p *limiterPool) sweep(now time.Time, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cl := range p.clients {
		if now.Sub(cl.lastAccess) > ttl {
			delete(p.clients, key)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// retryAfter は1トークンが補充されるまでの秒数。
func (p *limiterPool) retryAfter() int {
	sec := int(math.Ceil(1.0 / float64(p.limit)))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// RateLimiter はクライアントごとのレート制限を管理する。
// ダッシュボード全般、アップロード、認証の3種類を独立に数える。
type RateLimiter struct {
	config RateLimiterConfig
	pools  map[string]*limiterPool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.OnLimit == nil {
		config.OnLimit = PlainErrorWriter
	}
	rl := &RateLimiter{
		config: config,
		pools: map[string]*limiterPool{
			LimitGeneral: newLimiterPool(LimitGeneral, config.GeneralPerMinute),
			LimitUpload:  newLimiterPool(LimitUpload, config.UploadPerMinute),
			LimitAuth:    newLimiterPool(LimitAuth, config.AuthPerMinute),
		},
		stopCh: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はダッシュボード全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.pools[LimitGeneral], clientKey)
}

// UploadMiddleware は推論実行・画像アップロードのレート制限ミドルウェアを返す。
// 全般のレート制限とは独立に動作する。
func (rl *RateLimiter) UploadMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.pools[LimitUpload], clientKey)
}

// AuthMiddleware は認証フォーム送信のレート制限ミドルウェアを返す。セッションが無いのでIP単位で数える。
func (rl *RateLimiter) AuthMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.pools[LimitAuth], remoteIP)
}

// LimiterCount は指定種類のリミッターのエントリ数を返す。テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount(name string) int {
	p, ok := rl.pools[name]
	if !ok {
		return 0
	}
	return p.size()
}

func (rl *RateLimiter) middleware(pool *limiterPool, keyFn func(*http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if !pool.get(key, time.Now()).Allow() {
				slog.Warn("rate limit exceeded",
					slog.String("limit_type", pool.name),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("Retry-After", strconv.Itoa(pool.retryAfter()))
				rl.config.OnLimit(w, http.StatusTooManyRequests, MessageRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	for _, p := range rl.pools {
		p.sweep(now, ttl)
	}
}

// clientKey はセッション解決済みならセッション単位、そうでなければIP単位のキーを返す。
func clientKey(r *http.Request) string {
	if sess, ok := SessionFromContext(r.Context()); ok {
		return "session:" + sess.ID
	}
	return remoteIP(r)
}

// remoteIP はクライアントIPのキーを返す。
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
