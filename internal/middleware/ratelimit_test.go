package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, general, upload, authLimit int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralPerMinute: general,
		UploadPerMinute:  upload,
		AuthPerMinute:    authLimit,
		CleanupInterval:  time.Minute,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func sessionRequest(id string) *http.Request {
	sess := validSession()
	sess.ID = id
	req := httptest.NewRequest(http.MethodPost, "/dashboard/inference/run", nil)
	return req.WithContext(ContextWithSession(req.Context(), sess))
}

func serveN(handler http.Handler, req func() *http.Request, n int) []int {
	codes := make([]int, 0, n)
	for i := 0; i < n; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req())
		codes = append(codes, w.Code)
	}
	return codes
}

func okStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	rl := newTestRateLimiter(t, 3, 10, 10)
	handler := rl.GeneralMiddleware()(okStatus())

	codes := serveN(handler, func() *http.Request { return sessionRequest("s1") }, 4)
	for i, code := range codes[:3] {
		if code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, code)
		}
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Errorf("request 3: status = %d, want 429", codes[3])
	}
}

func TestRateLimiter_RetryAfterHeader(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 10, 10)
	handler := rl.GeneralMiddleware()(okStatus())

	handler.ServeHTTP(httptest.NewRecorder(), sessionRequest("s1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, sessionRequest("s1"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	// 1 req/min → 60秒
	if got := w.Header().Get("Retry-After"); got != strconv.Itoa(60) {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestRateLimiter_SessionsAreIndependent(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 10, 10)
	handler := rl.GeneralMiddleware()(okStatus())

	for _, id := range []string{"s1", "s2", "s3"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, sessionRequest(id))
		if w.Code != http.StatusOK {
			t.Errorf("session %s: status = %d, want 200", id, w.Code)
		}
	}
	if got := rl.LimiterCount(LimitGeneral); got != 3 {
		t.Errorf("general limiters = %d, want 3", got)
	}
}

func TestRateLimiter_UploadIndependentOfGeneral(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 1, 10)
	general := rl.GeneralMiddleware()(okStatus())
	upload := rl.UploadMiddleware()(okStatus())

	upload.ServeHTTP(httptest.NewRecorder(), sessionRequest("s1"))
	w := httptest.NewRecorder()
	upload.ServeHTTP(w, sessionRequest("s1"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("upload status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	general.ServeHTTP(w, sessionRequest("s1"))
	if w.Code != http.StatusOK {
		t.Errorf("general status = %d, want 200", w.Code)
	}
}

func TestRateLimiter_AuthKeyedByIP(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 10, 2)
	handler := rl.AuthMiddleware()(okStatus())

	fromIP := func(addr string) func() *http.Request {
		return func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/auth", nil)
			req.RemoteAddr = addr
			return req
		}
	}

	codes := serveN(handler, fromIP("192.0.2.1:1234"), 3)
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request from same IP: status = %d, want 429", codes[2])
	}
	// ポートが違っても同じIPなら同じリミッター
	if codes := serveN(handler, fromIP("192.0.2.1:5678"), 1); codes[0] != http.StatusTooManyRequests {
		t.Errorf("same IP other port: status = %d, want 429", codes[0])
	}
	if codes := serveN(handler, fromIP("192.0.2.2:1234"), 1); codes[0] != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", codes[0])
	}
}

func TestRateLimiter_CustomErrorWriter(t *testing.T) {
	var message string
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralPerMinute: 1,
		OnLimit: func(w http.ResponseWriter, status int, m string) {
			message = m
			w.WriteHeader(status)
		},
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okStatus())
	serveN(handler, func() *http.Request { return sessionRequest("s1") }, 2)

	if message != MessageRateLimited {
		t.Errorf("message = %q, want %q", message, MessageRateLimited)
	}
}

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 10, 10)
	handler := rl.GeneralMiddleware()(okStatus())
	handler.ServeHTTP(httptest.NewRecorder(), sessionRequest("s1"))

	rl.cleanup(time.Now())
	if got := rl.LimiterCount(LimitGeneral); got != 1 {
		t.Errorf("recent entry should survive, count = %d", got)
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if got := rl.LimiterCount(LimitGeneral); got != 0 {
		t.Errorf("idle entry should be removed, count = %d", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}
