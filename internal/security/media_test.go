package security

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newBackend は画像を返すバックエンドを起動する。
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/static/cat.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	mux.HandleFunc("/static/big.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(bytes.Repeat([]byte{0xff}, 2048))
	})
	mux.HandleFunc("/static/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<script>alert(1)</script>"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newFetcher(t *testing.T, baseURL string, maxSize int64) *MediaFetcher {
	t.Helper()
	f, err := NewMediaFetcher(baseURL, nil, NewSSRFGuard(), 5*time.Second, maxSize)
	if err != nil {
		t.Fatalf("NewMediaFetcher returned error: %v", err)
	}
	return f
}

func TestMediaFetcher_RelativeURLUsesBackend(t *testing.T) {
	ts := newBackend(t)
	f := newFetcher(t, ts.URL, 1024)

	m, err := f.Fetch(context.Background(), "/static/cat.png")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if m.ContentType != "image/png" || len(m.Data) != 4 {
		t.Errorf("media = %s (%d bytes)", m.ContentType, len(m.Data))
	}
}

func TestMediaFetcher_SameOriginAbsoluteURL(t *testing.T) {
	ts := newBackend(t)
	f := newFetcher(t, ts.URL, 1024)

	if _, err := f.Fetch(context.Background(), ts.URL+"/static/cat.png"); err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
}

func TestMediaFetcher_RejectsInternalHosts(t *testing.T) {
	ts := newBackend(t)
	f := newFetcher(t, "https://api.example.com", 1024)

	for _, src := range []string{
		ts.URL + "/static/cat.png",
		"http://169.254.169.254/latest/meta-data/",
		"http://localhost/a.png",
		"javascript:alert(1)",
		"data:image/png;base64,AAAA",
		"",
	} {
		if _, err := f.Fetch(context.Background(), src); !errors.Is(err, ErrMediaRejected) {
			t.Errorf("Fetch(%q) error = %v, want ErrMediaRejected", src, err)
		}
	}
}

func TestMediaFetcher_RejectsNonImage(t *testing.T) {
	ts := newBackend(t)
	f := newFetcher(t, ts.URL, 1024)

	if _, err := f.Fetch(context.Background(), "/static/page.html"); !errors.Is(err, ErrMediaRejected) {
		t.Errorf("error = %v, want ErrMediaRejected", err)
	}
}

func TestMediaFetcher_SizeLimit(t *testing.T) {
	ts := newBackend(t)

	if _, err := newFetcher(t, ts.URL, 1024).Fetch(context.Background(), "/static/big.jpg"); !errors.Is(err, ErrMediaTooLarge) {
		t.Errorf("error = %v, want ErrMediaTooLarge", err)
	}
	if _, err := newFetcher(t, ts.URL, 2048).Fetch(context.Background(), "/static/big.jpg"); err != nil {
		t.Errorf("exactly maxSize should be accepted: %v", err)
	}
}

func TestMediaFetcher_MissingImage(t *testing.T) {
	ts := newBackend(t)
	f := newFetcher(t, ts.URL, 1024)

	if _, err := f.Fetch(context.Background(), "/static/missing.png"); !errors.Is(err, ErrMediaUnavailable) {
		t.Errorf("error = %v, want ErrMediaUnavailable", err)
	}
}

func TestNewMediaFetcher_InvalidBase(t *testing.T) {
	if _, err := NewMediaFetcher("not a url", nil, NewSSRFGuard(), time.Second, 0); err == nil {
		t.Error("expected error for invalid base URL")
	}
}

func TestMediaFetcher_BackendRedirectStaysOnOrigin(t *testing.T) {
	var otherHits atomic.Int32
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		otherHits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer other.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/static/moved.png", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/static/cat.png", http.StatusFound)
	})
	mux.HandleFunc("/static/cat.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	mux.HandleFunc("/static/elsewhere.png", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL+"/secret.png", http.StatusFound)
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	f := newFetcher(t, backend.URL, 1024)

	// 同一オリジン内のリダイレクトは追う
	if _, err := f.Fetch(context.Background(), "/static/moved.png"); err != nil {
		t.Fatalf("同一オリジンのリダイレクトでエラー: %v", err)
	}

	// 別オリジンへのリダイレクトは追わない
	_, err := f.Fetch(context.Background(), "/static/elsewhere.png")
	if !errors.Is(err, ErrMediaRejected) {
		t.Fatalf("err = %v, want ErrMediaRejected", err)
	}
	if n := otherHits.Load(); n != 0 {
		t.Errorf("別オリジンへのリクエスト数 = %d, want 0", n)
	}
}

func TestNewMediaFetcher_DoesNotMutateGivenClient(t *testing.T) {
	given := &http.Client{Timeout: time.Second}
	if _, err := NewMediaFetcher("http://backend:8000", given, NewSSRFGuard(), time.Second, 0); err != nil {
		t.Fatalf("NewMediaFetcher returned error: %v", err)
	}
	if given.CheckRedirect != nil {
		t.Error("渡されたクライアントのCheckRedirectが書き換えられた")
	}
}
