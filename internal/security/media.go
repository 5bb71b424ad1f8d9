package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// メディア取得のエラー
var (
	ErrMediaRejected    = errors.New("media URL rejected")
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrMediaTooLarge    = errors.New("media too large")
)

const defaultMediaMaxSize int64 = 5 << 20

// maxBackendRedirects はバックエンド用クライアントが追うリダイレクトの上限。
const maxBackendRedirects = 10

// errCrossOriginRedirect はバックエンドから別オリジンへのリダイレクトを表す。
var errCrossOriginRedirect = errors.New("redirect to another origin")

// mediaContentTypes はプロキシで返す画像形式。
var mediaContentTypes = map[string]struct{}{
	"image/jpeg":    {},
	"image/jpg":     {},
	"image/png":     {},
	"image/gif":     {},
	"image/webp":    {},
	"image/svg+xml": {},
}

// Media はプロキシで返す画像。
type Media struct {
	ContentType string
	Data        []byte
}

// MediaFetcher はバックエンドが返した image_url / avatar_url を取得する。
// 相対URLとバックエンドと同じオリジンのURLはバックエンド用クライアントで取得し、
// それ以外はSSRF対策済みクライアントで取得する。
type MediaFetcher struct {
	backend       *url.URL
	backendClient *http.Client
	safeClient    *http.Client
	guard         SSRFGuardService
	maxSize       int64
}

// NewMediaFetcher はMediaFetcherを生成する。
func NewMediaFetcher(apiBaseURL string, backendClient *http.Client, guard SSRFGuardService, timeout time.Duration, maxSize int64) (*MediaFetcher, error) {
	base, err := url.Parse(apiBaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL: %q", apiBaseURL)
	}
	if backendClient == nil {
		backendClient = &http.Client{Timeout: timeout}
	}
	// バックエンド用クライアントはSSRF検証を通らないため、同一オリジン内のリダイレクトだけ追う
	trusted := *backendClient
	trusted.CheckRedirect = sameOriginRedirect(base)
	if maxSize <= 0 {
		maxSize = defaultMediaMaxSize
	}
	return &MediaFetcher{
		backend:       base,
		backendClient: &trusted,
		safeClient:    guard.NewSafeClient(timeout),
		guard:         guard,
		maxSize:       maxSize,
	}, nil
}

// sameOriginRedirect はbaseと同じスキーム・ホストへのリダイレクトだけを許可する。
func sameOriginRedirect(base *url.URL) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxBackendRedirects {
			return fmt.Errorf("stopped after %d redirects", maxBackendRedirects)
		}
		if !strings.EqualFold(req.URL.Scheme, base.Scheme) || !strings.EqualFold(req.URL.Host, base.Host) {
			return fmt.Errorf("%w: %s", errCrossOriginRedirect, req.URL.Host)
		}
		return nil
	}
}

// resolve はsrcを絶対URLにし、バックエンド宛てかどうかを返す。
func (f *MediaFetcher) resolve(src string) (*url.URL, bool, error) {
	if strings.TrimSpace(src) == "" {
		return nil, false, fmt.Errorf("%w: empty src", ErrMediaRejected)
	}
	u, err := url.Parse(src)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMediaRejected, err)
	}
	if !u.IsAbs() {
		if u.Host != "" {
			// //host/path 形式は外部ホストとして扱う
			u.Scheme = "https"
		} else {
			return f.backend.ResolveReference(u), true, nil
		}
	}
	if strings.EqualFold(u.Scheme, f.backend.Scheme) && strings.EqualFold(u.Host, f.backend.Host) {
		return u, true, nil
	}
	if err := f.guard.ValidateURL(u.String()); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMediaRejected, err)
	}
	return u, false, nil
}

// Fetch は画像を取得する。画像以外の形式とmaxSizeを超える本文は拒否する。
func (f *MediaFetcher) Fetch(ctx context.Context, src string) (*Media, error) {
	u, trusted, err := f.resolve(src)
	if err != nil {
		return nil, err
	}

	client := f.safeClient
	if trusted {
		client = f.backendClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaRejected, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errCrossOriginRedirect) {
			return nil, fmt.Errorf("%w: %v", ErrMediaRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrMediaUnavailable, resp.StatusCode)
	}

	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid content type", ErrMediaRejected)
	}
	contentType = strings.ToLower(contentType)
	if _, ok := mediaContentTypes[contentType]; !ok {
		return nil, fmt.Errorf("%w: content type %s", ErrMediaRejected, contentType)
	}

	if resp.ContentLength > f.maxSize {
		return nil, ErrMediaTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, ErrMediaTooLarge
	}

	return &Media{ContentType: contentType, Data: data}, nil
}
