// Package apiclient はDeepDistillバックエンドのREST APIクライアントを提供する。
// 認証、ユーザー情報、推論、履歴、アバターの各エンドポイントを呼び出す。
// すべての呼び出しはcontext.Contextを受け取り、呼び出し元の中断でリクエストも中断される。
// 自動リトライは行わない。
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/deepdistill/internal/metrics"
	"github.com/hitoshi/deepdistill/internal/model"
)

const (
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 10 << 20
	userAgent       = "DeepDistill-Dashboard/1.0"
)

// エンドポイント名（メトリクスのラベルとログで使う）
const (
	EndpointLogin          = "auth_login"
	EndpointRegister       = "auth_register"
	EndpointForgotPassword = "auth_forgot_password"
	EndpointResetPassword  = "auth_reset_password"
	EndpointVerify         = "auth_verify"
	EndpointMe             = "user_me"
	EndpointAvatar         = "user_avatar"
	EndpointPredict        = "api_predict"
	EndpointHistory        = "api_history"
	EndpointHealth         = "api_health"
)

// StatusError はバックエンドが非2xxを返したことを表す。
// Detail はFastAPI形式の {"detail": ...} から取り出したメッセージ（無ければ空）。
type StatusError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}

// DecodeError はバックエンドが2xxを返したがボディをJSONとして解釈できなかったことを表す。
type DecodeError struct {
	Endpoint string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: レスポンスJSONのパースに失敗しました: %v", e.Endpoint, e.Err)
}

// Unwrap は元のデコードエラーを返す。
func (e *DecodeError) Unwrap() error { return e.Err }

// Client はバックエンドAPIのクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLはバックエンドのオリジン（例: "http://localhost:8000"）。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger, collector metrics.MetricsCollector) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API base URL scheme: %q", u.Scheme)
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    u,
		logger:     logger,
		metrics:    collector,
	}, nil
}

// AuthHeaders はBearerトークンから認証ヘッダーを生成する。
// トークンが空の場合は空のヘッダーを返す（認証任意のエンドポイント向け）。
func AuthHeaders(token string) http.Header {
	h := make(http.Header)
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// endpointURL はベースURLにパスを連結したURLを返す。
func (c *Client) endpointURL(path string) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	return u.String()
}

// newRequest はコンテキスト付きのHTTPリクエストを生成する。
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpointURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do はリクエストを送信し、2xxの場合はレスポンスボディをoutにデコードする。
// outがnilの場合はボディを読み捨てる。
// 送信失敗はNetworkFailure、コンテキストの中断はctx.Err()をラップして返す。
// 非2xxは*StatusError、2xxでボディが解釈できない場合は*DecodeErrorを返す。
func (c *Client) do(req *http.Request, endpoint string, out any) error {
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			c.metrics.RecordUpstreamFailure(endpoint, "canceled")
			return fmt.Errorf("%s canceled: %w", endpoint, ctxErr)
		}
		c.metrics.RecordUpstreamFailure(endpoint, "transport")
		c.logger.Error("バックエンドAPIの呼び出しに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkFailureError(err)
	}
	defer resp.Body.Close()

	c.metrics.RecordUpstreamRequest(endpoint, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return fmt.Errorf("%s canceled: %w", endpoint, ctxErr)
		}
		c.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkFailureError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("バックエンドAPIがエラーステータスを返しました",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", resp.StatusCode),
		)
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(body),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("バックエンドAPIのレスポンスのパースに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return &DecodeError{Endpoint: endpoint, Err: err}
	}
	return nil
}

// extractDetail はFastAPI形式のエラーボディからメッセージを取り出す。
// detailは文字列、またはバリデーションエラー時の {"msg": ...} の配列になる。
func extractDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		for _, it := range items {
			if it.Msg != "" {
				return it.Msg
			}
		}
	}
	return ""
}

// asStatusError はerrが*StatusErrorかどうかを返す。
func asStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
