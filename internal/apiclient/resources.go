package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"

	"github.com/hitoshi/deepdistill/internal/model"
)

// HealthStatus は /api/health のレスポンス。
type HealthStatus struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

// Me は現在のユーザー情報を取得する。
// 401/403はSessionInvalid、それ以外の非2xxはUpstreamErrorとして返す。
// GET /user/me（Bearer認証）
func (c *Client) Me(ctx context.Context, token string) (*model.UserProfile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/user/me", nil, AuthHeaders(token))
	if err != nil {
		return nil, err
	}

	var out model.UserProfile
	if err := c.do(req, EndpointMe, &out); err != nil {
		return nil, resourceError(err)
	}
	return &out, nil
}

// UploadAvatar はアバター画像をアップロードし、新しいアバターURLを返す。
// PUT /user/avatar（Bearer認証、multipart: file）
func (c *Client) UploadAvatar(ctx context.Context, token string, file *model.ImageUpload) (string, error) {
	var out struct {
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.sendMultipart(ctx, http.MethodPut, "/user/avatar", EndpointAvatar, token, file, &out); err != nil {
		return "", resourceError(err)
	}
	return out.AvatarURL, nil
}

// Predict は画像を推論にかけ、モデルごとの予測結果を返す。
// レスポンスは丸ごと返すか、エラーの場合は何も返さない。
// POST /api/predict（Bearer認証は任意、multipart: file）
func (c *Client) Predict(ctx context.Context, token string, file *model.ImageUpload) (*model.PredictionResult, error) {
	var out model.PredictionResult
	if err := c.sendMultipart(ctx, http.MethodPost, "/api/predict", EndpointPredict, token, file, &out); err != nil {
		return nil, resourceError(err)
	}
	return &out, nil
}

// History はユーザーの推論履歴をサーバーが定めた順序で返す。
// GET /api/history（Bearer認証）
func (c *Client) History(ctx context.Context, token string) ([]model.HistoryRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/history", nil, AuthHeaders(token))
	if err != nil {
		return nil, err
	}

	var out []model.HistoryRecord
	if err := c.do(req, EndpointHistory, &out); err != nil {
		return nil, resourceError(err)
	}
	if out == nil {
		out = []model.HistoryRecord{}
	}
	return out, nil
}

// Health はバックエンドのヘルスチェックを行う。
// GET /api/health
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	if err != nil {
		return nil, err
	}

	var out HealthStatus
	if err := c.do(req, EndpointHealth, &out); err != nil {
		return nil, resourceError(err)
	}
	return &out, nil
}

// sendMultipart はfileを "file" パートとして送信する。
// パートのContent-Typeにはブラウザが申告したMIMEタイプをそのまま使う。
func (c *Client) sendMultipart(ctx context.Context, method, path, endpoint, token string, file *model.ImageUpload, out any) error {
	if file == nil {
		return fmt.Errorf("%s: file is required", endpoint)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(file.Filename)))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	partHeader.Set("Content-Type", contentType)

	part, err := mw.CreatePart(partHeader)
	if err != nil {
		return fmt.Errorf("multipartパートの作成に失敗しました: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return fmt.Errorf("multipartボディの書き込みに失敗しました: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("multipartボディの終端に失敗しました: %w", err)
	}

	header := AuthHeaders(token)
	header.Set("Content-Type", mw.FormDataContentType())

	req, err := c.newRequest(ctx, method, path, &buf, header)
	if err != nil {
		return err
	}
	return c.do(req, endpoint, out)
}

// resourceError は認証系以外のエンドポイントの非2xxを変換する。
func resourceError(err error) error {
	se, ok := asStatusError(err)
	if !ok {
		return err
	}
	if se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden {
		return model.NewSessionInvalidError(se)
	}
	return model.NewUpstreamError(se.StatusCode, se.Detail)
}
