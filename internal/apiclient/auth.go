package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/deepdistill/internal/model"
)

// RegisterRequest は /auth/register のJSONボディ。
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// Login はメールアドレスとパスワードをトークンに交換する。
// POST /auth/login（form-encoded: username, password）
func (c *Client) Login(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	var out model.AuthResponse
	if err := c.postForm(ctx, "/auth/login", EndpointLogin, form, &out); err != nil {
		return nil, authError(err)
	}
	if out.AccessToken == "" {
		return nil, model.NewAuthenticationFailedError("")
	}
	return &out, nil
}

// Register はアカウントを作成してトークンを受け取る。
// POST /auth/register（JSON: email, password, full_name）
func (c *Client) Register(ctx context.Context, in RegisterRequest) (*model.AuthResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/register", bytes.NewReader(body), header)
	if err != nil {
		return nil, err
	}

	var out model.AuthResponse
	if err := c.do(req, EndpointRegister, &out); err != nil {
		return nil, authError(err)
	}
	if out.AccessToken == "" {
		return nil, model.NewAuthenticationFailedError("")
	}
	return &out, nil
}

// ForgotPassword はパスワードリセットリンクの送信を依頼する。
// バックエンドはアドレスの存在有無にかかわらず2xxを返すため、レスポンス内容は使わない。
// POST /auth/forgot-password（form-encoded: email）
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	form := url.Values{}
	form.Set("email", email)
	if err := c.postForm(ctx, "/auth/forgot-password", EndpointForgotPassword, form, nil); err != nil {
		return authError(err)
	}
	return nil
}

// ResetPassword はリセットトークンと新しいパスワードでパスワードを更新する。
// POST /auth/reset-password（form-encoded: token, new_password）
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("new_password", newPassword)
	if err := c.postForm(ctx, "/auth/reset-password", EndpointResetPassword, form, nil); err != nil {
		return authError(err)
	}
	return nil
}

// VerifyEmail はメール確認トークンを送信し、サーバーのメッセージを返す。
// POST /auth/verify（form-encoded: token）
func (c *Client) VerifyEmail(ctx context.Context, token string) (string, error) {
	form := url.Values{}
	form.Set("token", token)

	var out struct {
		Message string `json:"message"`
	}
	if err := c.postForm(ctx, "/auth/verify", EndpointVerify, form, &out); err != nil {
		return "", authError(err)
	}
	return out.Message, nil
}

// postForm はform-encodedのPOSTを送信する。
func (c *Client) postForm(ctx context.Context, path, endpoint string, form url.Values, out any) error {
	header := make(http.Header)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), header)
	if err != nil {
		return err
	}
	return c.do(req, endpoint, out)
}

// authError は認証系エンドポイントの非2xxと解釈できない2xxをAuthenticationFailedに変換する。
// 通信失敗と中断はそのまま返す。
func authError(err error) error {
	if se, ok := asStatusError(err); ok {
		return model.NewAuthenticationFailedError(se.Detail)
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return model.NewAuthenticationFailedError("")
	}
	return err
}
