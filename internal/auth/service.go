// Package auth はセッションのブートストラップ、認証フォーム、セッション管理を提供する。
// セッション状態を書き換えるのはこのパッケージのServiceだけとする。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/deepdistill/internal/apiclient"
	"github.com/hitoshi/deepdistill/internal/inference"
	"github.com/hitoshi/deepdistill/internal/metrics"
	"github.com/hitoshi/deepdistill/internal/model"
	"github.com/hitoshi/deepdistill/internal/repository"
)

// ErrNoSession は有効なセッションが無いことを表す。
var ErrNoSession = errors.New("有効なセッションがありません")

// 画面に出す成功メッセージ
const (
	MessageAccountCreated   = "Account created! Please check your email to verify."
	MessageResetLinkSent    = "If that email exists, we sent a password reset link."
	MessagePasswordUpdated  = "Password updated successfully! You can now login."
	MessageEmailVerified    = "Email verified successfully!"
	MessageVerifyFailed     = "Email verification failed."
	MessageVerifyTokenEmpty = "Verification link is missing its token."
)

// Backend はServiceが利用するバックエンドAPI。apiclient.Clientが実装する。
type Backend interface {
	Login(ctx context.Context, email, password string) (*model.AuthResponse, error)
	Register(ctx context.Context, in apiclient.RegisterRequest) (*model.AuthResponse, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	VerifyEmail(ctx context.Context, token string) (string, error)
	Me(ctx context.Context, token string) (*model.UserProfile, error)
	UploadAvatar(ctx context.Context, token string, file *model.ImageUpload) (string, error)
}

// View は起動時に表示する画面。
type View int

const (
	ViewLanding View = iota
	ViewAuth
	ViewVerify
	ViewDashboard
)

func (v View) String() string {
	switch v {
	case ViewAuth:
		return "auth"
	case ViewVerify:
		return "verify"
	case ViewDashboard:
		return "dashboard"
	default:
		return "landing"
	}
}

// VerifyResult はメール確認の結果表示。
type VerifyResult struct {
	Message string
	Error   string
}

// Outcome はブートストラップの結果。
type Outcome struct {
	View    View
	Session *model.Session // ViewDashboardの場合のみ
	Form    FormState      // ViewAuthの場合のみ
	Verify  VerifyResult   // ViewVerifyの場合のみ
	// SessionCleared はセッションが破棄されCookieも消すべきことを表す。
	SessionCleared bool
}

// AuthResult は認証フォーム送信の成功結果。
type AuthResult struct {
	Session *model.Session // login/registerのみ
	Message string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	api         Backend
	sessionRepo repository.SessionRepository
	collector   metrics.MetricsCollector
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	api Backend,
	sessionRepo repository.SessionRepository,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		api:         api,
		sessionRepo: sessionRepo,
		collector:   collector,
		config:      config,
		now:         time.Now,
	}
}

// Bootstrap はアプリケーション起動時の画面を決める。
//
// パスワードリセットリンク（tokenあり）とメール確認リンクではセッションを確認しない。
// それ以外でセッションがあれば /user/me を1回だけ呼び、成功ならダッシュボード、
// 失敗ならセッションを破棄してランディングにする。リトライはしない。
// 呼び出しが中断された場合は拒否とはみなさず、セッションを残してエラーを返す。
func (s *Service) Bootstrap(ctx context.Context, u *url.URL, sessionID string) (*Outcome, error) {
	token := u.Query().Get("token")
	switch {
	case u.Path == "/reset-password" && token != "":
		s.collector.RecordBootstrap("reset_link")
		return &Outcome{View: ViewAuth, Form: FormState{Mode: ModeReset, ResetToken: token}}, nil
	case u.Path == "/verify":
		s.collector.RecordBootstrap("verify")
		return &Outcome{View: ViewVerify, Verify: s.VerifyEmail(ctx, token)}, nil
	}

	if sessionID == "" {
		s.collector.RecordBootstrap("landing")
		return &Outcome{View: ViewLanding}, nil
	}

	sess, err := s.find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		s.collector.RecordBootstrap("landing")
		return &Outcome{View: ViewLanding, SessionCleared: true}, nil
	}

	sess, err = s.check(ctx, sess)
	switch {
	case errors.Is(err, ErrNoSession):
		s.collector.RecordBootstrap("rejected")
		return &Outcome{View: ViewLanding, SessionCleared: true}, nil
	case err != nil:
		if ctx.Err() != nil {
			s.collector.RecordBootstrap("canceled")
		}
		return nil, err
	}

	s.collector.RecordBootstrap("dashboard")
	return &Outcome{View: ViewDashboard, Session: sess}, nil
}

// Resolve はダッシュボードのリクエストからセッションを解決する。
// ユーザー情報がキャッシュ済みならバックエンドを呼ばない。
// 未確認のセッションは /user/me を1回呼んで確認する。
// 有効なセッションが無い場合はErrNoSessionを返す。
func (s *Service) Resolve(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	sess, err := s.find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	if sess.Authenticated() {
		return sess, nil
	}
	return s.check(ctx, sess)
}

// Authenticate は認証フォームを送信する。リクエストは1回だけ送り、リトライしない。
// login/registerが成功した場合はセッションを作成して返す。
func (s *Service) Authenticate(ctx context.Context, form Form) (*AuthResult, error) {
	mode := string(form.Mode())
	if err := form.Validate(); err != nil {
		s.collector.RecordAuthSubmit(mode, "invalid")
		return nil, err
	}

	result, err := s.submit(ctx, form)
	if err != nil {
		outcome := "failure"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		s.collector.RecordAuthSubmit(mode, outcome)
		return nil, err
	}

	s.collector.RecordAuthSubmit(mode, "success")
	return result, nil
}

func (s *Service) submit(ctx context.Context, form Form) (*AuthResult, error) {
	switch f := form.(type) {
	case LoginForm:
		resp, err := s.api.Login(ctx, f.Email, f.Password)
		if err != nil {
			return nil, err
		}
		sess, err := s.createSession(ctx, resp)
		if err != nil {
			return nil, err
		}
		return &AuthResult{Session: sess}, nil

	case RegisterForm:
		resp, err := s.api.Register(ctx, apiclient.RegisterRequest{
			Email:    f.Email,
			Password: f.Password,
			FullName: f.FullName,
		})
		if err != nil {
			return nil, err
		}
		sess, err := s.createSession(ctx, resp)
		if err != nil {
			return nil, err
		}
		slog.Info("account registered", slog.String("session_id", sess.ID))
		return &AuthResult{Session: sess, Message: MessageAccountCreated}, nil

	case ForgotForm:
		if err := s.api.ForgotPassword(ctx, f.Email); err != nil {
			return nil, err
		}
		return &AuthResult{Message: MessageResetLinkSent}, nil

	case ResetForm:
		if err := s.api.ResetPassword(ctx, f.Token, f.NewPassword); err != nil {
			return nil, err
		}
		return &AuthResult{Message: MessagePasswordUpdated}, nil

	default:
		return nil, fmt.Errorf("unsupported auth form: %T", form)
	}
}

// VerifyEmail はメール確認トークンをバックエンドに送信し、表示用の結果を返す。
func (s *Service) VerifyEmail(ctx context.Context, token string) VerifyResult {
	if token == "" {
		return VerifyResult{Error: MessageVerifyTokenEmpty}
	}
	msg, err := s.api.VerifyEmail(ctx, token)
	if err != nil {
		slog.Info("email verification failed", slog.String("error", err.Error()))
		return VerifyResult{Error: model.DisplayMessage(err, MessageVerifyFailed)}
	}
	if msg == "" {
		msg = MessageEmailVerified
	}
	return VerifyResult{Message: msg}
}

// Logout はセッションを破棄する。セッションIDが空の場合は何もしない。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// UpdateAvatar はアバター画像をアップロードし、セッションのユーザー情報を更新する。
// 画像は推論と同じ形式・サイズの検証を通ったものだけを送る。
// トークンが拒否された場合はセッションを破棄する。
func (s *Service) UpdateAvatar(ctx context.Context, sess *model.Session, file *model.ImageUpload) (*model.UserProfile, error) {
	if !sess.Authenticated() {
		return nil, ErrNoSession
	}
	if err := inference.ValidateUpload(file); err != nil {
		var ve *inference.ValidationError
		if errors.As(err, &ve) {
			s.collector.RecordUploadRejected(ve.Reason)
		}
		return nil, err
	}

	avatarURL, err := s.api.UploadAvatar(ctx, sess.Token, file)
	if err != nil {
		if model.HasCode(err, model.ErrCodeSessionInvalid) {
			if delErr := s.sessionRepo.DeleteByID(ctx, sess.ID); delErr != nil {
				slog.Error("failed to delete rejected session",
					slog.String("session_id", sess.ID),
					slog.String("error", delErr.Error()),
				)
			}
		}
		return nil, err
	}

	updated := *sess.User
	updated.AvatarURL = avatarURL
	if err := s.sessionRepo.UpdateUser(ctx, sess.ID, &updated); err != nil {
		return nil, fmt.Errorf("failed to update session user: %w", err)
	}
	sess.User = &updated
	return &updated, nil
}

// find はセッションを取得する。存在しないか期限切れの場合はnilを返す。
func (s *Service) find(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return sess, nil
}

// check は /user/me でトークンを確認し、成功すればユーザー情報を保存する。
// 拒否（非2xx・通信失敗）の場合はセッションを削除してErrNoSessionを返す。
func (s *Service) check(ctx context.Context, sess *model.Session) (*model.Session, error) {
	user, err := s.api.Me(ctx, sess.Token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ユーザー確認が中断されました: %w", ctx.Err())
		}
		slog.Info("stored token rejected",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		// 削除に失敗しても期限切れで消えるため、ランディングへの遷移を優先する
		if delErr := s.sessionRepo.DeleteByID(ctx, sess.ID); delErr != nil {
			slog.Error("failed to delete rejected session",
				slog.String("session_id", sess.ID),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, ErrNoSession
	}

	if err := s.sessionRepo.UpdateUser(ctx, sess.ID, user); err != nil {
		return nil, fmt.Errorf("failed to update session user: %w", err)
	}
	sess.User = user
	return sess, nil
}

// createSession は認証レスポンスからセッションを作成し永続化する。
// 有効期限はSESSION_MAX_AGEとトークンのexpの早い方にする。
func (s *Service) createSession(ctx context.Context, resp *model.AuthResponse) (*model.Session, error) {
	now := s.now()
	expiresAt := now.Add(time.Duration(s.config.SessionMaxAge) * time.Second)
	if exp, ok := TokenExpiry(resp.AccessToken); ok && exp.Before(expiresAt) {
		expiresAt = exp
	}

	user := resp.User
	session := &model.Session{
		ID:        uuid.New().String(),
		Token:     resp.AccessToken,
		User:      &user,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}
