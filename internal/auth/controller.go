package auth

import (
	"context"
	"errors"

	"github.com/hitoshi/deepdistill/internal/inflight"
	"github.com/hitoshi/deepdistill/internal/metrics"
	"github.com/hitoshi/deepdistill/internal/model"
)

// 成功後の遷移までの待ち時間（秒）
const (
	RegisterRedirectDelay = 2
	ResetRedirectDelay    = 3
)

// Authenticator は認証フォームを送信する。Serviceが実装する。
type Authenticator interface {
	Authenticate(ctx context.Context, form Form) (*AuthResult, error)
}

// Submission はフォーム送信後の表示状態。
type Submission struct {
	State FormState
	// Session はlogin/registerが成功した場合に作成されたセッション。
	Session *model.Session
	// Conflict は同じブラウザの送信が処理中だったため送信しなかったことを表す。
	Conflict bool
}

// FormController は認証フォームの状態遷移を管理する。
// 同じキー（ブラウザ）からの送信は同時に1つまでとし、2つ目はリクエストを送らずに拒否する。
type FormController struct {
	auth      Authenticator
	guard     *inflight.Guard
	collector metrics.MetricsCollector
}

// NewFormController はFormControllerを生成する。
func NewFormController(auth Authenticator, collector metrics.MetricsCollector) *FormController {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &FormController{
		auth:      auth,
		guard:     inflight.New(),
		collector: collector,
	}
}

// Submit はフォームを送信し、次の表示状態を返す。
// 送信前にエラーと成功メッセージは消える。表示用のエラー（APIError）は状態に入れて返し、
// セッション保存の失敗や中断など表示できないエラーのみerrorとして返す。
func (c *FormController) Submit(ctx context.Context, key string, state FormState, form Form) (Submission, error) {
	state = state.Switch(form.Mode()).fill(form)

	release, ok := c.guard.TryAcquire(key)
	if !ok {
		c.collector.RecordAuthSubmit(string(form.Mode()), "in_flight")
		state.Error = model.MessageRequestInFlight
		return Submission{State: state, Conflict: true}, nil
	}
	defer release()

	res, err := c.auth.Authenticate(ctx, form)
	if err != nil {
		if ctx.Err() != nil {
			return Submission{}, err
		}
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			return Submission{}, err
		}
		state.Error = model.DisplayMessage(err, model.MessageAuthenticationFailed)
		return Submission{State: state}, nil
	}

	state.Success = res.Message
	switch form.Mode() {
	case ModeLogin:
		state.RedirectTo = "/dashboard"
	case ModeRegister:
		state.RedirectTo = "/dashboard"
		state.RedirectAfter = RegisterRedirectDelay
	case ModeReset:
		state.ResetToken = ""
		state.RedirectTo = "/auth?mode=login"
		state.RedirectAfter = ResetRedirectDelay
	}
	return Submission{State: state, Session: res.Session}, nil
}

// Busy はkeyの送信が処理中かどうかを返す。
func (c *FormController) Busy(key string) bool {
	return c.guard.Busy(key)
}
