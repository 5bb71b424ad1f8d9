package auth

import (
	"net/url"
	"strings"

	"github.com/hitoshi/deepdistill/internal/model"
)

// Mode は認証フォームのモード。
type Mode string

const (
	ModeLogin    Mode = "login"
	ModeRegister Mode = "register"
	ModeForgot   Mode = "forgot"
	ModeReset    Mode = "reset"
)

// ParseMode は文字列をModeに変換する。未知の値はloginとして扱う。
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRegister:
		return ModeRegister
	case ModeForgot:
		return ModeForgot
	case ModeReset:
		return ModeReset
	default:
		return ModeLogin
	}
}

// Title は認証画面の見出しを返す。
func (m Mode) Title() string {
	switch m {
	case ModeRegister:
		return "Create Account"
	case ModeForgot, ModeReset:
		return "Reset Password"
	default:
		return "Welcome Back"
	}
}

// Subtitle は認証画面の補足説明を返す。
func (m Mode) Subtitle() string {
	switch m {
	case ModeRegister:
		return "Join DeepDistill today"
	case ModeForgot:
		return "Enter email to receive reset link"
	case ModeReset:
		return "Choose a new password"
	default:
		return "Enter credentials to access dashboard"
	}
}

// SubmitLabel は送信ボタンの文言を返す。
func (m Mode) SubmitLabel() string {
	switch m {
	case ModeRegister:
		return "Sign Up"
	case ModeForgot:
		return "Send Link"
	case ModeReset:
		return "Update Password"
	default:
		return "Sign In"
	}
}

// Form はモードごとの入力値。モードに関係する項目だけを持つ。
type Form interface {
	Mode() Mode
	// Validate は必須項目がすべて入力されているかを確認する。形式のチェックはサーバーに任せる。
	Validate() error
}

// LoginForm はloginモードの入力値。
type LoginForm struct {
	Email    string
	Password string
}

// RegisterForm はregisterモードの入力値。
type RegisterForm struct {
	Email    string
	Password string
	FullName string
}

// ForgotForm はforgotモードの入力値。
type ForgotForm struct {
	Email string
}

// ResetForm はresetモードの入力値。Tokenはリセットリンクから取得する。
type ResetForm struct {
	Token       string
	NewPassword string
}

func (LoginForm) Mode() Mode    { return ModeLogin }
func (RegisterForm) Mode() Mode { return ModeRegister }
func (ForgotForm) Mode() Mode   { return ModeForgot }
func (ResetForm) Mode() Mode    { return ModeReset }

func (f LoginForm) Validate() error {
	return requireFields(field{"email", f.Email}, field{"password", f.Password})
}

func (f RegisterForm) Validate() error {
	return requireFields(field{"full_name", f.FullName}, field{"email", f.Email}, field{"password", f.Password})
}

func (f ForgotForm) Validate() error {
	return requireFields(field{"email", f.Email})
}

func (f ResetForm) Validate() error {
	return requireFields(field{"token", f.Token}, field{"new_password", f.NewPassword})
}

type field struct {
	name  string
	value string
}

func requireFields(fields ...field) error {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return model.NewMissingFieldsError(missing)
	}
	return nil
}

// FormFromValues はPOSTされたフォーム値からmodeに対応するFormを組み立てる。
// パスワードは前後の空白も値の一部として扱う。
func FormFromValues(v url.Values) Form {
	email := strings.TrimSpace(v.Get("email"))
	switch ParseMode(v.Get("mode")) {
	case ModeRegister:
		return RegisterForm{Email: email, Password: v.Get("password"), FullName: strings.TrimSpace(v.Get("full_name"))}
	case ModeForgot:
		return ForgotForm{Email: email}
	case ModeReset:
		return ResetForm{Token: strings.TrimSpace(v.Get("token")), NewPassword: v.Get("new_password")}
	default:
		return LoginForm{Email: email, Password: v.Get("password")}
	}
}

// FormState は認証画面の表示状態。
// パスワードは保持しないため、再描画時の入力欄は常に空になる。
type FormState struct {
	Mode       Mode
	Email      string
	FullName   string
	ResetToken string
	Error      string
	Success    string
	// RedirectTo が空でなければ、RedirectAfter 経過後にその画面へ遷移する。
	RedirectTo    string
	RedirectAfter int // 秒
}

// NewFormState はmodeの初期状態を返す。
func NewFormState(mode Mode) FormState {
	return FormState{Mode: mode}
}

// Switch はモードを切り替える。エラーと成功メッセージは消える。
// リセットトークンはresetモードに留まる場合のみ引き継ぐ。
func (s FormState) Switch(mode Mode) FormState {
	next := FormState{Mode: mode, Email: s.Email, FullName: s.FullName}
	if mode == ModeReset {
		next.ResetToken = s.ResetToken
	}
	return next
}

// fill は送信されたフォームの表示用の値を状態に反映する。
func (s FormState) fill(form Form) FormState {
	switch f := form.(type) {
	case LoginForm:
		s.Email = f.Email
	case RegisterForm:
		s.Email = f.Email
		s.FullName = f.FullName
	case ForgotForm:
		s.Email = f.Email
	case ResetForm:
		s.ResetToken = f.Token
	}
	return s
}
