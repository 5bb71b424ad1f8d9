package view

import (
	"github.com/hitoshi/deepdistill/internal/auth"
	"github.com/hitoshi/deepdistill/internal/catalog"
	"github.com/hitoshi/deepdistill/internal/dashboard"
	"github.com/hitoshi/deepdistill/internal/inference"
	"github.com/hitoshi/deepdistill/internal/model"
	"github.com/hitoshi/deepdistill/internal/result"
)

// Page は全画面に共通の値。
type Page struct {
	Title     string
	CSRFToken string
}

// LandingPage はランディングページ。
type LandingPage struct {
	Page
	Team catalog.Team
}

// AuthPage は認証画面。
type AuthPage struct {
	Page
	Form auth.FormState
	// Pending は同じブラウザの送信が処理中であることを表す。送信ボタンを無効にする。
	Pending bool
}

// Links はモードごとの切り替えリンクを返す。loginからはregister/forgot、それ以外からはloginへ戻る。
func (p *AuthPage) Links() []ModeLink {
	if p.Form.Mode == auth.ModeLogin {
		return []ModeLink{
			{Label: "Create Account", Href: "/auth?mode=register"},
			{Label: "Forgot Password?", Href: "/auth?mode=forgot"},
		}
	}
	return []ModeLink{{Label: "Back to Login", Href: "/auth?mode=login"}}
}

// ModeLink は認証モードの切り替えリンク。
type ModeLink struct {
	Label string
	Href  string
}

// VerifyPage はメール確認の結果画面。
type VerifyPage struct {
	Page
	Result auth.VerifyResult
}

// ErrorPage はエラー画面。
type ErrorPage struct {
	Page
	Status  int
	Message string
}

// NavItem はサイドバーのタブリンク。
type NavItem struct {
	Tab    dashboard.Tab
	Label  string
	Href   string
	Active bool
}

// DashboardPage はダッシュボード。Activeのタブに対応するパネルだけが設定される。
type DashboardPage struct {
	Page
	User   *model.UserProfile
	Active dashboard.Tab
	Nav    []NavItem

	Inference *InferencePanel
	History   *HistoryPanel
	Analytics *AnalyticsPanel
	Profile   *ProfilePanel
	Catalog   *catalog.Catalog
}

// NewDashboardPage はアクティブなタブとナビゲーションを設定したDashboardPageを返す。
func NewDashboardPage(csrfToken string, user *model.UserProfile, active dashboard.Tab) *DashboardPage {
	nav := make([]NavItem, 0, len(dashboard.Tabs()))
	for _, t := range dashboard.Tabs() {
		nav = append(nav, NavItem{
			Tab:    t,
			Label:  t.Label(),
			Href:   "/dashboard/" + string(t),
			Active: t == active,
		})
	}
	return &DashboardPage{
		Page:   Page{Title: active.Label(), CSRFToken: csrfToken},
		User:   user,
		Active: active,
		Nav:    nav,
	}
}

// InferencePanel は推論タブの内容。
type InferencePanel struct {
	inference.Snapshot
	PreviewURL string
	Cards      []result.Card
	Comparison *result.Comparison
}

// NewInferencePanel はワークスペースの状態から推論タブの内容を組み立てる。
func NewInferencePanel(s inference.Snapshot) *InferencePanel {
	p := &InferencePanel{Snapshot: s}
	if s.HasFile {
		p.PreviewURL = "/dashboard/inference/preview?v=" + s.PreviewID
	}
	if s.Result != nil {
		p.Cards = result.Aggregate(s.Result)
		if c, ok := result.Compare(s.Result); ok {
			p.Comparison = &c
		}
	}
	return p
}

// HistoryEntry は履歴1件の表示内容。
type HistoryEntry struct {
	ID        string
	ImageURL  string
	Timestamp string
	Cards     []result.Card
}

// HistoryPanel は履歴タブの内容。
type HistoryPanel struct {
	Entries []HistoryEntry
	Error   string
}

// NewHistoryPanel は履歴をサーバーの順序のまま表示用に変換する。
func NewHistoryPanel(records []model.HistoryRecord) *HistoryPanel {
	p := &HistoryPanel{Entries: make([]HistoryEntry, 0, len(records))}
	for _, r := range records {
		res := r.Result
		p.Entries = append(p.Entries, HistoryEntry{
			ID:        r.ID,
			ImageURL:  r.ImageURL,
			Timestamp: r.Timestamp,
			Cards:     result.Aggregate(&res),
		})
	}
	return p
}

// ProfilePanel はプロフィールタブの内容。
type ProfilePanel struct {
	Error   string
	Success string
}
