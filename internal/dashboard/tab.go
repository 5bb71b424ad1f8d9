// Package dashboard はダッシュボードのタブ切り替えとセッションごとの画面状態を管理する。
package dashboard

// Tab はダッシュボードのタブ。
type Tab string

const (
	TabInference Tab = "inference"
	TabAnalytics Tab = "analytics"
	TabHistory   Tab = "history"
	TabSpecs     Tab = "specs"
	TabTeam      Tab = "team"
	TabProfile   Tab = "profile"
)

// DefaultTab はログイン直後とログアウト後のタブ。
const DefaultTab = TabInference

var tabs = []Tab{TabInference, TabAnalytics, TabHistory, TabSpecs, TabTeam, TabProfile}

var tabLabels = map[Tab]string{
	TabInference: "Inference",
	TabAnalytics: "Analytics",
	TabHistory:   "History",
	TabSpecs:     "Model Specs",
	TabTeam:      "Team",
	TabProfile:   "Profile",
}

// Tabs はタブを表示順で返す。
func Tabs() []Tab {
	out := make([]Tab, len(tabs))
	copy(out, tabs)
	return out
}

// ParseTab はURLのタブ名を解析する。未知の名前はfalse。
func ParseTab(name string) (Tab, bool) {
	for _, t := range tabs {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

// Label はナビゲーションに表示する名前を返す。
func (t Tab) Label() string {
	return tabLabels[t]
}

// FetchesOnMount はタブを開いたときに自分でデータを取得するかを返す。
// 取得するのは履歴タブだけで、他のタブの切り替えは通信を伴わない。
func (t Tab) FetchesOnMount() bool {
	return t == TabHistory
}
