package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/deepdistill/internal/inference"
)

// State は1セッション分のダッシュボード状態。
type State struct {
	mu        sync.Mutex
	activeTab Tab
	lastSeen  time.Time

	Workspace *inference.Workspace
}

func newState(now time.Time) *State {
	return &State{
		activeTab: DefaultTab,
		lastSeen:  now,
		Workspace: inference.NewWorkspace(),
	}
}

// ActiveTab は最後に開いたタブを返す。
func (s *State) ActiveTab() Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTab
}

// SwitchTab はアクティブなタブを切り替える。状態遷移のみで通信は行わない。
func (s *State) SwitchTab(t Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTab = t
}

// StateStore はセッションIDごとのStateを保持する。
// 一定時間アクセスの無い状態はSweepで破棄する。
type StateStore struct {
	mu     sync.Mutex
	states map[string]*State
	ttl    time.Duration
	now    func() time.Time
}

// NewStateStore はStateStoreを生成する。
func NewStateStore(ttl time.Duration) *StateStore {
	return &StateStore{
		states: make(map[string]*State),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Get はセッションの状態を返す。無ければ初期状態を作る。
func (st *StateStore) Get(sessionID string) *State {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	s, ok := st.states[sessionID]
	if !ok {
		s = newState(now)
		st.states[sessionID] = s
	}
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
	return s
}

// Drop はセッションの状態を破棄し、実行中の推論をキャンセルする。
// 次のGetでは初期状態（タブはinference）に戻る。
func (st *StateStore) Drop(sessionID string) {
	st.mu.Lock()
	s, ok := st.states[sessionID]
	delete(st.states, sessionID)
	st.mu.Unlock()

	if ok {
		s.Workspace.Close()
	}
}

// Len は保持している状態の数を返す。
func (st *StateStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.states)
}

// Sweep はTTLを過ぎた状態を破棄し、その件数を返す。
func (st *StateStore) Sweep() int {
	st.mu.Lock()
	cutoff := st.now().Add(-st.ttl)
	var expired []*State
	for id, s := range st.states {
		s.mu.Lock()
		stale := s.lastSeen.Before(cutoff)
		s.mu.Unlock()
		if stale {
			expired = append(expired, s)
			delete(st.states, id)
		}
	}
	st.mu.Unlock()

	for _, s := range expired {
		s.Workspace.Close()
	}
	return len(expired)
}

// Run はctxが終了するまでinterval間隔でSweepを実行する。
func (st *StateStore) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := st.Sweep(); n > 0 {
				logger.Info("期限切れのダッシュボード状態を破棄しました",
					slog.Int("count", n),
				)
			}
		}
	}
}
