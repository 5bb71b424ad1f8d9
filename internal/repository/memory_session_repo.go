package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/deepdistill/internal/model"
)

// MemorySessionRepo はプロセス内メモリを使用したセッションリポジトリ。
// DATABASE_URL と REDIS_URL のどちらも無い場合に使う（単一プロセス専用）。
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]model.Session),
		now:      time.Now,
	}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *session
	stored.User = copyProfile(session.User)
	r.sessions[session.ID] = stored
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || !s.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	out := s
	out.User = copyProfile(s.User)
	return &out, nil
}

// UpdateUser はキャッシュしたユーザー情報を置き換える。
func (r *MemorySessionRepo) UpdateUser(_ context.Context, id string, user *model.UserProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s.User = copyProfile(user)
	r.sessions[id] = s
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	return nil
}

// DeleteExpired は期限切れのセッションをすべて削除し、削除件数を返す。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var n int64
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func copyProfile(p *model.UserProfile) *model.UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

var (
	_ SessionRepository    = (*MemorySessionRepo)(nil)
	_ ExpiredSessionPurger = (*MemorySessionRepo)(nil)
)
