// Package inflight は同じ操作の多重実行を防ぐキー単位のガードを提供する。
// 実行中のキーに対する2回目の取得は待たずに失敗する（送信ボタンの無効化に相当）。
package inflight

import "sync"

// Guard はキーごとの実行中フラグを管理する。ゼロ値で利用できる。
type Guard struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// New は新しいGuardを生成する。
func New() *Guard {
	return &Guard{running: make(map[string]struct{})}
}

// TryAcquire はkeyの実行権を取得する。すでに実行中の場合はfalseを返す。
// 取得できた場合は返されたrelease関数を必ず呼ぶこと。releaseは複数回呼んでもよい。
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, busy := g.running[key]; busy {
		return nil, false
	}
	g.running[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.running, key)
			g.mu.Unlock()
		})
	}, true
}

// Busy はkeyが実行中かどうかを返す。
func (g *Guard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, busy := g.running[key]
	return busy
}
