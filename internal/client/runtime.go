// Package client はブラウザ1台分のクライアントランタイムを生成・保持する。
//
// ランタイムはIdentity Providerのクライアント、Session Store、無操作監視、
// プロファイル解決、保留中リダイレクトをまとめたもので、client_id Cookieで識別される。
package client

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/laptopinv/internal/identity"
	"github.com/hitoshi/laptopinv/internal/idle"
	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/navigation"
	"github.com/hitoshi/laptopinv/internal/profile"
	"github.com/hitoshi/laptopinv/internal/session"
)

// Runtime はブラウザ1台分の認証まわりのコンポーネント一式。
type Runtime struct {
	ID        string
	Identity  *identity.Client
	Store     *session.Store
	Monitor   *idle.Monitor
	Profiles  *profile.Resolver
	Navigator *navigation.Navigator

	restored chan struct{}

	mu       sync.Mutex
	lastUsed time.Time
}

// Touch は最終利用時刻を更新する。
func (rt *Runtime) Touch(now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if now.After(rt.lastUsed) {
		rt.lastUsed = now
	}
}

// LastUsed は最終利用時刻を返す。
func (rt *Runtime) LastUsed() time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastUsed
}

// State はSession Storeの現在の状態を返す。
func (rt *Runtime) State() model.SessionState {
	return rt.Store.State()
}

// Restored は初回のセッション復元が完了すると閉じられるチャネルを返す。
func (rt *Runtime) Restored() <-chan struct{} {
	return rt.restored
}

// WaitRestored は初回のセッション復元が完了するまで待つ。
func (rt *Runtime) WaitRestored(ctx context.Context) error {
	select {
	case <-rt.restored:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close は無操作監視とSession Storeを破棄する。購読とタイマーはすべて解放される。
func (rt *Runtime) Close() {
	rt.Monitor.Close()
	rt.Store.Close()
}

type contextKey string

var runtimeContextKey = contextKey("client_runtime")

// NewContext はランタイムを格納したコンテキストを返す。
func NewContext(ctx context.Context, rt *Runtime) context.Context {
	return context.WithValue(ctx, runtimeContextKey, rt)
}

// FromContext はリクエストコンテキストからランタイムを取得する。
func FromContext(ctx context.Context) (*Runtime, bool) {
	rt, ok := ctx.Value(runtimeContextKey).(*Runtime)
	return rt, ok && rt != nil
}
