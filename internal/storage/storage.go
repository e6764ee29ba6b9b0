// Package storage はクライアントごとのローカル永続ストレージを提供する。
//
// ブラウザのlocalStorageに相当するキーバリューストアで、ページ再読み込みをまたいで
// 値を保持する。読み手が二つの書き込みの間に割り込んでも矛盾した状態を観測しないよう、
// 関連する複数キーはSetManyで一括して書き込む。
package storage

import (
	"context"
	"sync"
)

// 既知のキー
const (
	KeyLoggedIn  = "isLoggedIn"
	KeyUser      = "user"
	KeyAuthToken = "auth.token"
)

// Local は1クライアント分の名前空間に閉じたキーバリューストア。
type Local interface {
	// Get はキーの値を返す。存在しない場合はokがfalseになる。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// SetMany は複数キーを原子的に書き込む。
	SetMany(ctx context.Context, values map[string]string) error
	// Remove は指定キーを削除する。存在しないキーは無視する。
	Remove(ctx context.Context, keys ...string) error
	// Clear は名前空間内の全キーを削除する。
	Clear(ctx context.Context) error
}

// Set は単一キーを書き込むヘルパー。
func Set(ctx context.Context, l Local, key, value string) error {
	return l.SetMany(ctx, map[string]string{key: value})
}

// Memory はプロセス内メモリに保持するLocal実装。テストと開発用。
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory は空のMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get はキーの値を返す。
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// SetMany は複数キーを一括で書き込む。
func (m *Memory) SetMany(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

// Remove は指定キーを削除する。
func (m *Memory) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Clear は全キーを削除する。
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

// Len は保持しているキー数を返す。テスト用。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Provider はクライアントIDごとのLocalを払い出す。
type Provider interface {
	ForClient(clientID string) Local
}

// MemoryProvider はクライアントごとにMemoryを払い出すProvider。
type MemoryProvider struct {
	mu      sync.Mutex
	clients map[string]*Memory
}

// NewMemoryProvider はMemoryProviderを生成する。
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{clients: make(map[string]*Memory)}
}

// ForClient はクライアントIDに対応するMemoryを返す。同じIDには同じインスタンスを返す。
func (p *MemoryProvider) ForClient(clientID string) Local {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.clients[clientID]
	if !ok {
		m = NewMemory()
		p.clients[clientID] = m
	}
	return m
}

var (
	_ Local    = (*Memory)(nil)
	_ Provider = (*MemoryProvider)(nil)
)
