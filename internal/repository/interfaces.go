// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/laptopinv/internal/model"
)

// ProfileRepository はprofilesテーブルの参照インターフェース。
type ProfileRepository interface {
	// GetProfileByID はユーザーIDでプロファイルを取得する。見つからない場合はnilを返す。
	GetProfileByID(ctx context.Context, id string) (*model.Profile, error)
	// GetProfileByEmail はメールアドレスでプロファイルを取得する。見つからない場合はnilを返す。
	// メールアドレスの比較は大文字小文字を区別しない。
	GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error)
}

// ClientStorageRepository はクライアントごとのキーバリューの永続化インターフェース。
type ClientStorageRepository interface {
	// Get は指定クライアントのキーの値を取得する。
	Get(ctx context.Context, clientID, key string) (value string, ok bool, err error)
	// SetMany は指定クライアントの複数キーを同一トランザクションでUPSERTする。
	SetMany(ctx context.Context, clientID string, values map[string]string) error
	// Remove は指定クライアントのキーを削除する。
	Remove(ctx context.Context, clientID string, keys []string) error
	// Clear は指定クライアントの全キーを削除する。
	Clear(ctx context.Context, clientID string) error
	// PurgeStale は最終更新がbeforeより古いクライアントの行を削除し、削除件数を返す。
	PurgeStale(ctx context.Context, before time.Time) (int64, error)
}
