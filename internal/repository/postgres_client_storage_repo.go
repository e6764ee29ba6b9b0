package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/laptopinv/internal/storage"
)

// PostgresClientStorageRepo はPostgreSQLを使用したクライアントストレージリポジトリ。
// サーバー再起動やページ再読み込みをまたいでクライアントの状態を保持する。
type PostgresClientStorageRepo struct {
	db *sql.DB
}

// NewPostgresClientStorageRepo はPostgresClientStorageRepoを生成する。
func NewPostgresClientStorageRepo(db *sql.DB) *PostgresClientStorageRepo {
	return &PostgresClientStorageRepo{db: db}
}

// Get は指定クライアントのキーの値を取得する。
func (r *PostgresClientStorageRepo) Get(ctx context.Context, clientID, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM client_storage WHERE client_id = $1 AND key = $2`,
		clientID, key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get client storage value: %w", err)
	}
	return value, true, nil
}

// SetMany は複数キーを同一トランザクションでUPSERTする。
// キーはソートして書き込み、同一クライアントへの並行書き込みでデッドロックしないようにする。
func (r *PostgresClientStorageRepo) SetMany(ctx context.Context, clientID string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO client_storage (client_id, key, value, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (client_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			clientID, k, values[k],
		)
		if err != nil {
			return fmt.Errorf("failed to upsert client storage key %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Remove は指定クライアントのキーを削除する。
func (r *PostgresClientStorageRepo) Remove(ctx context.Context, clientID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM client_storage WHERE client_id = $1 AND key = ANY($2)`,
		clientID, pq.Array(keys),
	)
	if err != nil {
		return fmt.Errorf("failed to remove client storage keys: %w", err)
	}
	return nil
}

// Clear は指定クライアントの全キーを削除する。
func (r *PostgresClientStorageRepo) Clear(ctx context.Context, clientID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM client_storage WHERE client_id = $1`,
		clientID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear client storage: %w", err)
	}
	return nil
}

// PurgeStale は最終更新がbeforeより古いクライアントの行をすべて削除する。
// クライアント単位で判定し、一部のキーだけが残ることはない。
func (r *PostgresClientStorageRepo) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM client_storage
		 WHERE client_id IN (
		   SELECT client_id FROM client_storage
		   GROUP BY client_id
		   HAVING max(updated_at) < $1
		 )`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale client storage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// ForClient はクライアントIDで名前空間を固定したstorage.Localを返す。
func (r *PostgresClientStorageRepo) ForClient(clientID string) storage.Local {
	return &clientStorage{repo: r, clientID: clientID}
}

// clientStorage はClientStorageRepositoryを1クライアント分のstorage.Localに適合させる。
type clientStorage struct {
	repo     ClientStorageRepository
	clientID string
}

func (c *clientStorage) Get(ctx context.Context, key string) (string, bool, error) {
	return c.repo.Get(ctx, c.clientID, key)
}

func (c *clientStorage) SetMany(ctx context.Context, values map[string]string) error {
	return c.repo.SetMany(ctx, c.clientID, values)
}

func (c *clientStorage) Remove(ctx context.Context, keys ...string) error {
	return c.repo.Remove(ctx, c.clientID, keys)
}

func (c *clientStorage) Clear(ctx context.Context) error {
	return c.repo.Clear(ctx, c.clientID)
}

// compile-time interface check
var (
	_ ClientStorageRepository = (*PostgresClientStorageRepo)(nil)
	_ storage.Provider        = (*PostgresClientStorageRepo)(nil)
	_ storage.Local           = (*clientStorage)(nil)
)
