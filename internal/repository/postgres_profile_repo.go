package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/laptopinv/internal/model"
)

// PostgresProfileRepo はPostgreSQLのprofilesテーブルを参照するリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id::text, COALESCE(email, ''), COALESCE(full_name, ''), COALESCE(phone, ''), COALESCE(role, '')`

// GetProfileByID はユーザーIDでプロファイルを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) GetProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id::text = $1`,
		id,
	)
	p, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}
	return p, nil
}

// GetProfileByEmail はメールアドレスでプロファイルを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE lower(email) = lower($1) ORDER BY created_at LIMIT 1`,
		email,
	)
	p, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by email: %w", err)
	}
	return p, nil
}

// scanProfile は1行をProfileに変換する。行がない場合はnil, nilを返す。
func scanProfile(row *sql.Row) (*model.Profile, error) {
	var (
		p    model.Profile
		role string
	)
	err := row.Scan(&p.UserID, &p.Email, &p.DisplayName, &p.Phone, &role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Role = model.ParseRole(role)
	return &p, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
