// Package profile はIdentityに対応するアプリケーションのプロファイル（表示名・ロール）を解決する。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/repository"
	"github.com/hitoshi/laptopinv/internal/security"
	"github.com/hitoshi/laptopinv/internal/storage"
)

// ErrProfileNotFound はIDでもメールアドレスでもプロファイルが見つからない場合に返される。
var ErrProfileNotFound = errors.New("profile not found")

// DefaultDisplayName はプロファイルに氏名がない場合の表示名。
const DefaultDisplayName = "Unknown User"

// SessionGate は認証中のユーザーが変わらない間だけ書き込みを許可する。*session.Storeが実装する。
type SessionGate interface {
	WriteIfCurrent(userID string, fn func() error) (bool, error)
}

// Resolver はプロファイルストアを参照し、結果をクライアントのスナップショットにキャッシュする。
type Resolver struct {
	repo      repository.ProfileRepository
	storage   storage.Local
	gate      SessionGate
	sanitizer security.TextSanitizerService
	logger    *slog.Logger
}

// NewResolver はResolverを生成する。gateがnilの場合はキャッシュへ無条件に書き込む。
func NewResolver(repo repository.ProfileRepository, local storage.Local, gate SessionGate, sanitizer security.TextSanitizerService, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		repo:      repo,
		storage:   local,
		gate:      gate,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Resolve はプロファイルストアからプロファイルを取得する。
// まずIdentityのIDで検索し、見つからなければメールアドレスで検索する。
// どちらでも見つからない場合はErrProfileNotFoundを返す。
func (r *Resolver) Resolve(ctx context.Context, ident model.Identity) (*model.Profile, error) {
	found, err := r.repo.GetProfileByID(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile: %w", err)
	}
	if found == nil && ident.Email != "" {
		found, err = r.repo.GetProfileByEmail(ctx, ident.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve profile: %w", err)
		}
		if found != nil {
			r.logger.Info("profile resolved by email",
				slog.String("user_id", ident.ID),
				slog.String("profile_id", found.UserID),
			)
		}
	}
	if found == nil {
		return nil, ErrProfileNotFound
	}

	p := model.Profile{
		UserID:      ident.ID,
		Email:       r.sanitizer.Sanitize(found.Email),
		DisplayName: r.sanitizer.Sanitize(found.DisplayName),
		Phone:       r.sanitizer.Sanitize(found.Phone),
		Role:        found.Role,
	}
	if p.Email == "" {
		p.Email = ident.Email
	}
	if p.DisplayName == "" {
		p.DisplayName = DefaultDisplayName
	}
	return &p, nil
}

// Current はIdentityの現在のプロファイルを返す。
// キャッシュが同じユーザーのもので、ロールが解決済みならそれを使う。
// それ以外はプロファイルストアを参照し、結果をスナップショットとして書き戻す。
// 見つからない場合や参照に失敗した場合はRoleUnknownのプロファイルを返し、キャッシュしない。
// AdminやStaff以外のロールも解決済みとしてキャッシュする。
func (r *Resolver) Current(ctx context.Context, ident model.Identity) model.Profile {
	cached, err := storage.LoadProfile(ctx, r.storage)
	if err != nil {
		r.logger.Warn("failed to read cached profile", slog.String("error", err.Error()))
	}
	if cached != nil && cached.UserID == ident.ID && cached.Role.IsResolved() {
		return *cached
	}

	p, err := r.Resolve(ctx, ident)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			r.logger.Warn("profile not found", slog.String("user_id", ident.ID))
		} else {
			r.logger.Error("profile lookup failed",
				slog.String("user_id", ident.ID),
				slog.String("error", err.Error()),
			)
		}
		return model.Anonymous(ident)
	}

	if p.Role.IsResolved() {
		r.cache(ctx, *p)
	}
	return *p
}

// cache は解決したプロファイルを書き戻す。参照中にセッションが終了または切り替わっていれば書き込まない。
func (r *Resolver) cache(ctx context.Context, p model.Profile) {
	save := func() error { return storage.SaveProfile(ctx, r.storage, p) }

	var err error
	if r.gate == nil {
		err = save()
	} else {
		var written bool
		written, err = r.gate.WriteIfCurrent(p.UserID, save)
		if !written {
			r.logger.Debug("session changed during profile lookup, skipping cache",
				slog.String("user_id", p.UserID),
			)
			return
		}
	}
	if err != nil {
		r.logger.Error("failed to cache profile", slog.String("error", err.Error()))
	}
}
