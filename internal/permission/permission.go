// Package permission はロールに基づく操作権限を判定する。
// AdminとStaff以外のロール（RoleUnknown、RoleOther）はすべての判定で拒否側に倒す。
package permission

import "github.com/hitoshi/laptopinv/internal/model"

// Scope はレコードの閲覧範囲。
type Scope string

const (
	// ScopeAll は全レコードを閲覧できる。
	ScopeAll Scope = "all"
	// ScopeOwn は自分が作成したレコードのみ閲覧できる。
	ScopeOwn Scope = "own"
)

// CanExport はレポートをエクスポートできるかどうかを返す。管理者のみ。
func CanExport(role model.Role) bool {
	return role == model.RoleAdmin
}

// CanEdit はレポートを編集できるかどうかを返す。
func CanEdit(role model.Role) bool {
	return role == model.RoleAdmin || role == model.RoleStaff
}

// CanAccessDocument は指定ユーザーが作成した書類を閲覧できるかどうかを返す。
func CanAccessDocument(p model.Profile, ownerID string) bool {
	if p.Role == model.RoleAdmin {
		return true
	}
	return ownerID != "" && p.UserID != "" && ownerID == p.UserID
}

// VisibilityScope はレコード一覧の閲覧範囲を返す。
func VisibilityScope(p model.Profile) Scope {
	if p.Role == model.RoleAdmin {
		return ScopeAll
	}
	return ScopeOwn
}

// Set はプロファイルに対する権限の一覧。画面やAPIレスポンスに埋め込む。
type Set struct {
	CanExport bool  `json:"canExport"`
	CanEdit   bool  `json:"canEdit"`
	Scope     Scope `json:"scope"`
}

// For はプロファイルに対する権限の一覧を返す。
func For(p model.Profile) Set {
	return Set{
		CanExport: CanExport(p.Role),
		CanEdit:   CanEdit(p.Role),
		Scope:     VisibilityScope(p),
	}
}
