// Package model はドメインモデルを定義する。
package model

import "strings"

// Identity はIdentity Providerが発行した認証主体を表す。
// IDはプロバイダー内で不変のユーザーIDである。
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Role はアプリケーション上の権限ロールを表す閉じた列挙型。
type Role string

const (
	// RoleUnknown は未解決または未知のロール。すべての権限判定で拒否側に倒す。
	RoleUnknown Role = ""
	// RoleAdmin は管理者ロール。
	RoleAdmin Role = "Admin"
	// RoleStaff はスタッフ（作業者）ロール。
	RoleStaff Role = "Staff"
	// RoleOther はプロファイルに設定されているがAdminでもStaffでもないロール。権限はRoleUnknownと同じ。
	RoleOther Role = "Other"
)

// ParseRole は文字列をRoleに変換する。
// 大文字小文字と前後の空白は無視する。空文字はRoleUnknown、それ以外の未知の値はRoleOtherを返す。
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return RoleUnknown
	case "admin":
		return RoleAdmin
	case "staff":
		return RoleStaff
	default:
		return RoleOther
	}
}

// IsResolved はプロファイルストアで確定したロールかどうかを返す。
func (r Role) IsResolved() bool {
	return r == RoleAdmin || r == RoleStaff || r == RoleOther
}

// Label はナビゲーションバー表示用のロール名を返す。
func (r Role) Label() string {
	if r == RoleUnknown || r == RoleOther {
		return "User"
	}
	return string(r)
}

// Profile はIdentityに紐づくアプリケーション固有の属性を表す。
type Profile struct {
	UserID      string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	Phone       string `json:"phone"`
	Role        Role   `json:"role"`
}

// Anonymous は未解決プロファイルを表す最小権限のProfileを返す。
func Anonymous(identity Identity) Profile {
	return Profile{
		UserID: identity.ID,
		Email:  identity.Email,
		Role:   RoleUnknown,
	}
}
