// Package navigation はアプリケーションのルート定義と、ブラウザ1台分の保留中リダイレクトを扱う。
package navigation

import (
	"net/url"
	"strings"
	"sync"

	"github.com/hitoshi/laptopinv/internal/model"
)

// ルートパス
const (
	PathRoot            = "/"
	PathLogin           = "/login"
	PathLogout          = "/logout"
	PathDashboard       = "/dashboard"
	PathLaptopTest      = "/laptop-test"
	PathLaptopInventory = "/laptop-inventory"
	PathLaptopDetail    = "/laptops/{id}"
	PathTransfer        = "/transfer"
	PathTransferDetail  = "/transfer/{id}"
	PathReports         = "/reports"
	PathReportsExport   = "/reports/export"
	PathEditReport      = "/edit-report/{id}"
)

// Route は保護された画面の定義。
type Route struct {
	Pattern string
	Title   string
	// NavLabel が空でなければナビゲーションバーに表示する。
	NavLabel string
}

// ProtectedRoutes は認証が必要な画面の一覧。ナビゲーションバーの並び順を兼ねる。
var ProtectedRoutes = []Route{
	{Pattern: PathDashboard, Title: "ダッシュボード", NavLabel: "Dashboard"},
	{Pattern: PathLaptopTest, Title: "ノートPC検査", NavLabel: "Laptop Test"},
	{Pattern: PathLaptopInventory, Title: "ノートPC在庫", NavLabel: "Inventory"},
	{Pattern: PathLaptopDetail, Title: "ノートPC詳細"},
	{Pattern: PathTransfer, Title: "移管", NavLabel: "Transfer"},
	{Pattern: PathTransferDetail, Title: "移管詳細"},
	{Pattern: PathReports, Title: "レポート", NavLabel: "Reports"},
	{Pattern: PathEditReport, Title: "レポート編集"},
}

// IsPublic はパスが認証不要かどうかを返す。
func IsPublic(path string) bool {
	switch path {
	case PathLogin, PathLogout, "/health", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/static/")
}

// LoginURL はログイン画面のURLを組み立てる。理由があればreasonクエリに付与する。
func LoginURL(reason model.EndReason) string {
	if reason == model.EndReasonNone {
		return PathLogin
	}
	return PathLogin + "?" + url.Values{"reason": {string(reason)}}.Encode()
}

// Redirect は保留中のハードリダイレクト。
type Redirect struct {
	Path   string
	Reason model.EndReason
}

// URL はリダイレクト先のURLを返す。
func (r Redirect) URL() string {
	if r.Path == PathLogin {
		return LoginURL(r.Reason)
	}
	return r.Path
}

// Navigator はセッション終了時のハードリダイレクトを保持し、次のリクエストで消費させる。
// 後から記録されたリダイレクトが優先される。
type Navigator struct {
	mu      sync.Mutex
	pending *Redirect
}

// NewNavigator はNavigatorを生成する。
func NewNavigator() *Navigator {
	return &Navigator{}
}

// Redirect はハードリダイレクトを記録する。
func (n *Navigator) Redirect(path string, reason model.EndReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = &Redirect{Path: path, Reason: reason}
}

// Pending は保留中のリダイレクトを消費せずに返す。
func (n *Navigator) Pending() (Redirect, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		return Redirect{}, false
	}
	return *n.pending, true
}

// Take は保留中のリダイレクトを返して消費する。
func (n *Navigator) Take() (Redirect, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		return Redirect{}, false
	}
	r := *n.pending
	n.pending = nil
	return r, true
}

// Clear は保留中のリダイレクトを破棄する。ログイン成功時に呼ぶ。
func (n *Navigator) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = nil
}
