package handler

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/laptopinv/internal/guard"
	"github.com/hitoshi/laptopinv/internal/idle"
	"github.com/hitoshi/laptopinv/internal/middleware"
	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/navigation"
	"github.com/hitoshi/laptopinv/internal/permission"
)

// pageView は保護された画面のテンプレートデータ。
type pageView struct {
	Title       string
	Path        string
	Nav         []navigation.Route
	Profile     model.Profile
	Permissions permission.Set
	CSRFToken   string
	RecordID    string
	EditURL     string
	IdleSignals string
}

// ViewHandler は保護された画面の外枠を描画するHTTPハンドラー。
// 画面にはナビゲーションバーとロールに応じた操作だけを表示し、在庫データは含めない。
type ViewHandler struct {
	nav         []navigation.Route
	idleSignals string
	now         func() time.Time
}

// NewViewHandler はViewHandlerを生成する。signalsはブラウザ側で監視させる操作の一覧。
func NewViewHandler(signals []idle.Signal) *ViewHandler {
	names := make([]string, len(signals))
	for i, s := range signals {
		names[i] = string(s)
	}

	nav := make([]navigation.Route, 0, len(navigation.ProtectedRoutes))
	for _, route := range navigation.ProtectedRoutes {
		if route.NavLabel != "" {
			nav = append(nav, route)
		}
	}

	return &ViewHandler{
		nav:         nav,
		idleSignals: strings.Join(names, ","),
		now:         time.Now,
	}
}

// Page は指定された画面を描画するハンドラーを返す。ルートガードの後段に置く。
func (h *ViewHandler) Page(route navigation.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := guard.ProfileFromContext(r.Context())
		if !ok {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}

		view := pageView{
			Title:       route.Title,
			Path:        route.Pattern,
			Nav:         h.nav,
			Profile:     p,
			Permissions: permission.For(p),
			CSRFToken:   middleware.CSRFTokenFromContext(r.Context()),
			RecordID:    chi.URLParam(r, "id"),
			IdleSignals: h.idleSignals,
		}
		if route.Pattern == navigation.PathLaptopDetail && view.RecordID != "" {
			view.EditURL = strings.Replace(navigation.PathEditReport, "{id}", view.RecordID, 1)
		}

		renderHTML(w, http.StatusOK, "page.html", view)
	}
}

// Export はレポートをCSVでエクスポートする。
// GET /reports/export
// RequirePermission(permission.CanExport)の後段に置く。
func (h *ViewHandler) Export(w http.ResponseWriter, r *http.Request) {
	p, ok := guard.ProfileFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	exportedAt := h.now().UTC()
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="report-%s.csv"`, exportedAt.Format("20060102-150405")))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"report", "scope", "exported_by", "exported_at"})
	_ = cw.Write([]string{
		"laptop_inventory",
		string(permission.VisibilityScope(p)),
		p.UserID,
		exportedAt.Format(time.RFC3339),
	})
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("failed to write export", slog.String("error", err.Error()))
	}
}
