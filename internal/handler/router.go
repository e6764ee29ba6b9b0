package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/laptopinv/internal/guard"
	"github.com/hitoshi/laptopinv/internal/idle"
	"github.com/hitoshi/laptopinv/internal/middleware"
	"github.com/hitoshi/laptopinv/internal/navigation"
	"github.com/hitoshi/laptopinv/internal/permission"
)

// Metrics はハンドラー層で記録するメトリクス。metrics.Collectorが実装する。
type Metrics interface {
	LoginRecorder
	middleware.StatusRecorder
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// クライアントランタイム
	Clients middleware.RuntimeProvider

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	Metrics        Metrics
	Logger         *slog.Logger

	// ミドルウェア依存
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	CookieSecure      bool
	CookieDomain      string
	ClientCookieTTL   time.Duration

	// ブラウザ側で監視させる操作
	IdleSignals []idle.Signal
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RealIP → Logging → Metrics → SecurityHeaders → CORS
//	  → Client（新規生成はIPごとに制限） → CSRF → RateLimit(General) → Guard（保護された画面のみ）
//
// /health、/metrics、/static/ はクライアントランタイムを生成しない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	var loginMetrics LoginRecorder
	if deps.Metrics != nil {
		loginMetrics = deps.Metrics
	}
	authHandler := NewAuthHandler(loginMetrics, logger)
	sessionHandler := NewSessionHandler()
	viewHandler := NewViewHandler(deps.IdleSignals)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, StaticPrefix+"*", NewStaticHandler())

	// --- クライアントランタイムが必要なルート ---
	// ミドルウェアスタック: Client → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewClientMiddleware(deps.Clients, middleware.ClientCookieConfig{
			Secure:    deps.CookieSecure,
			Domain:    deps.CookieDomain,
			MaxAge:    deps.ClientCookieTTL,
			Admission: deps.RateLimiter,
		}))
		r.Use(middleware.NewCSRFMiddleware(middleware.CSRFConfig{
			CookieSecure: deps.CookieSecure,
			CookieDomain: deps.CookieDomain,
		}))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ログイン・ログアウト
		r.Get(navigation.PathLogin, authHandler.LoginPage)
		r.With(deps.RateLimiter.LoginMiddleware()).Post(navigation.PathLogin, authHandler.Login)
		r.Post(navigation.PathLogout, authHandler.Logout)

		// セッションAPI
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.NoStore)
			r.Get("/session", sessionHandler.Session)
			r.Post("/activity", sessionHandler.Activity)
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler())
		})

		// --- 保護された画面 ---
		r.Group(func(r chi.Router) {
			r.Use(guard.NewMiddleware(logger))

			r.Get(navigation.PathRoot, func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, navigation.PathDashboard, http.StatusSeeOther)
			})

			for _, route := range navigation.ProtectedRoutes {
				switch route.Pattern {
				case navigation.PathEditReport:
					r.With(guard.RequirePermission(permission.CanEdit, "edit_report")).
						Get(route.Pattern, viewHandler.Page(route))
				default:
					r.Get(route.Pattern, viewHandler.Page(route))
				}
			}

			r.With(guard.RequirePermission(permission.CanExport, "export_report")).
				Get(navigation.PathReportsExport, viewHandler.Export)
		})
	})

	return r
}
