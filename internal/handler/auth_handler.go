package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/laptopinv/internal/client"
	"github.com/hitoshi/laptopinv/internal/identity"
	"github.com/hitoshi/laptopinv/internal/middleware"
	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/navigation"
)

// loginRestoreWait はログイン処理の前に初回のセッション復元を待つ上限。
const loginRestoreWait = 5 * time.Second

// LoginRecorder はログイン試行の結果を記録する。metrics.Collectorが実装する。
type LoginRecorder interface {
	RecordLogin(success bool)
}

// loginForm はログインフォームの入力。
type loginForm struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required,max=1024"`
}

// loginView はログイン画面のテンプレートデータ。
type loginView struct {
	Notice    string
	Error     string
	Email     string
	CSRFToken string
}

// AuthHandler はログイン・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	validate *validator.Validate
	metrics  LoginRecorder
	logger   *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。metricsはnilでもよい。
func NewAuthHandler(metrics LoginRecorder, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		logger:   logger,
	}
}

// LoginPage はログイン画面を表示する。
// GET /login?reason=idle_timeout
// 認証済みのクライアントはダッシュボードへ遷移させる。
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	if rt, ok := client.FromContext(r.Context()); ok {
		if st := rt.State(); !st.IsLoading && st.IsAuthenticated {
			http.Redirect(w, r, navigation.PathDashboard, http.StatusSeeOther)
			return
		}
	}

	view := loginView{
		Notice:    model.ParseEndReason(r.URL.Query().Get("reason")).Message(),
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
	}
	if r.URL.Query().Get("error") != "" {
		view.Error = model.NewInvalidCredentialsError().Message
	}
	renderHTML(w, http.StatusOK, "login.html", view)
}

// Login はメールアドレスとパスワードでサインインする。
// POST /login (email, password)
// 成功時はダッシュボードへ303でリダイレクトし、失敗時はメッセージ付きでログイン画面を再表示する。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	rt, ok := client.FromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	view := loginView{
		Email:     form.Email,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
	}

	if err := h.validate.Struct(form); err != nil {
		field := "email"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = strings.ToLower(verrs[0].Field())
		}
		view.Error = model.NewInvalidLoginFormError(field).Message
		renderHTML(w, http.StatusBadRequest, "login.html", view)
		return
	}

	// 復元中のイベントとサインインのイベントが前後しないよう、初回の復元完了を待つ
	waitCtx, cancel := context.WithTimeout(r.Context(), loginRestoreWait)
	_ = rt.WaitRestored(waitCtx)
	cancel()

	ident, err := rt.Identity.SignIn(r.Context(), form.Email, form.Password)
	if err != nil {
		h.recordLogin(false)
		status := http.StatusUnauthorized
		view.Error = model.NewInvalidCredentialsError().Message
		if !errors.Is(err, identity.ErrInvalidCredentials) {
			status = http.StatusServiceUnavailable
			view.Error = model.NewProviderFailedError().Message
			h.logger.Error("sign in failed",
				slog.String("client_id", rt.ID),
				slog.String("error", err.Error()),
			)
		}
		renderHTML(w, status, "login.html", view)
		return
	}

	h.recordLogin(true)
	rt.Navigator.Clear()
	p := rt.Profiles.Current(r.Context(), *ident)
	middleware.SetLogUserID(r.Context(), ident.ID)

	h.logger.Info("user signed in",
		slog.String("client_id", rt.ID),
		slog.String("user_id", ident.ID),
		slog.String("role", string(p.Role)),
	)
	http.Redirect(w, r, navigation.PathDashboard, http.StatusSeeOther)
}

// Logout はセッションを終了してログイン画面へ遷移させる。
// POST /logout
// 未認証の状態で呼ばれてもエラーにせず、同じくログイン画面へ遷移させる。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	rt, ok := client.FromContext(r.Context())
	if !ok {
		http.Redirect(w, r, navigation.PathLogin, http.StatusSeeOther)
		return
	}

	if err := rt.Store.Logout(r.Context()); err != nil {
		h.logger.Warn("logout failed",
			slog.String("client_id", rt.ID),
			slog.String("error", err.Error()),
		)
	}

	location := navigation.LoginURL(model.EndReasonLogout)
	if pending, ok := rt.Navigator.Take(); ok {
		location = pending.URL()
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func (h *AuthHandler) recordLogin(success bool) {
	if h.metrics != nil {
		h.metrics.RecordLogin(success)
	}
}
