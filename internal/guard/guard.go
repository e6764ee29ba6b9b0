// Package guard は保護された画面へのアクセスをSession Storeの状態だけで判定する。
package guard

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/laptopinv/internal/client"
	"github.com/hitoshi/laptopinv/internal/idle"
	"github.com/hitoshi/laptopinv/internal/middleware"
	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/navigation"
)

// Decision はルートガードの判定結果。
type Decision int

const (
	// DecisionDefer は認証状態の復元中。保護コンテンツもリダイレクトも出さずに待つ。
	DecisionDefer Decision = iota
	// DecisionRedirect は未認証。ログイン画面へ遷移させる。
	DecisionRedirect
	// DecisionRender は認証済み。保護コンテンツを表示する。
	DecisionRender
)

// String は判定結果の名前を返す。
func (d Decision) String() string {
	switch d {
	case DecisionDefer:
		return "defer"
	case DecisionRedirect:
		return "redirect"
	case DecisionRender:
		return "render"
	default:
		return "unknown"
	}
}

// Decide はロード中フラグと認証フラグから判定する。
func Decide(isLoading, isAuthenticated bool) Decision {
	if isLoading {
		return DecisionDefer
	}
	if !isAuthenticated {
		return DecisionRedirect
	}
	return DecisionRender
}

// Result はEvaluateの結果。DecisionRedirectの場合はLocationにリダイレクト先が入る。
type Result struct {
	Decision Decision
	Location string
}

// Evaluate はSessionStateから判定する。
func Evaluate(state model.SessionState) Result {
	d := Decide(state.IsLoading, state.IsAuthenticated)
	if d == DecisionRedirect {
		return Result{Decision: d, Location: navigation.PathLogin}
	}
	return Result{Decision: d}
}

type contextKey string

var profileContextKey = contextKey("profile")

// ProfileFromContext はガードを通過したリクエストのプロファイルを返す。
func ProfileFromContext(ctx context.Context) (model.Profile, bool) {
	p, ok := ctx.Value(profileContextKey).(model.Profile)
	return p, ok
}

// ContextWithProfile はコンテキストにプロファイルを注入する。テストで使用する。
func ContextWithProfile(ctx context.Context, p model.Profile) context.Context {
	return context.WithValue(ctx, profileContextKey, p)
}

// loadingPage はセッション復元中に返す中立的なページ。保護コンテンツは含めない。
const loadingPage = `<!DOCTYPE html>
<html lang="ja"><head><meta charset="utf-8"><title>読み込み中</title></head>
<body><p>読み込み中...</p></body></html>
`

// NewMiddleware はリクエストのクライアントランタイムのSession Storeを参照するルートガードを返す。
// 保護された応答には常にCache-Control: no-storeを付与する。
func NewMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")

			rt, ok := client.FromContext(r.Context())
			if !ok {
				http.Redirect(w, r, navigation.PathLogin, http.StatusSeeOther)
				return
			}

			state := rt.State()
			res := Evaluate(state)

			switch res.Decision {
			case DecisionDefer:
				w.Header().Set("Refresh", "1")
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(loadingPage))

			case DecisionRedirect:
				location := res.Location
				if pending, ok := rt.Navigator.Take(); ok {
					location = pending.URL()
				}
				http.Redirect(w, r, location, http.StatusSeeOther)

			case DecisionRender:
				rt.Monitor.Activity(idle.SignalClick)
				p := rt.Profiles.Current(r.Context(), *state.Identity)
				logger.Debug("protected view rendered",
					slog.String("path", r.URL.Path),
					slog.String("user_id", p.UserID),
					slog.String("role", string(p.Role)),
				)
				ctx := middleware.ContextWithUserID(r.Context(), p.UserID)
				ctx = ContextWithProfile(ctx, p)
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

// RequirePermission はガードの後段で権限を検査し、不足していれば403を返すミドルウェアを返す。
func RequirePermission(allowed func(model.Role) bool, operation string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := ProfileFromContext(r.Context())
			if !ok {
				middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !allowed(p.Role) {
				slog.Warn("permission denied",
					slog.String("user_id", p.UserID),
					slog.String("role", string(p.Role)),
					slog.String("operation", operation),
				)
				middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError(operation))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
