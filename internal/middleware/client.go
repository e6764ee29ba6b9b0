// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/laptopinv/internal/client"
)

// ClientCookieName はブラウザを識別するCookieの名前。
const ClientCookieName = "client_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// RuntimeProvider はクライアントIDに対応するランタイムを返す。*client.Registryが実装する。
type RuntimeProvider interface {
	Get(ctx context.Context, clientID string) *client.Runtime
	Lookup(clientID string) (*client.Runtime, bool)
}

// ClientAdmission は新しいクライアントランタイムの生成を許可するかを判定する。*RateLimiterが実装する。
// 拒否する場合はレスポンスを書き込んでfalseを返す。
type ClientAdmission interface {
	AdmitNewClient(w http.ResponseWriter, r *http.Request) bool
}

// ClientCookieConfig はclient_id Cookieの設定。
// Admissionがnilの場合はランタイムの生成を制限しない。
type ClientCookieConfig struct {
	Secure    bool
	Domain    string
	MaxAge    time.Duration
	Admission ClientAdmission
}

// NewClientMiddleware はclient_id Cookieでブラウザを識別し、
// 対応するクライアントランタイムをリクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない、またはUUIDとして不正な場合は新しいIDを払い出す。
// ランタイムが存在しないIDはAdmissionの判定を通ってから生成する。
func NewClientMiddleware(provider RuntimeProvider, config ClientCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if cookie, err := r.Cookie(ClientCookieName); err == nil {
				if id, err := uuid.Parse(cookie.Value); err == nil {
					clientID = id.String()
				}
			}

			if clientID != "" {
				if rt, ok := provider.Lookup(clientID); ok {
					next.ServeHTTP(w, r.WithContext(client.NewContext(r.Context(), rt)))
					return
				}
			}

			if config.Admission != nil && !config.Admission.AdmitNewClient(w, r) {
				return
			}

			if clientID == "" {
				clientID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     ClientCookieName,
					Value:    clientID,
					Path:     "/",
					Domain:   config.Domain,
					MaxAge:   int(config.MaxAge.Seconds()),
					HttpOnly: true,
					Secure:   config.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			rt := provider.Get(r.Context(), clientID)
			ctx := client.NewContext(r.Context(), rt)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ルートガードを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// ロギングミドルウェアの配下であればリクエストログにも反映される。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	SetLogUserID(ctx, userID)
	return context.WithValue(ctx, userIDContextKey, userID)
}
