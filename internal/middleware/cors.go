package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// NewCORSMiddleware は指定されたオリジンに対するCORSミドルウェアを返す。
// credentials送信と共存するため、ワイルドカード(*)は使用しない。
// allowedOriginが空の場合はクロスオリジンを一切許可しない。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	allowed := func(_ *http.Request, origin string) bool {
		return allowedOrigin != "" && origin == allowedOrigin
	}
	return cors.Handler(cors.Options{
		AllowOriginFunc:  allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", csrfHeaderName},
		AllowCredentials: true,
		MaxAge:           86400,
	})
}
