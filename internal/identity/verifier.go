package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/laptopinv/internal/model"
)

// ErrTokenExpired はアクセストークンの有効期限切れを示す。
var ErrTokenExpired = errors.New("access token expired")

// accessClaims はホスト型認証サービスが発行するアクセストークンのクレーム。
type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TokenVerifier はHS256で署名されたアクセストークンをローカルで検証する。
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenVerifier はTokenVerifierを生成する。nowはexp検証に使用する時刻関数。
func NewTokenVerifier(secret string, now func() time.Time) *TokenVerifier {
	if now == nil {
		now = time.Now
	}
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(now),
		),
	}
}

// Verify はトークンの署名と有効期限を検証し、Identityを返す。
// 期限切れはErrTokenExpired、それ以外の検証失敗はErrSessionRevokedとしてラップする。
func (v *TokenVerifier) Verify(accessToken string) (*model.Identity, error) {
	claims := &accessClaims{}
	_, err := v.parser.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionRevoked, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrSessionRevoked)
	}
	if claims.Role == "anon" {
		return nil, fmt.Errorf("%w: anonymous token", ErrSessionRevoked)
	}

	return &model.Identity{ID: claims.Subject, Email: claims.Email}, nil
}
