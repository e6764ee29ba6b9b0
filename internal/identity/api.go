// Package identity はホスト型認証サービス（Identity Provider）との連携を提供する。
//
// APIは全クライアントで共有するステートレスなRESTクライアントで、Clientは
// ブラウザ1台分のトークンを保持しセッション変更を通知する。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/laptopinv/internal/model"
)

var (
	// ErrInvalidCredentials はメールアドレスまたはパスワードが誤っている場合に返される。
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrSessionRevoked はトークンがプロバイダーに拒否された（失効・期限切れ）場合に返される。
	ErrSessionRevoked = errors.New("session revoked")
	// ErrProviderUnavailable はプロバイダーとの通信に失敗した場合に返される。
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

const defaultHTTPTimeout = 10 * time.Second

// APIConfig はホスト型認証サービスへの接続設定。
type APIConfig struct {
	// BaseURL はプロジェクトのURL（例: https://xyz.supabase.co）。
	BaseURL string
	// AnonKey はapikeyヘッダーに付与する公開キー。
	AnonKey string
	// JWTSecret が設定されている場合、アクセストークンをローカルで検証する。
	JWTSecret string

	// テスト用にオーバーライド可能
	HTTPClient *http.Client
	Now        func() time.Time
}

// API は認証サービスのRESTエンドポイントを呼び出すクライアント。
type API struct {
	config   APIConfig
	http     *http.Client
	verifier *TokenVerifier
	now      func() time.Time
}

// NewAPI はAPIを生成する。
func NewAPI(config APIConfig) *API {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	a := &API{config: config, http: client, now: now}
	if config.JWTSecret != "" {
		a.verifier = NewTokenVerifier(config.JWTSecret, now)
	}
	return a
}

// Token はプロバイダーが発行したトークン一式を表す。ローカルストレージにJSONで保存される。
type Token struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresAt    time.Time      `json:"expires_at"`
	User         model.Identity `json:"user"`
}

// Expired はnow時点でleewayを含めてトークンが期限切れかどうかを返す。
func (t *Token) Expired(now time.Time, leeway time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(leeway))
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         userResponse `json:"user"`
}

// userResponse はユーザー情報エンドポイントのレスポンス。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// PasswordGrant はメールアドレスとパスワードでサインインし、トークンを取得する。
func (a *API) PasswordGrant(ctx context.Context, email, password string) (*Token, error) {
	body := map[string]string{"email": email, "password": password}
	tok, status, err := a.tokenRequest(ctx, "password", body)
	if err != nil {
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return tok, nil
}

// RefreshGrant はリフレッシュトークンで新しいトークンを取得する。
// プロバイダーがリフレッシュトークンを拒否した場合はErrSessionRevokedを返す。
func (a *API) RefreshGrant(ctx context.Context, refreshToken string) (*Token, error) {
	body := map[string]string{"refresh_token": refreshToken}
	tok, status, err := a.tokenRequest(ctx, "refresh_token", body)
	if err != nil {
		if status >= 400 && status < 500 {
			return nil, fmt.Errorf("%w: refresh rejected with status %d", ErrSessionRevoked, status)
		}
		return nil, err
	}
	return tok, nil
}

// GetUser はアクセストークンに対応するユーザーを取得する。
func (a *API) GetUser(ctx context.Context, accessToken string) (*model.Identity, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/auth/v1/user", nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, status, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: user lookup returned status %d", ErrSessionRevoked, status)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: user lookup failed with status %d: %s", ErrProviderUnavailable, status, string(body))
	}

	var u userResponse
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("empty id in user response")
	}
	return &model.Identity{ID: u.ID, Email: u.Email}, nil
}

// VerifyAccessToken はアクセストークンを検証してIdentityを返す。
// JWTSecretが設定されていればローカル検証し、未設定なら/userエンドポイントに問い合わせる。
func (a *API) VerifyAccessToken(ctx context.Context, accessToken string) (*model.Identity, error) {
	if a.verifier != nil {
		return a.verifier.Verify(accessToken)
	}
	return a.GetUser(ctx, accessToken)
}

// Logout はプロバイダー側のセッションを無効化する。
// 既に無効なトークンに対する401/404は成功として扱う。
func (a *API) Logout(ctx context.Context, accessToken string) error {
	req, err := a.newRequest(ctx, http.MethodPost, "/auth/v1/logout", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, status, err := a.do(req)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("%w: logout failed with status %d: %s", ErrProviderUnavailable, status, string(body))
	}
}

// tokenRequest はトークンエンドポイントを呼び出す。
// エラー時もHTTPステータスを返し、呼び出し側でエラー種別を判定できるようにする。
func (a *API) tokenRequest(ctx context.Context, grantType string, payload map[string]string) (*Token, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode token request: %w", err)
	}

	q := url.Values{"grant_type": {grantType}}
	req, err := a.newRequest(ctx, http.MethodPost, "/auth/v1/token", q, bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := a.do(req)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK {
		return nil, status, fmt.Errorf("%w: token request (%s) failed with status %d: %s", ErrProviderUnavailable, grantType, status, string(body))
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, status, fmt.Errorf("failed to parse token response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, status, fmt.Errorf("empty access token in response")
	}
	if resp.User.ID == "" {
		return nil, status, fmt.Errorf("empty user id in token response")
	}

	expiresAt := a.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.ExpiresAt > 0 {
		expiresAt = time.Unix(resp.ExpiresAt, 0)
	}

	return &Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         model.Identity{ID: resp.User.ID, Email: resp.User.Email},
	}, status, nil
}

func (a *API) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := a.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", a.config.AnonKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do はリクエストを送信しレスポンスボディとステータスを返す。
// 通信エラーはErrProviderUnavailableでラップする。
func (a *API) do(req *http.Request) ([]byte, int, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: failed to read response: %v", ErrProviderUnavailable, err)
	}
	return body, resp.StatusCode, nil
}
