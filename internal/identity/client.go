package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/storage"
)

// refreshLeeway は期限切れ前にトークンを更新する猶予。
const refreshLeeway = 30 * time.Second

// AuthAPI はClientが利用する認証サービスの操作。*APIが実装する。
type AuthAPI interface {
	PasswordGrant(ctx context.Context, email, password string) (*Token, error)
	RefreshGrant(ctx context.Context, refreshToken string) (*Token, error)
	VerifyAccessToken(ctx context.Context, accessToken string) (*model.Identity, error)
	Logout(ctx context.Context, accessToken string) error
}

// Client はブラウザ1台分の認証セッションを管理する。
// トークンはローカルストレージに保存し、状態が変わるたびに購読者へ通知する。
type Client struct {
	api    AuthAPI
	store  storage.Local
	logger *slog.Logger
	now    func() time.Time

	// tokenMu はトークンの読み書きとリフレッシュを直列化する。
	tokenMu sync.Mutex

	subMu  sync.Mutex
	subs   []subscriber
	nextID uint64

	// 通知キュー。配信中のゴルーチンが後続イベントもまとめて順番に配信する。
	queueMu    sync.Mutex
	queue      []model.SessionEvent
	delivering bool
}

type subscriber struct {
	id uint64
	fn func(model.SessionEvent)
}

// NewClient はClientを生成する。loggerがnilの場合はslog.Default()を使用する。
func NewClient(api AuthAPI, store storage.Local, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    api,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SignIn はメールアドレスとパスワードでサインインする。
// 成功するとトークンを保存し、signed_inイベントを通知する。
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	c.tokenMu.Lock()
	tok, err := c.api.PasswordGrant(ctx, email, password)
	if err != nil {
		c.tokenMu.Unlock()
		return nil, err
	}
	if err := c.saveToken(ctx, tok); err != nil {
		c.tokenMu.Unlock()
		return nil, err
	}
	c.tokenMu.Unlock()

	ident := tok.User
	c.logger.Info("identity signed in", slog.String("user_id", ident.ID))
	c.emit(model.SessionEvent{Kind: model.SessionEventSignedIn, Identity: &ident})
	return &ident, nil
}

// GetCurrentSession は保存済みトークンから現在のセッションを返す。
// セッションがない場合はnil, nilを返す。期限切れのトークンはリフレッシュする。
// プロバイダーがトークンを拒否した場合はトークンを破棄してrevokedを通知し、nilを返す。
// 通信エラーはそのまま返す（呼び出し側で未認証として扱う）。
func (c *Client) GetCurrentSession(ctx context.Context) (*model.Identity, error) {
	c.tokenMu.Lock()
	ident, ev, err := c.currentSessionLocked(ctx)
	c.tokenMu.Unlock()

	if ev != nil {
		c.emit(*ev)
	}
	return ident, err
}

func (c *Client) currentSessionLocked(ctx context.Context) (*model.Identity, *model.SessionEvent, error) {
	tok, err := c.loadToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	if tok == nil {
		return nil, nil, nil
	}

	if !tok.Expired(c.now(), refreshLeeway) {
		ident, err := c.api.VerifyAccessToken(ctx, tok.AccessToken)
		switch {
		case err == nil:
			return ident, nil, nil
		case errors.Is(err, ErrTokenExpired):
			// 保存していた期限とトークン自体の期限がずれている場合はリフレッシュに進む
		case errors.Is(err, ErrSessionRevoked):
			return nil, c.dropTokenLocked(ctx, err), nil
		default:
			return nil, nil, err
		}
	}

	refreshed, err := c.api.RefreshGrant(ctx, tok.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrSessionRevoked) {
			return nil, c.dropTokenLocked(ctx, err), nil
		}
		return nil, nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	if err := c.saveToken(ctx, refreshed); err != nil {
		return nil, nil, err
	}

	ident := refreshed.User
	c.logger.Info("identity token refreshed", slog.String("user_id", ident.ID))
	return &ident, &model.SessionEvent{Kind: model.SessionEventTokenRefreshed, Identity: &ident}, nil
}

// SignOut はプロバイダー側のセッションを無効化し、保存済みトークンを破棄する。
// リモート呼び出しに失敗してもローカルのトークンは必ず破棄し、エラーを返す。
// 既にセッションがない場合は何もしない。
func (c *Client) SignOut(ctx context.Context) error {
	c.tokenMu.Lock()
	tok, err := c.loadToken(ctx)
	if err != nil {
		c.tokenMu.Unlock()
		return err
	}
	if tok == nil {
		c.tokenMu.Unlock()
		return nil
	}

	remoteErr := c.api.Logout(ctx, tok.AccessToken)
	if err := c.store.Remove(ctx, storage.KeyAuthToken); err != nil {
		c.logger.Error("failed to remove auth token", slog.String("error", err.Error()))
	}
	c.tokenMu.Unlock()

	c.emit(model.SessionEvent{Kind: model.SessionEventSignedOut})
	if remoteErr != nil {
		return fmt.Errorf("failed to invalidate remote session: %w", remoteErr)
	}
	return nil
}

// Revoke は外部からのセッション失効を反映する。
// 他端末でのログインや管理者による無効化の通知を受けた場合に呼ばれる。
func (c *Client) Revoke(ctx context.Context) {
	c.tokenMu.Lock()
	tok, err := c.loadToken(ctx)
	if err != nil || tok == nil {
		c.tokenMu.Unlock()
		return
	}
	ev := c.dropTokenLocked(ctx, ErrSessionRevoked)
	c.tokenMu.Unlock()

	c.emit(*ev)
}

// OnSessionChange はセッション変更の購読を登録する。
// イベントは発生順に1件ずつ配信される。返り値の関数で購読を解除する（複数回呼んでもよい）。
func (c *Client) OnSessionChange(fn func(model.SessionEvent)) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscriberCount は現在の購読者数を返す。テスト用。
func (c *Client) SubscriberCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

// emit はイベントをキューに積み、配信中のゴルーチンがなければ自ら配信する。
// 購読者のコールバック内から再びemitされても、再入せずキューの末尾に積まれる。
func (c *Client) emit(ev model.SessionEvent) {
	c.queueMu.Lock()
	c.queue = append(c.queue, ev)
	if c.delivering {
		c.queueMu.Unlock()
		return
	}
	c.delivering = true

	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.subMu.Lock()
		subs := make([]subscriber, len(c.subs))
		copy(subs, c.subs)
		c.subMu.Unlock()

		for _, s := range subs {
			s.fn(next)
		}

		c.queueMu.Lock()
	}

	c.delivering = false
	c.queueMu.Unlock()
}

// dropTokenLocked は保存済みトークンを破棄し、revokedイベントを返す。tokenMuを保持して呼ぶこと。
func (c *Client) dropTokenLocked(ctx context.Context, cause error) *model.SessionEvent {
	if err := c.store.Remove(ctx, storage.KeyAuthToken); err != nil {
		c.logger.Error("failed to remove revoked auth token", slog.String("error", err.Error()))
	}
	c.logger.Warn("identity session revoked", slog.String("cause", cause.Error()))
	return &model.SessionEvent{Kind: model.SessionEventRevoked}
}

func (c *Client) loadToken(ctx context.Context) (*Token, error) {
	raw, ok, err := c.store.Get(ctx, storage.KeyAuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load auth token: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		c.logger.Warn("discarding corrupt auth token", slog.String("error", err.Error()))
		if err := c.store.Remove(ctx, storage.KeyAuthToken); err != nil {
			return nil, fmt.Errorf("failed to remove corrupt auth token: %w", err)
		}
		return nil, nil
	}
	return &tok, nil
}

func (c *Client) saveToken(ctx context.Context, tok *Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode auth token: %w", err)
	}
	if err := storage.Set(ctx, c.store, storage.KeyAuthToken, string(data)); err != nil {
		return fmt.Errorf("failed to save auth token: %w", err)
	}
	return nil
}
