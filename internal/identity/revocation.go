package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// DefaultRevocationChannel はセッション失効通知を受け取るPostgreSQLのNOTIFYチャネル名。
const DefaultRevocationChannel = "auth_session_events"

// RevocationHandler は失効通知を受けて該当ユーザーのクライアントを失効させる。
type RevocationHandler interface {
	// RevokeUser は指定ユーザーの全クライアントを失効させ、失効させた件数を返す。
	RevokeUser(ctx context.Context, userID string) int
}

// revocationPayload はNOTIFYのペイロード。
type revocationPayload struct {
	UserID string `json:"user_id"`
	Event  string `json:"event"`
}

// RevocationListener はPostgreSQLのLISTEN/NOTIFYでプロバイダー側のセッション失効を購読する。
// 認証サービスのセッションテーブルに設定したトリガーが、ログアウトや他端末ログインで通知を送る。
type RevocationListener struct {
	databaseURL string
	channel     string
	handler     RevocationHandler
	logger      *slog.Logger

	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
}

// NewRevocationListener はRevocationListenerを生成する。
func NewRevocationListener(databaseURL, channel string, handler RevocationHandler, logger *slog.Logger) *RevocationListener {
	if channel == "" {
		channel = DefaultRevocationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RevocationListener{
		databaseURL:  databaseURL,
		channel:      channel,
		handler:      handler,
		logger:       logger,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		pingInterval: 90 * time.Second,
	}
}

// Run はコンテキストがキャンセルされるまで通知を受信し続ける。
func (l *RevocationListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.databaseURL, l.minReconnect, l.maxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				l.logger.Warn("revocation listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}

	l.logger.Info("revocation listener started", slog.String("channel", l.channel))

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("revocation listener stopped")
			return nil
		case n := <-listener.Notify:
			// 再接続直後はnilが届く。再接続中に失われた通知は次回のリフレッシュで拒否されて検出される。
			if n == nil {
				continue
			}
			l.HandlePayload(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("revocation listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// HandlePayload は1件の通知ペイロードを処理する。
// 失効系イベント（revoked, signed_out, user_deleted）のみを扱い、それ以外は無視する。
func (l *RevocationListener) HandlePayload(ctx context.Context, payload string) {
	var p revocationPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		l.logger.Warn("invalid revocation payload", slog.String("error", err.Error()))
		return
	}
	if p.UserID == "" {
		return
	}

	switch p.Event {
	case "revoked", "signed_out", "user_deleted":
	default:
		return
	}

	n := l.handler.RevokeUser(ctx, p.UserID)
	l.logger.Info("session revocation applied",
		slog.String("user_id", p.UserID),
		slog.String("event", p.Event),
		slog.Int("clients", n),
	)
}
