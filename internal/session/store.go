// Package session はブラウザ1台分の認証状態（Session Store）を管理する。
//
// Storeは認証状態の唯一の正本で、IsAuthenticatedはIdentityの有無から導出される。
// ルートガード、無操作監視、画面表示はすべてStoreの状態を参照する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/laptopinv/internal/model"
	"github.com/hitoshi/laptopinv/internal/storage"
)

// DefaultLoginPath はセッション終了時のリダイレクト先。
const DefaultLoginPath = "/login"

// Provider はStoreが利用するIdentity Providerの操作。*identity.Clientが実装する。
type Provider interface {
	GetCurrentSession(ctx context.Context) (*model.Identity, error)
	SignOut(ctx context.Context) error
	OnSessionChange(fn func(model.SessionEvent)) (unsubscribe func())
}

// Navigator はセッション終了時のハードリダイレクトを受け付ける。
type Navigator interface {
	Redirect(path string, reason model.EndReason)
}

// Recorder はセッションのライフサイクルを記録する。metrics.Collectorが実装する。
type Recorder interface {
	SessionRestored(authenticated bool)
	SessionEnded(reason model.EndReason)
}

// Options はStoreの任意設定。
type Options struct {
	Logger    *slog.Logger
	LoginPath string
	Recorder  Recorder
}

type listener struct {
	id uint64
	fn func(model.SessionState)
}

// Store は認証状態を保持し、変更を購読者へ通知する。
type Store struct {
	provider  Provider
	storage   storage.Local
	navigator Navigator
	recorder  Recorder
	logger    *slog.Logger
	loginPath string

	mu            sync.Mutex
	state         model.SessionState
	eventSeq      uint64
	closed        bool
	listeners     []listener
	nextID        uint64
	providerUnsub func()

	// 通知キュー。状態の適用順と購読者への配信順を一致させる。
	pubMu      sync.Mutex
	pending    []model.SessionState
	publishing bool
}

// NewStore はロード中状態のStoreを生成する。
func NewStore(provider Provider, local storage.Local, navigator Navigator, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loginPath := opts.LoginPath
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	return &Store{
		provider:  provider,
		storage:   local,
		navigator: navigator,
		recorder:  opts.Recorder,
		logger:    logger,
		loginPath: loginPath,
		state:     model.LoadingState(),
	}
}

// State は現在の状態のコピーを返す。
func (s *Store) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Restore はIdentity Providerに現在のセッションを問い合わせ、状態とスナップショットを更新する。
// プロバイダーのエラーはセッションなしとして扱い（fail-closed）、エラーを返す。
// 問い合わせ中にプロバイダーからイベントが届いた場合は、そちらを新しい状態として優先する。
func (s *Store) Restore(ctx context.Context) error {
	s.mu.Lock()
	seq := s.eventSeq
	s.mu.Unlock()

	ident, restoreErr := s.provider.GetCurrentSession(ctx)
	if restoreErr != nil {
		s.logger.Error("failed to restore session",
			slog.String("error", restoreErr.Error()),
		)
		ident = nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.eventSeq != seq {
		// 新しいイベントが既に適用済み。ロード中であればそれだけ終わらせる
		changed := s.state.IsLoading
		s.state.IsLoading = false
		next := copyState(s.state)
		s.mu.Unlock()
		if s.recorder != nil {
			s.recorder.SessionRestored(next.IsAuthenticated)
		}
		if changed {
			s.publish(next)
		}
		return wrapRestoreErr(restoreErr)
	}
	prev := s.state
	s.state = model.StateFor(ident)
	next := copyState(s.state)
	s.mu.Unlock()

	s.persist(ctx, ident)
	if s.recorder != nil {
		s.recorder.SessionRestored(next.IsAuthenticated)
	}
	if !sameState(prev, next) {
		s.publish(next)
	}
	return wrapRestoreErr(restoreErr)
}

func wrapRestoreErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to restore session: %w", err)
}

// Subscribe は状態変更の購読を登録する。
// 最初の購読者が登録された時点でプロバイダーの変更通知を購読し、最後の購読者が解除されると購読を外す。
// 返り値の関数は複数回呼んでもよい。
func (s *Store) Subscribe(fn func(model.SessionState)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	if s.providerUnsub == nil && !s.closed {
		s.providerUnsub = s.provider.OnSessionChange(s.handleEvent)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			break
		}
	}
	var detach func()
	if len(s.listeners) == 0 {
		detach = s.providerUnsub
		s.providerUnsub = nil
	}
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// ListenerCount は現在の購読者数を返す。
func (s *Store) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// handleEvent はプロバイダーからの変更通知を適用する。
// 各イベントは状態を丸ごと置き換える。認証中にIdentityなしのイベントが届いた場合は失効として扱う。
func (s *Store) handleEvent(ev model.SessionEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.eventSeq++
	prev := s.state
	s.state = model.StateFor(ev.Identity)
	next := copyState(s.state)
	s.mu.Unlock()

	ctx := context.Background()
	if ev.Identity == nil && prev.IsAuthenticated {
		s.logger.Warn("session revoked by identity provider",
			slog.String("user_id", prev.UserID()),
			slog.String("event", string(ev.Kind)),
		)
		s.finish(ctx, next, model.EndReasonRevoked)
		return
	}

	s.persist(ctx, ev.Identity)
	if !sameState(prev, next) {
		s.publish(next)
	}
}

// WriteIfCurrent はuserIDのユーザーで認証中の場合に限りfnを実行し、実行したかどうかを返す。
// fnの実行中は状態が変わらないため、セッション終了時の全消去より後にfnの書き込みが残ることはない。
// fnの中からStoreのメソッドを呼んではならない。
func (s *Store) WriteIfCurrent(userID string, fn func() error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.state.IsAuthenticated || s.state.UserID() != userID {
		return false, nil
	}
	return true, fn()
}

// Logout はユーザー操作でセッションを終了する。
func (s *Store) Logout(ctx context.Context) error {
	return s.End(ctx, model.EndReasonLogout)
}

// End はセッションを終了し、理由付きでログイン画面へリダイレクトする。
// ローカルの状態を先に未認証にしてからプロバイダーのサインアウトを試みる。
// サインアウトの失敗はログに記録するだけで終了処理は止めない。未認証の場合は何もしない。
func (s *Store) End(ctx context.Context, reason model.EndReason) error {
	s.mu.Lock()
	if s.closed || !s.state.IsAuthenticated {
		s.mu.Unlock()
		return nil
	}
	userID := s.state.UserID()
	s.state = model.StateFor(nil)
	next := copyState(s.state)
	s.mu.Unlock()

	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn("remote sign out failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("session ended",
		slog.String("user_id", userID),
		slog.String("reason", string(reason)),
	)
	s.finish(ctx, next, reason)
	return nil
}

// finish はストレージを全消去し、購読者に通知してからリダイレクトを記録する。
func (s *Store) finish(ctx context.Context, next model.SessionState, reason model.EndReason) {
	if err := s.storage.Clear(ctx); err != nil {
		s.logger.Error("failed to clear client storage", slog.String("error", err.Error()))
	}
	s.publish(next)
	if s.recorder != nil {
		s.recorder.SessionEnded(reason)
	}
	if s.navigator != nil {
		s.navigator.Redirect(s.loginPath, reason)
	}
}

// Close はStoreを破棄する。以降に届いたRestoreの結果やプロバイダーのイベントは無視される。
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listeners = nil
	detach := s.providerUnsub
	s.providerUnsub = nil
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// persist は認証状態をスナップショットに反映する。
// 同じユーザーのキャッシュ済みプロファイルは保持し、それ以外はロールなしの最小レコードを書き込む。
func (s *Store) persist(ctx context.Context, ident *model.Identity) {
	if ident == nil {
		if err := storage.ClearProfile(ctx, s.storage); err != nil {
			s.logger.Error("failed to clear persisted identity", slog.String("error", err.Error()))
		}
		return
	}

	cached, err := storage.LoadProfile(ctx, s.storage)
	if err != nil {
		s.logger.Error("failed to read persisted identity", slog.String("error", err.Error()))
	}
	if cached != nil && cached.UserID == ident.ID {
		return
	}
	if err := storage.SaveProfile(ctx, s.storage, model.Anonymous(*ident)); err != nil {
		s.logger.Error("failed to persist identity", slog.String("error", err.Error()))
	}
}

// publish は状態をキューに積み、配信中でなければ購読者へ順番に配信する。
func (s *Store) publish(state model.SessionState) {
	s.pubMu.Lock()
	s.pending = append(s.pending, state)
	if s.publishing {
		s.pubMu.Unlock()
		return
	}
	s.publishing = true

	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.pubMu.Unlock()

		s.mu.Lock()
		ls := make([]listener, len(s.listeners))
		copy(ls, s.listeners)
		s.mu.Unlock()

		for _, l := range ls {
			l.fn(copyState(next))
		}

		s.pubMu.Lock()
	}

	s.publishing = false
	s.pubMu.Unlock()
}

func copyState(st model.SessionState) model.SessionState {
	if st.Identity != nil {
		id := *st.Identity
		st.Identity = &id
	}
	return st
}

func sameState(a, b model.SessionState) bool {
	if a.IsAuthenticated != b.IsAuthenticated || a.IsLoading != b.IsLoading {
		return false
	}
	if a.Identity == nil || b.Identity == nil {
		return a.Identity == nil && b.Identity == nil
	}
	return *a.Identity == *b.Identity
}
