package model

// SessionState は現在の認証状態を表す。
// IsAuthenticatedはIdentityの有無から導出され、独立して設定されることはない。
type SessionState struct {
	Identity        *Identity
	IsAuthenticated bool
	IsLoading       bool
}

// LoadingState は起動直後の復元待ち状態を返す。
func LoadingState() SessionState {
	return SessionState{IsLoading: true}
}

// StateFor はIdentityからロード完了後のSessionStateを生成する。
// identityがnilの場合は未認証状態になる。
func StateFor(identity *Identity) SessionState {
	if identity == nil {
		return SessionState{}
	}
	id := *identity
	return SessionState{
		Identity:        &id,
		IsAuthenticated: true,
	}
}

// UserID は認証済みの場合にユーザーIDを返す。未認証の場合は空文字列を返す。
func (s SessionState) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

// EndReason はセッションが終了した理由を表す。
// ログイン画面でユーザーに理由を表示するために使用する。
type EndReason string

const (
	// EndReasonNone は理由なし（通常のリダイレクト）。
	EndReasonNone EndReason = ""
	// EndReasonLogout はユーザー操作によるログアウト。
	EndReasonLogout EndReason = "logout"
	// EndReasonIdleTimeout は無操作タイムアウトによる自動ログアウト。
	EndReasonIdleTimeout EndReason = "idle_timeout"
	// EndReasonRevoked はプロバイダーによるセッション失効（他端末でのログイン等）。
	EndReasonRevoked EndReason = "revoked"
)

// ParseEndReason はクエリ文字列などからEndReasonを復元する。未知の値はEndReasonNoneを返す。
func ParseEndReason(s string) EndReason {
	switch EndReason(s) {
	case EndReasonLogout, EndReasonIdleTimeout, EndReasonRevoked:
		return EndReason(s)
	default:
		return EndReasonNone
	}
}

// Message はログイン画面に表示する説明文を返す。
func (r EndReason) Message() string {
	switch r {
	case EndReasonLogout:
		return "ログアウトしました。"
	case EndReasonIdleTimeout:
		return "一定時間操作がなかったため、セキュリティのため自動的にログアウトしました。"
	case EndReasonRevoked:
		return "セッションが無効になりました。もう一度ログインしてください。"
	default:
		return ""
	}
}

// SessionEventKind はIdentity Providerが通知するセッション変更の種類。
type SessionEventKind string

const (
	// SessionEventSignedIn はログイン完了。
	SessionEventSignedIn SessionEventKind = "signed_in"
	// SessionEventSignedOut はログアウト完了。
	SessionEventSignedOut SessionEventKind = "signed_out"
	// SessionEventTokenRefreshed はアクセストークンの更新。
	SessionEventTokenRefreshed SessionEventKind = "token_refreshed"
	// SessionEventRevoked はプロバイダー側でのセッション失効。
	SessionEventRevoked SessionEventKind = "revoked"
)

// SessionEvent はIdentity Providerからの変更通知を表す。
// Identityがnilの場合はセッションが存在しないことを示す。
type SessionEvent struct {
	Kind     SessionEventKind
	Identity *Identity
}
