package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, permission, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidLoginForm   = "INVALID_LOGIN_FORM"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInvalidSignal      = "INVALID_ACTIVITY_SIGNAL"
	ErrCodeProviderFailed     = "IDENTITY_PROVIDER_FAILED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialsError は認証情報の誤りを表すエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して、もう一度お試しください。",
	}
}

// NewInvalidLoginFormError はログインフォームの入力不備エラーを生成する。
func NewInvalidLoginFormError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLoginForm,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", field),
		Category: "validation",
		Action:   "メールアドレスとパスワードを入力してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(operation string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作を行う権限がありません: %s", operation),
		Category: "permission",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewInvalidSignalError は未知のアクティビティシグナルを受け取った場合のエラーを生成する。
func NewInvalidSignalError(signal string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignal,
		Message:  fmt.Sprintf("無効なアクティビティシグナルです: %s", signal),
		Category: "validation",
		Action:   "pointer_move、key_press、click、scroll、touch のいずれかを指定してください。",
	}
}

// NewProviderFailedError は認証プロバイダーとの通信失敗エラーを生成する。
func NewProviderFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailed,
		Message:  "認証サービスに接続できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
