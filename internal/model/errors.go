// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, account, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorKind は認証情報ライフサイクルの失敗分類。
type ErrorKind string

const (
	KindInvalidToken          ErrorKind = "invalid_token"
	KindNotFound              ErrorKind = "not_found"
	KindAlreadyUsed           ErrorKind = "already_used"
	KindExpired               ErrorKind = "expired"
	KindAuthorizationMismatch ErrorKind = "authorization_mismatch"
	KindBadCredentials        ErrorKind = "bad_credentials"
	KindNotActivated          ErrorKind = "not_activated"
	KindInvalidInput          ErrorKind = "invalid_input"
)

// CredentialError は型付きの失敗を表す。
// Field は衝突・未検出の対象（login, email, key など）を示す。
type CredentialError struct {
	Kind    ErrorKind
	Field   string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *CredentialError) Error() string {
	return e.Message
}

// 定義済みの失敗。errors.Is で比較する。
var (
	ErrInvalidToken = &CredentialError{Kind: KindInvalidToken, Field: "token", Message: "invalid token"}

	ErrAccountNotFound       = &CredentialError{Kind: KindNotFound, Field: "login", Message: "account not found"}
	ErrEmailNotFound         = &CredentialError{Kind: KindNotFound, Field: "email", Message: "no activated account for email"}
	ErrActivationKeyNotFound = &CredentialError{Kind: KindNotFound, Field: "activation_key", Message: "no account for activation key"}
	ErrResetKeyNotFound      = &CredentialError{Kind: KindNotFound, Field: "reset_key", Message: "no account for reset key"}
	ErrAuditRecordNotFound   = &CredentialError{Kind: KindNotFound, Field: "audit_id", Message: "audit record not found"}

	ErrLoginAlreadyUsed = &CredentialError{Kind: KindAlreadyUsed, Field: "login", Message: "login name already used"}
	ErrEmailAlreadyUsed = &CredentialError{Kind: KindAlreadyUsed, Field: "email", Message: "email is already in use"}

	ErrResetKeyExpired = &CredentialError{Kind: KindExpired, Field: "reset_key", Message: "reset key expired"}

	ErrInvalidPassword = &CredentialError{Kind: KindAuthorizationMismatch, Field: "password", Message: "incorrect password"}

	ErrBadCredentials      = &CredentialError{Kind: KindBadCredentials, Field: "credentials", Message: "bad credentials"}
	ErrAccountNotActivated = &CredentialError{Kind: KindNotActivated, Field: "login", Message: "account was not activated"}

	ErrInvalidPasswordLength = &CredentialError{Kind: KindInvalidInput, Field: "password", Message: "password length must be between 4 and 100"}
	ErrLoginRequired         = &CredentialError{Kind: KindInvalidInput, Field: "login", Message: "empty login not allowed"}
	ErrUnknownAuthority      = &CredentialError{Kind: KindInvalidInput, Field: "authorities", Message: "unknown authority"}
)

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeBadCredentials   = "BAD_CREDENTIALS"
	ErrCodeNotActivated     = "ACCOUNT_NOT_ACTIVATED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeLoginAlreadyUsed = "LOGIN_ALREADY_USED"
	ErrCodeEmailAlreadyUsed = "EMAIL_ALREADY_USED"
	ErrCodeKeyExpired       = "KEY_EXPIRED"
	ErrCodeInvalidPassword  = "INVALID_PASSWORD"
	ErrCodeInvalidInput     = "INVALID_INPUT"
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

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewBadCredentialsError はログイン失敗エラーを生成する。
// ユーザーの存在有無は区別しない。
func NewBadCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeBadCredentials,
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewNotActivatedError は未有効化アカウントのログインエラーを生成する。
func NewNotActivatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotActivated,
		Message:  "アカウントが有効化されていません。",
		Category: "auth",
		Action:   "登録時に送信された有効化リンクを開いてください。",
	}
}

// NewNotFoundError は対象未検出エラーを生成する。
func NewNotFoundError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("対象が見つかりません: %s", field),
		Category: "account",
		Action:   "入力内容を確認してください。",
	}
}

// NewAlreadyUsedError はログイン名・メールアドレスの重複エラーを生成する。
func NewAlreadyUsedError(field string) *APIError {
	code := ErrCodeLoginAlreadyUsed
	message := "ログイン名は既に使用されています。"
	if field == "email" {
		code = ErrCodeEmailAlreadyUsed
		message = "メールアドレスは既に使用されています。"
	}
	return &APIError{
		Code:     code,
		Message:  message,
		Category: "account",
		Action:   "別の値を指定してください。",
	}
}

// NewKeyExpiredError はリセットキー期限切れエラーを生成する。
func NewKeyExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeKeyExpired,
		Message:  "リセットキーの有効期限が切れています。",
		Category: "account",
		Action:   "パスワードリセットを再度要求してください。",
	}
}

// NewInvalidPasswordError は現在のパスワード不一致エラーを生成する。
func NewInvalidPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPassword,
		Message:  "現在のパスワードが正しくありません。",
		Category: "auth",
		Action:   "現在のパスワードを確認してください。",
	}
}

// NewInvalidInputError は入力値エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
