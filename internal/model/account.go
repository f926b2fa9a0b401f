// Package model はドメインモデルを定義する。
package model

import (
	"slices"
	"strings"
	"time"
)

// 予約済みのログイン名。
const (
	// SystemAccount はバックグラウンド処理や未認証操作の監査フィールドに記録される主体。
	SystemAccount = "system"
	// AnonymousUser は未認証利用者を表すよく知られた主体。監査記録の対象外。
	AnonymousUser = "anonymoususer"
)

// 権限（capability）名。
const (
	AuthorityAdmin     = "ROLE_ADMIN"
	AuthorityUser      = "ROLE_USER"
	AuthorityAnonymous = "ROLE_ANONYMOUS"
)

// DefaultLangKey は言語キー未指定時の既定値。
const DefaultLangKey = "en"

// Account は認証情報ストアに永続化されるアカウントを表す。
// Login と Email は書き込み時に小文字へ正規化される。
type Account struct {
	ID           string
	Login        string
	PasswordHash string
	FirstName    string
	LastName     string
	Email        string
	ImageURL     string
	LangKey      string
	Activated    bool

	// ActivationKey は有効化待ちの間だけ設定される。
	ActivationKey *string
	// ResetKey と ResetDate はパスワードリセット要求が未消費の間だけ設定される。
	ResetKey  *string
	ResetDate *time.Time

	Authorities []string

	CreatedBy      string
	CreatedAt      time.Time
	LastModifiedBy string
	LastModifiedAt time.Time
}

// NormalizeLogin はログイン名を保存形式（小文字）に変換する。
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// NormalizeEmail はメールアドレスを保存形式（小文字）に変換する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasAuthority はアカウントが指定権限を持つかを返す。
func (a *Account) HasAuthority(name string) bool {
	return slices.Contains(a.Authorities, name)
}

// PendingActivation は有効化キーが発行済みで未有効化の状態かを返す。
func (a *Account) PendingActivation() bool {
	return !a.Activated && a.ActivationKey != nil
}

// Principal はトークンから解決された呼び出し元の識別情報。
// リクエストごとに生成され、他のリクエストと共有されない。
type Principal struct {
	Login       string
	Authorities []string
	// Token は資格情報として保持する生のトークン文字列。
	Token string
}

// HasAuthority は主体が指定権限を持つかを返す。
func (p *Principal) HasAuthority(name string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Authorities, name)
}

// PageRequest はページ番号（0始まり）とページサイズによるページング指定。
type PageRequest struct {
	Page int
	Size int
}

// 既定ページサイズと上限。
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize は範囲外の値を既定値・上限に丸めたPageRequestを返す。
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset はSQLのOFFSET値を返す。
func (p PageRequest) Offset() int {
	n := p.Normalize()
	return n.Page * n.Size
}

// Limit はSQLのLIMIT値を返す。
func (p PageRequest) Limit() int {
	return p.Normalize().Size
}
