// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/authcore/internal/model"
)

// AccountRepository はアカウントデータの永続化インターフェース。
// 検索系メソッドは該当なしの場合 nil, nil を返す。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByLogin はログイン名（小文字化済み）でアカウントを検索する。
	FindByLogin(ctx context.Context, login string) (*model.Account, error)

	// FindByEmail はメールアドレス（小文字化済み）でアカウントを検索する。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// FindByActivationKey は有効化キーでアカウントを検索する。
	FindByActivationKey(ctx context.Context, key string) (*model.Account, error)

	// FindByResetKey はリセットキーでアカウントを検索する。
	FindByResetKey(ctx context.Context, key string) (*model.Account, error)

	// Create はアカウントを作成する。
	Create(ctx context.Context, account *model.Account) error

	// Update はアカウントの全項目を上書き更新する。
	Update(ctx context.Context, account *model.Account) error

	// DeleteByID は指定IDのアカウントを削除する。該当なしはエラーになる。
	DeleteByID(ctx context.Context, id string) error

	// ConsumeActivationKey は key を持つアカウントを有効化し、キーを消去する。
	// 条件付き更新のため、同じキーで成功するのは1回だけ。該当なしは nil を返す。
	ConsumeActivationKey(ctx context.Context, key, modifiedBy string, at time.Time) (*model.Account, error)

	// ConsumeResetKey は reset_date が issuedAfter より後の key を持つアカウントの
	// パスワードハッシュを置き換え、キーとリセット日時を消去する。該当なしは nil を返す。
	ConsumeResetKey(ctx context.Context, key, passwordHash, modifiedBy string, issuedAfter, at time.Time) (*model.Account, error)

	// ListUnactivatedBefore は created_at が cutoff より前で、
	// 有効化キーを持ったまま未有効化のアカウントを返す。
	ListUnactivatedBefore(ctx context.Context, cutoff time.Time) ([]*model.Account, error)

	// ListExcluding は excludedLogin 以外のアカウントをログイン名順にページングして返す。
	ListExcluding(ctx context.Context, excludedLogin string, page model.PageRequest) ([]*model.Account, error)

	// CountExcluding は excludedLogin 以外のアカウント数を返す。
	CountExcluding(ctx context.Context, excludedLogin string) (int, error)
}

// AuthorityRepository は権限マスタの永続化インターフェース。
type AuthorityRepository interface {
	// ListNames は登録済みの権限名を名前順で返す。
	ListNames(ctx context.Context) ([]string, error)
}

// AuditRepository は監査記録の永続化インターフェース。
type AuditRepository interface {
	// Create は監査記録と付随データを同一トランザクションで作成する。
	Create(ctx context.Context, record *model.AuditRecord) error

	// FindByID は指定IDの監査記録を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuditRecord, error)

	// FindByPrincipal は主体ごとの監査記録を日時の新しい順で返す。
	FindByPrincipal(ctx context.Context, principal string) ([]*model.AuditRecord, error)

	// FindAll は監査記録を日時の新しい順にページングして返す。
	FindAll(ctx context.Context, page model.PageRequest) ([]*model.AuditRecord, error)

	// FindByDates は from 以上 to 未満の監査記録をページングして返す。
	FindByDates(ctx context.Context, from, to time.Time, page model.PageRequest) ([]*model.AuditRecord, error)

	// Count は監査記録の総数を返す。
	Count(ctx context.Context) (int, error)

	// CountByDates は from 以上 to 未満の監査記録数を返す。
	CountByDates(ctx context.Context, from, to time.Time) (int, error)

	// ListIDsBefore は日時が cutoff より前の監査記録IDを返す。
	ListIDsBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// DeleteByID は指定IDの監査記録を削除する。付随データはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}
