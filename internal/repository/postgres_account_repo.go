package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/authcore/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `id, login, password_hash, first_name, last_name, email, image_url, lang_key,
	activated, activation_key, reset_key, reset_date, authorities,
	created_by, created_at, last_modified_by, last_modified_at`

// rowScanner は *sql.Row と *sql.Rows の共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var activationKey, resetKey sql.NullString
	var resetDate sql.NullTime
	var authorities pq.StringArray

	err := row.Scan(
		&a.ID, &a.Login, &a.PasswordHash, &a.FirstName, &a.LastName, &a.Email, &a.ImageURL, &a.LangKey,
		&a.Activated, &activationKey, &resetKey, &resetDate, &authorities,
		&a.CreatedBy, &a.CreatedAt, &a.LastModifiedBy, &a.LastModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	if activationKey.Valid {
		a.ActivationKey = &activationKey.String
	}
	if resetKey.Valid {
		a.ResetKey = &resetKey.String
	}
	if resetDate.Valid {
		a.ResetDate = &resetDate.Time
	}
	a.Authorities = []string(authorities)
	return a, nil
}

// findOne は1件検索の共通処理。該当なしは nil, nil を返す。
func (r *PostgresAccountRepo) findOne(ctx context.Context, where string, arg any) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+where,
		arg,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

// FindByID は指定IDのアカウントを取得する。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	return r.findOne(ctx, `id = $1`, id)
}

// FindByLogin はログイン名でアカウントを検索する。
func (r *PostgresAccountRepo) FindByLogin(ctx context.Context, login string) (*model.Account, error) {
	return r.findOne(ctx, `login = $1`, login)
}

// FindByEmail はメールアドレスでアカウントを検索する。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	return r.findOne(ctx, `email = $1`, email)
}

// FindByActivationKey は有効化キーでアカウントを検索する。
func (r *PostgresAccountRepo) FindByActivationKey(ctx context.Context, key string) (*model.Account, error) {
	return r.findOne(ctx, `activation_key = $1`, key)
}

// FindByResetKey はリセットキーでアカウントを検索する。
func (r *PostgresAccountRepo) FindByResetKey(ctx context.Context, key string) (*model.Account, error) {
	return r.findOne(ctx, `reset_key = $1`, key)
}

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, a *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.Login, a.PasswordHash, a.FirstName, a.LastName, a.Email, a.ImageURL, a.LangKey,
		a.Activated, a.ActivationKey, a.ResetKey, a.ResetDate, pq.Array(a.Authorities),
		a.CreatedBy, a.CreatedAt, a.LastModifiedBy, a.LastModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// Update はアカウントの全項目を上書き更新する。created_by/created_at は変更しない。
func (r *PostgresAccountRepo) Update(ctx context.Context, a *model.Account) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET
			login = $2, password_hash = $3, first_name = $4, last_name = $5, email = $6,
			image_url = $7, lang_key = $8, activated = $9, activation_key = $10,
			reset_key = $11, reset_date = $12, authorities = $13,
			last_modified_by = $14, last_modified_at = $15
		 WHERE id = $1`,
		a.ID, a.Login, a.PasswordHash, a.FirstName, a.LastName, a.Email,
		a.ImageURL, a.LangKey, a.Activated, a.ActivationKey,
		a.ResetKey, a.ResetDate, pq.Array(a.Authorities),
		a.LastModifiedBy, a.LastModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account not found: %s", a.ID)
	}
	return nil
}

// DeleteByID は指定IDのアカウントを削除する。
func (r *PostgresAccountRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

// ConsumeActivationKey は有効化キーを1回だけ消費する。
// WHERE句でキーを照合するため、同時に消費した場合も片方だけが行を得る。
func (r *PostgresAccountRepo) ConsumeActivationKey(ctx context.Context, key, modifiedBy string, at time.Time) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`UPDATE accounts
		 SET activated = TRUE, activation_key = NULL, last_modified_by = $2, last_modified_at = $3
		 WHERE activation_key = $1
		 RETURNING `+accountColumns,
		key, modifiedBy, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume activation key: %w", err)
	}
	return a, nil
}

// ConsumeResetKey はリセットキーを1回だけ消費してパスワードハッシュを置き換える。
func (r *PostgresAccountRepo) ConsumeResetKey(ctx context.Context, key, passwordHash, modifiedBy string, issuedAfter, at time.Time) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`UPDATE accounts
		 SET password_hash = $2, reset_key = NULL, reset_date = NULL, last_modified_by = $3, last_modified_at = $5
		 WHERE reset_key = $1 AND reset_date > $4
		 RETURNING `+accountColumns,
		key, passwordHash, modifiedBy, issuedAfter, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume reset key: %w", err)
	}
	return a, nil
}

// ListUnactivatedBefore は期限切れの未有効化アカウントを返す。
func (r *PostgresAccountRepo) ListUnactivatedBefore(ctx context.Context, cutoff time.Time) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE activated = FALSE AND activation_key IS NOT NULL AND created_at < $1
		 ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unactivated accounts: %w", err)
	}
	return collectAccounts(rows)
}

// ListExcluding は excludedLogin 以外のアカウントをログイン名順に返す。
func (r *PostgresAccountRepo) ListExcluding(ctx context.Context, excludedLogin string, page model.PageRequest) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE login <> $1
		 ORDER BY login
		 LIMIT $2 OFFSET $3`,
		excludedLogin, page.Limit(), page.Offset(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return collectAccounts(rows)
}

// CountExcluding は excludedLogin 以外のアカウント数を返す。
func (r *PostgresAccountRepo) CountExcluding(ctx context.Context, excludedLogin string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE login <> $1`,
		excludedLogin,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return count, nil
}

func collectAccounts(rows *sql.Rows) ([]*model.Account, error) {
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// PostgresAuthorityRepo はPostgreSQLを使用した権限リポジトリ。
type PostgresAuthorityRepo struct {
	db *sql.DB
}

// NewPostgresAuthorityRepo はPostgresAuthorityRepoを生成する。
func NewPostgresAuthorityRepo(db *sql.DB) *PostgresAuthorityRepo {
	return &PostgresAuthorityRepo{db: db}
}

// ListNames は登録済みの権限名を返す。
func (r *PostgresAuthorityRepo) ListNames(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM authorities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorities: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan authority: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate authorities: %w", err)
	}
	return names, nil
}

// compile-time interface check
var (
	_ AccountRepository   = (*PostgresAccountRepo)(nil)
	_ AuthorityRepository = (*PostgresAuthorityRepo)(nil)
)
