// Package memory はプロセス内メモリに保持する認証情報ストアを提供する。
// STORE=memory での起動とテストで使用する。再起動するとデータは失われる。
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/authcore/internal/model"
	"github.com/hitoshi/authcore/internal/repository"
)

// Store はアカウント・権限・監査記録をまとめて保持する。
// 全操作は1つのミューテックスで直列化され、条件付き消費も原子的に行われる。
type Store struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account // key: id
	authorities []string
	audits      map[string]*model.AuditRecord
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*model.Account),
		audits:   make(map[string]*model.AuditRecord),
	}
}

// Accounts はAccountRepositoryとしてのビューを返す。
func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s: s} }

// Authorities はAuthorityRepositoryとしてのビューを返す。
func (s *Store) Authorities() *AuthorityRepo { return &AuthorityRepo{s: s} }

// Audits はAuditRepositoryとしてのビューを返す。
func (s *Store) Audits() *AuditRepo { return &AuditRepo{s: s} }

// SetAuthorities は権限マスタを置き換える。
func (s *Store) SetAuthorities(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorities = slices.Clone(names)
	slices.Sort(s.authorities)
}

func copyAccount(a *model.Account) *model.Account {
	c := *a
	c.Authorities = slices.Clone(a.Authorities)
	if a.ActivationKey != nil {
		k := *a.ActivationKey
		c.ActivationKey = &k
	}
	if a.ResetKey != nil {
		k := *a.ResetKey
		c.ResetKey = &k
	}
	if a.ResetDate != nil {
		d := *a.ResetDate
		c.ResetDate = &d
	}
	return &c
}

func copyAudit(r *model.AuditRecord) *model.AuditRecord {
	c := *r
	c.Data = make(map[string]string, len(r.Data))
	for k, v := range r.Data {
		c.Data[k] = v
	}
	return &c
}

// AccountRepo はStore上のAccountRepository実装。
type AccountRepo struct {
	s *Store
}

func (r *AccountRepo) findBy(match func(a *model.Account) bool) *model.Account {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, a := range r.s.accounts {
		if match(a) {
			return copyAccount(a)
		}
	}
	return nil
}

// FindByID は指定IDのアカウントを取得する。
func (r *AccountRepo) FindByID(_ context.Context, id string) (*model.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if a, ok := r.s.accounts[id]; ok {
		return copyAccount(a), nil
	}
	return nil, nil
}

// FindByLogin はログイン名でアカウントを検索する。
func (r *AccountRepo) FindByLogin(_ context.Context, login string) (*model.Account, error) {
	return r.findBy(func(a *model.Account) bool { return a.Login == login }), nil
}

// FindByEmail はメールアドレスでアカウントを検索する。
func (r *AccountRepo) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	return r.findBy(func(a *model.Account) bool { return a.Email == email }), nil
}

// FindByActivationKey は有効化キーでアカウントを検索する。
func (r *AccountRepo) FindByActivationKey(_ context.Context, key string) (*model.Account, error) {
	return r.findBy(func(a *model.Account) bool {
		return a.ActivationKey != nil && *a.ActivationKey == key
	}), nil
}

// FindByResetKey はリセットキーでアカウントを検索する。
func (r *AccountRepo) FindByResetKey(_ context.Context, key string) (*model.Account, error) {
	return r.findBy(func(a *model.Account) bool {
		return a.ResetKey != nil && *a.ResetKey == key
	}), nil
}

// uniqueViolation はlogin/emailの一意制約を検査する。呼び出し側でロックを保持すること。
func (r *AccountRepo) uniqueViolation(a *model.Account) error {
	for id, other := range r.s.accounts {
		if id == a.ID {
			continue
		}
		if other.Login == a.Login {
			return fmt.Errorf("duplicate login: %s", a.Login)
		}
		if a.Email != "" && other.Email == a.Email {
			return fmt.Errorf("duplicate email: %s", a.Email)
		}
	}
	return nil
}

// Create はアカウントを作成する。
func (r *AccountRepo) Create(_ context.Context, a *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[a.ID]; ok {
		return fmt.Errorf("duplicate account id: %s", a.ID)
	}
	if err := r.uniqueViolation(a); err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	r.s.accounts[a.ID] = copyAccount(a)
	return nil
}

// Update はアカウントの全項目を上書き更新する。
func (r *AccountRepo) Update(_ context.Context, a *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.accounts[a.ID]
	if !ok {
		return fmt.Errorf("account not found: %s", a.ID)
	}
	if err := r.uniqueViolation(a); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	updated := copyAccount(a)
	updated.CreatedBy = current.CreatedBy
	updated.CreatedAt = current.CreatedAt
	r.s.accounts[a.ID] = updated
	return nil
}

// DeleteByID は指定IDのアカウントを削除する。
func (r *AccountRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[id]; !ok {
		return fmt.Errorf("account not found: %s", id)
	}
	delete(r.s.accounts, id)
	return nil
}

// ConsumeActivationKey は有効化キーを1回だけ消費する。
func (r *AccountRepo) ConsumeActivationKey(_ context.Context, key, modifiedBy string, at time.Time) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.ActivationKey == nil || *a.ActivationKey != key {
			continue
		}
		a.Activated = true
		a.ActivationKey = nil
		a.LastModifiedBy = modifiedBy
		a.LastModifiedAt = at
		return copyAccount(a), nil
	}
	return nil, nil
}

// ConsumeResetKey はリセットキーを1回だけ消費してパスワードハッシュを置き換える。
func (r *AccountRepo) ConsumeResetKey(_ context.Context, key, passwordHash, modifiedBy string, issuedAfter, at time.Time) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.ResetKey == nil || *a.ResetKey != key {
			continue
		}
		if a.ResetDate == nil || !a.ResetDate.After(issuedAfter) {
			return nil, nil
		}
		a.PasswordHash = passwordHash
		a.ResetKey = nil
		a.ResetDate = nil
		a.LastModifiedBy = modifiedBy
		a.LastModifiedAt = at
		return copyAccount(a), nil
	}
	return nil, nil
}

// ListUnactivatedBefore は期限切れの未有効化アカウントを作成日時順に返す。
func (r *AccountRepo) ListUnactivatedBefore(_ context.Context, cutoff time.Time) ([]*model.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var result []*model.Account
	for _, a := range r.s.accounts {
		if !a.Activated && a.ActivationKey != nil && a.CreatedAt.Before(cutoff) {
			result = append(result, copyAccount(a))
		}
	}
	slices.SortFunc(result, func(x, y *model.Account) int { return x.CreatedAt.Compare(y.CreatedAt) })
	return result, nil
}

// ListExcluding は excludedLogin 以外のアカウントをログイン名順に返す。
func (r *AccountRepo) ListExcluding(_ context.Context, excludedLogin string, page model.PageRequest) ([]*model.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var all []*model.Account
	for _, a := range r.s.accounts {
		if a.Login != excludedLogin {
			all = append(all, a)
		}
	}
	slices.SortFunc(all, func(x, y *model.Account) int { return cmp.Compare(x.Login, y.Login) })

	var result []*model.Account
	for _, a := range paginate(all, page) {
		result = append(result, copyAccount(a))
	}
	return result, nil
}

// CountExcluding は excludedLogin 以外のアカウント数を返す。
func (r *AccountRepo) CountExcluding(_ context.Context, excludedLogin string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	count := 0
	for _, a := range r.s.accounts {
		if a.Login != excludedLogin {
			count++
		}
	}
	return count, nil
}

// AuthorityRepo はStore上のAuthorityRepository実装。
type AuthorityRepo struct {
	s *Store
}

// ListNames は登録済みの権限名を返す。
func (r *AuthorityRepo) ListNames(_ context.Context) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return slices.Clone(r.s.authorities), nil
}

// AuditRepo はStore上のAuditRepository実装。
type AuditRepo struct {
	s *Store
}

// Create は監査記録を保存する。
func (r *AuditRepo) Create(_ context.Context, record *model.AuditRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.audits[record.ID]; ok {
		return fmt.Errorf("duplicate audit event id: %s", record.ID)
	}
	r.s.audits[record.ID] = copyAudit(record)
	return nil
}

// FindByID は指定IDの監査記録を取得する。
func (r *AuditRepo) FindByID(_ context.Context, id string) (*model.AuditRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if record, ok := r.s.audits[id]; ok {
		return copyAudit(record), nil
	}
	return nil, nil
}

// sorted は条件に合う監査記録を新しい順に返す。呼び出し側でロックを保持すること。
func (r *AuditRepo) sorted(match func(*model.AuditRecord) bool) []*model.AuditRecord {
	var result []*model.AuditRecord
	for _, record := range r.s.audits {
		if match(record) {
			result = append(result, record)
		}
	}
	slices.SortFunc(result, func(x, y *model.AuditRecord) int {
		if c := y.Date.Compare(x.Date); c != 0 {
			return c
		}
		return cmp.Compare(y.ID, x.ID)
	})
	return result
}

func copyAudits(records []*model.AuditRecord) []*model.AuditRecord {
	result := make([]*model.AuditRecord, 0, len(records))
	for _, record := range records {
		result = append(result, copyAudit(record))
	}
	return result
}

// FindByPrincipal は主体ごとの監査記録を返す。
func (r *AuditRepo) FindByPrincipal(_ context.Context, principal string) ([]*model.AuditRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return copyAudits(r.sorted(func(rec *model.AuditRecord) bool { return rec.Principal == principal })), nil
}

// FindAll は監査記録をページングして返す。
func (r *AuditRepo) FindAll(_ context.Context, page model.PageRequest) ([]*model.AuditRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := r.sorted(func(*model.AuditRecord) bool { return true })
	return copyAudits(paginate(all, page)), nil
}

func inRange(from, to time.Time) func(*model.AuditRecord) bool {
	return func(rec *model.AuditRecord) bool {
		return !rec.Date.Before(from) && rec.Date.Before(to)
	}
}

// FindByDates は期間内の監査記録をページングして返す。
func (r *AuditRepo) FindByDates(_ context.Context, from, to time.Time, page model.PageRequest) ([]*model.AuditRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return copyAudits(paginate(r.sorted(inRange(from, to)), page)), nil
}

// Count は監査記録の総数を返す。
func (r *AuditRepo) Count(_ context.Context) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.audits), nil
}

// CountByDates は期間内の監査記録数を返す。
func (r *AuditRepo) CountByDates(_ context.Context, from, to time.Time) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.sorted(inRange(from, to))), nil
}

// ListIDsBefore は日時が cutoff より前の監査記録IDを古い順に返す。
func (r *AuditRepo) ListIDsBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	old := r.sorted(func(rec *model.AuditRecord) bool { return rec.Date.Before(cutoff) })
	ids := make([]string, 0, len(old))
	for i := len(old) - 1; i >= 0; i-- {
		ids = append(ids, old[i].ID)
	}
	return ids, nil
}

// DeleteByID は指定IDの監査記録を削除する。
func (r *AuditRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.audits[id]; !ok {
		return fmt.Errorf("audit event not found: %s", id)
	}
	delete(r.s.audits, id)
	return nil
}

func paginate[T any](items []T, page model.PageRequest) []T {
	offset, limit := page.Offset(), page.Limit()
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

// compile-time interface check
var (
	_ repository.AccountRepository   = (*AccountRepo)(nil)
	_ repository.AuthorityRepository = (*AuthorityRepo)(nil)
	_ repository.AuditRepository     = (*AuditRepo)(nil)
)
