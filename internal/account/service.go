// Package account はアカウントの資格情報ライフサイクルを管理するドメインロジックを提供する。
//
// 登録・有効化・パスワードリセット・パスワード変更・ログイン認証と、
// 管理者によるアカウント管理を扱う。キーの消費は条件付き更新で行い、
// 同じキーで成功するのは1回だけである。
package account

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authcore/internal/model"
	"github.com/hitoshi/authcore/internal/repository"
	"github.com/hitoshi/authcore/internal/security"
)

// ResetKeyValidity はリセットキーの有効期間。
const ResetKeyValidity = 24 * time.Hour

// Profile は利用者が編集できるプロフィール項目。
type Profile struct {
	FirstName string
	LastName  string
	Email     string
	ImageURL  string
	LangKey   string
}

// RegisterInput はセルフ登録の入力。
type RegisterInput struct {
	Login string
	Profile
}

// ManagedAccountInput は管理者によるアカウント作成・更新の入力。
// 更新時は ID で対象を特定する。
type ManagedAccountInput struct {
	ID          string
	Login       string
	Activated   bool
	Authorities []string
	Profile
}

// Service は資格情報ライフサイクルのサービス層。
type Service struct {
	accounts    repository.AccountRepository
	authorities repository.AuthorityRepository

	hasher    PasswordHasher
	newKey    KeyGenerator
	now       func() time.Time
	sanitizer security.ProfileSanitizer
	notifier  Notifier
	logger    *slog.Logger

	// dummyHash は存在しないユーザーの認証でも照合コストを揃えるためのハッシュ。
	dummyHash string
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithHasher はパスワードハッシュ実装を差し替える。
func WithHasher(h PasswordHasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithKeyGenerator はキー生成器を差し替える。
func WithKeyGenerator(g KeyGenerator) Option {
	return func(s *Service) { s.newKey = g }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSanitizer はプロフィールのサニタイザーを差し替える。
func WithSanitizer(z security.ProfileSanitizer) Option {
	return func(s *Service) { s.sanitizer = z }
}

// WithNotifier はキー通知の経路を差し替える。
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger はロガーを差し替える。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(accounts repository.AccountRepository, authorities repository.AuthorityRepository, opts ...Option) *Service {
	s := &Service{
		accounts:    accounts,
		authorities: authorities,
		hasher:      NewBcryptHasher(0),
		newKey:      RandomKey,
		now:         time.Now,
		sanitizer:   security.NewProfileSanitizer(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Logger: s.logger}
	}
	if h, err := s.hasher.Hash("authcore-dummy-password"); err == nil {
		s.dummyHash = h
	}
	return s
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return model.SystemAccount
	}
	return actor
}

func (s *Service) generateKey() (string, error) {
	key, err := s.newKey()
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errEmptyKey
	}
	return key, nil
}

// applyProfile は正規化・サニタイズ済みのプロフィール項目をアカウントへ反映する。
func (s *Service) applyProfile(a *model.Account, p Profile) error {
	email := model.NormalizeEmail(p.Email)
	if err := validateEmail(email); err != nil {
		return err
	}
	if err := validateLangKey(p.LangKey); err != nil {
		return err
	}
	firstName := s.sanitizer.SanitizeText(p.FirstName)
	lastName := s.sanitizer.SanitizeText(p.LastName)
	imageURL := s.sanitizer.SanitizeURL(p.ImageURL)
	if err := validateProfileLengths(firstName, lastName, imageURL); err != nil {
		return err
	}
	a.FirstName = firstName
	a.LastName = lastName
	a.Email = email
	a.ImageURL = imageURL
	a.LangKey = p.LangKey
	if a.LangKey == "" {
		a.LangKey = model.DefaultLangKey
	}
	return nil
}

// Register はセルフ登録を行い、有効化キー付きの未有効化アカウントを返す。
// ログイン名、メールアドレスの順に重複を確認する。保持者が未有効化なら削除して置き換え、
// 有効化済みなら ErrLoginAlreadyUsed / ErrEmailAlreadyUsed を返す。
func (s *Service) Register(ctx context.Context, in RegisterInput, password string) (*model.Account, error) {
	login := model.NormalizeLogin(in.Login)
	if err := validateLogin(login); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	a := &model.Account{Login: login}
	if err := s.applyProfile(a, in.Profile); err != nil {
		return nil, err
	}

	existing, err := s.accounts.FindByLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if err := s.supersede(ctx, existing, model.ErrLoginAlreadyUsed); err != nil {
		return nil, err
	}
	existing, err = s.accounts.FindByEmail(ctx, a.Email)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if err := s.supersede(ctx, existing, model.ErrEmailAlreadyUsed); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	if err := s.assignActivationKey(ctx, a); err != nil {
		return nil, err
	}

	now := s.now()
	a.ID = uuid.New().String()
	a.PasswordHash = hash
	a.Authorities = []string{model.AuthorityUser}
	a.CreatedBy = model.SystemAccount
	a.CreatedAt = now
	a.LastModifiedBy = model.SystemAccount
	a.LastModifiedAt = now

	if err := s.accounts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("アカウントの作成に失敗しました: %w", err)
	}

	s.logger.InfoContext(ctx, "アカウントを登録しました", slog.String("login", a.Login))
	s.notifier.SendActivation(ctx, a)
	return a, nil
}

// supersede は重複候補が未有効化なら削除し、有効化済みなら conflict を返す。
func (s *Service) supersede(ctx context.Context, existing *model.Account, conflict error) error {
	if existing == nil {
		return nil
	}
	if existing.Activated {
		return conflict
	}
	if err := s.accounts.DeleteByID(ctx, existing.ID); err != nil {
		return fmt.Errorf("未有効化アカウントの削除に失敗しました: %w", err)
	}
	s.logger.InfoContext(ctx, "未有効化アカウントを置き換えました",
		slog.String("login", existing.Login),
	)
	return nil
}

// maxKeyAttempts は他のアカウントと重複しない有効化キーを得るまでの最大試行回数。
const maxKeyAttempts = 3

// assignActivationKey は未使用の有効化キーを生成して a に設定し、未有効化状態にする。
func (s *Service) assignActivationKey(ctx context.Context, a *model.Account) error {
	for i := 0; i < maxKeyAttempts; i++ {
		key, err := s.generateKey()
		if err != nil {
			return err
		}
		holder, err := s.accounts.FindByActivationKey(ctx, key)
		if err != nil {
			return fmt.Errorf("有効化キーの確認に失敗しました: %w", err)
		}
		if holder != nil && holder.ID != a.ID {
			continue
		}
		a.ActivationKey = &key
		a.Activated = false
		return nil
	}
	return fmt.Errorf("failed to generate unique activation key after %d attempts", maxKeyAttempts)
}

// IssueActivation は未有効化アカウントに新しい有効化キーを発行する。
// 以前のキーは無効になる。有効化済みまたは存在しない場合は ErrAccountNotFound。
func (s *Service) IssueActivation(ctx context.Context, login string) (*model.Account, error) {
	a, err := s.accounts.FindByLogin(ctx, model.NormalizeLogin(login))
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil || a.Activated {
		return nil, model.ErrAccountNotFound
	}
	if err := s.assignActivationKey(ctx, a); err != nil {
		return nil, err
	}
	a.LastModifiedBy = model.SystemAccount
	a.LastModifiedAt = s.now()
	if err := s.accounts.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("アカウントの更新に失敗しました: %w", err)
	}
	s.notifier.SendActivation(ctx, a)
	return a, nil
}

// Activate は有効化キーを消費してアカウントを有効化する。
// 同じキーでの2回目以降の呼び出しは ErrActivationKeyNotFound を返す。
func (s *Service) Activate(ctx context.Context, key string) (*model.Account, error) {
	if key == "" {
		return nil, model.ErrActivationKeyNotFound
	}
	a, err := s.accounts.ConsumeActivationKey(ctx, key, model.SystemAccount, s.now())
	if err != nil {
		return nil, fmt.Errorf("有効化キーの消費に失敗しました: %w", err)
	}
	if a == nil {
		return nil, model.ErrActivationKeyNotFound
	}
	s.logger.InfoContext(ctx, "アカウントを有効化しました", slog.String("login", a.Login))
	return a, nil
}

// RequestPasswordReset は有効化済みアカウントにリセットキーを発行する。
// 存在しない場合と未有効化の場合はどちらも ErrEmailNotFound を返す。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (*model.Account, error) {
	a, err := s.accounts.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil || !a.Activated {
		return nil, model.ErrEmailNotFound
	}
	key, err := s.generateKey()
	if err != nil {
		return nil, err
	}
	now := s.now()
	a.ResetKey = &key
	a.ResetDate = &now
	a.LastModifiedBy = model.SystemAccount
	a.LastModifiedAt = now
	if err := s.accounts.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("アカウントの更新に失敗しました: %w", err)
	}
	s.notifier.SendPasswordReset(ctx, a)
	return a, nil
}

// CompletePasswordReset はリセットキーを消費して新しいパスワードを設定する。
// キーが存在しなければ ErrResetKeyNotFound、発行から24時間を超えていれば ErrResetKeyExpired。
// 期限切れのキーは変更せずに残す。
func (s *Service) CompletePasswordReset(ctx context.Context, newPassword, key string) (*model.Account, error) {
	if err := ValidatePassword(newPassword); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, model.ErrResetKeyNotFound
	}
	current, err := s.accounts.FindByResetKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if current == nil {
		return nil, model.ErrResetKeyNotFound
	}

	now := s.now()
	issuedAfter := now.Add(-ResetKeyValidity)
	if current.ResetDate == nil || !current.ResetDate.After(issuedAfter) {
		return nil, model.ErrResetKeyExpired
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, err
	}
	a, err := s.accounts.ConsumeResetKey(ctx, key, hash, current.Login, issuedAfter, now)
	if err != nil {
		return nil, fmt.Errorf("リセットキーの消費に失敗しました: %w", err)
	}
	if a == nil {
		// 別の要求が先に消費した
		return nil, model.ErrResetKeyNotFound
	}
	s.logger.InfoContext(ctx, "パスワードをリセットしました", slog.String("login", a.Login))
	return a, nil
}

// ChangePassword は現在のパスワードを確認して新しいパスワードに置き換える。
// login はリクエストの主体から呼び出し側が渡す。
func (s *Service) ChangePassword(ctx context.Context, login, currentPassword, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	a, err := s.accounts.FindByLogin(ctx, model.NormalizeLogin(login))
	if err != nil {
		return fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil {
		return model.ErrAccountNotFound
	}
	if !s.hasher.Matches(a.PasswordHash, currentPassword) {
		return model.ErrInvalidPassword
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	a.PasswordHash = hash
	a.LastModifiedBy = actorOrSystem(a.Login)
	a.LastModifiedAt = s.now()
	if err := s.accounts.Update(ctx, a); err != nil {
		return fmt.Errorf("アカウントの更新に失敗しました: %w", err)
	}
	s.logger.InfoContext(ctx, "パスワードを変更しました", slog.String("login", a.Login))
	return nil
}

// Authenticate はユーザー名とパスワードでログイン認証を行う。
// ユーザー名に "@" を含む場合はメールアドレスで検索する。
// 未登録とパスワード不一致はどちらも ErrBadCredentials で区別しない。
func (s *Service) Authenticate(ctx context.Context, username, password string) (*model.Account, error) {
	var (
		a   *model.Account
		err error
	)
	if strings.Contains(username, "@") {
		a, err = s.accounts.FindByEmail(ctx, model.NormalizeEmail(username))
	} else {
		a, err = s.accounts.FindByLogin(ctx, model.NormalizeLogin(username))
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil {
		if s.dummyHash != "" {
			s.hasher.Matches(s.dummyHash, password)
		}
		return nil, model.ErrBadCredentials
	}
	// 未有効化はパスワードが一致した場合にのみ返す。不一致なら未登録と同じ結果にする。
	if !s.hasher.Matches(a.PasswordHash, password) {
		return nil, model.ErrBadCredentials
	}
	if !a.Activated {
		return nil, model.ErrAccountNotActivated
	}
	return a, nil
}

// knownAuthorities は names のうち権限マスタに存在するものだけを返す。
func (s *Service) knownAuthorities(ctx context.Context, names []string) ([]string, error) {
	all, err := s.authorities.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("権限の取得に失敗しました: %w", err)
	}
	var result []string
	for _, name := range names {
		if slices.Contains(all, name) && !slices.Contains(result, name) {
			result = append(result, name)
		}
	}
	slices.Sort(result)
	return result, nil
}

// CreateAccount は管理者がアカウントを作成する。
// アカウントは有効化済みで、ランダムなパスワードとリセットキーが設定される。
// 権限マスタに無い権限は無視する。
func (s *Service) CreateAccount(ctx context.Context, actor string, in ManagedAccountInput) (*model.Account, error) {
	login := model.NormalizeLogin(in.Login)
	if err := validateLogin(login); err != nil {
		return nil, err
	}
	a := &model.Account{Login: login}
	if err := s.applyProfile(a, in.Profile); err != nil {
		return nil, err
	}

	if existing, err := s.accounts.FindByLogin(ctx, login); err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	} else if existing != nil {
		return nil, model.ErrLoginAlreadyUsed
	}
	if existing, err := s.accounts.FindByEmail(ctx, a.Email); err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	} else if existing != nil {
		return nil, model.ErrEmailAlreadyUsed
	}

	authorities, err := s.knownAuthorities(ctx, in.Authorities)
	if err != nil {
		return nil, err
	}
	password, err := s.generateKey()
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	resetKey, err := s.generateKey()
	if err != nil {
		return nil, err
	}

	now := s.now()
	a.ID = uuid.New().String()
	a.PasswordHash = hash
	a.Activated = true
	a.ResetKey = &resetKey
	a.ResetDate = &now
	a.Authorities = authorities
	a.CreatedBy = actorOrSystem(actor)
	a.CreatedAt = now
	a.LastModifiedBy = actorOrSystem(actor)
	a.LastModifiedAt = now

	if err := s.accounts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("アカウントの作成に失敗しました: %w", err)
	}
	s.logger.InfoContext(ctx, "管理者がアカウントを作成しました",
		slog.String("login", a.Login),
		slog.String("actor", a.CreatedBy),
	)
	s.notifier.SendCreation(ctx, a)
	return a, nil
}

// UpdateAccount は管理者がアカウントを更新する。ログイン名の変更も可能。
func (s *Service) UpdateAccount(ctx context.Context, actor string, in ManagedAccountInput) (*model.Account, error) {
	a, err := s.accounts.FindByID(ctx, in.ID)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil {
		return nil, model.ErrAccountNotFound
	}

	login := model.NormalizeLogin(in.Login)
	if err := validateLogin(login); err != nil {
		return nil, err
	}
	if err := s.applyProfile(a, in.Profile); err != nil {
		return nil, err
	}
	if other, err := s.accounts.FindByEmail(ctx, a.Email); err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	} else if other != nil && other.ID != a.ID {
		return nil, model.ErrEmailAlreadyUsed
	}
	if other, err := s.accounts.FindByLogin(ctx, login); err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	} else if other != nil && other.ID != a.ID {
		return nil, model.ErrLoginAlreadyUsed
	}

	authorities, err := s.knownAuthorities(ctx, in.Authorities)
	if err != nil {
		return nil, err
	}
	a.Login = login
	if in.Activated && !a.Activated {
		// 管理者による有効化でも未使用の有効化キーは消す
		a.ActivationKey = nil
	}
	a.Activated = in.Activated
	a.Authorities = authorities
	a.LastModifiedBy = actorOrSystem(actor)
	a.LastModifiedAt = s.now()
	if err := s.accounts.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("アカウントの更新に失敗しました: %w", err)
	}
	s.logger.InfoContext(ctx, "管理者がアカウントを更新しました",
		slog.String("login", a.Login),
		slog.String("actor", a.LastModifiedBy),
	)
	return a, nil
}

// UpdateProfile は本人のプロフィール項目を更新する。
// メールアドレスが他のアカウントで使用中なら ErrEmailAlreadyUsed。
func (s *Service) UpdateProfile(ctx context.Context, login string, p Profile) (*model.Account, error) {
	a, err := s.accounts.FindByLogin(ctx, model.NormalizeLogin(login))
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil {
		return nil, model.ErrAccountNotFound
	}
	if err := s.applyProfile(a, p); err != nil {
		return nil, err
	}
	if other, err := s.accounts.FindByEmail(ctx, a.Email); err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	} else if other != nil && other.ID != a.ID {
		return nil, model.ErrEmailAlreadyUsed
	}
	a.LastModifiedBy = actorOrSystem(a.Login)
	a.LastModifiedAt = s.now()
	if err := s.accounts.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("アカウントの更新に失敗しました: %w", err)
	}
	return a, nil
}

// DeleteAccount はログイン名で指定したアカウントを削除する。
func (s *Service) DeleteAccount(ctx context.Context, login string) error {
	a, err := s.accounts.FindByLogin(ctx, model.NormalizeLogin(login))
	if err != nil {
		return fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil {
		return model.ErrAccountNotFound
	}
	if err := s.accounts.DeleteByID(ctx, a.ID); err != nil {
		return fmt.Errorf("アカウントの削除に失敗しました: %w", err)
	}
	s.logger.InfoContext(ctx, "アカウントを削除しました", slog.String("login", a.Login))
	return nil
}

// GetAccount はログイン名でアカウントを取得する。存在しない場合は ErrAccountNotFound。
func (s *Service) GetAccount(ctx context.Context, login string) (*model.Account, error) {
	a, err := s.accounts.FindByLogin(ctx, model.NormalizeLogin(login))
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if a == nil {
		return nil, model.ErrAccountNotFound
	}
	return a, nil
}

// ListManaged は匿名ユーザーを除くアカウントをページングして返す。
func (s *Service) ListManaged(ctx context.Context, page model.PageRequest) ([]*model.Account, error) {
	accounts, err := s.accounts.ListExcluding(ctx, model.AnonymousUser, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	return accounts, nil
}

// CountManaged は匿名ユーザーを除くアカウント数を返す。
func (s *Service) CountManaged(ctx context.Context) (int, error) {
	n, err := s.accounts.CountExcluding(ctx, model.AnonymousUser)
	if err != nil {
		return 0, fmt.Errorf("アカウント数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// Authorities は登録済みの権限名を返す。
func (s *Service) Authorities(ctx context.Context) ([]string, error) {
	names, err := s.authorities.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("権限の取得に失敗しました: %w", err)
	}
	return names, nil
}

