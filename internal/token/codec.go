// Package token はセッショントークン（HS512署名のJWT）の発行と検証を提供する。
//
// トークンは sub（ログイン名）、auth（カンマ区切りの権限名）、iat、exp を持つ。
// 検証時に権限はクレームからのみ復元し、ストレージを再参照しない。
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/authcore/internal/model"
)

// MinSecretLength はHS512の鍵として受け付ける最小バイト数。
const MinSecretLength = 64

// 既定の有効期間。
const (
	DefaultValidity           = 24 * time.Hour
	DefaultRememberMeValidity = 30 * 24 * time.Hour
)

// Config はCodecの設定。
type Config struct {
	Secret             []byte
	Validity           time.Duration
	RememberMeValidity time.Duration
}

// Claims はトークンに含めるクレーム。Auth は権限名のカンマ区切り。
type Claims struct {
	Auth string `json:"auth"`
	jwt.RegisteredClaims
}

// Codec はトークンの発行と検証を行う。生成後は不変で、並行利用できる。
type Codec struct {
	secret             []byte
	validity           time.Duration
	rememberMeValidity time.Duration
	now                func() time.Time
}

// Option はCodecの任意設定。
type Option func(*Codec)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec はCodecを生成する。鍵が MinSecretLength 未満の場合はエラーを返す。
func NewCodec(cfg Config, opts ...Option) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret))
	}
	c := &Codec{
		secret:             append([]byte(nil), cfg.Secret...),
		validity:           cfg.Validity,
		rememberMeValidity: cfg.RememberMeValidity,
		now:                time.Now,
	}
	if c.validity <= 0 {
		c.validity = DefaultValidity
	}
	if c.rememberMeValidity <= 0 {
		c.rememberMeValidity = DefaultRememberMeValidity
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue は subject と権限一覧からトークンを発行する。
// rememberMe が true の場合は長い方の有効期間を使用する。
func (c *Codec) Issue(subject string, authorities []string, rememberMe bool) (string, error) {
	if subject == "" {
		return "", errors.New("token subject must not be empty")
	}

	issuedAt := c.now()
	validity := c.validity
	if rememberMe {
		validity = c.rememberMeValidity
	}

	claims := Claims{
		Auth: strings.Join(authorities, ","),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(validity)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はトークンを検証し、呼び出し元の主体を返す。
// 空文字、形式不正、署名不一致、アルゴリズム不一致、期限切れ・期限なしは
// いずれも model.ErrInvalidToken（原因をラップ）を返す。
func (c *Codec) Parse(raw string) (*model.Principal, error) {
	if raw == "" {
		return nil, model.ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, model.ErrInvalidToken
	}

	return &model.Principal{
		Login:       claims.Subject,
		Authorities: splitAuthorities(claims.Auth),
		Token:       raw,
	}, nil
}

func splitAuthorities(claim string) []string {
	var authorities []string
	for _, name := range strings.Split(claim, ",") {
		if name = strings.TrimSpace(name); name != "" {
			authorities = append(authorities, name)
		}
	}
	return authorities
}

// DecodeSecret は設定値から鍵を取り出す。base64 が指定されていればそれを優先する。
func DecodeSecret(base64Secret, rawSecret string) ([]byte, error) {
	if base64Secret != "" {
		secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Secret))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 token secret: %w", err)
		}
		return secret, nil
	}
	if rawSecret != "" {
		return []byte(rawSecret), nil
	}
	return nil, errors.New("no token secret configured")
}
