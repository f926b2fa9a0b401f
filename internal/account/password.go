package account

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authcore/internal/model"
)

// パスワード長の制約（文字数）。
const (
	PasswordMinLength = 4
	PasswordMaxLength = 100
)

// bcryptMaxBytes はbcryptが扱える入力の最大バイト数。
const bcryptMaxBytes = 72

// PasswordHasher はパスワードの一方向ハッシュ化と照合のインターフェース。
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Matches は password が hash に一致するかを返す。
	Matches(hash, password string) bool
}

// BcryptHasher はbcryptによるPasswordHasher実装。
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher はBcryptHasherを生成する。cost が範囲外の場合は既定値を使う。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

// Hash はパスワードをbcryptでハッシュ化する。
func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Matches はパスワードがハッシュに一致するかを返す。
func (h *BcryptHasher) Matches(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword はパスワード長を検証する。
// 文字数は PasswordMinLength 以上 PasswordMaxLength 以下で、bcryptの上限バイト数も超えないこと。
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < PasswordMinLength || n > PasswordMaxLength || len(password) > bcryptMaxBytes {
		return model.ErrInvalidPasswordLength
	}
	return nil
}

// KeyGenerator は有効化キー、リセットキー、初期パスワードを生成する。
type KeyGenerator func() (string, error)

// keyBytes は生成するキーのバイト数。16進表記で20文字になる。
const keyBytes = 10

// RandomKey は暗号論的乱数から20文字のキーを生成する。
func RandomKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// errEmptyKey はキー生成器が空文字を返した場合のエラー。
var errEmptyKey = errors.New("key generator returned empty key")
