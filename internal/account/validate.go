package account

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/authcore/internal/model"
)

// ログイン名に使える形式。メールアドレス形式か、英数字と _.@- の組み合わせ。
var loginPattern = regexp.MustCompile(`^(?:[a-zA-Z0-9!$&*+=?^_` + "`" + `{|}~.-]+@[a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)*|[_.@A-Za-z0-9-]+)$`)

const (
	loginMaxLength = 50
	emailMinLength = 5
	emailMaxLength = 254
	langKeyMax     = 10
	nameMaxLength  = 50
	imageURLMax    = 256
)

func invalidInput(field, message string) error {
	return &model.CredentialError{Kind: model.KindInvalidInput, Field: field, Message: message}
}

func validateLogin(login string) error {
	if login == "" {
		return model.ErrLoginRequired
	}
	if len(login) > loginMaxLength || !loginPattern.MatchString(login) {
		return invalidInput("login", "invalid login")
	}
	return nil
}

func validateEmail(email string) error {
	if len(email) < emailMinLength || len(email) > emailMaxLength {
		return invalidInput("email", "email length must be between 5 and 254")
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return invalidInput("email", "invalid email")
	}
	return nil
}

func validateLangKey(langKey string) error {
	if len(langKey) > langKeyMax {
		return invalidInput("lang_key", "lang key too long")
	}
	return nil
}

func validateProfileLengths(firstName, lastName, imageURL string) error {
	if utf8.RuneCountInString(firstName) > nameMaxLength || utf8.RuneCountInString(lastName) > nameMaxLength {
		return invalidInput("name", "name too long")
	}
	if len(imageURL) > imageURLMax {
		return invalidInput("image_url", "image url too long")
	}
	return nil
}
