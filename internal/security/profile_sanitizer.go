// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer は利用者が入力するプロフィール項目（氏名・画像URL）から
// HTMLを取り除き、プレーンテキストとして保存できる形に整える。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はプロフィール項目のサニタイズ機能のインターフェース。
type ProfileSanitizer interface {
	// SanitizeText は全てのタグを除去したプレーンテキストを返す。前後の空白も除去する。
	SanitizeText(raw string) string

	// SanitizeURL は絶対http(s) URLのみを返す。それ以外は空文字列。
	SanitizeURL(raw string) string
}

type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerの新しいインスタンスを生成する。
// ポリシーはbluemondayのStrictPolicy（タグ全除去）。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去してプレーンテキストを返す。
// bluemondayが出力するエンティティは元の文字に戻す（保存値はHTMLではない）。
func (s *profileSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// SanitizeURL はhttp/httpsの絶対URLのみを通す。
func (s *profileSanitizer) SanitizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String()
	default:
		return ""
	}
}

var _ ProfileSanitizer = (*profileSanitizer)(nil)
