// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/hitoshi/authcore/internal/metrics"
	"github.com/hitoshi/authcore/internal/model"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// TokenParser はトークン検証に必要なインターフェース。
// token.Codec が実装する。
type TokenParser interface {
	Parse(raw string) (*model.Principal, error)
}

// NewTokenMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 主体をリクエストコンテキストに注入するミドルウェアを返す。
//
// ヘッダーなし、空のトークン、Bearer以外の方式、検証失敗のいずれでも
// 匿名のまま後続へ渡す。このミドルウェア自身はレスポンスを書き込まない。
// 主体はこのリクエストのコンテキストにのみ格納され、他のリクエストとは共有されない。
func NewTokenMiddleware(parser TokenParser, m metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				m.RecordTokenValidation(metrics.TokenAbsent)
				next.ServeHTTP(w, r)
				return
			}

			principal, err := parser.Parse(raw)
			if err != nil {
				m.RecordTokenValidation(metrics.TokenInvalid)
				next.ServeHTTP(w, r)
				return
			}

			m.RecordTokenValidation(metrics.TokenValid)
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// 方式名は大文字小文字を区別する。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get(authorizationHeader)
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return "", false
	}
	return raw, true
}

// PrincipalFromContext はリクエストコンテキストから主体を取得する。
// 匿名リクエストの場合は nil, false を返す。
func PrincipalFromContext(ctx context.Context) (*model.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(*model.Principal)
	if !ok || principal == nil || principal.Login == "" {
		return nil, false
	}
	return principal, true
}

// ContextWithPrincipal はコンテキストに主体を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, principal *model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// RequireAuthenticated は匿名リクエストに401を返すミドルウェアを返す。
func RequireAuthenticated() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := PrincipalFromContext(r.Context()); !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuthority は指定権限を持たないリクエストを拒否するミドルウェアを返す。
// 匿名なら401、権限不足なら403。
func RequireAuthority(name string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !principal.HasAuthority(name) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
