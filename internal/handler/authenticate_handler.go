package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authcore/internal/metrics"
	"github.com/hitoshi/authcore/internal/middleware"
	"github.com/hitoshi/authcore/internal/model"
)

// Authenticator はログイン認証を行うサービスインターフェース。
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*model.Account, error)
}

// TokenIssuer はトークンを発行するインターフェース。
type TokenIssuer interface {
	Issue(subject string, authorities []string, rememberMe bool) (string, error)
}

// AuditTrail は認証結果を監査記録に残すインターフェース。
type AuditTrail interface {
	RecordSuccess(ctx context.Context, login string) error
	RecordFailure(ctx context.Context, login string, cause error) error
}

// AuthenticateHandler はトークン発行（ログイン）のHTTPハンドラー。
type AuthenticateHandler struct {
	auth    Authenticator
	issuer  TokenIssuer
	audit   AuditTrail
	metrics metrics.MetricsCollector
}

// NewAuthenticateHandler はAuthenticateHandlerを生成する。m が nil の場合はメトリクスを記録しない。
func NewAuthenticateHandler(auth Authenticator, issuer TokenIssuer, audit AuditTrail, m metrics.MetricsCollector) *AuthenticateHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &AuthenticateHandler{auth: auth, issuer: issuer, audit: audit, metrics: m}
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

type tokenResponse struct {
	IDToken string `json:"id_token"`
}

// Authorize は資格情報を検証してトークンを発行する。
// POST /api/authenticate
//
// 未登録ユーザーとパスワード不一致は同じ401を返す。
// 成功・失敗とも監査記録はレスポンスより前に書き込む。
func (h *AuthenticateHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	account, err := h.auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		var credErr *model.CredentialError
		if !errors.As(err, &credErr) {
			middleware.WriteError(w, r, err)
			return
		}
		h.metrics.RecordLogin(metrics.LoginFailure)
		h.recordFailure(ctx, req.Username, err)
		middleware.WriteError(w, r, err)
		return
	}

	token, err := h.issuer.Issue(account.Login, account.Authorities, req.RememberMe)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	h.metrics.RecordLogin(metrics.LoginSuccess)
	if err := h.audit.RecordSuccess(ctx, account.Login); err != nil {
		slog.ErrorContext(ctx, "failed to record authentication success",
			slog.String("login", account.Login),
			slog.String("error", err.Error()),
		)
	}

	w.Header().Set("Authorization", "Bearer "+token)
	writeJSON(w, http.StatusOK, tokenResponse{IDToken: token})
}

func (h *AuthenticateHandler) recordFailure(ctx context.Context, username string, cause error) {
	login := model.NormalizeLogin(username)
	if err := h.audit.RecordFailure(ctx, login, cause); err != nil {
		slog.ErrorContext(ctx, "failed to record authentication failure",
			slog.String("login", login),
			slog.String("error", err.Error()),
		)
	}
}

// CurrentLogin は認証済みならログイン名を、匿名なら204を返す。
// GET /api/authenticate
func (h *AuthenticateHandler) CurrentLogin(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(principal.Login))
}
