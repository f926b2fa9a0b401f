package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/authcore/internal/metrics"
	"github.com/hitoshi/authcore/internal/middleware"
	"github.com/hitoshi/authcore/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenParser       middleware.TokenParser
	CORSAllowedOrigin string
	HSTS              bool
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// ログイン
	Authenticator Authenticator
	TokenIssuer   TokenIssuer
	AuditTrail    AuditTrail

	// アカウント
	AccountService   AccountServiceInterface
	UserAdminService UserAdminServiceInterface

	// 監査
	AuditReader AuditReader
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Token → Logging
//
// Token はリクエストを拒否しない。認可は各ルートグループの RequireAuthenticated / RequireAuthority で行う。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewTokenMiddleware(deps.TokenParser, m))
	r.Use(middleware.NewLoggingMiddleware(logger, m))

	authenticateHandler := NewAuthenticateHandler(deps.Authenticator, deps.TokenIssuer, deps.AuditTrail, m)
	accountHandler := NewAccountHandler(deps.AccountService)
	userAdminHandler := NewUserAdminHandler(deps.UserAdminService)
	auditHandler := NewAuditHandler(deps.AuditReader)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		// --- 認証不要のルート ---
		r.With(deps.RateLimiter.LoginMiddleware()).Post("/authenticate", authenticateHandler.Authorize)
		r.Get("/authenticate", authenticateHandler.CurrentLogin)

		r.With(deps.RateLimiter.AccountMiddleware()).Post("/register", accountHandler.Register)
		r.Get("/activate", accountHandler.Activate)
		r.With(deps.RateLimiter.AccountMiddleware()).Post("/account/reset-password/init", accountHandler.RequestPasswordReset)
		r.Post("/account/reset-password/finish", accountHandler.CompletePasswordReset)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuthenticated())

			r.Get("/account", accountHandler.GetAccount)
			r.Post("/account", accountHandler.UpdateAccount)
			r.Post("/account/change-password", accountHandler.ChangePassword)
		})

		// --- 管理者のみ ---
		r.Route("/users", func(r chi.Router) {
			r.Use(middleware.RequireAuthority(model.AuthorityAdmin))

			r.Get("/", userAdminHandler.ListUsers)
			r.Post("/", userAdminHandler.CreateUser)
			r.Put("/", userAdminHandler.UpdateUser)
			r.Get("/authorities", userAdminHandler.ListAuthorities)
			r.Get("/{login}", userAdminHandler.GetUser)
			r.Delete("/{login}", userAdminHandler.DeleteUser)
			r.Post("/{login}/activation", userAdminHandler.ResendActivation)
		})
	})

	r.Route("/management/audits", func(r chi.Router) {
		r.Use(middleware.RequireAuthority(model.AuthorityAdmin))

		r.Get("/", auditHandler.ListAudits)
		r.Get("/{id}", auditHandler.GetAudit)
	})

	return r
}
