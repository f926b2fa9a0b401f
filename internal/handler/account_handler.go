package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authcore/internal/account"
	"github.com/hitoshi/authcore/internal/middleware"
	"github.com/hitoshi/authcore/internal/model"
)

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	Register(ctx context.Context, in account.RegisterInput, password string) (*model.Account, error)
	Activate(ctx context.Context, key string) (*model.Account, error)
	GetAccount(ctx context.Context, login string) (*model.Account, error)
	UpdateProfile(ctx context.Context, login string, p account.Profile) (*model.Account, error)
	ChangePassword(ctx context.Context, login, currentPassword, newPassword string) error
	RequestPasswordReset(ctx context.Context, email string) (*model.Account, error)
	CompletePasswordReset(ctx context.Context, newPassword, key string) (*model.Account, error)
}

// AccountHandler は本人のアカウント操作のHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface) *AccountHandler {
	return &AccountHandler{service: service}
}

type profileRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	ImageURL  string `json:"imageUrl"`
	LangKey   string `json:"langKey"`
}

func (p profileRequest) toProfile() account.Profile {
	return account.Profile{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		ImageURL:  p.ImageURL,
		LangKey:   p.LangKey,
	}
}

type registerRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	profileRequest
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type resetInitRequest struct {
	Email string `json:"email"`
}

type resetFinishRequest struct {
	Key         string `json:"key"`
	NewPassword string `json:"newPassword"`
}

// Register はセルフ登録を処理する。
// POST /api/register
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	_, err := h.service.Register(r.Context(), account.RegisterInput{
		Login:   req.Login,
		Profile: req.toProfile(),
	}, req.Password)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// Activate は有効化キーを消費する。
// GET /api/activate?key=xxx
func (h *AccountHandler) Activate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.Activate(r.Context(), r.URL.Query().Get("key")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetAccount は認証済み利用者自身のアカウントを返す。
// GET /api/account
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	login, ok := currentLogin(w, r)
	if !ok {
		return
	}

	a, err := h.service.GetAccount(r.Context(), login)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

// UpdateAccount は認証済み利用者自身のプロフィールを更新する。
// POST /api/account
func (h *AccountHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	login, ok := currentLogin(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.service.UpdateProfile(r.Context(), login, req.toProfile())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

// ChangePassword は現在のパスワードを確認してパスワードを変更する。
// POST /api/account/change-password
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	login, ok := currentLogin(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), login, req.CurrentPassword, req.NewPassword); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RequestPasswordReset はリセットキーの発行を要求する。
// POST /api/account/reset-password/init
//
// メールアドレスの登録有無を推測されないよう、未登録でも200を返す。
func (h *AccountHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetInitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		if !errors.Is(err, model.ErrEmailNotFound) {
			middleware.WriteError(w, r, err)
			return
		}
		slog.WarnContext(r.Context(), "password reset requested for unknown email")
	}
	w.WriteHeader(http.StatusOK)
}

// CompletePasswordReset はリセットキーを消費して新しいパスワードを設定する。
// POST /api/account/reset-password/finish
func (h *AccountHandler) CompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetFinishRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.service.CompletePasswordReset(r.Context(), req.NewPassword, req.Key); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
