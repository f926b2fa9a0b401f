package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/authcore/internal/account"
	"github.com/hitoshi/authcore/internal/middleware"
	"github.com/hitoshi/authcore/internal/model"
)

// UserAdminServiceInterface は管理者向けユーザー管理ハンドラーが必要とするサービスインターフェース。
type UserAdminServiceInterface interface {
	CreateAccount(ctx context.Context, actor string, in account.ManagedAccountInput) (*model.Account, error)
	UpdateAccount(ctx context.Context, actor string, in account.ManagedAccountInput) (*model.Account, error)
	DeleteAccount(ctx context.Context, login string) error
	IssueActivation(ctx context.Context, login string) (*model.Account, error)
	GetAccount(ctx context.Context, login string) (*model.Account, error)
	ListManaged(ctx context.Context, page model.PageRequest) ([]*model.Account, error)
	CountManaged(ctx context.Context) (int, error)
	Authorities(ctx context.Context) ([]string, error)
}

// UserAdminHandler は管理者向けユーザー管理のHTTPハンドラー。
// ルーティング側で ROLE_ADMIN を要求する。
type UserAdminHandler struct {
	service UserAdminServiceInterface
}

// NewUserAdminHandler はUserAdminHandlerを生成する。
func NewUserAdminHandler(service UserAdminServiceInterface) *UserAdminHandler {
	return &UserAdminHandler{service: service}
}

type managedUserRequest struct {
	ID          string   `json:"id"`
	Login       string   `json:"login"`
	Activated   bool     `json:"activated"`
	Authorities []string `json:"authorities"`
	profileRequest
}

func (m managedUserRequest) toInput() account.ManagedAccountInput {
	return account.ManagedAccountInput{
		ID:          m.ID,
		Login:       m.Login,
		Activated:   m.Activated,
		Authorities: m.Authorities,
		Profile:     m.toProfile(),
	}
}

// ListUsers は匿名ユーザーを除くアカウント一覧を返す。
// GET /api/users?page=0&size=20
func (h *UserAdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page := parsePage(r)

	total, err := h.service.CountManaged(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	accounts, err := h.service.ListManaged(r.Context(), page)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	results := make([]accountResponse, len(accounts))
	for i, a := range accounts {
		results[i] = toAccountResponse(a)
	}
	setTotalCount(w, total)
	writeJSON(w, http.StatusOK, results)
}

// CreateUser は管理者がアカウントを作成する。
// POST /api/users
func (h *UserAdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentLogin(w, r)
	if !ok {
		return
	}
	var req managedUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID != "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidInputError("新規作成ではIDを指定できません"))
		return
	}

	a, err := h.service.CreateAccount(r.Context(), actor, req.toInput())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/users/"+a.Login)
	writeJSON(w, http.StatusCreated, toAccountResponse(a))
}

// UpdateUser は管理者がアカウントを更新する。
// PUT /api/users
func (h *UserAdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := currentLogin(w, r)
	if !ok {
		return
	}
	var req managedUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidInputError("更新対象のIDを指定してください"))
		return
	}

	a, err := h.service.UpdateAccount(r.Context(), actor, req.toInput())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

// GetUser はログイン名でアカウントを返す。
// GET /api/users/{login}
func (h *UserAdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "login"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

// DeleteUser はログイン名で指定したアカウントを削除する。
// DELETE /api/users/{login}
func (h *UserAdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteAccount(r.Context(), chi.URLParam(r, "login")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResendActivation は未有効化アカウントに新しい有効化キーを発行して通知する。
// 以前のキーは使えなくなる。有効化済みまたは存在しない場合は404。
// POST /api/users/{login}/activation
func (h *UserAdminHandler) ResendActivation(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.IssueActivation(r.Context(), chi.URLParam(r, "login"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

// ListAuthorities は登録済みの権限名を返す。
// GET /api/users/authorities
func (h *UserAdminHandler) ListAuthorities(w http.ResponseWriter, r *http.Request) {
	names, err := h.service.Authorities(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}
