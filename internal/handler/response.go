// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/authcore/internal/middleware"
	"github.com/hitoshi/authcore/internal/model"
)

// totalCountHeader は一覧APIの総件数ヘッダー。
const totalCountHeader = "X-Total-Count"

// accountResponse はアカウント情報のAPIレスポンス。パスワードハッシュとキーは含めない。
type accountResponse struct {
	ID             string    `json:"id"`
	Login          string    `json:"login"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Email          string    `json:"email"`
	ImageURL       string    `json:"imageUrl"`
	LangKey        string    `json:"langKey"`
	Activated      bool      `json:"activated"`
	Authorities    []string  `json:"authorities"`
	CreatedBy      string    `json:"createdBy"`
	CreatedDate    time.Time `json:"createdDate"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	LastModified   time.Time `json:"lastModifiedDate"`
}

func toAccountResponse(a *model.Account) accountResponse {
	authorities := a.Authorities
	if authorities == nil {
		authorities = []string{}
	}
	return accountResponse{
		ID:             a.ID,
		Login:          a.Login,
		FirstName:      a.FirstName,
		LastName:       a.LastName,
		Email:          a.Email,
		ImageURL:       a.ImageURL,
		LangKey:        a.LangKey,
		Activated:      a.Activated,
		Authorities:    authorities,
		CreatedBy:      a.CreatedBy,
		CreatedDate:    a.CreatedAt,
		LastModifiedBy: a.LastModifiedBy,
		LastModified:   a.LastModifiedAt,
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON はリクエストボディをデコードする。失敗時は400を書き込み false を返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// currentLogin はコンテキストの主体のログイン名を返す。
// 匿名の場合は401を書き込み false を返す。
func currentLogin(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return principal.Login, true
}

// parsePage は page / size クエリパラメータを読み取る。
// 数値でない値は無視し、範囲外の値は PageRequest.Normalize で丸める。
func parsePage(r *http.Request) model.PageRequest {
	var p model.PageRequest
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		p.Page = v
	}
	if v, err := strconv.Atoi(q.Get("size")); err == nil {
		p.Size = v
	}
	return p.Normalize()
}

func setTotalCount(w http.ResponseWriter, n int) {
	w.Header().Set(totalCountHeader, strconv.Itoa(n))
}
