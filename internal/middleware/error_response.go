package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authcore/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// ErrorStatus は型付きエラーをHTTPステータスとAPIErrorに対応付ける。
// 型付きエラーでない場合は ok=false を返す。
func ErrorStatus(err error) (status int, apiErr *model.APIError, ok bool) {
	var credErr *model.CredentialError
	if !errors.As(err, &credErr) {
		return 0, nil, false
	}

	switch credErr.Kind {
	case model.KindInvalidToken:
		return http.StatusUnauthorized, model.NewUnauthorizedError(), true
	case model.KindBadCredentials:
		return http.StatusUnauthorized, model.NewBadCredentialsError(), true
	case model.KindNotActivated:
		return http.StatusUnauthorized, model.NewNotActivatedError(), true
	case model.KindNotFound:
		return http.StatusNotFound, model.NewNotFoundError(credErr.Field), true
	case model.KindAlreadyUsed:
		return http.StatusBadRequest, model.NewAlreadyUsedError(credErr.Field), true
	case model.KindExpired:
		return http.StatusBadRequest, model.NewKeyExpiredError(), true
	case model.KindAuthorizationMismatch:
		return http.StatusBadRequest, model.NewInvalidPasswordError(), true
	case model.KindInvalidInput:
		return http.StatusBadRequest, model.NewInvalidInputError(credErr.Message), true
	}
	return 0, nil, false
}

// WriteError はエラーの種類に応じたレスポンスを書き込む。
// 型付きエラー以外は内部エラーとしてログに記録し、500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if status, apiErr, ok := ErrorStatus(err); ok {
		WriteErrorResponse(w, status, apiErr)
		return
	}
	slog.ErrorContext(r.Context(), "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}
