package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/fakturidias/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。再ログインが必要な場合は login_url を付ける。
type ErrorResponseBody struct {
	Success  bool   `json:"success"`
	Code     string `json:"code"`
	Error    string `json:"error"`
	Category string `json:"category"`
	Action   string `json:"action"`
	LoginURL string `json:"login_url,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Success:  false,
		Code:     apiErr.Code,
		Error:    apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
	switch apiErr.Code {
	case model.ErrCodeNotAuthenticated, model.ErrCodeDelegationExpired:
		body.LoginURL = model.LoginPath
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
