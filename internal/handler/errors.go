package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fakturidias/internal/mailer"
	"github.com/hitoshi/fakturidias/internal/middleware"
	"github.com/hitoshi/fakturidias/internal/model"
)

// mapServiceError はサービス層のエラーをHTTPステータスとAPIErrorに変換する。
func mapServiceError(err error) (int, *model.APIError) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return http.StatusBadRequest, apiErr
	case errors.Is(err, model.ErrNotConfigured):
		return http.StatusServiceUnavailable, model.NewNotConfiguredError()
	case errors.Is(err, model.ErrAuthExchangeFailed):
		return http.StatusBadGateway, model.NewAuthExchangeFailedError()
	case errors.Is(err, model.ErrInvalidOrExpiredCode):
		return http.StatusUnauthorized, model.NewInvalidOrExpiredCodeError()
	case errors.Is(err, model.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable, model.NewPersistenceUnavailableError()
	case errors.Is(err, model.ErrNotAuthenticated):
		return http.StatusUnauthorized, model.NewNotAuthenticatedError()
	case errors.Is(err, model.ErrDelegationExpired):
		return http.StatusUnauthorized, model.NewDelegationExpiredError()
	case errors.Is(err, mailer.ErrInvalidMessage):
		return http.StatusBadRequest, model.NewInvalidRequestError(err.Error())
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}

// handleServiceError はサービス層から返されたエラーを統一フォーマットで書き込む。
// 5xxは原因をログに残し、ユーザーには一般的なメッセージを返す。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, apiErr := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	} else {
		slog.Warn("request rejected",
			slog.String("path", r.URL.Path),
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
