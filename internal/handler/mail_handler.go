package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/hitoshi/fakturidias/internal/mailer"
	"github.com/hitoshi/fakturidias/internal/middleware"
	"github.com/hitoshi/fakturidias/internal/model"
)

const maxMailBodyBytes = 2 << 20

// MailSender はメール送信のサービスインターフェース。
type MailSender interface {
	Send(ctx context.Context, identity string, msg mailer.Message) (string, error)
}

// MailHandler はメール送信のHTTPハンドラー。
type MailHandler struct {
	sender MailSender
}

// NewMailHandler はMailHandlerを生成する。
func NewMailHandler(sender MailSender) *MailHandler {
	return &MailHandler{sender: sender}
}

// Send はログイン中のユーザーとしてメールを送信する。
// POST /api/mail/send
func (h *MailHandler) Send(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	var msg mailer.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMailBodyBytes)).Decode(&msg); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return
	}

	id, err := h.sender.Send(r.Context(), identity, msg)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}
