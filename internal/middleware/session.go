// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fakturidias/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに認証済み識別子を格納するためのキー。
var identityContextKey = contextKey("identity")

// SessionResolver はセッションIDから有効なセッションを解決する。
// 存在しないか期限切れの場合は model.ErrNotAuthenticated を返す。
type SessionResolver interface {
	CurrentSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 有効性を検証するミドルウェアを返す。
// 認証済み識別子をリクエストコンテキストに注入する。
// 未認証リクエストにはログイン開始先を含む401を、ストア障害時は500を返す。
func NewSessionMiddleware(sessions SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからセッションIDを取得
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			// 2. セッションの有効性を検証
			session, err := sessions.CurrentSession(r.Context(), cookie.Value)
			if err != nil {
				if errors.Is(err, model.ErrNotAuthenticated) {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
					return
				}
				// ストアの障害は未認証として扱わない
				slog.Error("failed to find session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			// 3. 認証済み識別子をコンテキストに注入
			setRequestIdentity(r.Context(), session.Identity)
			ctx := ContextWithIdentity(r.Context(), session.Identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext はリクエストコンテキストから認証済み識別子を取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityContextKey).(string)
	if !ok || identity == "" {
		return "", false
	}
	return identity, true
}

// ContextWithIdentity はコンテキストに識別子を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
