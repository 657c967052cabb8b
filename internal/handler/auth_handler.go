// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fakturidias/internal/auth"
	"github.com/hitoshi/fakturidias/internal/middleware"
	"github.com/hitoshi/fakturidias/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	stateCookieAge   = 600 // 10分

	// handoffStorageKey はポップアップと元ウィンドウが共有する localStorage のキー。
	// postMessage のメッセージ種別にも同じ値を使う。
	handoffStorageKey = "fakturidias:handoff"

	maxLoginBodyBytes = 4 << 10
)

//go:embed templates/callback.html static/handoff.js
var assets embed.FS

var callbackTemplate = template.Must(template.ParseFS(assets, "templates/callback.html"))

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginAuth(origin auth.RequestOrigin, state string) (string, error)
	CompleteAuth(ctx context.Context, code string, origin auth.RequestOrigin) (string, error)
	Redeem(ctx context.Context, code string) (*model.Session, error)
	CurrentSession(ctx context.Context, sessionID string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
	// OpenerOrigin は postMessage の宛先オリジン。空の場合はリクエストのオリジンを使う。
	OpenerOrigin string
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// AuthURL は同意画面のURLを返す。ポップアップはこのURLを開く。
// GET /auth/google/url
func (h *AuthHandler) AuthURL(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	url, err := h.service.BeginAuth(auth.OriginFromRequest(r), state)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth/google",
		MaxAge:   stateCookieAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// callbackResult はコールバックページから元ウィンドウへ渡す内容。
type callbackResult struct {
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type callbackPage struct {
	Failed       bool
	Message      string
	Action       string
	Result       callbackResult
	TargetOrigin string
	StorageKey   string
}

// Callback はGoogleからのリダイレクトを処理し、ハンドオフコードを
// 元ウィンドウへ渡すページを返す。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	origin := auth.OriginFromRequest(r)
	q := r.URL.Query()

	// stateクッキーは成否に関わらず削除
	stateCookie, cookieErr := r.Cookie(oauthStateCookie)
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth/google",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 1. 同意画面でのキャンセル
	if providerErr := q.Get("error"); providerErr != "" {
		slog.Warn("oauth consent denied", slog.String("provider_error", providerErr))
		h.renderCallback(w, origin, http.StatusBadRequest, callbackResult{}, model.NewAuthExchangeFailedError())
		return
	}

	// 2. stateの検証（CSRF対策）
	state := q.Get("state")
	if cookieErr != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch")
		h.renderCallback(w, origin, http.StatusBadRequest, callbackResult{},
			model.NewInvalidRequestError("state mismatch"))
		return
	}

	// 3. コード交換とトークン保存
	handoff, err := h.service.CompleteAuth(r.Context(), q.Get("code"), origin)
	if err != nil {
		status, apiErr := mapServiceError(err)
		slog.Error("oauth callback failed",
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
		h.renderCallback(w, origin, status, callbackResult{}, apiErr)
		return
	}

	h.renderCallback(w, origin, http.StatusOK, callbackResult{Code: handoff}, nil)
}

func (h *AuthHandler) renderCallback(w http.ResponseWriter, origin auth.RequestOrigin, status int, result callbackResult, apiErr *model.APIError) {
	page := callbackPage{
		Result:       result,
		TargetOrigin: h.config.OpenerOrigin,
		StorageKey:   handoffStorageKey,
	}
	if page.TargetOrigin == "" {
		page.TargetOrigin = origin.Scheme + "://" + origin.Host
	}
	if apiErr != nil {
		page.Failed = true
		page.Message = apiErr.Message
		page.Action = apiErr.Action
		page.Result.Error = apiErr.Message
		page.Result.ErrorCode = apiErr.Code
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)
	if err := callbackTemplate.Execute(w, page); err != nil {
		slog.Error("failed to render callback page", slog.String("error", err.Error()))
	}
}

// HandoffScript は元ウィンドウ側でハンドオフコードを待ち受けるスクリプトを返す。
// GET /auth/handoff.js
func (h *AuthHandler) HandoffScript(w http.ResponseWriter, r *http.Request) {
	f, err := assets.Open("static/handoff.js")
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	io.Copy(w, f)
}

type loginRequest struct {
	Code string `json:"code"`
}

// Login はハンドオフコードを引き換え、セッションCookieを発行する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxLoginBodyBytes)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return
	}

	session, err := h.service.Redeem(r.Context(), req.Code)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"email":   session.Identity,
	})
}

// Session は現在のセッションの認証状態を返す。
// 未認証の場合はログイン開始先を含む401を返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.CurrentSession(r.Context(), sessionIDFromRequest(r))
	if err != nil {
		status, _ := mapServiceError(err)
		if status >= http.StatusInternalServerError {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"authenticated": false,
			"login_url":     model.LoginPath,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"email":         session.Identity,
		"expires_at":    session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Logout は現在のセッションのみを破棄する。委任トークンは保持する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), sessionIDFromRequest(r)); err != nil {
		// ログアウト失敗してもCookieはクリアする
		slog.Error("failed to logout", slog.String("error", err.Error()))
	}
	h.setSessionCookie(w, "", -1)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Disconnect は連携を解除する。
// 識別子の全セッションと全層のトークンを削除し、セッションCookieをクリアする。
// POST /auth/google/disconnect
func (h *AuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Disconnect(r.Context(), sessionIDFromRequest(r)); err != nil {
		handleServiceError(w, r, err)
		return
	}
	h.setSessionCookie(w, "", -1)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// setSessionCookie はセッションCookieを設定する。maxAge が負の場合は削除する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
