package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fakturidias/internal/metrics"
	"github.com/hitoshi/fakturidias/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionResolver   middleware.SessionResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Metrics           metrics.MetricsCollector
	Logger            *slog.Logger

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// メール送信
	Mailer MailSender

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS
//	  /auth/login:            + RateLimit(Login)
//	  /auth/google/disconnect: + Session → CSRF
//	  /api/*:                 + Session → RateLimit(General) → CSRF
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	mailHandler := NewMailHandler(deps.Mailer)
	sessionMW := middleware.NewSessionMiddleware(deps.SessionResolver)
	csrfMW := middleware.NewCSRFMiddleware(deps.CSRFConfig)

	// --- 認証不要のルート ---

	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 認証ルート（ポップアップOAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/url", authHandler.AuthURL)
		r.Get("/google/callback", authHandler.Callback)
		r.Get("/handoff.js", authHandler.HandoffScript)
		r.Get("/session", authHandler.Session)
		r.Post("/logout", authHandler.Logout)

		// ハンドオフコードの総当たりを防ぐためIP単位で制限する
		r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)

		r.With(sessionMW, csrfMW).Post("/google/disconnect", authHandler.Disconnect)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(sessionMW)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// トークン発行自体はCSRF検証の対象外
		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		r.With(csrfMW).Post("/api/mail/send", mailHandler.Send)
	})

	return r
}
