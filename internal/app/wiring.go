package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/fakturidias/internal/auth"
	"github.com/hitoshi/fakturidias/internal/config"
	"github.com/hitoshi/fakturidias/internal/credential"
	"github.com/hitoshi/fakturidias/internal/database"
	"github.com/hitoshi/fakturidias/internal/handler"
	"github.com/hitoshi/fakturidias/internal/mailer"
	"github.com/hitoshi/fakturidias/internal/metrics"
	"github.com/hitoshi/fakturidias/internal/middleware"
	"github.com/hitoshi/fakturidias/internal/repository"
	"github.com/hitoshi/fakturidias/internal/tokenstore"
)

// startupPingTimeout は起動時にデータベースの疎通を待つ上限。
const startupPingTimeout = 5 * time.Second

// components はserveとworkerで共有する永続化層とメトリクス。
type components struct {
	db    *sql.DB       // DATABASE_URL 未設定時はnil
	redis *redis.Client // REDIS_URL 未設定時はnil

	store          *tokenstore.Store
	sessions       repository.SessionRepository
	sessionBackend string

	registry  *prometheus.Registry
	collector *metrics.Collector
}

// newComponents は設定に応じて保存層を組み立てる。
// 委任トークンは database > disk > memory の順に並べる。データベースに
// 起動時に到達できなくても、下位層へのフォールバックで動作を続ける。
func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{registry: prometheus.NewRegistry()}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.collector = metrics.NewCollector(c.registry)

	var tiers []tokenstore.Tier
	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.db = db
		if err := database.Ping(ctx, db, startupPingTimeout); err != nil {
			slog.Warn("database unreachable at startup, lower tiers will serve tokens",
				slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
				slog.String("error", err.Error()),
			)
		} else {
			slog.Info("database connection established")
		}
		tiers = append(tiers, repository.NewPostgresTokenRepo(db))
	}
	tiers = append(tiers, tokenstore.NewDiskTier(cfg.TokenDir), tokenstore.NewMemoryTier())
	c.store = tokenstore.NewStore(slog.Default(), c.collector, tiers...)

	switch {
	case cfg.RedisURL != "":
		client, err := repository.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.redis = client
		c.sessions = repository.NewRedisSessionRepo(client)
		c.sessionBackend = "redis"
	case c.db != nil:
		c.sessions = repository.NewPostgresSessionRepo(c.db)
		c.sessionBackend = "postgres"
	default:
		c.sessions = repository.NewMemorySessionRepo()
		c.sessionBackend = "memory"
	}

	return c, nil
}

// healthCheck は外部の保存先への疎通を確認する。
func (c *components) healthCheck(ctx context.Context) error {
	var errs []error
	if c.db != nil {
		if err := c.db.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close は開いている接続を閉じる。
func (c *components) Close() {
	if c.redis != nil {
		c.redis.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// newHandler はサービスとルーターを組み立てる。
// 返される関数はレートリミッターのバックグラウンド処理を止める。
func newHandler(ctx context.Context, cfg *config.Config, c *components) (http.Handler, func()) {
	provider := auth.NewGoogleProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	})
	verifier := auth.NewOIDCVerifier(ctx, cfg.GoogleClientID)

	resolver := credential.NewResolver(c.store, provider, credential.ResolverConfig{
		RefreshTimeout: cfg.TokenRefreshTimeout,
		Metrics:        c.collector,
	})

	authService := auth.NewService(provider, verifier, c.store, c.sessions, auth.ServiceConfig{
		SessionMaxAge:  time.Duration(cfg.SessionMaxAge) * time.Second,
		HandoffCodeTTL: cfg.HandoffCodeTTL,
		Metrics:        c.collector,
		Credentials:    resolver,
	})

	limiterConfig := middleware.DefaultRateLimiterConfig()
	limiterConfig.GeneralRate = perMinute(cfg.RateLimitGeneral)
	limiterConfig.GeneralBurst = cfg.RateLimitGeneral
	limiterConfig.LoginRate = perMinute(cfg.RateLimitLogin)
	limiterConfig.LoginBurst = cfg.RateLimitLogin
	limiterConfig.TrustProxy = cfg.TrustProxy
	limiter := middleware.NewRateLimiter(limiterConfig)

	router := handler.NewRouter(&handler.RouterDeps{
		SessionResolver:   authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Metrics: c.collector,
		Logger:  slog.Default(),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
			OpenerOrigin:  cfg.CORSAllowedOrigin,
		},

		Mailer: mailer.NewGmailSender(resolver, ""),

		HealthChecker:  c.healthCheck,
		MetricsHandler: metrics.Handler(c.registry),
	})

	return router, limiter.Stop
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}
