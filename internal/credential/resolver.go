// Package credential は保存済みの委任トークンから外部API呼び出し用の資格情報を解決する。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fakturidias/internal/metrics"
	"github.com/hitoshi/fakturidias/internal/model"
	"github.com/hitoshi/fakturidias/internal/tokenstore"
)

const (
	// defaultRefreshSkew はアクセストークンを更新する有効期限までの残り時間。
	defaultRefreshSkew = 60 * time.Second
	// defaultRefreshTimeout はトークン更新要求の待ち時間。
	defaultRefreshTimeout = 10 * time.Second
)

// TokenRefresher はリフレッシュトークンでアクセストークンを更新する。
type TokenRefresher interface {
	Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)
}

// TokenStore は資格情報の読み出し元。
type TokenStore interface {
	Get(ctx context.Context, identity string) (*model.TokenRecord, error)
	Put(ctx context.Context, rec *model.TokenRecord) (string, error)
	PutIfUnchanged(ctx context.Context, rec *model.TokenRecord, loadedAt time.Time) (string, error)
	Latest(ctx context.Context, levels ...tokenstore.Level) (*model.TokenRecord, error)
}

// Credential は外部APIの呼び出しに使う解決済みの資格情報。
type Credential struct {
	Identity string
	Token    *oauth2.Token
}

// HTTPClient はアクセストークンを付与するHTTPクライアントを返す。
// 更新は Resolver が行うため、トークンソースは固定値を返す。
func (c *Credential) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(c.Token))
}

// ResolverConfig はResolverの設定。
type ResolverConfig struct {
	RefreshSkew    time.Duration
	RefreshTimeout time.Duration
	Metrics        metrics.MetricsCollector
}

// Resolver は識別子に対する資格情報を解決する。
// 解決結果はプロセス内にキャッシュし、期限が近づいたものだけを更新する。
type Resolver struct {
	store     TokenStore
	refresher TokenRefresher
	config    ResolverConfig
	metrics   metrics.MetricsCollector
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]*model.TokenRecord
	locks map[string]*sync.Mutex
}

// NewResolver はResolverを生成する。
func NewResolver(store TokenStore, refresher TokenRefresher, config ResolverConfig) *Resolver {
	if config.RefreshSkew <= 0 {
		config.RefreshSkew = defaultRefreshSkew
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaultRefreshTimeout
	}
	return &Resolver{
		store:     store,
		refresher: refresher,
		config:    config,
		metrics:   metrics.OrNop(config.Metrics),
		now:       time.Now,
		cache:     make(map[string]*model.TokenRecord),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Resolve は識別子の資格情報を返す。
// identity が空の場合は識別子を持たない呼び出し元向けに、ディスク層、
// データベース層の順で最も新しく更新されたレコードを使う。
func (r *Resolver) Resolve(ctx context.Context, identity string) (*Credential, error) {
	key := model.NormalizeIdentity(identity)

	// 同じ識別子の更新が並行しないよう識別子単位で直列化する
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec := r.cached(key)
	if rec == nil || r.needsRefresh(rec.Tokens) {
		loaded, err := r.load(ctx, key)
		if err != nil {
			return nil, err
		}
		rec = loaded
	}

	if r.needsRefresh(rec.Tokens) {
		refreshed, err := r.refresh(ctx, rec)
		if err != nil {
			r.Forget(key)
			return nil, err
		}
		rec = refreshed
	}

	r.mu.Lock()
	r.cache[key] = rec
	r.mu.Unlock()

	return &Credential{Identity: rec.Identity, Token: rec.Tokens.OAuth2Token()}, nil
}

// Forget は識別子のキャッシュを破棄する。
// 識別子なしの解決結果も同じ識別子を指している可能性があるため一緒に破棄する。
func (r *Resolver) Forget(identity string) {
	key := model.NormalizeIdentity(identity)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
	if def, ok := r.cache[""]; ok && def.Identity == key {
		delete(r.cache, "")
	}
}

func (r *Resolver) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func (r *Resolver) cached(key string) *model.TokenRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[key]
}

func (r *Resolver) load(ctx context.Context, key string) (*model.TokenRecord, error) {
	var (
		rec *model.TokenRecord
		err error
	)
	if key == "" {
		rec, err = r.store.Latest(ctx, tokenstore.LevelDisk, tokenstore.LevelDatabase)
	} else {
		rec, err = r.store.Get(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delegated tokens: %w", err)
	}
	if rec == nil || rec.Tokens.AccessToken == "" && rec.Tokens.RefreshToken == "" {
		return nil, model.ErrNotAuthenticated
	}
	return rec, nil
}

// needsRefresh は有効期限が RefreshSkew 以内に迫っているかを返す。
// 有効期限のないトークンは更新しない。
func (r *Resolver) needsRefresh(set model.DelegatedTokenSet) bool {
	if set.AccessToken == "" {
		return true
	}
	if set.Expiry.IsZero() {
		return false
	}
	return !r.now().Add(r.config.RefreshSkew).Before(set.Expiry)
}

func (r *Resolver) refresh(ctx context.Context, rec *model.TokenRecord) (*model.TokenRecord, error) {
	if rec.Tokens.RefreshToken == "" {
		r.metrics.RecordTokenRefresh(false)
		return nil, fmt.Errorf("%w: no refresh token", model.ErrDelegationExpired)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, r.config.RefreshTimeout)
	defer cancel()

	next, err := r.refresher.Refresh(refreshCtx, rec.Tokens.OAuth2Token())
	if err != nil {
		r.metrics.RecordTokenRefresh(false)
		slog.Warn("token refresh failed",
			slog.String("identity", rec.Identity),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrDelegationExpired, err)
	}
	r.metrics.RecordTokenRefresh(true)

	updated := *rec
	updated.Tokens = rec.Tokens.Merge(next)
	// 読み込み後に引き換えられたコードを書き戻しで復活させない
	updated.ClearHandoff()
	tier, err := r.store.PutIfUnchanged(ctx, &updated, rec.UpdatedAt)
	switch {
	case errors.Is(err, tokenstore.ErrRecordChanged):
		// 更新中に再サインインや削除があった場合は保存済みのレコードを優先する
		slog.Info("token record changed during refresh; keeping stored record",
			slog.String("identity", rec.Identity),
			slog.String("tier", tier),
		)
		return r.reloadAfterConflict(ctx, rec.Identity, &updated)
	case err != nil:
		// 更新済みトークンは今回の呼び出しには使える
		slog.Warn("failed to write back refreshed tokens",
			slog.String("identity", rec.Identity),
			slog.String("error", err.Error()),
		)
	default:
		slog.Debug("refreshed tokens written back",
			slog.String("identity", rec.Identity),
			slog.String("tier", tier),
		)
	}
	return &updated, nil
}

// reloadAfterConflict は書き戻しが競合した後のレコードを選ぶ。
// 削除済みなら委任切れとし、保存済みのトークンが有効ならそれを使う。
func (r *Resolver) reloadAfterConflict(ctx context.Context, identity string, refreshed *model.TokenRecord) (*model.TokenRecord, error) {
	stored, err := r.store.Get(ctx, identity)
	if err != nil {
		return refreshed, nil
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: delegation revoked during refresh", model.ErrDelegationExpired)
	}
	if r.needsRefresh(stored.Tokens) {
		return refreshed, nil
	}
	return stored, nil
}
