// Package auth はポップアップ経由のOAuth認可フロー、ハンドオフコードの交換、
// セッション管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fakturidias/internal/metrics"
	"github.com/hitoshi/fakturidias/internal/model"
	"github.com/hitoshi/fakturidias/internal/repository"
)

// revokeTimeout はGoogleへのトークン失効要求の待ち時間。
const revokeTimeout = 5 * time.Second

// OAuthProvider はOAuth認可コードフローのプロバイダー。
type OAuthProvider interface {
	// Configured はクライアント資格情報が設定済みかを返す。
	Configured() bool
	// AuthCodeURL は同意画面のURLを生成する。
	AuthCodeURL(redirectURI, state string) string
	// Exchange は認可コードをトークンに交換する。
	Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error)
	// Revoke はトークンを失効させる。
	Revoke(ctx context.Context, token string) error
}

// TokenStore は委任トークンの永続化先。
type TokenStore interface {
	Get(ctx context.Context, identity string) (*model.TokenRecord, error)
	Put(ctx context.Context, rec *model.TokenRecord) (string, error)
	ConsumeHandoff(ctx context.Context, digest string, now time.Time) (*model.TokenRecord, error)
	Delete(ctx context.Context, identity string) error
}

// CredentialCache は識別子ごとにキャッシュされた資格情報を破棄する。
type CredentialCache interface {
	Forget(identity string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge  time.Duration // セッション有効期間
	HandoffCodeTTL time.Duration // ハンドオフコードの有効期間
	Metrics        metrics.MetricsCollector
	Credentials    CredentialCache // 任意
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	verifier    IdentityVerifier
	tokens      TokenStore
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	metrics     metrics.MetricsCollector
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	verifier IdentityVerifier,
	tokens TokenStore,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = 7 * 24 * time.Hour
	}
	if config.HandoffCodeTTL <= 0 {
		config.HandoffCodeTTL = 2 * time.Minute
	}
	return &Service{
		oauth:       oauth,
		verifier:    verifier,
		tokens:      tokens,
		sessionRepo: sessionRepo,
		config:      config,
		metrics:     metrics.OrNop(config.Metrics),
		now:         time.Now,
	}
}

// BeginAuth は同意画面のURLを生成する。
// リダイレクトURIはリクエストのオリジンから組み立てる。
func (s *Service) BeginAuth(origin RequestOrigin, state string) (string, error) {
	if !s.oauth.Configured() {
		return "", model.ErrNotConfigured
	}
	return s.oauth.AuthCodeURL(origin.RedirectURI(), state), nil
}

// CompleteAuth は認可コードをトークンに交換し、IDトークンで識別子を確定したうえで
// トークンを保存する。戻り値は元ウィンドウへ渡すハンドオフコード（平文）。
// 平文のコードは保存せず、レコードにはダイジェストのみを持たせる。
func (s *Service) CompleteAuth(ctx context.Context, code string, origin RequestOrigin) (string, error) {
	if !s.oauth.Configured() {
		return "", model.ErrNotConfigured
	}
	if code == "" {
		return "", fmt.Errorf("%w: missing authorization code", model.ErrAuthExchangeFailed)
	}

	// 1. 認可コードをトークンに交換（生成時と同じリダイレクトURIを使う）
	tok, err := s.oauth.Exchange(ctx, code, origin.RedirectURI())
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrAuthExchangeFailed, err)
	}

	// 2. IDトークンを検証し識別子を確定
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", fmt.Errorf("%w: token response has no id_token", model.ErrAuthExchangeFailed)
	}
	verified, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrAuthExchangeFailed, err)
	}
	identity := model.NormalizeIdentity(verified.Email)

	// 3. ハンドオフコードを発行
	handoff, err := NewHandoffCode()
	if err != nil {
		return "", err
	}
	expires := s.now().Add(s.config.HandoffCodeTTL)

	set := model.NewDelegatedTokenSet(identity, tok)
	if set.RefreshToken == "" {
		// 再同意でもリフレッシュトークンが返らない場合は既存のものを引き継ぐ
		if existing, err := s.tokens.Get(ctx, identity); err == nil && existing != nil {
			set.RefreshToken = existing.Tokens.RefreshToken
		}
	}

	// 4. 到達可能な最上位の層へ保存
	tier, err := s.tokens.Put(ctx, &model.TokenRecord{
		Identity:       identity,
		Tokens:         set,
		HandoffCode:    HandoffDigest(handoff),
		HandoffExpires: &expires,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store delegated tokens: %w", err)
	}
	if s.config.Credentials != nil {
		s.config.Credentials.Forget(identity)
	}

	s.metrics.RecordHandoffIssued()
	slog.Info("delegated tokens stored",
		slog.String("identity", identity),
		slog.String("tier", tier),
		slog.Bool("has_refresh_token", set.RefreshToken != ""),
	)
	return handoff, nil
}

// Redeem はハンドオフコードを一度だけ引き換え、セッションを発行する。
// 同じコードの2回目以降、および期限切れのコードは ErrInvalidOrExpiredCode になる。
func (s *Service) Redeem(ctx context.Context, code string) (*model.Session, error) {
	if code == "" {
		s.metrics.RecordHandoffRedeemed(false)
		return nil, model.ErrInvalidOrExpiredCode
	}

	rec, err := s.tokens.ConsumeHandoff(ctx, HandoffDigest(code), s.now())
	if err != nil {
		if errors.Is(err, model.ErrInvalidOrExpiredCode) {
			s.metrics.RecordHandoffRedeemed(false)
		}
		return nil, err
	}

	session, err := s.createSession(ctx, rec.Identity)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordHandoffRedeemed(true)
	slog.Info("handoff code redeemed", slog.String("identity", rec.Identity))
	return session, nil
}

// CurrentSession はセッションIDに対応する有効なセッションを返す。
// 存在しないか期限切れの場合は ErrNotAuthenticated を返す。
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, model.ErrNotAuthenticated
	}
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.ErrNotAuthenticated
	}
	if session.Expired(s.now()) {
		if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
			slog.Warn("failed to delete expired session", slog.String("error", err.Error()))
		}
		return nil, model.ErrNotAuthenticated
	}
	return session, nil
}

// Logout は指定セッションのみを削除する。委任トークンは保持する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Disconnect は連携を解除する。
// 識別子の全セッション、全層のトークンレコード、資格情報キャッシュを削除し、
// 最後にGoogle側のトークン失効を試みる。失効の失敗は記録のみ行う。
func (s *Service) Disconnect(ctx context.Context, sessionID string) error {
	session, err := s.CurrentSession(ctx, sessionID)
	if err != nil {
		return err
	}
	identity := session.Identity

	// 失効用にトークンを控えておく
	var revokeToken string
	if rec, err := s.tokens.Get(ctx, identity); err == nil && rec != nil {
		revokeToken = rec.Tokens.RefreshToken
		if revokeToken == "" {
			revokeToken = rec.Tokens.AccessToken
		}
	}

	var errs []error
	if err := s.sessionRepo.DeleteByIdentity(ctx, identity); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete sessions: %w", err))
	}
	if err := s.tokens.Delete(ctx, identity); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete delegated tokens: %w", err))
	}
	if s.config.Credentials != nil {
		s.config.Credentials.Forget(identity)
	}

	if revokeToken != "" {
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
		defer cancel()
		if err := s.oauth.Revoke(revokeCtx, revokeToken); err != nil {
			slog.Warn("failed to revoke token at provider",
				slog.String("identity", identity),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("delegation disconnected", slog.String("identity", identity))
	return nil
}

// createSession は新しいセッションを作成し保存する。
func (s *Service) createSession(ctx context.Context, identity string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:            sessionID,
		Identity:      identity,
		Authenticated: true,
		ExpiresAt:     now.Add(s.config.SessionMaxAge),
		CreatedAt:     now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}
