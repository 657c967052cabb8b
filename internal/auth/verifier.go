package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	// GoogleIssuer はGoogleのIDトークンの発行者。
	GoogleIssuer = "https://accounts.google.com"
	// GoogleJWKSURL はGoogleの署名鍵セットの公開URL。
	GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// VerifiedIdentity はIDトークンの検証で確定したユーザー情報。
type VerifiedIdentity struct {
	Subject string
	Email   string
	Name    string
}

// IdentityVerifier はIDトークンを検証し、ユーザーの識別子を取り出す。
type IdentityVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*VerifiedIdentity, error)
}

// OIDCVerifier はgo-oidcでIDトークンの署名、発行者、対象者、有効期限を検証する。
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier はGoogleの公開鍵セットを使うOIDCVerifierを生成する。
// ctx は鍵セットの取得に使われ続けるため、プロセスと同じ寿命のものを渡す。
func NewOIDCVerifier(ctx context.Context, clientID string) *OIDCVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, GoogleJWKSURL)
	return NewOIDCVerifierWithKeySet(GoogleIssuer, clientID, keySet)
}

// NewOIDCVerifierWithKeySet は任意の鍵セットを使うOIDCVerifierを生成する。
func NewOIDCVerifierWithKeySet(issuer, clientID string, keySet oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: clientID}),
	}
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// Verify はIDトークンを検証する。メールアドレスが未確認のトークンは拒否する。
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (*VerifiedIdentity, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}

	var claims googleClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token claims: %w", err)
	}
	if claims.Email == "" {
		return nil, errors.New("id token has no email claim")
	}
	if !claims.EmailVerified {
		return nil, errors.New("email address is not verified")
	}

	return &VerifiedIdentity{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
	}, nil
}

// compile-time interface check
var _ IdentityVerifier = (*OIDCVerifier)(nil)
