package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultGoogleRevokeURL = "https://oauth2.googleapis.com/revoke"

// GmailSendScope はユーザーに代わってメールを送信するためのスコープ。
const GmailSendScope = "https://www.googleapis.com/auth/gmail.send"

// DefaultScopes は認可時に要求するスコープ。
var DefaultScopes = []string{"openid", "email", "profile", GmailSendScope}

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	// テスト用にオーバーライド可能なURL
	AuthURL   string
	TokenURL  string
	RevokeURL string

	// HTTPClient はトークンエンドポイントへの通信に使う。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GoogleProvider はGoogle OAuth 2.0の認可コードフローを提供する。
// oauth2.Config はリクエストごとに組み立て、リクエスト間で共有しない。
type GoogleProvider struct {
	config GoogleOAuthConfig
}

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(config GoogleOAuthConfig) *GoogleProvider {
	if config.AuthURL == "" {
		config.AuthURL = google.Endpoint.AuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = google.Endpoint.TokenURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaultGoogleRevokeURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = DefaultScopes
	}
	return &GoogleProvider{config: config}
}

// Configured はクライアントIDとシークレットの両方が設定されているかを返す。
func (p *GoogleProvider) Configured() bool {
	return p.config.ClientID != "" && p.config.ClientSecret != ""
}

func (p *GoogleProvider) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       p.config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.config.AuthURL,
			TokenURL:  p.config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (p *GoogleProvider) clientContext(ctx context.Context) context.Context {
	if p.config.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.config.HTTPClient)
}

// AuthCodeURL は同意画面のURLを生成する。
// リフレッシュトークンを得るため access_type=offline を、再訪ユーザーにも
// リフレッシュトークンを再発行させるため prompt=consent を付ける。
func (p *GoogleProvider) AuthCodeURL(redirectURI, state string) string {
	return p.oauth2Config(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange は認可コードをトークンに交換する。
// redirectURI は AuthCodeURL に渡したものと同じでなければならない。
func (p *GoogleProvider) Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	tok, err := p.oauth2Config(redirectURI).Exchange(p.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	return tok, nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
// 呼び出し側は ctx にタイムアウトを設定すること。
func (p *GoogleProvider) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	expired := *tok
	expired.AccessToken = ""
	src := p.oauth2Config("").TokenSource(p.clientContext(ctx), &expired)
	next, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return next, nil
}

// Revoke はトークンを失効させる。
func (p *GoogleProvider) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := p.config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("revoke failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// compile-time interface check
var _ OAuthProvider = (*GoogleProvider)(nil)
