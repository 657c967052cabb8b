// Package mailer は委任されたGoogle資格情報でユーザーに代わってメールを送信する。
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/mail"
	"strings"

	"github.com/hitoshi/fakturidias/internal/credential"
	"github.com/hitoshi/fakturidias/internal/model"
)

const (
	defaultGmailBaseURL = "https://gmail.googleapis.com"
	sendPath            = "/gmail/v1/users/me/messages/send"
	maxBodyBytes        = 1 << 20
)

// ErrInvalidMessage は送信内容が不正であることを示す。
var ErrInvalidMessage = errors.New("invalid message")

// CredentialResolver は識別子から資格情報を解決する。
type CredentialResolver interface {
	Resolve(ctx context.Context, identity string) (*credential.Credential, error)
	Forget(identity string)
}

// Message は送信するプレーンテキストメール。
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Validate は宛先と件名を検証する。
// 件名に改行を含むメッセージはヘッダーインジェクションになるため拒否する。
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if strings.ContainsAny(m.To, "\r\n") {
		return fmt.Errorf("%w: recipient contains line break", ErrInvalidMessage)
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("%w: invalid recipient: %v", ErrInvalidMessage, err)
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("%w: subject contains line break", ErrInvalidMessage)
	}
	if len(m.Body) > maxBodyBytes {
		return fmt.Errorf("%w: body too large", ErrInvalidMessage)
	}
	return nil
}

// rfc2822 はGmail APIの raw フィールドに入れるメッセージを組み立てる。
func (m Message) rfc2822() []byte {
	var buf bytes.Buffer
	buf.WriteString("To: " + m.To + "\r\n")
	buf.WriteString("Subject: " + mime.BEncoding.Encode("UTF-8", m.Subject) + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(base64.StdEncoding.EncodeToString([]byte(m.Body)))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// GmailSender はGmail APIでメールを送信する。
type GmailSender struct {
	resolver CredentialResolver
	baseURL  string
}

// NewGmailSender はGmailSenderを生成する。baseURL が空の場合はGmail APIを使う。
func NewGmailSender(resolver CredentialResolver, baseURL string) *GmailSender {
	if baseURL == "" {
		baseURL = defaultGmailBaseURL
	}
	return &GmailSender{resolver: resolver, baseURL: strings.TrimRight(baseURL, "/")}
}

type sendRequest struct {
	Raw string `json:"raw"`
}

type sendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// Send は識別子の資格情報でメールを送信し、送信されたメッセージのIDを返す。
func (s *GmailSender) Send(ctx context.Context, identity string, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	cred, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(sendRequest{
		Raw: base64.RawURLEncoding.EncodeToString(msg.rfc2822()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+sendPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cred.HTTPClient(ctx).Do(req)
	if err != nil {
		return "", fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		// サーバー側で失効したトークンはキャッシュに残さない
		s.resolver.Forget(cred.Identity)
		return "", fmt.Errorf("%w: gmail rejected the access token", model.ErrDelegationExpired)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("gmail send failed with status %d: %s", resp.StatusCode, string(body))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}

	slog.Info("mail sent",
		slog.String("identity", cred.Identity),
		slog.String("message_id", out.ID),
	)
	return out.ID, nil
}
