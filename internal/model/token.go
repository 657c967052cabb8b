package model

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// NormalizeIdentity はメールアドレスを識別子として比較可能な形に正規化する。
func NormalizeIdentity(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DelegatedTokenSet はGoogleから委任されたトークン一式を表す。
// リフレッシュトークンはアクセストークン失効後も保持し、連携解除時のみ削除する。
type DelegatedTokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Owner        string    `json:"owner"`
}

// NewDelegatedTokenSet はoauth2.Tokenから DelegatedTokenSet を構築する。
func NewDelegatedTokenSet(owner string, tok *oauth2.Token) DelegatedTokenSet {
	set := DelegatedTokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Owner:        owner,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	return set
}

// OAuth2Token はoauth2パッケージで扱える形に変換する。
func (s DelegatedTokenSet) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		Expiry:       s.Expiry,
	}
}

// Merge はリフレッシュ結果を反映した新しいトークンセットを返す。
// 新しいリフレッシュトークンが返されなかった場合は既存のものを保持する。
func (s DelegatedTokenSet) Merge(tok *oauth2.Token) DelegatedTokenSet {
	next := s
	next.AccessToken = tok.AccessToken
	next.Expiry = tok.Expiry
	if tok.TokenType != "" {
		next.TokenType = tok.TokenType
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		next.IDToken = idToken
	}
	return next
}

// TokenRecord は各ストレージ層に保存される識別子ごとのレコード。
// HandoffCode にはハンドオフコードのSHA-256ダイジェストを保持し、平文は保存しない。
type TokenRecord struct {
	Identity       string            `json:"identity"`
	Tokens         DelegatedTokenSet `json:"tokens"`
	HandoffCode    string            `json:"handoff_code,omitempty"`
	HandoffExpires *time.Time        `json:"handoff_expires,omitempty"`
	// MigratedFrom は上位層へ複製された際の複製元の層名。
	MigratedFrom string `json:"migrated_from,omitempty"`
	// MigratedAt は下位層のレコードが上位層へ複製済みであることを示すタグ。
	MigratedAt *time.Time `json:"migrated_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HandoffValid はダイジェストが一致し、かつ now 時点で期限内かどうかを返す。
func (r *TokenRecord) HandoffValid(digest string, now time.Time) bool {
	if r.HandoffCode == "" || r.HandoffExpires == nil {
		return false
	}
	return r.HandoffCode == digest && now.Before(*r.HandoffExpires)
}

// ClearHandoff はハンドオフコードを無効化する。
func (r *TokenRecord) ClearHandoff() {
	r.HandoffCode = ""
	r.HandoffExpires = nil
}
