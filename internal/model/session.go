package model

import "time"

// Session はブラウザCookieと認証済み識別子を結びつけるサーバー側レコード。
type Session struct {
	ID            string
	Identity      string
	Authenticated bool
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Expired は now 時点でセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
