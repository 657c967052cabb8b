package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// handoffCodeBytes はハンドオフコードのエントロピー（256ビット）。
const handoffCodeBytes = 32

// NewHandoffCode はポップアップから元ウィンドウへ渡す使い捨てコードを生成する。
// URLセーフなbase64（パディングなし）で43文字になる。
func NewHandoffCode() (string, error) {
	b := make([]byte, handoffCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate handoff code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HandoffDigest はハンドオフコードの保存用ダイジェストを返す。
func HandoffDigest(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// generateSessionID はランダムなセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
