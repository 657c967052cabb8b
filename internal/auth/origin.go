package auth

import (
	"net/http"
	"strings"
)

// CallbackPath はGoogleからのリダイレクトを受けるパス。
const CallbackPath = "/auth/google/callback"

// RequestOrigin はリクエストを受けた公開側のスキームとホスト。
// リダイレクトURIは毎回このオリジンから組み立てるため、デプロイ先に依存しない。
type RequestOrigin struct {
	Scheme string
	Host   string
}

// OriginFromRequest はリバースプロキシのX-Forwarded-*ヘッダーを優先してオリジンを求める。
// ヘッダーが複数値の場合は最初の値（クライアントに最も近いプロキシ）を使う。
func OriginFromRequest(r *http.Request) RequestOrigin {
	scheme := firstHeaderValue(r.Header.Get("X-Forwarded-Proto"))
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}

	host := firstHeaderValue(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = r.Host
	}

	return RequestOrigin{Scheme: strings.ToLower(scheme), Host: host}
}

// RedirectURI はOAuthのリダイレクトURIを返す。
// 認可URLの生成時とコード交換時で同じ値にならなければGoogleが交換を拒否する。
func (o RequestOrigin) RedirectURI() string {
	return o.Scheme + "://" + o.Host + CallbackPath
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
