package mexc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
)

// BuildQuery renders params as a URL-encoded query string with keys in
// lexicographic order. url.Values.Encode sorts keys, which is exactly the
// canonical form the exchange signs.
func BuildQuery(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}

// Sign computes the lowercase hex HMAC-SHA256 of query under secret.
func Sign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery augments params with timestamp and recvWindow, canonicalizes
// them, and appends the signature. The same params and timestamp always
// produce the same string.
func SignedQuery(secret string, params map[string]string, timestampMs, recvWindowMs int64) string {
	all := make(map[string]string, len(params)+2)
	for k, v := range params {
		all[k] = v
	}
	all["timestamp"] = strconv.FormatInt(timestampMs, 10)
	all["recvWindow"] = strconv.FormatInt(recvWindowMs, 10)

	query := BuildQuery(all)
	return query + "&signature=" + Sign(secret, query)
}

// ValidSecret reports whether secret meets the signing key contract:
// lowercase hex charset and at least 32 characters.
func ValidSecret(secret string) bool {
	if len(secret) < 32 {
		return false
	}
	for _, c := range secret {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
