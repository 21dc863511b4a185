package mexc

import (
	"strings"
	"testing"
)

func TestSignedQueryDeterminism(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	params := map[string]string{
		"symbol":   "BTCUSDT",
		"side":     "BUY",
		"type":     "MARKET",
		"quantity": "0.001",
	}
	const ts = int64(1700000000000)

	first := SignedQuery(secret, params, ts, 5000)
	second := SignedQuery(secret, params, ts, 5000)
	if first != second {
		t.Fatalf("same params and timestamp must sign identically:\n%s\n%s", first, second)
	}

	idx := strings.LastIndex(first, "signature=")
	if idx < 0 {
		t.Fatal("signed query missing signature parameter")
	}
	sig := first[idx+len("signature="):]
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %s", len(sig), sig)
	}
	for _, c := range sig {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("signature contains non-hex char %q", c)
		}
	}

	// recomputing the HMAC over the query string reproduces the signature
	query := first[:idx-1] // strip "&signature=..."
	if Sign(secret, query) != sig {
		t.Fatal("recomputed HMAC does not match embedded signature")
	}
}

func TestSignedQueryMutationChangesDigest(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	base := map[string]string{
		"symbol":   "BTCUSDT",
		"side":     "BUY",
		"type":     "MARKET",
		"quantity": "0.001",
	}
	const ts = int64(1700000000000)
	reference := SignedQuery(secret, base, ts, 5000)

	mutations := []map[string]string{
		{"symbol": "BTCUSDU", "side": "BUY", "type": "MARKET", "quantity": "0.001"},
		{"symbol": "BTCUSDT", "side": "SEL", "type": "MARKET", "quantity": "0.001"},
		{"symbol": "BTCUSDT", "side": "BUY", "type": "MARKEU", "quantity": "0.001"},
		{"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET", "quantity": "0.002"},
	}
	for i, m := range mutations {
		if SignedQuery(secret, m, ts, 5000) == reference {
			t.Errorf("mutation %d produced an identical signature", i)
		}
	}

	if SignedQuery(secret, base, ts+1, 5000) == reference {
		t.Error("different timestamp produced an identical signature")
	}
}

func TestBuildQuerySortsKeys(t *testing.T) {
	q := BuildQuery(map[string]string{"b": "2", "a": "1", "c": "3"})
	if q != "a=1&b=2&c=3" {
		t.Fatalf("expected lexicographic key order, got %s", q)
	}
}

func TestValidSecret(t *testing.T) {
	tests := []struct {
		secret string
		want   bool
	}{
		{"0123456789abcdef0123456789abcdef", true},
		{"0123456789abcdef", false},                         // too short
		{"0123456789ABCDEF0123456789ABCDEF", false},         // uppercase
		{"0123456789abcdefg123456789abcdef", false},         // non-hex char
		{"", false},
		{"0123456789abcdef0123456789abcdef00", true},
	}
	for _, tt := range tests {
		if got := ValidSecret(tt.secret); got != tt.want {
			t.Errorf("ValidSecret(%q) = %v, want %v", tt.secret, got, tt.want)
		}
	}
}
