package exchange

import (
	"testing"

	"orderflow-pipeline/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Exchange: config.ExchangeConfig{
			APIKey:     "key-123",
			Secret:     "c2VjcmV0LWJ5dGVz", // base64("secret-bytes")
			Passphrase: "pass-456",
		},
	}
}

func TestNewAuthRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := NewAuth(config.Config{}); err == nil {
		t.Fatal("expected error when api_key/secret are missing")
	}
}

func TestNewAuthSucceedsWithCredentials(t *testing.T) {
	t.Parallel()
	a, err := NewAuth(testConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	if !a.HasCredentials() {
		t.Error("HasCredentials() = false, want true")
	}
}

func TestHeadersAreDeterministicForSameTimestamp(t *testing.T) {
	t.Parallel()
	a, err := NewAuth(testConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	sig1, err := a.buildHMAC("1700000000", "POST", "/orders", `{"x":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	sig2, err := a.buildHMAC("1700000000", "POST", "/orders", `{"x":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	if sig1 != sig2 {
		t.Errorf("signatures differ for identical input: %q != %q", sig1, sig2)
	}
}

func TestHeadersDifferForDifferentBody(t *testing.T) {
	t.Parallel()
	a, err := NewAuth(testConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	sig1, _ := a.buildHMAC("1700000000", "POST", "/orders", `{"x":1}`)
	sig2, _ := a.buildHMAC("1700000000", "POST", "/orders", `{"x":2}`)
	if sig1 == sig2 {
		t.Error("expected different signatures for different bodies")
	}
}

func TestHeadersIncludeExpectedKeys(t *testing.T) {
	t.Parallel()
	a, err := NewAuth(testConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	h, err := a.Headers("GET", "/positions", "")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	for _, key := range []string{"X-API-KEY", "X-SIGNATURE", "X-TIMESTAMP", "X-PASSPHRASE"} {
		if _, ok := h[key]; !ok {
			t.Errorf("missing header %q", key)
		}
	}
	if h["X-API-KEY"] != "key-123" {
		t.Errorf("X-API-KEY = %q, want key-123", h["X-API-KEY"])
	}
}
