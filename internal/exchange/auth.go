package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"orderflow-pipeline/internal/config"
)

// Credentials holds the API key triplet used for HMAC-signed trading
// requests.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth signs every authenticated request with HMAC-SHA256 over
// "timestamp + method + requestPath [+ body]", using the configured API
// secret. Unlike an on-chain exchange, there is no wallet-signing step:
// credentials are provisioned out of band and loaded directly from
// config/env.
type Auth struct {
	creds Credentials
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.Config) (*Auth, error) {
	if cfg.Exchange.APIKey == "" || cfg.Exchange.Secret == "" {
		return nil, fmt.Errorf("exchange.api_key and exchange.secret are required")
	}
	return &Auth{
		creds: Credentials{
			APIKey:     cfg.Exchange.APIKey,
			Secret:     cfg.Exchange.Secret,
			Passphrase: cfg.Exchange.Passphrase,
		},
	}, nil
}

// HasCredentials returns whether API credentials are configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.Secret != ""
}

// SetCredentials updates the credentials used for subsequent signing.
func (a *Auth) SetCredentials(creds Credentials) {
	a.creds = creds
}

// Headers generates the signed headers for a trading request.
func (a *Auth) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	headers := map[string]string{
		"X-API-KEY":   a.creds.APIKey,
		"X-SIGNATURE": sig,
		"X-TIMESTAMP": timestamp,
	}
	if a.creds.Passphrase != "" {
		headers["X-PASSPHRASE"] = a.creds.Passphrase
	}
	return headers, nil
}

// WSAuthPayload returns credentials for the authenticated WebSocket
// channel (order/fill events).
func (a *Auth) WSAuthPayload() Credentials {
	return a.creds
}

// buildHMAC computes the HMAC-SHA256 signature for an authenticated
// request. message = timestamp + method + requestPath [+ body]
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Fall back to treating the secret as raw bytes rather than
		// failing outright — some exchanges issue plain-text secrets.
		secretBytes = []byte(a.creds.Secret)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return sig, nil
}
