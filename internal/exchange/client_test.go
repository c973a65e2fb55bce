package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"orderflow-pipeline/internal/config"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun: true,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

func TestDryRunSubmit(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	ack, err := c.Submit(context.Background(), SubmitRequest{
		ClientOrderID: "co-1",
		Symbol:        "BTC-USD",
		Side:          "buy",
		Qty:           10,
		Price:         100,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.ExchangeOrderID == "" {
		t.Error("ExchangeOrderID is empty")
	}
	if ack.Rejected {
		t.Error("dry-run submit should not be rejected")
	}
}

func TestDryRunCancel(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.Cancel(context.Background(), "exch-order-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestDryRunCancelAll(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelAll(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
}

func TestNewClientDryRunFromConfig(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Config{Mode: "testnet", Exchange: config.ExchangeConfig{RESTBaseURL: ""}}
	auth := &Auth{}
	c := NewClient(cfg, auth, logger)

	if !c.dryRun {
		t.Error("client.dryRun should be true when mode is testnet with no base URL configured")
	}
}

func TestNewClientLiveIsNotDryRun(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Config{Mode: "live", Exchange: config.ExchangeConfig{RESTBaseURL: "https://exchange.example.com"}}
	auth := &Auth{}
	c := NewClient(cfg, auth, logger)

	if c.dryRun {
		t.Error("client.dryRun should be false for live mode with a base URL configured")
	}
}
