package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"orderflow-pipeline/internal/config"
)

// orderPayload is the wire format posted to /orders.
type orderPayload struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price,omitempty"`
	OrderType     string  `json:"order_type"`
	TimeInForce   string  `json:"time_in_force"`
}

// orderResponse is the wire format returned by /orders and /orders/{id}.
type orderResponse struct {
	ExchangeOrderID string `json:"exchange_order_id"`
	Status          string `json:"status"`
	RejectReason    string `json:"reject_reason,omitempty"`
}

type positionResponse struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Client is the abstract exchange's REST API client. It wraps a resty
// HTTP client with rate limiting, retry, and HMAC auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.Mode == "testnet" && cfg.Exchange.RESTBaseURL == "",
		logger: logger,
	}
}

// Submit places one order. It satisfies exchange.Adapter.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would submit order", "client_order_id", req.ClientOrderID)
		return SubmitAck{ExchangeOrderID: "dry-run-" + req.ClientOrderID, AckTsMs: time.Now().UnixMilli()}, nil
	}
	if err := c.rl.Submit.Wait(ctx); err != nil {
		return SubmitAck{}, err
	}

	payload := orderPayload{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Qty:           req.Qty,
		Price:         req.Price,
		OrderType:     string(req.OrderType),
		TimeInForce:   string(req.TimeInForce),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitAck{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.Headers("POST", "/orders", string(body))
	if err != nil {
		return SubmitAck{}, fmt.Errorf("auth headers: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return SubmitAck{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return SubmitAck{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return SubmitAck{
		ExchangeOrderID: result.ExchangeOrderID,
		AckTsMs:         time.Now().UnixMilli(),
		Rejected:        result.Status == "rejected",
		RejectReason:    result.RejectReason,
	}, nil
}

// Cancel cancels one order by exchange order id.
func (c *Client) Cancel(ctx context.Context, exchangeOrderID string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel order", "exchange_order_id", exchangeOrderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.auth.Headers("DELETE", "/orders/"+exchangeOrderID, "")
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete("/orders/" + exchangeOrderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll cancels every open order for a symbol (or all symbols if
// symbol is empty), used as a safety net on shutdown or kill-switch.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel all orders", "symbol", symbol)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	path := "/orders"
	body := ""
	if symbol != "" {
		body = fmt.Sprintf(`{"symbol":%q}`, symbol)
	}
	headers, err := c.auth.Headers("DELETE", path, body)
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}

	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if body != "" {
		req = req.SetBody(json.RawMessage(body))
	}
	resp, err := req.Delete(path)
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.logger.Warn("all orders cancelled", "symbol", symbol)
	return nil
}

// Position fetches net exposure for a symbol.
func (c *Client) Position(ctx context.Context, symbol string) (Position, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return Position{}, err
	}

	headers, err := c.auth.Headers("GET", "/positions", "")
	if err != nil {
		return Position{}, fmt.Errorf("auth headers: %w", err)
	}

	var result positionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return Position{}, fmt.Errorf("get position: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Position{}, fmt.Errorf("get position: status %d: %s", resp.StatusCode(), resp.String())
	}

	return Position{
		Symbol:        result.Symbol,
		Qty:           result.Qty,
		AvgEntryPrice: result.AvgEntryPrice,
		UnrealizedPnL: result.UnrealizedPnL,
	}, nil
}

// NormalizeQuantity returns qty unchanged; this client applies no
// step-size rounding. Exchange-filter rounding of orders is done by
// risk.ApplyFilters during precheck.
func (c *Client) NormalizeQuantity(symbol string, qty float64) float64 {
	return qty
}

// Close releases the underlying HTTP client's resources. resty has no
// explicit close; this exists to satisfy Adapter and mirrors the
// lifecycle of WSFeed/Client counterparts.
func (c *Client) Close() error {
	return nil
}

var _ Adapter = (*Client)(nil)
