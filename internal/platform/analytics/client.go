// Package analytics is the HTTP client of the compute service that owns
// market data acquisition and the moving average and classification
// algorithms.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/strength"
)

const maxErrorBody = 512

var (
	_ strength.MarketData     = (*Client)(nil)
	_ strength.Calculator     = (*Client)(nil)
	_ strength.QualityChecker = (*Client)(nil)
)

// APIError is a non-2xx response from the compute service.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("analytics %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed when repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the compute service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	backoff func() retry.Backoff
}

// New returns a Client for cfg.
func New(cfg config.AnalyticsConfig, logger *slog.Logger) *Client {
	return NewClient(cfg.BaseURL, &http.Client{Timeout: cfg.Timeout}, logger)
}

// NewClient returns a Client using httpClient.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With("component", "analytics_client"),
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
		},
	}
}

type symbolsResponse struct {
	Symbols []string `json:"symbols"`
}

type syncBarsRequest struct {
	Symbol    string `json:"symbol"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type rowsResponse struct {
	Rows int `json:"rows"`
}

type movingAveragesRequest struct {
	Symbols []string `json:"symbols"`
	Periods []int    `json:"periods"`
}

type classificationRequest struct {
	TradeDate string `json:"trade_date"`
}

type classificationResponse struct {
	TradeDate string `json:"trade_date"`
	Sectors   int    `json:"sectors"`
	Stocks    int    `json:"stocks"`
}

// ListSymbols returns every tracked stock code.
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	var out symbolsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/symbols", nil, &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// SyncDailyBars fetches and stores daily bars of symbol for [start, end].
func (c *Client) SyncDailyBars(ctx context.Context, symbol string, start, end time.Time) (int, error) {
	var out rowsResponse
	err := c.do(ctx, http.MethodPost, "/v1/daily-bars/sync", syncBarsRequest{
		Symbol:    symbol,
		StartDate: start.Format(time.DateOnly),
		EndDate:   end.Format(time.DateOnly),
	}, &out)
	return out.Rows, err
}

// RecomputeMovingAverages recomputes the given windows for symbols.
func (c *Client) RecomputeMovingAverages(ctx context.Context, symbols []string, periods []int) (int, error) {
	var out rowsResponse
	err := c.do(ctx, http.MethodPost, "/v1/moving-averages/recompute", movingAveragesRequest{
		Symbols: symbols,
		Periods: periods,
	}, &out)
	return out.Rows, err
}

// ClassifySectors runs the classification of tradeDate.
func (c *Client) ClassifySectors(ctx context.Context, tradeDate time.Time) (strength.ClassificationResult, error) {
	var out classificationResponse
	err := c.do(ctx, http.MethodPost, "/v1/classification/run", classificationRequest{
		TradeDate: tradeDate.Format(time.DateOnly),
	}, &out)
	if err != nil {
		return strength.ClassificationResult{}, err
	}
	res := strength.ClassificationResult{TradeDate: tradeDate, Sectors: out.Sectors, Stocks: out.Stocks}
	if out.TradeDate != "" {
		d, err := time.ParseInLocation(time.DateOnly, out.TradeDate, tradeDate.Location())
		if err != nil {
			return res, fmt.Errorf("analytics classification: bad trade_date %q", out.TradeDate)
		}
		res.TradeDate = d
	}
	return res, nil
}

// Scan runs the data quality checks.
func (c *Client) Scan(ctx context.Context) (strength.QualityReport, error) {
	var out strength.QualityReport
	err := c.do(ctx, http.MethodGet, "/v1/quality/scan", nil, &out)
	return out, err
}

// do sends one request, retrying transport errors and temporary statuses.
// The compute service treats every endpoint as idempotent.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = b
	}

	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build %s request: %w", path, err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("analytics request failed", "method", method, "path", path, "error", err)
			return retry.RetryableError(fmt.Errorf("analytics %s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if apiErr.Temporary() {
				c.logger.Warn("analytics request rejected", "method", method, "path", path, "status", resp.StatusCode)
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}
