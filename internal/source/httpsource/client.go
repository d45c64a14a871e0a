// Package httpsource implements source.CandleSource against a broker-style
// JSON historical-candle endpoint.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"market-data-pipeline/internal/domain"
	"market-data-pipeline/internal/source"
)

const (
	// DefaultRequestTimeout bounds one HTTP round trip.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultFirstRetry is the wait before the first retry; later waits double
	// up to maxRetryWait.
	DefaultFirstRetry = time.Second

	maxRetryWait      = 10 * time.Second
	maxResponseBytes  = 64 << 20
	errorSnippetBytes = 256
	requestTimeLayout = "2006-01-02 15:04"
)

// Client fetches candles with POST requests of the form
//
//	{"exchange":"NSE","symboltoken":"99926000","interval":"ONE_MINUTE","fromdate":"2024-01-15 09:15","todate":"2024-01-15 15:30"}
//
// and expects {"status":true,"message":"SUCCESS","data":[["2024-01-15T09:15:00+05:30",o,h,l,c,v],...]}.
// Transport failures, 429 and 5xx answers are retried up to the configured
// count; everything else is returned on the first attempt.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	loc        *time.Location
	retries    uint64
	firstRetry time.Duration
}

var _ source.CandleSource = (*Client)(nil)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout bounds each HTTP round trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithLocation sets the zone used for request dates and zone-less timestamps.
func WithLocation(loc *time.Location) ClientOption {
	return func(c *Client) { c.loc = loc }
}

// WithMaxRetries sets how many times a retryable failure is retried.
// Negative values mean no retries.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.retries = uint64(n)
	}
}

// WithRetryDelay sets the wait before the first retry.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.firstRetry = d }
}

// New creates a candle source client for endpoint.
func New(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		loc:        time.UTC,
		firstRetry: DefaultFirstRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type candleRequest struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"`
	FromDate    string `json:"fromdate"`
	ToDate      string `json:"todate"`
}

type candleResponse struct {
	Status    bool                `json:"status"`
	Message   string              `json:"message"`
	ErrorCode string              `json:"errorcode"`
	Data      [][]json.RawMessage `json:"data"`
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// APIError is returned when the endpoint answers with status=false.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

// FetchCandles implements source.CandleSource.
func (c *Client) FetchCandles(ctx context.Context, req source.Request) ([]domain.Candle, error) {
	exchange := req.Exchange
	if exchange == "" {
		exchange = domain.DefaultExchange
	}
	body, err := json.Marshal(candleRequest{
		Exchange:    exchange,
		SymbolToken: req.Token,
		Interval:    string(req.Timeframe),
		FromDate:    req.From.In(c.loc).Format(requestTimeLayout),
		ToDate:      req.To.In(c.loc).Format(requestTimeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var resp candleResponse
	if err := c.post(ctx, body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &APIError{Code: resp.ErrorCode, Message: resp.Message}
	}

	candles := make([]domain.Candle, 0, len(resp.Data))
	for i, row := range resp.Data {
		candle, err := c.parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// post sends body, retrying retryable failures with doubling waits.
func (c *Client) post(ctx context.Context, body []byte, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.firstRetry
	policy.MaxInterval = maxRetryWait
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return c.send(ctx, body, out)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.retries), ctx))
	if err != nil && attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return err
}

// send performs one round trip. Failures that retrying cannot fix are
// wrapped in backoff.Permanent.
func (c *Client) send(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		snippet := data
		if len(snippet) > errorSnippetBytes {
			snippet = snippet[:errorSnippetBytes]
		}
		statusErr := &StatusError{Code: resp.StatusCode, Body: string(snippet)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// parseRow decodes [timestamp, open, high, low, close, volume].
func (c *Client) parseRow(row []json.RawMessage) (domain.Candle, error) {
	if len(row) < 6 {
		return domain.Candle{}, fmt.Errorf("expected 6 columns, got %d", len(row))
	}

	ts, err := c.parseTime(row[0])
	if err != nil {
		return domain.Candle{}, err
	}

	var prices [4]decimal.Decimal
	for i := range prices {
		// A JSON null leaves the zero value; Clean drops such rows.
		if err := prices[i].UnmarshalJSON(row[i+1]); err != nil {
			return domain.Candle{}, fmt.Errorf("column %d: %w", i+1, err)
		}
	}

	var vol decimal.Decimal
	if err := vol.UnmarshalJSON(row[5]); err != nil {
		return domain.Candle{}, fmt.Errorf("volume: %w", err)
	}

	return domain.Candle{
		Timestamp: ts,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    vol.IntPart(),
	}, nil
}

// parseTime accepts an ISO-8601 string or epoch seconds.
func (c *Client) parseTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.In(c.loc), nil
			}
		}
		if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, c.loc); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}

	var epoch int64
	if err := json.Unmarshal(raw, &epoch); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.Unix(epoch, 0).In(c.loc), nil
}
