// internal/dex/jupiter/client.go
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://lite-api.jup.ag/swap/v1"

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	maxErrorBody      = 512
)

var (
	// ErrUnavailable wraps every quote/build failure.
	ErrUnavailable = errors.New("swap gateway unavailable")
	// ErrNoRoute is additionally wrapped when the API has no route for the pair.
	ErrNoRoute = errors.New("no route")
)

type statusError struct {
	op     string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.op, e.status, e.body)
}

func isNoRoute(err error) bool {
	var se *statusError
	if !errors.As(err, &se) || se.status/100 != 4 {
		return false
	}
	body := strings.ToLower(se.body)
	return strings.Contains(body, "route") || strings.Contains(body, "not tradable")
}

// Client is an HTTP client for a Jupiter-compatible quote/swap API.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	logger      *zap.Logger
	maxRetries  uint
	priorityFee uint64
	retryPolicy func() backoff.BackOff
}

// Option configures the client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithMaxRetries sets the total number of attempts per request.
func WithMaxRetries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithPriorityFee sets a fixed prioritization fee; zero lets the API pick ("auto").
func WithPriorityFee(lamports uint64) Option {
	return func(c *Client) { c.priorityFee = lamports }
}

// WithBackOff overrides the retry policy.
func WithBackOff(policy func() backoff.BackOff) Option {
	return func(c *Client) { c.retryPolicy = policy }
}

func NewClient(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.Named("jupiter"),
		maxRetries: defaultMaxRetries,
		retryPolicy: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 200 * time.Millisecond
			policy.MaxInterval = 2 * time.Second
			return policy
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quote requests a route for amount of inputMint into outputMint.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int, slippageBps int) (*Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive quote amount", ErrUnavailable)
	}

	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", amount.String())
	params.Set("slippageBps", strconv.Itoa(slippageBps))
	endpoint := c.baseURL + "/quote?" + params.Encode()

	body, err := c.do(ctx, "quote", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		c.logger.Warn("Quote unavailable",
			zap.String("input", inputMint),
			zap.String("output", outputMint),
			zap.String("amount", amount.String()),
			zap.Error(err))
		if isNoRoute(err) {
			return nil, fmt.Errorf("%w: %w: %w", ErrUnavailable, ErrNoRoute, err)
		}
		return nil, fmt.Errorf("%w: quote: %w", ErrUnavailable, err)
	}

	q, err := parseQuote(body)
	if err != nil {
		c.logger.Warn("Invalid quote response", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return q, nil
}

func parseQuote(body []byte) (*Quote, error) {
	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("quote error: %s", resp.Error)
	}
	in, ok := new(big.Int).SetString(resp.InAmount, 10)
	if !ok || in.Sign() <= 0 {
		return nil, fmt.Errorf("invalid inAmount %q", resp.InAmount)
	}
	out, ok := new(big.Int).SetString(resp.OutAmount, 10)
	if !ok || out.Sign() <= 0 {
		return nil, fmt.Errorf("invalid outAmount %q", resp.OutAmount)
	}
	return &Quote{
		InputMint:      resp.InputMint,
		OutputMint:     resp.OutputMint,
		InAmount:       in,
		OutAmount:      out,
		SlippageBps:    resp.SlippageBps,
		PriceImpactPct: resp.PriceImpactPct,
		Raw:            json.RawMessage(body),
	}, nil
}

// BuildSwap asks the API for an unsigned transaction realizing q for user.
// SOL is wrapped and unwrapped by the returned transaction.
func (c *Client) BuildSwap(ctx context.Context, user solana.PublicKey, q *Quote) (*SwapTransaction, error) {
	if q == nil || len(q.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing quote payload", ErrUnavailable)
	}

	req := swapRequest{
		QuoteResponse:             q.Raw,
		UserPublicKey:             user.String(),
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	}
	if c.priorityFee > 0 {
		req.PrioritizationFeeLamports = c.priorityFee
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode swap request: %w", err)
	}

	body, err := c.do(ctx, "swap", func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		c.logger.Warn("Swap build unavailable",
			zap.String("input", q.InputMint),
			zap.String("output", q.OutputMint),
			zap.Error(err))
		return nil, fmt.Errorf("%w: build: %w", ErrUnavailable, err)
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode swap: %w", ErrUnavailable, err)
	}
	if resp.Error != "" || resp.SwapTransaction == "" {
		return nil, fmt.Errorf("%w: swap error: %q", ErrUnavailable, resp.Error)
	}

	tx, err := DecodeTransaction(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &SwapTransaction{
		Transaction:          tx,
		LastValidBlockHeight: resp.LastValidBlockHeight,
	}, nil
}

// DecodeTransaction decodes a base64 wire transaction.
func DecodeTransaction(payload string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

// do executes the request with retries on transport errors, 429 and 5xx.
// Other non-2xx statuses fail immediately.
func (c *Client) do(ctx context.Context, op string, newRequest func() (*http.Request, error)) ([]byte, error) {
	attempt := func() ([]byte, error) {
		req, err := newRequest()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			snippet := body
			if len(snippet) > maxErrorBody {
				snippet = snippet[:maxErrorBody]
			}
			err := &statusError{op: op, status: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return body, nil
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(c.retryPolicy()),
		backoff.WithMaxTries(c.maxRetries),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Debug("Retrying request",
				zap.String("op", op),
				zap.Duration("backoff", d),
				zap.Error(err))
		}),
	)
}
