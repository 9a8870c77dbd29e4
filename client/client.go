// Package client wraps net/http with automatic x402 payment handling.
//
// A request answered with 402 Payment Required is paid through the configured
// Wallet, within MaxAutoPayUSDC, and retried once with the payment proof.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	x402 "github.com/becomeliminal/x402-paywall"
	"github.com/becomeliminal/x402-paywall/store"
)

// DefaultMaxAutoPayUSDC is the largest challenge paid without an explicit limit.
const DefaultMaxAutoPayUSDC = "1.00"

// maxChallengeBody bounds how much of a 402 body is read.
const maxChallengeBody = 1 << 20

// Config configures a Client.
type Config struct {
	// HTTPClient performs requests. Defaults to http.DefaultClient
	HTTPClient *http.Client

	// Wallet pays challenges (required)
	Wallet Wallet

	// MaxAutoPayUSDC caps the amount of any single payment. Defaults to "1.00"
	MaxAutoPayUSDC string

	// MaxAutoPay caps payments in assets other than USDC, keyed by asset symbol.
	// Challenges in an asset without a cap are refused
	MaxAutoPay map[string]string

	// RequireConfirmation calls Confirm before every payment
	RequireConfirmation bool
	Confirm             ConfirmFunc

	// Lifecycle callbacks (optional)
	OnChallenge func(*x402.PaymentChallenge)
	OnPayment   func(*x402.PaymentReceipt)
	OnVerified  func(*x402.PaymentReceipt)
	OnError     func(error)

	// CacheReceipts reuses an unexpired receipt for the same URL before paying again
	CacheReceipts bool

	// CacheDir keeps receipts in CacheDir/receipts.json. Ignored when Cache is set
	CacheDir string

	// Cache overrides the receipt store. Defaults to an in-memory store
	Cache store.Store

	// Secret is mixed into the derived proof signature, shared with the issuer
	Secret []byte

	// PayerAddress is reported to the issuer in proofs (optional)
	PayerAddress string

	// PaymentTimeout bounds each wallet transfer. Defaults to 60 seconds
	PaymentTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// validate fills defaults and returns the parsed auto-pay limits by upper-case asset.
func (c *Config) validate() (map[string]decimal.Decimal, error) {
	if c.Wallet == nil {
		return nil, fmt.Errorf("wallet is required")
	}

	if c.MaxAutoPayUSDC == "" {
		c.MaxAutoPayUSDC = DefaultMaxAutoPayUSDC
	}

	limits := make(map[string]decimal.Decimal, len(c.MaxAutoPay)+1)
	for asset, amount := range c.MaxAutoPay {
		limit, err := parseLimit(amount)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", asset, err)
		}
		limits[strings.ToUpper(asset)] = limit
	}
	limit, err := parseLimit(c.MaxAutoPayUSDC)
	if err != nil {
		return nil, err
	}
	limits[x402.DefaultAsset] = limit

	if c.RequireConfirmation && c.Confirm == nil {
		return nil, fmt.Errorf("confirm function is required when confirmation is enabled")
	}

	if c.PaymentTimeout == 0 {
		c.PaymentTimeout = 60 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return limits, nil
}

func parseLimit(amount string) (decimal.Decimal, error) {
	limit, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid max auto-pay amount %q: %w", amount, err)
	}
	if limit.IsNegative() {
		return decimal.Zero, fmt.Errorf("max auto-pay amount must not be negative")
	}
	return limit, nil
}

// Client is an HTTP client that pays x402 challenges.
// It is safe for concurrent use. Concurrent requests for the same unpaid URL
// each pay independently.
type Client struct {
	http   *http.Client
	payer  *Payer
	cache  *receiptCache
	cfg    Config
	logger *slog.Logger
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	limits, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	cache := cfg.Cache
	if cache == nil {
		if cfg.CacheDir != "" {
			cache, err = store.NewFile(filepath.Join(cfg.CacheDir, "receipts.json"))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCacheIO, err)
			}
		} else {
			cache = store.NewMemory().WithClock(cfg.Now)
		}
	}

	return &Client{
		http:   cfg.HTTPClient,
		payer:  newPayer(&cfg, limits),
		cache:  &receiptCache{store: cache, now: cfg.Now},
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Payer returns the payer used by the client.
func (c *Client) Payer() *Payer {
	return c.payer
}

// Get issues a GET request, paying if required.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST request, paying if required. The body is buffered so it can be replayed.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do sends req and settles a 402 challenge at most once.
// Responses other than 402 are returned unchanged.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := bufferBody(req)
	if err != nil {
		return nil, c.fail(fmt.Errorf("failed to read request body: %w", err))
	}

	resp, err := c.send(req, body, "")
	if err != nil {
		return nil, c.fail(err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, c.fail(err)
	}

	resource := req.URL.String()

	if c.cfg.CacheReceipts {
		if receipt, ok := c.cache.get(ctx, resource, c.logger); ok {
			resp, err := c.sendWithReceipt(req, body, receipt)
			if err != nil {
				return nil, c.fail(err)
			}
			if resp.StatusCode != http.StatusPaymentRequired {
				return resp, nil
			}

			// The issuer no longer honours the cached proof; pay the challenge it just sent.
			c.logger.DebugContext(ctx, "cached receipt rejected", "resource", resource)
			c.cache.evict(ctx, resource, c.logger)
			if challenge, err = readChallenge(resp); err != nil {
				return nil, c.fail(err)
			}
		}
	}

	receipt, err := c.payer.Pay(ctx, resource, challenge)
	if err != nil {
		return nil, c.fail(err)
	}
	c.cache.record(ctx, receipt, c.cfg.CacheReceipts, c.logger)

	resp, err = c.sendWithReceipt(req, body, receipt)
	if err != nil {
		return nil, c.fail(fmt.Errorf("retry after payment: %w", err))
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		reason := "no reason given"
		if rejected, err := readPaymentRequired(resp); err == nil && rejected.Message != "" {
			reason = rejected.Message
		}
		c.cache.evict(ctx, resource, c.logger)
		return nil, c.fail(fmt.Errorf("%w: tx %s: %s", ErrVerificationRetryFailed, receipt.TxHash, reason))
	}

	c.payer.Verified(receipt)
	return resp, nil
}

// ReceiptHistory returns every recorded payment, oldest first.
func (c *Client) ReceiptHistory(ctx context.Context) ([]x402.PaymentReceipt, error) {
	return c.cache.history(ctx)
}

// ClearCache removes cached receipts and payment history.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.cache.clear(ctx)
}

// Close releases the receipt store.
func (c *Client) Close() error {
	return c.cache.store.Close()
}

func (c *Client) fail(err error) error {
	return c.payer.Fail(err)
}

func (c *Client) sendWithReceipt(req *http.Request, body []byte, receipt *x402.PaymentReceipt) (*http.Response, error) {
	proof, err := x402.EncodeProof(x402.NewProof(receipt))
	if err != nil {
		return nil, err
	}
	return c.send(req, body, proof)
}

func (c *Client) send(req *http.Request, body []byte, proof string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	if proof != "" {
		r.Header.Set(x402.HeaderPaymentSignature, proof)
	}
	return c.http.Do(r)
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// readChallenge consumes and closes a 402 response.
func readChallenge(resp *http.Response) (*x402.PaymentChallenge, error) {
	parsed, err := readPaymentRequired(resp)
	if err != nil {
		return nil, err
	}
	return parsed.PaymentRequired, nil
}

func readPaymentRequired(resp *http.Response) (*x402.PaymentRequiredResponse, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChallengeParse, err)
	}

	parsed, err := x402.DecodePaymentRequired(data)
	if err != nil {
		return nil, errors.Join(ErrChallengeParse, err)
	}
	return parsed, nil
}
