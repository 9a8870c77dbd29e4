package x402

import (
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/becomeliminal/x402-paywall/store"
)

// DefaultChallengeExpiry is how long an issued challenge stays payable.
const DefaultChallengeExpiry = 5 * time.Minute

// Config holds the issuer configuration. It is passed to NewIssuer once and
// shared by every paywall built from that issuer.
type Config struct {
	// Network is the default settlement network (e.g., "base-sepolia", "ETH-SEPOLIA")
	Network string

	// ReceiverAddress is the default address that receives payment
	ReceiverAddress string

	// Asset is the default token demanded by challenges. Defaults to "USDC"
	Asset string

	// AcceptedAssets lists the assets paywalls may demand. Defaults to [Asset]
	AcceptedAssets []string

	// ChallengeExpiry is how long a challenge can be paid. Defaults to 5 minutes
	ChallengeExpiry time.Duration

	// Verifier is a custom proof verifier (optional).
	// When nil, proofs are verified by the facilitator at FacilitatorURL.
	Verifier Verifier

	// FacilitatorURL is the base URL of a remote verification service (optional)
	FacilitatorURL string

	// FacilitatorTimeout bounds each facilitator call. Defaults to 10 seconds
	FacilitatorTimeout time.Duration

	// Store holds issued challenges, consumed nonces and rate-limit windows.
	// Defaults to an in-memory store; use a shared backend when running
	// more than one issuer instance.
	Store store.Store

	// Logger receives server-side error detail. Defaults to slog.Default()
	Logger *slog.Logger

	// Now is the clock used for expiry. Defaults to time.Now
	Now func() time.Time
}

// Overrides replace Config fields for a single paywall.
type Overrides struct {
	Network         string
	ReceiverAddress string
	Asset           string
	ChallengeExpiry time.Duration
	Verifier        Verifier
}

// Validate checks the configuration and fills in defaults.
// Network and ReceiverAddress may be left empty when every paywall supplies them through Overrides.
func (c *Config) Validate() error {
	if c.Asset == "" {
		c.Asset = DefaultAsset
	}

	if len(c.AcceptedAssets) == 0 {
		c.AcceptedAssets = []string{c.Asset}
	}

	if !c.accepts(c.Asset) {
		return fmt.Errorf("asset %q is not in accepted assets %v", c.Asset, c.AcceptedAssets)
	}

	if c.ChallengeExpiry < 0 {
		return fmt.Errorf("challenge expiry must be positive")
	}
	if c.ChallengeExpiry == 0 {
		c.ChallengeExpiry = DefaultChallengeExpiry
	}

	if c.FacilitatorTimeout == 0 {
		c.FacilitatorTimeout = 10 * time.Second
	}

	if c.Store == nil {
		c.Store = store.NewMemory()
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	return nil
}

func (c *Config) accepts(asset string) bool {
	return slices.Contains(c.AcceptedAssets, asset)
}

// Price is the amount and description charged for a route or method.
type Price struct {
	// Amount is the decimal price (e.g., "0.05")
	Amount string

	// Description explains what this payment is for
	Description string
}

// Validate checks that the price amount is a non-negative decimal.
func (p *Price) Validate() error {
	_, err := parseAmount(p.Amount)
	return err
}

// PriceTable maps URL paths or gRPC method names to prices.
// Patterns support exact matches ("/v1/endpoint"), wildcards ("/v1/*") and path.Match globs.
type PriceTable struct {
	Prices map[string]Price

	// Default is used when no pattern matches (optional)
	// If nil, unmatched names don't require payment
	Default *Price

	// Skip lists names that bypass payment entirely, e.g. health checks
	Skip []string
}

// Validate checks every price in the table
func (t *PriceTable) Validate() error {
	for pattern, price := range t.Prices {
		if err := price.Validate(); err != nil {
			return fmt.Errorf("invalid price for pattern %q: %w", pattern, err)
		}
	}

	if t.Default != nil {
		if err := t.Default.Validate(); err != nil {
			return fmt.Errorf("invalid default price: %w", err)
		}
	}

	return nil
}

// Match finds the price for a path or full gRPC method name
// Returns the price and true if found, nil and false otherwise
func (t *PriceTable) Match(name string) (*Price, bool) {
	for _, skip := range t.Skip {
		if matchPath(name, skip) {
			return nil, false
		}
	}

	if price, ok := t.Prices[name]; ok {
		return &price, true
	}

	// Longest matching pattern wins
	var bestMatch string
	var bestPrice *Price

	for pattern, price := range t.Prices {
		if matchPath(name, pattern) && len(pattern) > len(bestMatch) {
			bestMatch = pattern
			priceCopy := price
			bestPrice = &priceCopy
		}
	}

	if bestPrice != nil {
		return bestPrice, true
	}

	if t.Default != nil {
		return t.Default, true
	}

	return nil, false
}

// matchPath checks if a request path matches a pattern
// Supports wildcards: /v1/* matches /v1/foo, /v1/foo/bar, etc.
func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

// parseAmount parses a non-negative decimal amount.
func parseAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %q must not be negative", amount)
	}

	return d, nil
}
