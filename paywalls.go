package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/becomeliminal/x402-paywall/store"
)

// UsageConfig prices a request as BasePrice + Units(r) × PricePerUnit.
type UsageConfig struct {
	BasePrice    string
	PricePerUnit string
	Units        func(r *http.Request) (int64, error)
	Description  string
}

// UsagePaywall charges by metered units, delegating to DynamicPaywall.
func (i *Issuer) UsagePaywall(cfg UsageConfig, o *Overrides) func(http.Handler) http.Handler {
	if cfg.Units == nil {
		panic("invalid x402 paywall configuration: usage units function is required")
	}

	base := decimal.Zero
	if cfg.BasePrice != "" {
		var err error
		if base, err = parseAmount(cfg.BasePrice); err != nil {
			panic(fmt.Sprintf("invalid x402 paywall configuration: base price: %v", err))
		}
	}

	perUnit, err := parseAmount(cfg.PricePerUnit)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 paywall configuration: price per unit: %v", err))
	}

	price := func(r *http.Request) (string, error) {
		units, err := cfg.Units(r)
		if err != nil {
			return "", fmt.Errorf("count usage units: %w", err)
		}
		if units < 0 {
			return "", fmt.Errorf("usage units must not be negative, got %d", units)
		}
		return base.Add(perUnit.Mul(decimal.NewFromInt(units))).String(), nil
	}

	description := func(*http.Request) (string, error) {
		return cfg.Description, nil
	}

	return i.DynamicPaywall(price, description, o)
}

// SubscriptionChecker reports until when a subscriber has paid access.
// A zero time means no active subscription.
type SubscriptionChecker interface {
	ActiveUntil(ctx context.Context, subscriber string) (time.Time, error)
}

// SubscriptionConfig configures SubscriptionPaywall.
type SubscriptionConfig struct {
	// Price charged per request to callers without a subscription
	Price       string
	Description string

	Checker SubscriptionChecker

	// Subscriber identifies the caller. Defaults to ClientIP.
	Subscriber KeyFunc
}

// SubscriptionPaywall admits active subscribers without payment and charges
// everyone else per request.
func (i *Issuer) SubscriptionPaywall(cfg SubscriptionConfig, o *Overrides) func(http.Handler) http.Handler {
	if cfg.Checker == nil {
		panic("invalid x402 paywall configuration: subscription checker is required")
	}
	s := i.mustResolve(o)
	mustParsePrice(cfg.Price)

	subscriber := cfg.Subscriber
	if subscriber == nil {
		subscriber = ClientIP
	}

	ch := charge{
		price:       cfg.Price,
		description: cfg.Description,
		message:     fmt.Sprintf("This endpoint requires an active subscription or a payment of %s %s", cfg.Price, s.asset),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if id := subscriber(r); id != "" {
				until, err := cfg.Checker.ActiveUntil(ctx, id)
				if err != nil {
					i.logger.ErrorContext(ctx, "subscription lookup failed", "subscriber", id, "error", err)
					sendError(w, http.StatusInternalServerError, "Subscription lookup error")
					return
				}

				if until.After(i.cfg.Now()) {
					bypassedRequests.WithLabelValues("subscription").Inc()
					next.ServeHTTP(w, r.WithContext(WithPayment(ctx, &PaymentContext{
						Subscription:          true,
						SubscriptionExpiresAt: until,
						Payer:                 id,
						Asset:                 s.asset,
						Network:               s.network,
					})))
					return
				}
			}

			i.serve(w, r, next, s, ch)
		})
	}
}

// FreeTier is the request quota granted per caller and window.
type FreeTier struct {
	Limit  int
	Window time.Duration
}

// PaidTier is the price charged once the free quota is used up.
type PaidTier struct {
	Price       string
	Description string
}

// RateLimitConfig configures RateLimitedPaywall.
type RateLimitConfig struct {
	Free FreeTier
	Paid PaidTier

	// Subscriber identifies the caller. Defaults to ClientIP.
	Subscriber KeyFunc
}

type rateWindow struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"resetAt"`
}

// RateLimitedPaywall lets each caller make Free.Limit requests per
// Free.Window without paying, then requires Paid.Price per request.
//
// Windows are fixed and kept in the issuer's store. Updates are serialized
// within one process only; replicas sharing a store may over-admit slightly.
func (i *Issuer) RateLimitedPaywall(cfg RateLimitConfig, o *Overrides) func(http.Handler) http.Handler {
	if cfg.Free.Limit < 0 || cfg.Free.Window <= 0 {
		panic("invalid x402 paywall configuration: free tier needs a non-negative limit and a positive window")
	}
	s := i.mustResolve(o)
	mustParsePrice(cfg.Paid.Price)

	subscriber := cfg.Subscriber
	if subscriber == nil {
		subscriber = ClientIP
	}

	ch := charge{
		price:       cfg.Paid.Price,
		description: cfg.Paid.Description,
		message:     requiresMessage(cfg.Paid.Price, s.asset),
	}
	limit := strconv.Itoa(cfg.Free.Limit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			w.Header().Set("X-RateLimit-Limit", limit)

			// A proof means the caller already chose the paid path.
			if r.Header.Get(HeaderPaymentSignature) != "" {
				w.Header().Set("X-RateLimit-Remaining", "0")
				i.serve(w, r, next, s, ch)
				return
			}

			id := subscriber(r)
			window, allowed, err := i.takeFreeRequest(ctx, id, cfg.Free)
			if err != nil {
				i.logger.ErrorContext(ctx, "rate limit lookup failed", "subscriber", id, "error", err)
				sendError(w, http.StatusInternalServerError, "Internal server error")
				return
			}

			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(window.ResetAt, 10))
			if !allowed {
				w.Header().Set("X-RateLimit-Remaining", "0")
				i.serve(w, r, next, s, ch)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(cfg.Free.Limit-window.Count))
			bypassedRequests.WithLabelValues("free_tier").Inc()
			next.ServeHTTP(w, r.WithContext(WithPayment(ctx, &PaymentContext{
				FreeTier: true,
				Payer:    id,
				Asset:    s.asset,
				Network:  s.network,
			})))
		})
	}
}

// takeFreeRequest counts one request against the caller's window and reports
// whether it fits within the free quota.
func (i *Issuer) takeFreeRequest(ctx context.Context, subscriber string, free FreeTier) (*rateWindow, bool, error) {
	i.rateMu.Lock()
	defer i.rateMu.Unlock()

	key := rateLimitKeyPrefix + subscriber
	now := i.cfg.Now()

	window := &rateWindow{}
	data, err := i.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, false, fmt.Errorf("failed to load rate window: %w", err)
	default:
		if err := json.Unmarshal(data, window); err != nil {
			return nil, false, fmt.Errorf("failed to decode rate window: %w", err)
		}
	}

	if window.ResetAt <= now.Unix() {
		window = &rateWindow{ResetAt: now.Add(free.Window).Unix()}
	}

	if window.Count >= free.Limit {
		return window, false, nil
	}
	window.Count++

	data, err = json.Marshal(window)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode rate window: %w", err)
	}

	ttl := time.Unix(window.ResetAt, 0).Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := i.store.Set(ctx, key, data, ttl); err != nil {
		return nil, false, fmt.Errorf("failed to save rate window: %w", err)
	}

	return window, true, nil
}

// PricingTiers is a named price registry, e.g. "basic" → "0.01".
type PricingTiers struct {
	issuer *Issuer

	mu     sync.RWMutex
	prices map[string]string
}

// NewPricingTiers returns an empty registry whose middleware charges through i.
func NewPricingTiers(i *Issuer) *PricingTiers {
	return &PricingTiers{
		issuer: i,
		prices: make(map[string]string),
	}
}

// Add registers or replaces the price of a tier.
func (t *PricingTiers) Add(key, price string) error {
	if _, err := parseAmount(price); err != nil {
		return fmt.Errorf("tier %q: %w", key, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[key] = price
	return nil
}

// Get returns the price of a tier, or ErrUnknownTier.
func (t *PricingTiers) Get(key string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	price, ok := t.prices[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, key)
	}
	return price, nil
}

// Middleware charges the price of the tier named by key(r).
// A request naming an unknown tier is answered with 500.
func (t *PricingTiers) Middleware(key KeyFunc, description string, o *Overrides) func(http.Handler) http.Handler {
	if key == nil {
		panic("invalid x402 paywall configuration: tier key function is required")
	}

	price := func(r *http.Request) (string, error) {
		return t.Get(key(r))
	}
	desc := func(r *http.Request) (string, error) {
		if description != "" {
			return description, nil
		}
		return key(r) + " tier", nil
	}

	return t.issuer.DynamicPaywall(price, desc, o)
}
