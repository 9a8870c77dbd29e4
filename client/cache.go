package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	x402 "github.com/becomeliminal/x402-paywall"
	"github.com/becomeliminal/x402-paywall/store"
)

const (
	receiptKeyPrefix = "receipt:"
	historyKeyPrefix = "history:"
)

// receiptCache keeps reusable receipts by URL and an append-only payment history.
// Read failures degrade to a cache miss.
type receiptCache struct {
	store store.Store
	now   func() time.Time
}

func (c *receiptCache) get(ctx context.Context, url string, logger *slog.Logger) (*x402.PaymentReceipt, bool) {
	data, err := c.store.Get(ctx, receiptKeyPrefix+url)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		logger.WarnContext(ctx, "receipt cache read failed", "url", url, "error", fmt.Errorf("%w: %w", ErrCacheIO, err))
		return nil, false
	}

	var receipt x402.PaymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		logger.WarnContext(ctx, "discarding corrupt cached receipt", "url", url, "error", err)
		c.evict(ctx, url, logger)
		return nil, false
	}

	if !receipt.Valid(c.now()) {
		c.evict(ctx, url, logger)
		return nil, false
	}
	return &receipt, true
}

// record adds receipt to the history and, when reusable is set, to the URL cache.
func (c *receiptCache) record(ctx context.Context, receipt *x402.PaymentReceipt, reusable bool, logger *slog.Logger) {
	data, err := json.Marshal(receipt)
	if err != nil {
		logger.WarnContext(ctx, "failed to encode receipt", "error", err)
		return
	}

	key := fmt.Sprintf("%s%020d:%s", historyKeyPrefix, receipt.PaidAt.UnixNano(), receipt.Challenge.Nonce)
	if err := c.store.Set(ctx, key, data, 0); err != nil {
		logger.WarnContext(ctx, "failed to record payment history", "error", fmt.Errorf("%w: %w", ErrCacheIO, err))
	}

	if !reusable {
		return
	}

	ttl := receipt.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	if err := c.store.Set(ctx, receiptKeyPrefix+receipt.URL, data, ttl); err != nil {
		logger.WarnContext(ctx, "failed to cache receipt", "url", receipt.URL, "error", fmt.Errorf("%w: %w", ErrCacheIO, err))
	}
}

func (c *receiptCache) evict(ctx context.Context, url string, logger *slog.Logger) {
	if err := c.store.Delete(ctx, receiptKeyPrefix+url); err != nil {
		logger.WarnContext(ctx, "failed to evict receipt", "url", url, "error", fmt.Errorf("%w: %w", ErrCacheIO, err))
	}
}

func (c *receiptCache) history(ctx context.Context) ([]x402.PaymentReceipt, error) {
	var receipts []x402.PaymentReceipt
	err := c.store.Scan(ctx, historyKeyPrefix, func(_ string, value []byte) error {
		var r x402.PaymentReceipt
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		receipts = append(receipts, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheIO, err)
	}

	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].PaidAt.Before(receipts[j].PaidAt)
	})
	return receipts, nil
}

func (c *receiptCache) clear(ctx context.Context) error {
	var keys []string
	collect := func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}

	for _, prefix := range []string{receiptKeyPrefix, historyKeyPrefix} {
		if err := c.store.Scan(ctx, prefix, collect); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheIO, err)
		}
	}

	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheIO, err)
		}
	}
	return nil
}
