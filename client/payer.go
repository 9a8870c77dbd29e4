package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	x402 "github.com/becomeliminal/x402-paywall"
)

// Transfer is a single payment instruction handed to a Wallet.
type Transfer struct {
	Network string
	To      string
	Asset   string
	Amount  string
}

// Wallet moves funds and returns the settlement transaction hash.
type Wallet interface {
	Transfer(ctx context.Context, t Transfer) (txHash string, err error)
}

// ConfirmFunc asks the user whether a challenge should be paid.
type ConfirmFunc func(ctx context.Context, challenge *x402.PaymentChallenge) (bool, error)

// Payer settles challenges through a wallet, enforcing the auto-pay limit
// and optional confirmation. It is shared by the HTTP client and the gRPC
// client interceptor.
type Payer struct {
	wallet              Wallet
	limits              map[string]decimal.Decimal
	requireConfirmation bool
	confirm             ConfirmFunc
	onChallenge         func(*x402.PaymentChallenge)
	onPayment           func(*x402.PaymentReceipt)
	onVerified          func(*x402.PaymentReceipt)
	onError             func(error)
	secret              []byte
	payerAddress        string
	timeout             time.Duration
	logger              *slog.Logger
	now                 func() time.Time
}

// NewPayer returns a Payer for callers that handle the 402 exchange themselves,
// such as the gRPC client interceptor.
func NewPayer(cfg Config) (*Payer, error) {
	limits, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	return newPayer(&cfg, limits), nil
}

func newPayer(cfg *Config, limits map[string]decimal.Decimal) *Payer {
	return &Payer{
		wallet:              cfg.Wallet,
		limits:              limits,
		requireConfirmation: cfg.RequireConfirmation,
		confirm:             cfg.Confirm,
		onChallenge:         cfg.OnChallenge,
		onPayment:           cfg.OnPayment,
		onVerified:          cfg.OnVerified,
		onError:             cfg.OnError,
		secret:              cfg.Secret,
		payerAddress:        cfg.PayerAddress,
		timeout:             cfg.PaymentTimeout,
		logger:              cfg.Logger,
		now:                 cfg.Now,
	}
}

// Pay settles challenge for resource and returns the receipt whose proof
// unlocks it. The wallet is called at most once and never retried.
func (p *Payer) Pay(ctx context.Context, resource string, challenge *x402.PaymentChallenge) (*x402.PaymentReceipt, error) {
	if p.onChallenge != nil {
		p.onChallenge(challenge)
	}

	amount, err := decimal.NewFromString(challenge.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrChallengeParse, challenge.Amount)
	}

	limit, ok := p.limits[strings.ToUpper(challenge.Asset)]
	if !ok {
		return nil, fmt.Errorf("%w: no auto-pay limit for asset %q", ErrPaymentExceedsLimit, challenge.Asset)
	}
	if amount.GreaterThan(limit) {
		return nil, fmt.Errorf("%w: %s %s requested, limit is %s",
			ErrPaymentExceedsLimit, challenge.Amount, challenge.Asset, limit.String())
	}

	if challenge.Expired(p.now()) {
		return nil, fmt.Errorf("%w: nonce %s", ErrChallengeExpired, challenge.Nonce)
	}

	if p.requireConfirmation {
		ok, err := p.confirm(ctx, challenge)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPaymentDeclined, err)
		}
		if !ok {
			return nil, ErrPaymentDeclined
		}
	}

	payCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	txHash, err := p.wallet.Transfer(payCtx, Transfer{
		Network: challenge.Network,
		To:      challenge.Receiver,
		Asset:   challenge.Asset,
		Amount:  challenge.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentExecutionFailed, err)
	}

	receipt := &x402.PaymentReceipt{
		URL:       resource,
		Challenge: *challenge,
		TxHash:    txHash,
		Signature: x402.DeriveSignature(p.secret, txHash, challenge),
		Payer:     p.payerAddress,
		PaidAt:    p.now(),
		ExpiresAt: challenge.ExpiresAt(),
	}

	p.logger.InfoContext(ctx, "paid x402 challenge",
		"resource", resource, "amount", challenge.Amount, "asset", challenge.Asset,
		"network", challenge.Network, "tx_hash", txHash)

	if p.onPayment != nil {
		p.onPayment(receipt)
	}

	return receipt, nil
}

// Verified reports a receipt whose proof the server accepted to the OnVerified hook.
func (p *Payer) Verified(receipt *x402.PaymentReceipt) {
	if p.onVerified != nil {
		p.onVerified(receipt)
	}
}

// Fail reports err to the OnError hook and returns it.
func (p *Payer) Fail(err error) error {
	if p.onError != nil {
		p.onError(err)
	}
	return err
}
