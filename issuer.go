package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/x402-paywall/store"
)

// Store key prefixes.
const (
	challengeKeyPrefix = "challenge:"
	nonceKeyPrefix     = "nonce:"
	txKeyPrefix        = "tx:"
	rateLimitKeyPrefix = "ratelimit:"
)

// txRetention is how long a settlement transaction stays bound to the
// challenge it paid.
const txRetention = 30 * 24 * time.Hour

// challengeGrace keeps an issued challenge readable for a while past its
// expiry so late proofs are reported as expired rather than unknown.
const challengeGrace = time.Minute

// Issuer issues payment challenges and verifies the proofs presented against them.
// All paywalls built from one Issuer share its store and verifier.
type Issuer struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	verifier Verifier

	// rateMu serializes rate-limit read-modify-write cycles
	rateMu sync.Mutex
}

type settings struct {
	network  string
	receiver string
	asset    string
	expiry   time.Duration
	verifier Verifier
}

// NewIssuer validates cfg and returns an Issuer.
// Network, receiver and verifier are resolved per paywall, so a config that
// leaves them empty is accepted here and rejected when a paywall is built.
func NewIssuer(cfg Config) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, err.Error(), ErrConfiguration)
	}

	i := &Issuer{
		cfg:    cfg,
		logger: cfg.Logger,
		store:  cfg.Store,
	}

	switch {
	case cfg.Verifier != nil:
		i.verifier = cfg.Verifier
	case cfg.FacilitatorURL != "":
		i.verifier = NewFacilitatorVerifier(cfg.FacilitatorURL, cfg.FacilitatorTimeout)
	}

	return i, nil
}

// Store returns the key-value store backing the issuer.
func (i *Issuer) Store() store.Store {
	return i.store
}

// Logger returns the logger paywalls report through.
func (i *Issuer) Logger() *slog.Logger {
	return i.logger
}

// CheckOverrides reports whether a paywall built with o could issue challenges.
func (i *Issuer) CheckOverrides(o *Overrides) error {
	_, err := i.resolve(o)
	return err
}

// resolve merges per-paywall overrides with the issuer config.
func (i *Issuer) resolve(o *Overrides) (*settings, error) {
	s := &settings{
		network:  i.cfg.Network,
		receiver: i.cfg.ReceiverAddress,
		asset:    i.cfg.Asset,
		expiry:   i.cfg.ChallengeExpiry,
		verifier: i.verifier,
	}

	if o != nil {
		if o.Network != "" {
			s.network = o.Network
		}
		if o.ReceiverAddress != "" {
			s.receiver = o.ReceiverAddress
		}
		if o.Asset != "" {
			s.asset = o.Asset
		}
		if o.ChallengeExpiry > 0 {
			s.expiry = o.ChallengeExpiry
		}
		if o.Verifier != nil {
			s.verifier = o.Verifier
		}
	}

	if s.network == "" {
		return nil, configError("network is required")
	}
	if s.receiver == "" {
		return nil, configError("receiver address is required")
	}
	if !i.cfg.accepts(s.asset) {
		return nil, configError("asset %q is not accepted", s.asset)
	}
	if s.verifier == nil {
		return nil, configError("either a verifier or a facilitator URL is required")
	}

	return s, nil
}

// CreateChallenge issues a fresh challenge and records it in the issuance log.
func (i *Issuer) CreateChallenge(ctx context.Context, amount, description string, o *Overrides) (*PaymentChallenge, error) {
	s, err := i.resolve(o)
	if err != nil {
		return nil, err
	}
	return i.createChallenge(ctx, s, amount, description)
}

func (i *Issuer) createChallenge(ctx context.Context, s *settings, amount, description string) (*PaymentChallenge, error) {
	if _, err := parseAmount(amount); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "invalid price", errors.Join(ErrConfiguration, err))
	}

	c := &PaymentChallenge{
		Version:     ProtocolVersion,
		Network:     s.network,
		Receiver:    s.receiver,
		Asset:       s.asset,
		Amount:      amount,
		Description: description,
		Expires:     i.cfg.Now().Add(s.expiry).Unix(),
		Nonce:       uuid.NewString(),
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal challenge: %w", err)
	}

	if err := i.store.Set(ctx, challengeKeyPrefix+c.Nonce, data, s.expiry+challengeGrace); err != nil {
		return nil, fmt.Errorf("failed to record challenge: %w", err)
	}

	challengesIssued.Inc()
	i.logger.DebugContext(ctx, "issued payment challenge",
		"nonce", c.Nonce, "amount", c.Amount, "asset", c.Asset, "network", c.Network)

	return c, nil
}

// VerifyProof checks an x-payment-signature header against the challenge it
// names and the current price. On success the challenge nonce is consumed.
//
// Rejections are returned as *PaymentError; any other error means
// verification could not be performed.
func (i *Issuer) VerifyProof(ctx context.Context, header, price string, o *Overrides) (*PaymentContext, error) {
	s, err := i.resolve(o)
	if err != nil {
		return nil, err
	}
	return i.verifyProof(ctx, s, header, price)
}

func (i *Issuer) verifyProof(ctx context.Context, s *settings, header, price string) (*PaymentContext, error) {
	start := time.Now()
	defer func() {
		verificationDuration.Observe(time.Since(start).Seconds())
	}()

	proof, err := DecodeProof(header)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "malformed payment proof", err)
	}

	c, err := i.lookupChallenge(ctx, proof.Nonce)
	if err != nil {
		return nil, err
	}

	now := i.cfg.Now()
	if c.Expired(now) {
		return nil, NewPaymentError(ErrCodeExpiredPayment, "payment challenge has expired", nil)
	}

	if c.Network != s.network || !strings.EqualFold(c.Receiver, s.receiver) || c.Asset != s.asset {
		return nil, NewPaymentError(ErrCodeNetworkMismatch, "challenge was issued for a different network, receiver or asset", nil)
	}
	if proof.Network != c.Network || !strings.EqualFold(proof.Receiver, c.Receiver) {
		return nil, NewPaymentError(ErrCodeNetworkMismatch, "proof does not match challenge network or receiver", nil)
	}

	if err := checkAmount(proof.Amount, c.Amount, price); err != nil {
		return nil, err
	}

	result, err := s.verifier.Verify(ctx, proof, c)
	if err != nil {
		return nil, fmt.Errorf("payment verification error: %w", err)
	}
	if !result.Valid {
		reason := result.Reason
		if reason == "" {
			reason = "payment proof was not accepted"
		}
		return nil, NewPaymentError(ErrCodeVerificationFailed, reason, nil)
	}

	ttl := c.ExpiresAt().Sub(now) + challengeGrace
	consumed, err := i.store.SetNX(ctx, nonceKeyPrefix+c.Nonce, []byte(proof.TxHash), ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to consume nonce: %w", err)
	}
	if !consumed {
		return nil, NewPaymentError(ErrCodeReplayedNonce, "payment proof has already been used", nil)
	}

	if err := i.bindTransaction(ctx, proof.TxHash, c.Nonce); err != nil {
		// Release the nonce so the same paid proof can be presented again.
		if derr := i.store.Delete(ctx, nonceKeyPrefix+c.Nonce); derr != nil {
			i.logger.ErrorContext(ctx, "failed to release nonce", "nonce", c.Nonce, "error", derr)
		}
		return nil, err
	}

	if err := i.store.Delete(ctx, challengeKeyPrefix+c.Nonce); err != nil {
		i.logger.WarnContext(ctx, "failed to delete consumed challenge", "nonce", c.Nonce, "error", err)
	}

	payer := result.Payer
	if payer == "" {
		payer = proof.Payer
	}

	return &PaymentContext{
		Verified:   true,
		Amount:     proof.Amount,
		Asset:      c.Asset,
		Network:    c.Network,
		Signature:  proof.Signature,
		TxHash:     proof.TxHash,
		Nonce:      c.Nonce,
		Payer:      payer,
		VerifiedAt: now,
	}, nil
}

// bindTransaction records txHash as spent by nonce. Binding the same pair
// twice succeeds.
func (i *Issuer) bindTransaction(ctx context.Context, txHash, nonce string) error {
	if txHash == "" {
		return nil
	}

	key := txKeyPrefix + strings.ToLower(txHash)
	fresh, err := i.store.SetNX(ctx, key, []byte(nonce), txRetention)
	if err != nil {
		return fmt.Errorf("failed to record settlement transaction: %w", err)
	}
	if fresh {
		return nil
	}

	owner, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load settlement transaction: %w", err)
	}
	if err == nil && string(owner) == nonce {
		return nil
	}
	return NewPaymentError(ErrCodeReplayedNonce, "settlement transaction was already used for another payment", nil)
}

func (i *Issuer) lookupChallenge(ctx context.Context, nonce string) (*PaymentChallenge, error) {
	data, err := i.store.Get(ctx, challengeKeyPrefix+nonce)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := i.store.Get(ctx, nonceKeyPrefix+nonce); err == nil {
			return nil, NewPaymentError(ErrCodeReplayedNonce, "payment proof has already been used", nil)
		}
		return nil, NewPaymentError(ErrCodeUnknownChallenge, "no outstanding challenge matches this proof", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	var c PaymentChallenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode stored challenge: %w", err)
	}
	return &c, nil
}

// checkAmount requires the paid amount to cover both the challenged and the current price.
func checkAmount(paid, challenged, price string) error {
	p, err := parseAmount(paid)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidPayment, "invalid proof amount", err)
	}

	c, err := parseAmount(challenged)
	if err != nil {
		return fmt.Errorf("stored challenge amount: %w", err)
	}
	if p.LessThan(c) {
		return NewPaymentError(ErrCodeInsufficientAmount,
			fmt.Sprintf("paid %s, challenge requires %s", p.String(), c.String()), nil)
	}

	want, err := parseAmount(price)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidConfig, "invalid price", errors.Join(ErrConfiguration, err))
	}
	if p.LessThan(want) {
		return NewPaymentError(ErrCodeInsufficientAmount,
			fmt.Sprintf("paid %s, current price is %s", p.String(), want.String()), nil)
	}

	return nil
}
