package x402

import (
	"context"
	"fmt"
	"time"
)

// Header names used by the handshake.
const (
	// HeaderPaymentSignature carries the encoded PaymentProof on the retried request.
	HeaderPaymentSignature = "x-payment-signature"

	// HeaderPaymentResponse is set on responses served after a verified payment.
	HeaderPaymentResponse = "x-payment-response"
)

// ProtocolVersion is the only challenge version issued and accepted.
const ProtocolVersion = "1"

// DefaultAsset is the asset demanded when neither config nor overrides name one.
const DefaultAsset = "USDC"

// PaymentChallenge describes what payment would unlock a resource.
// A challenge is single use: its Nonce is consumed by the first valid proof.
type PaymentChallenge struct {
	Version     string `json:"version"`
	Network     string `json:"network"`
	Receiver    string `json:"receiver"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Expires     int64  `json:"expires"`
	Nonce       string `json:"nonce"`
}

// ExpiresAt returns the challenge expiry as a time.
func (c *PaymentChallenge) ExpiresAt() time.Time {
	return time.Unix(c.Expires, 0)
}

// Expired reports whether the challenge can no longer be satisfied at now.
func (c *PaymentChallenge) Expired(now time.Time) bool {
	return now.Unix() > c.Expires
}

// PaymentRequiredResponse is the JSON body of every 402 response.
type PaymentRequiredResponse struct {
	Error           string            `json:"error"`
	Message         string            `json:"message"`
	PaymentRequired *PaymentChallenge `json:"x-payment-required"`
}

// PaymentReceipt is the client-side record of a completed payment.
type PaymentReceipt struct {
	URL       string           `json:"url"`
	Challenge PaymentChallenge `json:"challenge"`
	TxHash    string           `json:"txHash"`
	Signature string           `json:"signature"`
	Payer     string           `json:"payer,omitempty"`
	PaidAt    time.Time        `json:"paidAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// Valid reports whether the receipt's proof may still be presented at now.
func (r *PaymentReceipt) Valid(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// PaymentProof is the evidence a client attaches when retrying a request.
// It is sent base64-encoded JSON in the x-payment-signature header.
type PaymentProof struct {
	Version   string `json:"version"`
	Signature string `json:"signature"`
	TxHash    string `json:"txHash"`
	Nonce     string `json:"nonce"`
	Amount    string `json:"amount"`
	Network   string `json:"network"`
	Receiver  string `json:"receiver"`
	Payer     string `json:"payer,omitempty"`
}

// VerificationResult contains the result of proof verification
type VerificationResult struct {
	Valid  bool
	Reason string
	Payer  string
}

// PaymentResponse is sent in the x-payment-response header
type PaymentResponse struct {
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
	Nonce  string `json:"nonce,omitempty"`
}

// PaymentContext describes how a request was admitted. Paywalls attach it to
// the request context before calling the protected handler.
type PaymentContext struct {
	Verified   bool
	Amount     string
	Asset      string
	Network    string
	Signature  string
	TxHash     string
	Nonce      string
	Payer      string
	VerifiedAt time.Time

	// Subscription is set when access was granted by an active subscription
	// instead of a per-request payment.
	Subscription          bool
	SubscriptionExpiresAt time.Time

	// FreeTier is set when a rate-limited paywall admitted the request within its free quota.
	FreeTier bool
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context
	PaymentContextKey contextKey = "x402-payment"
)

// WithPayment returns a copy of ctx carrying payment.
func WithPayment(ctx context.Context, payment *PaymentContext) context.Context {
	return context.WithValue(ctx, PaymentContextKey, payment)
}

// GetPaymentFromContext extracts payment information from the request context
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}
