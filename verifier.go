package x402

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/becomeliminal/x402-paywall/facilitator"
)

// Verifier decides whether a proof satisfies the challenge it references.
// Implementations return an error only when verification could not be
// performed; a bad proof is reported through VerificationResult.
type Verifier interface {
	Verify(ctx context.Context, proof *PaymentProof, challenge *PaymentChallenge) (*VerificationResult, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, proof *PaymentProof, challenge *PaymentChallenge) (*VerificationResult, error)

func (f VerifierFunc) Verify(ctx context.Context, proof *PaymentProof, challenge *PaymentChallenge) (*VerificationResult, error) {
	return f(ctx, proof, challenge)
}

// SignatureVerifier accepts proofs whose signature equals DeriveSignature
// computed with a secret shared between payer and issuer.
type SignatureVerifier struct {
	Secret []byte
	Now    func() time.Time
}

func (v *SignatureVerifier) Verify(_ context.Context, proof *PaymentProof, challenge *PaymentChallenge) (*VerificationResult, error) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	if challenge.Expired(now()) {
		return &VerificationResult{Valid: false, Reason: "challenge expired"}, nil
	}

	if proof.TxHash == "" {
		return &VerificationResult{Valid: false, Reason: "transaction hash is required"}, nil
	}

	expected := DeriveSignature(v.Secret, proof.TxHash, challenge)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(proof.Signature)), []byte(strings.ToLower(expected))) != 1 {
		return &VerificationResult{Valid: false, Reason: "signature mismatch"}, nil
	}

	return &VerificationResult{Valid: true, Payer: proof.Payer}, nil
}

// facilitatorVerifier delegates verification to a remote facilitator service.
type facilitatorVerifier struct {
	client *facilitator.Client
}

// NewFacilitatorVerifier returns a Verifier that POSTs each proof to {url}/verify.
func NewFacilitatorVerifier(url string, timeout time.Duration) Verifier {
	return &facilitatorVerifier{client: facilitator.NewClient(url, timeout)}
}

func (v *facilitatorVerifier) Verify(ctx context.Context, proof *PaymentProof, challenge *PaymentChallenge) (*VerificationResult, error) {
	resp, err := v.client.Verify(ctx, &facilitator.VerifyRequest{
		Signature:      proof.Signature,
		ExpectedAmount: challenge.Amount,
		Network:        challenge.Network,
		Receiver:       challenge.Receiver,
		TxHash:         proof.TxHash,
		Nonce:          challenge.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator verification failed: %w", err)
	}

	return &VerificationResult{
		Valid:  resp.Valid,
		Reason: resp.Reason,
		Payer:  resp.Payer,
	}, nil
}
