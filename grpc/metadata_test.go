package grpc

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-paywall"
)

func testRequired() *x402.PaymentRequiredResponse {
	return &x402.PaymentRequiredResponse{
		Error:   "Payment Required",
		Message: "This endpoint requires 1.00 USDC",
		PaymentRequired: &x402.PaymentChallenge{
			Version:     "1",
			Network:     "base-sepolia",
			Receiver:    "0x123",
			Asset:       "USDC",
			Amount:      "1.00",
			Description: "Test payment",
			Expires:     time.Now().Unix() + 300,
			Nonce:       "nonce-1",
		},
	}
}

func TestEncodeDecodePaymentRequired(t *testing.T) {
	encoded, err := EncodePaymentRequired(testRequired())
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	// Verify it's valid base64
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("Not valid base64: %v", err)
	}

	decoded, err := DecodePaymentRequired(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	c := decoded.PaymentRequired
	if c.Network != "base-sepolia" {
		t.Errorf("Expected network base-sepolia, got %s", c.Network)
	}
	if c.Amount != "1.00" {
		t.Errorf("Expected amount 1.00, got %s", c.Amount)
	}
	if decoded.Message != "This endpoint requires 1.00 USDC" {
		t.Errorf("Unexpected message %q", decoded.Message)
	}
}

func TestDecodePaymentRequiredValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*x402.PaymentRequiredResponse)
	}{
		{
			name:   "missing challenge",
			mutate: func(r *x402.PaymentRequiredResponse) { r.PaymentRequired = nil },
		},
		{
			name:   "wrong version",
			mutate: func(r *x402.PaymentRequiredResponse) { r.PaymentRequired.Version = "2" },
		},
		{
			name:   "missing nonce",
			mutate: func(r *x402.PaymentRequiredResponse) { r.PaymentRequired.Nonce = "" },
		},
		{
			name:   "invalid amount",
			mutate: func(r *x402.PaymentRequiredResponse) { r.PaymentRequired.Amount = "lots" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := testRequired()
			tt.mutate(resp)

			encoded, err := EncodePaymentRequired(resp)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}

			if _, err := DecodePaymentRequired(encoded); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	if _, err := DecodePaymentRequired("not base64!"); err == nil {
		t.Error("Expected error for invalid base64, got nil")
	}
}

func TestChallengeFromError(t *testing.T) {
	encoded, err := EncodePaymentRequired(testRequired())
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	resp, ok := ChallengeFromError(status.Error(codes.ResourceExhausted, encoded))
	if !ok {
		t.Fatal("Expected challenge from ResourceExhausted status")
	}
	if resp.PaymentRequired.Nonce != "nonce-1" {
		t.Errorf("Expected nonce nonce-1, got %s", resp.PaymentRequired.Nonce)
	}

	cases := map[string]error{
		"nil":          nil,
		"plain error":  errors.New("boom"),
		"other code":   status.Error(codes.Internal, encoded),
		"real quota":   status.Error(codes.ResourceExhausted, "quota exceeded"),
		"not a status": errors.New(encoded),
	}
	for name, err := range cases {
		if _, ok := ChallengeFromError(err); ok {
			t.Errorf("%s: expected no challenge", name)
		}
	}
}

func TestProofFromMetadata(t *testing.T) {
	md := metadata.Pairs(MetadataKeyPaymentSignature, "encoded-proof")

	proof, err := ProofFromMetadata(md)
	if err != nil {
		t.Fatalf("Failed to extract: %v", err)
	}
	if proof != "encoded-proof" {
		t.Errorf("Expected encoded-proof, got %s", proof)
	}

	if _, err := ProofFromMetadata(metadata.MD{}); err == nil {
		t.Error("Expected error for missing proof, got nil")
	}
}

func TestPaymentResponseFromTrailer(t *testing.T) {
	encoded, err := x402.EncodePaymentResponse(&x402.PaymentResponse{Status: "verified", TxHash: "0xabc", Nonce: "n"})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	resp, err := PaymentResponseFromTrailer(metadata.Pairs(MetadataKeyPaymentResponse, encoded))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if resp.Status != "verified" || resp.TxHash != "0xabc" {
		t.Errorf("Unexpected payment response %+v", resp)
	}

	if _, err := PaymentResponseFromTrailer(metadata.MD{}); err == nil {
		t.Error("Expected error for missing trailer, got nil")
	}
}
