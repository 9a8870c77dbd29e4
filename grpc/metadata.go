package grpc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-paywall"
)

const (
	// MetadataKeyPaymentSignature is the metadata key carrying the encoded payment proof
	MetadataKeyPaymentSignature = x402.HeaderPaymentSignature

	// MetadataKeyPaymentResponse is the trailer key set after a verified payment
	MetadataKeyPaymentResponse = x402.HeaderPaymentResponse
)

// EncodePaymentRequired encodes a 402 body to base64 JSON. The result is
// the message of the ResourceExhausted status returned to unpaid callers.
func EncodePaymentRequired(resp *x402.PaymentRequiredResponse) (string, error) {
	jsonBytes, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment required response: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentRequired decodes and validates a base64 JSON 402 body.
func DecodePaymentRequired(encoded string) (*x402.PaymentRequiredResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	return x402.DecodePaymentRequired(jsonBytes)
}

// ChallengeFromError extracts the payment challenge from a ResourceExhausted
// status. It returns false for any other error, including quota errors that
// carry no challenge.
func ChallengeFromError(err error) (*x402.PaymentRequiredResponse, bool) {
	if err == nil {
		return nil, false
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, false
	}

	resp, err := DecodePaymentRequired(st.Message())
	if err != nil {
		return nil, false
	}
	return resp, true
}

// ProofFromMetadata returns the encoded payment proof carried in md.
func ProofFromMetadata(md metadata.MD) (string, error) {
	values := md.Get(MetadataKeyPaymentSignature)
	if len(values) == 0 || values[0] == "" {
		return "", errors.New("no payment proof found in metadata")
	}

	return values[0], nil
}

// PaymentResponseFromTrailer decodes the verification receipt set by the
// server interceptors.
func PaymentResponseFromTrailer(md metadata.MD) (*x402.PaymentResponse, error) {
	values := md.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil, errors.New("no payment response found in trailer")
	}

	return x402.DecodePaymentResponse(values[0])
}
