package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveSignature computes the proof signature binding a settlement transaction
// to a single challenge. Secret may be empty when the issuer relies on an
// external verifier rather than a shared secret.
func DeriveSignature(secret []byte, txHash string, c *PaymentChallenge) string {
	hash := crypto.Keccak256Hash(
		secret,
		[]byte(txHash),
		[]byte(c.Nonce),
		[]byte(c.Amount),
		[]byte(c.Receiver),
		[]byte(c.Network),
		[]byte(c.Asset),
	)
	return hash.Hex()
}

// NewProof builds the proof a client presents for receipt.
func NewProof(receipt *PaymentReceipt) *PaymentProof {
	return &PaymentProof{
		Version:   ProtocolVersion,
		Signature: receipt.Signature,
		TxHash:    receipt.TxHash,
		Nonce:     receipt.Challenge.Nonce,
		Amount:    receipt.Challenge.Amount,
		Network:   receipt.Challenge.Network,
		Receiver:  receipt.Challenge.Receiver,
		Payer:     receipt.Payer,
	}
}

// EncodeProof encodes a PaymentProof to x-payment-signature header format (base64 JSON)
func EncodeProof(proof *PaymentProof) (string, error) {
	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(proofJSON), nil
}

// DecodeProof decodes and validates the x-payment-signature header
func DecodeProof(header string) (*PaymentProof, error) {
	proofBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var proof PaymentProof
	if err := json.Unmarshal(proofBytes, &proof); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if proof.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported proof version %q", proof.Version)
	}

	if proof.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if proof.Nonce == "" {
		return nil, fmt.Errorf("nonce is required")
	}

	if proof.Amount == "" {
		return nil, fmt.Errorf("amount is required")
	}

	return &proof, nil
}

// EncodePaymentResponse encodes the x-payment-response header value
func EncodePaymentResponse(response *PaymentResponse) (string, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(responseJSON), nil
}

// DecodePaymentResponse decodes an x-payment-response header
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// DecodePaymentRequired parses a 402 response body and returns its challenge.
func DecodePaymentRequired(body []byte) (*PaymentRequiredResponse, error) {
	var resp PaymentRequiredResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse payment challenge: %w", err)
	}

	c := resp.PaymentRequired
	if c == nil {
		return nil, fmt.Errorf("response carries no x-payment-required challenge")
	}
	if c.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported challenge version %q", c.Version)
	}
	if c.Nonce == "" || c.Receiver == "" || c.Network == "" {
		return nil, fmt.Errorf("challenge is missing nonce, receiver or network")
	}
	if _, err := parseAmount(c.Amount); err != nil {
		return nil, err
	}

	return &resp, nil
}
