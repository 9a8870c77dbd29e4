package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeInvalidPayment     = "INVALID_PAYMENT"
	ErrCodeVerificationFailed = "VERIFICATION_FAILED"
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodeInsufficientAmount = "INSUFFICIENT_AMOUNT"
	ErrCodeExpiredPayment     = "EXPIRED_PAYMENT"
	ErrCodeUnknownChallenge   = "UNKNOWN_CHALLENGE"
	ErrCodeReplayedNonce      = "REPLAYED_NONCE"
	ErrCodeNetworkMismatch    = "NETWORK_MISMATCH"
)

var (
	// ErrConfiguration is the cause of every INVALID_CONFIG PaymentError.
	ErrConfiguration = errors.New("x402 configuration error")

	// ErrUnknownTier is returned by PricingTiers.Get for an unregistered key.
	ErrUnknownTier = errors.New("unknown pricing tier")
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func configError(format string, args ...any) *PaymentError {
	return NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf(format, args...), ErrConfiguration)
}

// IsPaymentError checks if an error is, or wraps, a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsConfigError reports whether err stems from missing or invalid configuration.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsRejection reports whether err is a proof rejection, i.e. the client should
// be answered with 402 Payment Invalid rather than 500.
func IsRejection(err error) bool {
	return IsPaymentError(err) && !IsConfigError(err)
}
