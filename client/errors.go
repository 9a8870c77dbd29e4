package client

import "errors"

// Errors returned by Client and Payer. They are wrapped with detail, so
// match them with errors.Is.
var (
	ErrChallengeParse          = errors.New("x402: malformed payment challenge")
	ErrChallengeExpired        = errors.New("x402: payment challenge already expired")
	ErrPaymentExceedsLimit     = errors.New("x402: payment exceeds auto-pay limit")
	ErrPaymentDeclined         = errors.New("x402: payment declined")
	ErrPaymentExecutionFailed  = errors.New("x402: payment execution failed")
	ErrVerificationRetryFailed = errors.New("x402: payment was not accepted by the server")
	ErrCacheIO                 = errors.New("x402: receipt cache error")
)
