// Package grpc enforces x402 payments on gRPC methods.
//
// Unpaid calls fail with codes.ResourceExhausted whose message is the
// base64 JSON 402 body, following Google Cloud's use of RESOURCE_EXHAUSTED
// for billing enforcement. Clients retry with the proof in the
// x-payment-signature metadata key.
package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-paywall"
)

// Option configures a server interceptor.
type Option func(*guard)

// WithOverrides applies per-paywall overrides to every priced method.
func WithOverrides(o *x402.Overrides) Option {
	return func(g *guard) {
		g.overrides = o
	}
}

// guard is the payment check shared by the unary and stream interceptors.
type guard struct {
	issuer    *x402.Issuer
	table     x402.PriceTable
	overrides *x402.Overrides
}

func newGuard(iss *x402.Issuer, table x402.PriceTable, opts []Option) *guard {
	g := &guard{issuer: iss, table: table}
	for _, opt := range opts {
		opt(g)
	}

	if err := table.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 paywall configuration: %v", err))
	}
	if err := iss.CheckOverrides(g.overrides); err != nil {
		panic(fmt.Sprintf("invalid x402 paywall configuration: %v", err))
	}
	return g
}

// admit returns ctx carrying the verified payment, or the status error to
// return instead of calling the handler. Unpriced methods get a nil payment.
func (g *guard) admit(ctx context.Context, fullMethod string) (context.Context, *x402.PaymentContext, error) {
	price, ok := g.table.Match(fullMethod)
	if !ok {
		return ctx, nil, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	proof, err := ProofFromMetadata(md)
	if err != nil {
		return nil, nil, g.paymentRequired(ctx, price, "Payment Required", "")
	}

	payment, err := g.issuer.VerifyProof(ctx, proof, price.Amount, g.overrides)
	x402.RecordOutcome(err)
	if err != nil {
		return nil, nil, g.verifyError(ctx, fullMethod, price, err)
	}

	g.issuer.Logger().InfoContext(ctx, "payment verified",
		"method", fullMethod, "amount", payment.Amount, "nonce", payment.Nonce, "tx_hash", payment.TxHash)

	return x402.WithPayment(ctx, payment), payment, nil
}

func (g *guard) verifyError(ctx context.Context, fullMethod string, price *x402.Price, err error) error {
	logger := g.issuer.Logger()

	switch {
	case x402.IsRejection(err):
		logger.InfoContext(ctx, "payment proof rejected",
			"method", fullMethod, "code", x402.GetPaymentErrorCode(err), "error", err)

		var pe *x402.PaymentError
		errors.As(err, &pe)
		return g.paymentRequired(ctx, price, "Payment Invalid", pe.Message)

	case x402.IsConfigError(err):
		logger.ErrorContext(ctx, "payment configuration error", "method", fullMethod, "error", err)
		return status.Error(codes.Internal, "payment configuration error")

	default:
		logger.ErrorContext(ctx, "payment verification error", "method", fullMethod, "error", err)
		return status.Error(codes.Internal, "payment verification error")
	}
}

// paymentRequired issues a fresh challenge and returns it as a ResourceExhausted status.
// An empty message is replaced by the standard price message.
func (g *guard) paymentRequired(ctx context.Context, price *x402.Price, title, message string) error {
	challenge, err := g.issuer.CreateChallenge(ctx, price.Amount, price.Description, g.overrides)
	if err != nil {
		g.issuer.Logger().ErrorContext(ctx, "failed to issue payment challenge", "error", err)
		return status.Error(codes.Internal, "failed to issue payment challenge")
	}

	if message == "" {
		message = fmt.Sprintf("This endpoint requires %s %s", challenge.Amount, challenge.Asset)
	}

	encoded, err := EncodePaymentRequired(&x402.PaymentRequiredResponse{
		Error:           title,
		Message:         message,
		PaymentRequired: challenge,
	})
	if err != nil {
		return status.Error(codes.Internal, "failed to encode payment challenge")
	}

	return status.Error(codes.ResourceExhausted, encoded)
}

func paymentTrailer(payment *x402.PaymentContext) (metadata.MD, bool) {
	encoded, err := x402.EncodePaymentResponse(&x402.PaymentResponse{
		Status: "verified",
		TxHash: payment.TxHash,
		Nonce:  payment.Nonce,
	})
	if err != nil {
		return nil, false
	}
	return metadata.Pairs(MetadataKeyPaymentResponse, encoded), true
}

// UnaryServerInterceptor creates a gRPC unary server interceptor that charges
// the methods priced in table. Full method names are matched against the table,
// e.g. "/weather.v1.WeatherService/*".
//
// It panics if table holds an invalid price or the issuer cannot resolve a
// network, receiver and verifier.
func UnaryServerInterceptor(iss *x402.Issuer, table x402.PriceTable, opts ...Option) grpc.UnaryServerInterceptor {
	g := newGuard(iss, table, opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, payment, err := g.admit(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		if payment == nil {
			return handler(ctx, req)
		}

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		if trailer, ok := paymentTrailer(payment); ok {
			if err := grpc.SetTrailer(ctx, trailer); err != nil {
				g.issuer.Logger().WarnContext(ctx, "failed to set payment trailer", "error", err)
			}
		}

		return resp, nil
	}
}

// GetPaymentFromContext extracts payment information from the gRPC context
// This can be used in gRPC service handlers to access payment details
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
// Useful for gRPC handlers that must have valid payment
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
