package grpc

import (
	"context"

	"google.golang.org/grpc"

	x402 "github.com/becomeliminal/x402-paywall"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that charges
// the methods priced in table. Payment is verified once, before the stream
// begins; per-message payment is not supported.
func StreamServerInterceptor(iss *x402.Issuer, table x402.PriceTable, opts ...Option) grpc.StreamServerInterceptor {
	g := newGuard(iss, table, opts)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, payment, err := g.admit(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		if payment == nil {
			return handler(srv, ss)
		}

		wrapped := &paymentServerStream{ServerStream: ss, ctx: ctx}

		err = handler(srv, wrapped)
		if err == nil {
			if trailer, ok := paymentTrailer(payment); ok {
				wrapped.SetTrailer(trailer)
			}
		}

		return err
	}
}

// paymentServerStream wraps grpc.ServerStream to provide updated context with payment info
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context with payment information
func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
