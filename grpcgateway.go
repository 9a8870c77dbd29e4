package x402

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys used to carry a PaymentContext from grpc-gateway to gRPC handlers.
const (
	mdVerified     = "x-payment-verified"
	mdPayer        = "x-payment-payer"
	mdAmount       = "x-payment-amount"
	mdAsset        = "x-payment-asset"
	mdNetwork      = "x-payment-network"
	mdTxHash       = "x-payment-tx-hash"
	mdNonce        = "x-payment-nonce"
	mdSubscription = "x-payment-subscription"
	mdFreeTier     = "x-payment-free-tier"
	mdVerifiedAt   = "x-payment-verified-at"

	paymentMetadataPrefix = "x-payment-"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates the PaymentContext
// attached by a paywall into gRPC metadata, making it accessible in gRPC handlers.
// It also installs the payment header matcher, so clients cannot supply
// x-payment-* metadata themselves.
func WithPaymentMetadata() runtime.ServeMuxOption {
	annotate := runtime.WithMetadata(paymentMetadata)
	matcher := runtime.WithIncomingHeaderMatcher(paymentHeaderMatcher)
	return func(mux *runtime.ServeMux) {
		annotate(mux)
		matcher(mux)
	}
}

func paymentMetadata(ctx context.Context, r *http.Request) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(r.Context())
	if !ok || payment == nil {
		return md
	}

	if payment.Verified {
		md.Set(mdVerified, "true")
		md.Set(mdAmount, payment.Amount)
		md.Set(mdNonce, payment.Nonce)
		md.Set(mdVerifiedAt, strconv.FormatInt(payment.VerifiedAt.Unix(), 10))

		if payment.TxHash != "" {
			md.Set(mdTxHash, payment.TxHash)
		}
	}
	if payment.Subscription {
		md.Set(mdSubscription, "true")
	}
	if payment.FreeTier {
		md.Set(mdFreeTier, "true")
	}
	if payment.Payer != "" {
		md.Set(mdPayer, payment.Payer)
	}
	if payment.Asset != "" {
		md.Set(mdAsset, payment.Asset)
	}
	if payment.Network != "" {
		md.Set(mdNetwork, payment.Network)
	}

	return md
}

// WithPaymentHeaderForwarding returns a ServeMuxOption that forwards the
// x-payment-signature header to gRPC, so payment can be enforced by the gRPC
// interceptors instead of HTTP middleware.
// Other x-payment-* metadata is only ever set by WithPaymentMetadata.
func WithPaymentHeaderForwarding() runtime.ServeMuxOption {
	return runtime.WithIncomingHeaderMatcher(paymentHeaderMatcher)
}

// paymentHeaderMatcher forwards the payment signature and drops any other
// incoming header that would become x-payment-* metadata.
func paymentHeaderMatcher(key string) (string, bool) {
	if strings.EqualFold(key, HeaderPaymentSignature) {
		return HeaderPaymentSignature, true
	}

	name, ok := runtime.DefaultHeaderMatcher(key)
	if ok && strings.HasPrefix(strings.ToLower(name), paymentMetadataPrefix) {
		return "", false
	}
	return name, ok
}

// GetPaymentFromGRPCContext extracts payment information forwarded by WithPaymentMetadata.
// Use this in gRPC handlers served behind grpc-gateway.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	payment := &PaymentContext{
		Verified:     first(md, mdVerified) == "true",
		Subscription: first(md, mdSubscription) == "true",
		FreeTier:     first(md, mdFreeTier) == "true",
	}
	if !payment.Verified && !payment.Subscription && !payment.FreeTier {
		return nil, false
	}

	payment.Payer = first(md, mdPayer)
	payment.Amount = first(md, mdAmount)
	payment.Asset = first(md, mdAsset)
	payment.Network = first(md, mdNetwork)
	payment.TxHash = first(md, mdTxHash)
	payment.Nonce = first(md, mdNonce)

	if ts, err := strconv.ParseInt(first(md, mdVerifiedAt), 10, 64); err == nil {
		payment.VerifiedAt = time.Unix(ts, 0)
	}

	return payment, true
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context.
// Useful with RouteMiddleware-style pricing keyed on the matched route.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	return runtime.HTTPPathPattern(ctx)
}
