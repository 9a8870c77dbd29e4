package x402

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

func TestGetPaymentFromGRPCContext(t *testing.T) {
	_, ok := GetPaymentFromGRPCContext(context.Background())
	assert.False(t, ok)

	md := metadata.Pairs(
		mdVerified, "true",
		mdPayer, "0xpayer",
		mdAmount, "0.05",
		mdNetwork, "base-sepolia",
		mdTxHash, "0xtx",
		mdVerifiedAt, "1700000000",
	)
	payment, ok := GetPaymentFromGRPCContext(metadata.NewIncomingContext(context.Background(), md))
	require.True(t, ok)
	assert.True(t, payment.Verified)
	assert.Equal(t, "0xpayer", payment.Payer)
	assert.Equal(t, "0.05", payment.Amount)
	assert.Equal(t, "0xtx", payment.TxHash)
	assert.Equal(t, time.Unix(1_700_000_000, 0), payment.VerifiedAt)

	md = metadata.Pairs(mdFreeTier, "true")
	payment, ok = GetPaymentFromGRPCContext(metadata.NewIncomingContext(context.Background(), md))
	require.True(t, ok)
	assert.True(t, payment.FreeTier)
	assert.False(t, payment.Verified)

	md = metadata.Pairs(mdAmount, "0.05")
	_, ok = GetPaymentFromGRPCContext(metadata.NewIncomingContext(context.Background(), md))
	assert.False(t, ok, "metadata without an admission flag carries no payment")
}

func TestWithPaymentHeaderForwarding(t *testing.T) {
	var forwarded metadata.MD
	mux := runtime.NewServeMux(WithPaymentHeaderForwarding())

	err := mux.HandlePath("GET", "/v1/jokes", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		ctx, err := runtime.AnnotateContext(r.Context(), mux, r, "/jokes.v1.JokeService/GetJoke",
			runtime.WithHTTPPathPattern("/v1/jokes"))
		require.NoError(t, err)
		forwarded, _ = metadata.FromOutgoingContext(ctx)
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/v1/jokes", nil)
	req.Header.Set("X-Payment-Signature", "proof")
	mux.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"proof"}, forwarded.Get(HeaderPaymentSignature))
}

func TestWithPaymentMetadata(t *testing.T) {
	var forwarded metadata.MD
	mux := runtime.NewServeMux(WithPaymentMetadata())

	err := mux.HandlePath("GET", "/v1/jokes", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		ctx, err := runtime.AnnotateContext(r.Context(), mux, r, "/jokes.v1.JokeService/GetJoke",
			runtime.WithHTTPPathPattern("/v1/jokes"))
		require.NoError(t, err)
		forwarded, _ = metadata.FromOutgoingContext(ctx)
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/v1/jokes", nil)
	req = req.WithContext(WithPayment(req.Context(), &PaymentContext{
		Verified: true,
		Amount:   "0.05",
		Payer:    "0xpayer",
		Network:  "base-sepolia",
		TxHash:   "0xtx",
	}))
	mux.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"true"}, forwarded.Get(mdVerified))
	assert.Equal(t, []string{"0xpayer"}, forwarded.Get(mdPayer))
	assert.Equal(t, []string{"0xtx"}, forwarded.Get(mdTxHash))
}

func TestGatewayDropsClientPaymentMetadata(t *testing.T) {
	options := map[string][]runtime.ServeMuxOption{
		"metadata":   {WithPaymentMetadata()},
		"forwarding": {WithPaymentHeaderForwarding()},
		"both":       {WithPaymentMetadata(), WithPaymentHeaderForwarding()},
	}

	for name, opts := range options {
		t.Run(name, func(t *testing.T) {
			var forwarded metadata.MD
			mux := runtime.NewServeMux(opts...)

			err := mux.HandlePath("GET", "/v1/jokes", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				ctx, err := runtime.AnnotateContext(r.Context(), mux, r, "/jokes.v1.JokeService/GetJoke",
					runtime.WithHTTPPathPattern("/v1/jokes"))
				require.NoError(t, err)
				forwarded, _ = metadata.FromOutgoingContext(ctx)
			})
			require.NoError(t, err)

			req := httptest.NewRequest("GET", "/v1/jokes", nil)
			req.Header.Set("Grpc-Metadata-X-Payment-Verified", "true")
			req.Header.Set("Grpc-Metadata-X-Payment-Amount", "100")
			req.Header.Set("Grpc-Metadata-X-Payment-Free-Tier", "true")
			req.Header.Set("Grpc-Metadata-Trace-Id", "abc")
			req.Header.Set("X-Payment-Signature", "proof")
			mux.ServeHTTP(httptest.NewRecorder(), req)

			_, ok := GetPaymentFromGRPCContext(metadata.NewIncomingContext(context.Background(), forwarded))
			assert.False(t, ok, "client headers must not grant a payment")
			assert.Empty(t, forwarded.Get(mdAmount))
			assert.Equal(t, []string{"abc"}, forwarded.Get("trace-id"))
			assert.Equal(t, []string{"proof"}, forwarded.Get(HeaderPaymentSignature))
		})
	}
}
