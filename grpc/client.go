package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-paywall"
	"github.com/becomeliminal/x402-paywall/client"
)

// UnaryClientInterceptor pays x402 challenges returned by unary calls.
// A call failing with a payment challenge is paid through payer and retried
// once with the proof attached. The payer's auto-pay limit, confirmation and
// OnVerified/OnError hooks apply as they do for HTTP requests.
func UnaryClientInterceptor(payer *client.Payer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)

		required, ok := ChallengeFromError(err)
		if !ok {
			return err
		}

		receipt, err := payer.Pay(ctx, method, required.PaymentRequired)
		if err != nil {
			return payer.Fail(err)
		}

		proof, err := x402.EncodeProof(x402.NewProof(receipt))
		if err != nil {
			return payer.Fail(fmt.Errorf("failed to encode payment proof: %w", err))
		}

		ctx = metadata.AppendToOutgoingContext(ctx, MetadataKeyPaymentSignature, proof)
		err = invoker(ctx, method, req, reply, cc, opts...)
		if retry, ok := ChallengeFromError(err); ok {
			return payer.Fail(fmt.Errorf("%w: tx %s: %s", client.ErrVerificationRetryFailed, receipt.TxHash, retry.Message))
		}
		if err != nil {
			return payer.Fail(fmt.Errorf("retry after payment: %w", err))
		}

		payer.Verified(receipt)
		return nil
	}
}
