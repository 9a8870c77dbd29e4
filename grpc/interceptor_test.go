package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	x402 "github.com/becomeliminal/x402-paywall"
	"github.com/becomeliminal/x402-paywall/client"
)

const (
	healthCheck = "/grpc.health.v1.Health/Check"
	healthWatch = "/grpc.health.v1.Health/Watch"
)

var (
	testSecret = []byte("grpc-secret")
	discard    = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type mockWallet struct {
	mu    sync.Mutex
	calls int
}

func (w *mockWallet) Transfer(_ context.Context, _ client.Transfer) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return fmt.Sprintf("0xtx%d", w.calls), nil
}

func newIssuer(t *testing.T, verifier x402.Verifier) *x402.Issuer {
	t.Helper()

	iss, err := x402.NewIssuer(x402.Config{
		Network:         "base-sepolia",
		ReceiverAddress: "0xreceiver",
		Verifier:        verifier,
		Logger:          discard,
	})
	if err != nil {
		t.Fatalf("Failed to create issuer: %v", err)
	}
	return iss
}

func newPayer(t *testing.T, wallet client.Wallet) *client.Payer {
	t.Helper()

	payer, err := client.NewPayer(client.Config{Wallet: wallet, Secret: testSecret, Logger: discard})
	if err != nil {
		t.Fatalf("Failed to create payer: %v", err)
	}
	return payer
}

// startServer serves the health service behind the payment interceptors.
func startServer(t *testing.T, verifier x402.Verifier, table x402.PriceTable, dialOpts ...grpc.DialOption) healthpb.HealthClient {
	t.Helper()

	iss := newIssuer(t, verifier)
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryServerInterceptor(iss, table)),
		grpc.StreamInterceptor(StreamServerInterceptor(iss, table)),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	dialOpts = append(dialOpts,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)

	conn, err := grpc.NewClient("passthrough:///bufnet", dialOpts...)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func pricedTable(method, amount string) x402.PriceTable {
	return x402.PriceTable{Prices: map[string]x402.Price{
		method: {Amount: amount, Description: "health"},
	}}
}

// payFromError pays the challenge carried by err and returns a context carrying the proof.
func payFromError(t *testing.T, payer *client.Payer, err error) context.Context {
	t.Helper()

	required, ok := ChallengeFromError(err)
	if !ok {
		t.Fatalf("Expected payment challenge, got %v", err)
	}

	receipt, err := payer.Pay(context.Background(), healthCheck, required.PaymentRequired)
	if err != nil {
		t.Fatalf("Failed to pay: %v", err)
	}

	proof, err := x402.EncodeProof(x402.NewProof(receipt))
	if err != nil {
		t.Fatalf("Failed to encode proof: %v", err)
	}
	return metadata.AppendToOutgoingContext(context.Background(), MetadataKeyPaymentSignature, proof)
}

func TestUnaryInterceptor_RequiresPayment(t *testing.T) {
	hc := startServer(t, &x402.SignatureVerifier{Secret: testSecret}, pricedTable(healthCheck, "0.01"))

	_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("Expected ResourceExhausted, got %v", err)
	}

	required, ok := ChallengeFromError(err)
	if !ok {
		t.Fatal("Expected payment challenge in status message")
	}
	if required.Error != "Payment Required" {
		t.Errorf("Expected error Payment Required, got %s", required.Error)
	}
	if required.Message != "This endpoint requires 0.01 USDC" {
		t.Errorf("Unexpected message %q", required.Message)
	}
	if required.PaymentRequired.Amount != "0.01" || required.PaymentRequired.Receiver != "0xreceiver" {
		t.Errorf("Unexpected challenge %+v", required.PaymentRequired)
	}
}

func TestUnaryInterceptor_AcceptsPaymentOnce(t *testing.T) {
	hc := startServer(t, &x402.SignatureVerifier{Secret: testSecret}, pricedTable(healthCheck, "0.01"))
	payer := newPayer(t, &mockWallet{})

	_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	ctx := payFromError(t, payer, err)

	var trailer metadata.MD
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.Trailer(&trailer))
	if err != nil {
		t.Fatalf("Expected paid call to succeed, got %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.Status)
	}

	paid, err := PaymentResponseFromTrailer(trailer)
	if err != nil {
		t.Fatalf("Expected payment response trailer: %v", err)
	}
	if paid.Status != "verified" || paid.TxHash != "0xtx1" {
		t.Errorf("Unexpected payment response %+v", paid)
	}

	// The same proof cannot be presented twice
	_, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	required, ok := ChallengeFromError(err)
	if !ok {
		t.Fatalf("Expected a fresh challenge on replay, got %v", err)
	}
	if required.Error != "Payment Invalid" {
		t.Errorf("Expected Payment Invalid, got %s", required.Error)
	}
}

func TestUnaryInterceptor_VerifierErrorIsInternal(t *testing.T) {
	failing := x402.VerifierFunc(func(context.Context, *x402.PaymentProof, *x402.PaymentChallenge) (*x402.VerificationResult, error) {
		return nil, errors.New("rpc https://node.internal:8545 unreachable")
	})
	hc := startServer(t, failing, pricedTable(healthCheck, "0.01"))
	payer := newPayer(t, &mockWallet{})

	_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	ctx := payFromError(t, payer, err)

	_, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	st, _ := status.FromError(err)
	if st.Code() != codes.Internal {
		t.Fatalf("Expected Internal, got %v", err)
	}
	if st.Message() != "payment verification error" {
		t.Errorf("Verifier detail leaked to caller: %q", st.Message())
	}
}

func TestUnaryInterceptor_UnpricedMethodPassesThrough(t *testing.T) {
	hc := startServer(t, &x402.SignatureVerifier{Secret: testSecret}, pricedTable(healthWatch, "0.01"))

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Expected unpriced call to succeed, got %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.Status)
	}
}

func TestStreamInterceptor(t *testing.T) {
	hc := startServer(t, &x402.SignatureVerifier{Secret: testSecret}, pricedTable("/grpc.health.v1.Health/*", "0.02"))
	payer := newPayer(t, &mockWallet{})

	stream, err := hc.Watch(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	_, err = stream.Recv()
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("Expected ResourceExhausted, got %v", err)
	}

	ctx, cancel := context.WithCancel(payFromError(t, payer, err))
	defer cancel()

	stream, err = hc.Watch(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Failed to open paid stream: %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("Expected paid stream to deliver, got %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.Status)
	}
}

func TestUnaryClientInterceptor(t *testing.T) {
	wallet := &mockWallet{}
	hc := startServer(t, &x402.SignatureVerifier{Secret: testSecret}, pricedTable(healthCheck, "0.01"),
		grpc.WithUnaryInterceptor(UnaryClientInterceptor(newPayer(t, wallet))))

	var trailer metadata.MD
	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{}, grpc.Trailer(&trailer))
	if err != nil {
		t.Fatalf("Expected call to be paid and retried, got %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.Status)
	}
	if wallet.calls != 1 {
		t.Errorf("Expected 1 payment, got %d", wallet.calls)
	}
	if _, err := PaymentResponseFromTrailer(trailer); err != nil {
		t.Errorf("Expected payment response trailer: %v", err)
	}
}

func TestUnaryClientInterceptor_Failures(t *testing.T) {
	t.Run("retry rejected", func(t *testing.T) {
		rejecting := x402.VerifierFunc(func(context.Context, *x402.PaymentProof, *x402.PaymentChallenge) (*x402.VerificationResult, error) {
			return &x402.VerificationResult{Valid: false, Reason: "transfer not found"}, nil
		})
		wallet := &mockWallet{}
		hc := startServer(t, rejecting, pricedTable(healthCheck, "0.01"),
			grpc.WithUnaryInterceptor(UnaryClientInterceptor(newPayer(t, wallet))))

		_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if !errors.Is(err, client.ErrVerificationRetryFailed) {
			t.Fatalf("Expected ErrVerificationRetryFailed, got %v", err)
		}
		if wallet.calls != 1 {
			t.Errorf("Expected exactly 1 payment, got %d", wallet.calls)
		}
	})

	t.Run("over limit", func(t *testing.T) {
		wallet := &mockWallet{}
		hc := startServer(t, &x402.SignatureVerifier{Secret: testSecret}, pricedTable(healthCheck, "5.00"),
			grpc.WithUnaryInterceptor(UnaryClientInterceptor(newPayer(t, wallet))))

		_, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if !errors.Is(err, client.ErrPaymentExceedsLimit) {
			t.Fatalf("Expected ErrPaymentExceedsLimit, got %v", err)
		}
		if wallet.calls != 0 {
			t.Errorf("Expected no payment, got %d", wallet.calls)
		}
	})
}

func TestUnaryClientInterceptor_Hooks(t *testing.T) {
	accepting := &x402.SignatureVerifier{Secret: testSecret}
	rejecting := x402.VerifierFunc(func(context.Context, *x402.PaymentProof, *x402.PaymentChallenge) (*x402.VerificationResult, error) {
		return &x402.VerificationResult{Valid: false, Reason: "transfer not found"}, nil
	})

	tests := []struct {
		name     string
		verifier x402.Verifier
		verified int
		wantErr  error
	}{
		{name: "accepted", verifier: accepting, verified: 1},
		{name: "rejected", verifier: rejecting, wantErr: client.ErrVerificationRetryFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				verified int
				reported error
			)
			payer, err := client.NewPayer(client.Config{
				Wallet:     &mockWallet{},
				Secret:     testSecret,
				Logger:     discard,
				OnVerified: func(*x402.PaymentReceipt) { verified++ },
				OnError:    func(err error) { reported = err },
			})
			if err != nil {
				t.Fatalf("Failed to create payer: %v", err)
			}

			hc := startServer(t, tt.verifier, pricedTable(healthCheck, "0.01"),
				grpc.WithUnaryInterceptor(UnaryClientInterceptor(payer)))
			_, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{})

			if verified != tt.verified {
				t.Errorf("Expected %d OnVerified calls, got %d", tt.verified, verified)
			}
			if tt.wantErr == nil {
				if err != nil || reported != nil {
					t.Fatalf("Expected success, got %v (reported %v)", err, reported)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) || !errors.Is(reported, tt.wantErr) {
				t.Errorf("Expected %v returned and reported, got %v and %v", tt.wantErr, err, reported)
			}
		})
	}
}

func TestServerInterceptor_PanicsOnInvalidConfig(t *testing.T) {
	iss, err := x402.NewIssuer(x402.Config{Network: "base-sepolia", Verifier: &x402.SignatureVerifier{}, Logger: discard})
	if err != nil {
		t.Fatalf("Failed to create issuer: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing receiver")
		}
	}()
	UnaryServerInterceptor(iss, pricedTable(healthCheck, "0.01"))
}

func TestRequirePayment(t *testing.T) {
	if _, err := RequirePayment(context.Background()); status.Code(err) != codes.ResourceExhausted {
		t.Errorf("Expected ResourceExhausted without payment, got %v", err)
	}

	ctx := x402.WithPayment(context.Background(), &x402.PaymentContext{Verified: true, Amount: "0.01"})
	payment, err := RequirePayment(ctx)
	if err != nil {
		t.Fatalf("Expected payment, got %v", err)
	}
	if payment.Amount != "0.01" {
		t.Errorf("Expected amount 0.01, got %s", payment.Amount)
	}
}
