// Command x402d is a demo server that puts every kind of x402 paywall in
// front of a handful of JSON endpoints and a gRPC health service.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	x402 "github.com/becomeliminal/x402-paywall"
	x402grpc "github.com/becomeliminal/x402-paywall/grpc"
)

var (
	commit    string
	buildDate string
)

func main() {
	configPath := flag.String("config", "", "location of config file. If none is specified config will be loaded from the environment")
	flag.Parse()

	var (
		cfg Config
		err error
	)
	if *configPath != "" {
		err = cfg.Load(*configPath)
	} else {
		err = cfg.LoadFromEnv()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
	slog.SetDefault(logger)
	logger.Info("starting x402d", "commit", commit, "build_date", buildDate, "config", *configPath)

	if err := run(cfg, logger); err != nil {
		logger.Error("x402d stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	kv, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer kv.Close()

	verifier, err := newVerifier(cfg)
	if err != nil {
		return fmt.Errorf("verifier: %w", err)
	}
	if c, ok := verifier.(io.Closer); ok {
		defer c.Close()
	}

	issuer, err := x402.NewIssuer(x402.Config{
		Network:         cfg.Network,
		ReceiverAddress: cfg.ReceiverAddress,
		Asset:           cfg.Asset,
		ChallengeExpiry: cfg.ChallengeExpiry,
		Verifier:        verifier,
		Store:           kv,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("issuer: %w", err)
	}
	if err := issuer.CheckOverrides(nil); err != nil {
		return fmt.Errorf("issuer: %w", err)
	}

	subs, err := newSubscriptions(cfg)
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}

	grpcAddr := fmt.Sprintf(":%d", cfg.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	methods := x402.PriceTable{Prices: map[string]x402.Price{
		"/grpc.health.v1.Health/Check": {Amount: cfg.PremiumPrice, Description: "gRPC health check"},
	}}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(x402grpc.UnaryServerInterceptor(issuer, methods)),
		grpc.StreamInterceptor(x402grpc.StreamServerInterceptor(issuer, methods)),
	)
	healthpb.RegisterHealthServer(grpcServer, health.NewServer())

	go func() {
		logger.Info("grpc listening", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", "error", err)
		}
	}()
	defer grpcServer.GracefulStop()

	conn, err := grpc.NewClient(fmt.Sprintf("localhost:%d", cfg.GRPCPort),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("grpc dial: %w", err)
	}
	defer conn.Close()

	h := &handlers{
		config: cfg,
		logger: logger,
		issuer: issuer,
		subs:   subs,
	}
	if err := h.newGateway(healthpb.NewHealthClient(conn)); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	router, err := newRouter(h)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("api listening", "addr", addr, "network", cfg.Network, "store", cfg.StoreType, "verifier", cfg.VerifierType)

	return http.ListenAndServe(addr, router)
}
