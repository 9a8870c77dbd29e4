package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	x402 "github.com/becomeliminal/x402-paywall"
	x402grpc "github.com/becomeliminal/x402-paywall/grpc"
	"github.com/becomeliminal/x402-paywall/subscription"
)

const subscriberHeader = "X-Subscriber"

type handlers struct {
	config Config
	logger *slog.Logger
	issuer *x402.Issuer
	subs   *subscription.Service
	tiers  *x402.PricingTiers
	health healthpb.HealthClient
	gwmux  *runtime.ServeMux
}

// subscriberKey identifies subscribers by the X-Subscriber header, falling back to the client IP.
// The header is not authenticated: any caller can name any subscriber. Deployments put an
// authenticating proxy in front or key subscriptions on their own session identity.
func subscriberKey(r *http.Request) string {
	if s := r.Header.Get(subscriberHeader); s != "" {
		return strings.ToLower(s)
	}
	return x402.ClientIP(r)
}

func newRouter(h *handlers) (http.Handler, error) {
	cfg := h.config

	h.tiers = x402.NewPricingTiers(h.issuer)
	for name, price := range cfg.Tiers {
		if err := h.tiers.Add(name, price); err != nil {
			return nil, err
		}
	}

	routes := x402.PriceTable{Prices: map[string]x402.Price{}}
	for pattern, price := range cfg.Routes {
		routes.Prices[pattern] = x402.Price{Amount: price, Description: "catalog " + pattern}
	}
	if err := routes.Validate(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", x402.HeaderPaymentSignature, subscriberHeader},
		ExposedHeaders:   []string{x402.HeaderPaymentResponse, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.With(h.issuer.Paywall(cfg.PremiumPrice, "Premium content", nil)).
		Get("/v1/premium", h.handlePaid)

	r.With(h.issuer.DynamicPaywall(h.quotePrice, h.quoteDescription, nil)).
		Get("/v1/quote/{symbol}", h.handleQuote)

	r.With(h.issuer.UsagePaywall(x402.UsageConfig{
		BasePrice:    cfg.UsageBasePrice,
		PricePerUnit: cfg.UsageUnitPrice,
		Units:        computeUnits,
		Description:  "Compute units",
	}, nil)).Post("/v1/compute", h.handlePaid)

	r.With(h.issuer.SubscriptionPaywall(x402.SubscriptionConfig{
		Price:       cfg.PremiumPrice,
		Description: "Report access",
		Checker:     h.subs,
		Subscriber:  subscriberKey,
	}, nil)).Get("/v1/reports", h.handlePaid)

	r.With(h.issuer.Paywall(cfg.SubscriptionPrice, fmt.Sprintf("%d day subscription", cfg.SubscriptionDays), nil)).
		Post("/v1/subscribe", h.handleSubscribe)

	r.With(h.issuer.RateLimitedPaywall(x402.RateLimitConfig{
		Free:       x402.FreeTier{Limit: cfg.FreeLimit, Window: cfg.FreeWindow},
		Paid:       x402.PaidTier{Price: cfg.PremiumPrice, Description: "Search beyond the free tier"},
		Subscriber: subscriberKey,
	}, nil)).Get("/v1/search", h.handlePaid)

	r.With(h.tiers.Middleware(func(r *http.Request) string {
		return chi.URLParam(r, "tier")
	}, "", nil)).Get("/v1/tiers/{tier}", h.handlePaid)

	r.With(h.issuer.RouteMiddleware(routes, nil)).Get("/v1/catalog/*", h.handlePaid)

	if h.gwmux != nil {
		r.Handle("/v1/grpc/*", h.gwmux)
	}

	return r, nil
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handlePaid(w http.ResponseWriter, r *http.Request) {
	payment, ok := x402.GetPaymentFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"path": r.URL.Path, "paid": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"path":         r.URL.Path,
		"paid":         payment.Verified,
		"subscription": payment.Subscription,
		"freeTier":     payment.FreeTier,
		"amount":       payment.Amount,
		"asset":        payment.Asset,
		"txHash":       payment.TxHash,
		"payer":        payment.Payer,
	})
}

func (h *handlers) quotePrice(r *http.Request) (string, error) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if price, ok := h.config.QuotePrices[symbol]; ok {
		return price, nil
	}
	if price, ok := h.config.QuotePrices["default"]; ok {
		return price, nil
	}
	return "", fmt.Errorf("no quote price for %q", symbol)
}

func (h *handlers) quoteDescription(r *http.Request) (string, error) {
	return "Quote for " + strings.ToUpper(chi.URLParam(r, "symbol")), nil
}

func (h *handlers) handleQuote(w http.ResponseWriter, r *http.Request) {
	payment, _ := x402.RequirePayment(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": strings.ToUpper(chi.URLParam(r, "symbol")),
		"paid":   payment.Amount,
		"asOf":   time.Now().UTC().Format(time.RFC3339),
	})
}

func computeUnits(r *http.Request) (int64, error) {
	units := r.URL.Query().Get("units")
	if units == "" {
		return 1, nil
	}
	return strconv.ParseInt(units, 10, 64)
}

func (h *handlers) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	payment, err := x402.RequirePayment(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "payment context missing"})
		return
	}

	sub, err := h.subs.Subscribe(r.Context(), subscriberKey(r), time.Duration(h.config.SubscriptionDays)*24*time.Hour, subscription.Payment{
		Amount:  payment.Amount,
		Asset:   payment.Asset,
		Network: payment.Network,
		TxHash:  payment.TxHash,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to record subscription", "tx_hash", payment.TxHash, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record subscription"})
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// newGateway serves gRPC methods over HTTP. Payment signatures are forwarded
// to the gRPC server instead of being checked here.
func (h *handlers) newGateway(health healthpb.HealthClient) error {
	h.health = health
	h.gwmux = runtime.NewServeMux(x402.WithPaymentMetadata(), x402.WithPaymentHeaderForwarding())
	return h.gwmux.HandlePath(http.MethodGet, "/v1/grpc/health", h.handleGRPCHealth)
}

// handleGRPCHealth forwards to the gRPC health service through the gateway,
// where payment is enforced by the gRPC interceptors.
func (h *handlers) handleGRPCHealth(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := runtime.AnnotateContext(r.Context(), h.gwmux, r, "/grpc.health.v1.Health/Check",
		runtime.WithHTTPPathPattern("/v1/grpc/health"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var trailer metadata.MD
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.Trailer(&trailer))
	if pattern, ok := x402.GetHTTPPathPattern(ctx); ok {
		h.logger.DebugContext(ctx, "gateway call", "pattern", pattern, "error", err)
	}
	if required, ok := x402grpc.ChallengeFromError(err); ok {
		writeJSON(w, http.StatusPaymentRequired, required)
		return
	}
	if err != nil {
		runtime.HTTPError(ctx, h.gwmux, &runtime.JSONPb{}, w, r, err)
		return
	}

	if v := trailer.Get(x402grpc.MetadataKeyPaymentResponse); len(v) > 0 {
		w.Header().Set(x402.HeaderPaymentResponse, v[0])
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": resp.Status.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
