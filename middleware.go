package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// PriceFunc computes the price of a request.
type PriceFunc func(r *http.Request) (string, error)

// DescriptionFunc computes the challenge description of a request.
type DescriptionFunc func(r *http.Request) (string, error)

// KeyFunc derives a caller or tier key from a request.
type KeyFunc func(r *http.Request) string

// charge is what a single request must pay.
type charge struct {
	price       string
	description string
	message     string
}

func requiresMessage(price, asset string) string {
	return fmt.Sprintf("This endpoint requires %s %s", price, asset)
}

// mustResolve resolves paywall settings at wiring time.
func (i *Issuer) mustResolve(o *Overrides) *settings {
	s, err := i.resolve(o)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 paywall configuration: %v", err))
	}
	return s
}

func mustParsePrice(price string) {
	if _, err := parseAmount(price); err != nil {
		panic(fmt.Sprintf("invalid x402 paywall configuration: %v", err))
	}
}

// Paywall returns middleware that demands a fixed payment for every request.
// It panics if the issuer cannot resolve a network, receiver and verifier or
// if price is not a valid decimal.
func (i *Issuer) Paywall(price, description string, o *Overrides) func(http.Handler) http.Handler {
	s := i.mustResolve(o)
	mustParsePrice(price)

	ch := charge{price: price, description: description, message: requiresMessage(price, s.asset)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			i.serve(w, r, next, s, ch)
		})
	}
}

// DynamicPaywall is Paywall with the price and description computed per request.
// An error or panic from either function is answered with 500, never 402.
func (i *Issuer) DynamicPaywall(price PriceFunc, description DescriptionFunc, o *Overrides) func(http.Handler) http.Handler {
	if price == nil {
		panic("invalid x402 paywall configuration: price function is required")
	}
	s := i.mustResolve(o)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ch, err := evaluateCharge(r, price, description)
			if err != nil {
				i.logger.ErrorContext(r.Context(), "failed to compute payment price", "path", r.URL.Path, "error", err)
				sendError(w, http.StatusInternalServerError, "Payment configuration error")
				return
			}

			ch.message = requiresMessage(ch.price, s.asset)
			i.serve(w, r, next, s, ch)
		})
	}
}

// evaluateCharge runs the caller's pricing functions, converting panics into errors.
func evaluateCharge(r *http.Request, price PriceFunc, description DescriptionFunc) (ch charge, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = configError("pricing function panicked: %v", v)
		}
	}()

	ch.price, err = price(r)
	if err != nil {
		return charge{}, NewPaymentError(ErrCodeInvalidConfig, "price function failed", errors.Join(ErrConfiguration, err))
	}
	if _, err := parseAmount(ch.price); err != nil {
		return charge{}, NewPaymentError(ErrCodeInvalidConfig, "price function returned an invalid amount", errors.Join(ErrConfiguration, err))
	}

	if description != nil {
		ch.description, err = description(r)
		if err != nil {
			return charge{}, NewPaymentError(ErrCodeInvalidConfig, "description function failed", errors.Join(ErrConfiguration, err))
		}
	}

	return ch, nil
}

// RouteMiddleware prices requests by URL path using table.
// Paths the table does not price are passed through without payment.
func (i *Issuer) RouteMiddleware(table PriceTable, o *Overrides) func(http.Handler) http.Handler {
	if err := table.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 paywall configuration: %v", err))
	}
	s := i.mustResolve(o)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			price, ok := table.Match(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			i.serve(w, r, next, s, charge{
				price:       price.Amount,
				description: price.Description,
				message:     requiresMessage(price.Amount, s.asset),
			})
		})
	}
}

// serve runs the challenge/verify state machine for one request.
func (i *Issuer) serve(w http.ResponseWriter, r *http.Request, next http.Handler, s *settings, ch charge) {
	ctx := r.Context()

	header := r.Header.Get(HeaderPaymentSignature)
	if header == "" {
		i.sendPaymentRequired(ctx, w, s, ch, "Payment Required", ch.message)
		return
	}

	payment, err := i.verifyProof(ctx, s, header, ch.price)
	if err != nil {
		i.handleVerifyError(ctx, w, r, s, ch, err)
		return
	}

	paymentOutcomes.WithLabelValues(outcomeVerified).Inc()
	i.logger.InfoContext(ctx, "payment verified",
		"path", r.URL.Path, "amount", payment.Amount, "nonce", payment.Nonce, "tx_hash", payment.TxHash)

	setPaymentResponse(w, payment)
	next.ServeHTTP(w, r.WithContext(WithPayment(ctx, payment)))
}

func (i *Issuer) handleVerifyError(ctx context.Context, w http.ResponseWriter, r *http.Request, s *settings, ch charge, err error) {
	switch {
	case IsRejection(err):
		paymentOutcomes.WithLabelValues(outcomeRejected).Inc()
		i.logger.InfoContext(ctx, "payment proof rejected",
			"path", r.URL.Path, "code", GetPaymentErrorCode(err), "error", err)

		var pe *PaymentError
		errors.As(err, &pe)
		i.sendPaymentRequired(ctx, w, s, ch, "Payment Invalid", pe.Message)

	case IsConfigError(err):
		paymentOutcomes.WithLabelValues(outcomeError).Inc()
		i.logger.ErrorContext(ctx, "payment configuration error", "path", r.URL.Path, "error", err)
		sendError(w, http.StatusInternalServerError, "Payment configuration error")

	default:
		paymentOutcomes.WithLabelValues(outcomeError).Inc()
		i.logger.ErrorContext(ctx, "payment verification error", "path", r.URL.Path, "error", err)
		sendError(w, http.StatusInternalServerError, "Payment verification error")
	}
}

func setPaymentResponse(w http.ResponseWriter, payment *PaymentContext) {
	encoded, err := EncodePaymentResponse(&PaymentResponse{
		Status: "verified",
		TxHash: payment.TxHash,
		Nonce:  payment.Nonce,
	})
	if err == nil {
		w.Header().Set(HeaderPaymentResponse, encoded)
	}
}

// sendPaymentRequired sends a 402 response carrying a fresh challenge
func (i *Issuer) sendPaymentRequired(ctx context.Context, w http.ResponseWriter, s *settings, ch charge, title, message string) {
	challenge, err := i.createChallenge(ctx, s, ch.price, ch.description)
	if err != nil {
		i.logger.ErrorContext(ctx, "failed to issue payment challenge", "error", err)
		if IsConfigError(err) {
			sendError(w, http.StatusInternalServerError, "Payment configuration error")
			return
		}
		sendError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(PaymentRequiredResponse{
		Error:           title,
		Message:         message,
		PaymentRequired: challenge,
	})
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// ClientIP returns the host of r.RemoteAddr. Proxy headers are not consulted;
// put a trusted proxy-aware middleware (e.g. chi's RealIP) in front when needed.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ReadPaymentRequired extracts the challenge from a 402 response
func ReadPaymentRequired(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return DecodePaymentRequired(body)
}
