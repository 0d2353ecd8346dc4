// Package gateway decides whether a request to a priced route may proceed.
//
// Process drives one request through the payment state machine:
//
//	Unpaid -> ChallengeIssued                                 (no payment presented)
//	Unpaid -> PayloadReceived -> SignatureValid -> NonceReserved
//	       -> Settling -> Settled -> Granted                  (exact scheme)
//	Unpaid -> PayloadReceived -> SignatureValid -> NonceReserved
//	       -> Settled -> Granted                              (native scheme)
//	any    -> Rejected
//	Unpaid -> PassThrough                                     (route is free)
//
// The gateway knows nothing about HTTP frameworks; the http package and its adapters
// translate their requests into a Request and write the Decision back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/catalog"
	"github.com/mark3labs/x402-gateway/encoding"
	"github.com/mark3labs/x402-gateway/metrics"
	"github.com/mark3labs/x402-gateway/native"
	"github.com/mark3labs/x402-gateway/nonce"
	"github.com/mark3labs/x402-gateway/settlement"
	"github.com/mark3labs/x402-gateway/signature"
	"github.com/mark3labs/x402-gateway/validation"
)

// Catalog resolves a route to its requirement templates. *catalog.Catalog implements it.
type Catalog interface {
	Lookup(method, path string) ([]x402.PaymentRequirement, error)
}

// NativeVerifier checks native-coin payments on one network. *native.Verifier implements it.
type NativeVerifier interface {
	Network() string
	Verify(ctx context.Context, req x402.PaymentRequirement, txHash common.Hash) (native.Result, error)
}

// Processor is what transport adapters depend on. *Gateway implements it.
type Processor interface {
	Process(ctx context.Context, req Request) *Decision
}

// FailurePolicy says what happens to an authorization whose settlement definitely failed.
type FailurePolicy int

const (
	// ReleaseOnFailure forgets the reservation. A reverted transferWithAuthorization
	// leaves the on-chain nonce unused, so the payer may present it again.
	ReleaseOnFailure FailurePolicy = iota
	// BurnOnFailure makes the authorization permanently unusable.
	BurnOnFailure
)

func (p FailurePolicy) String() string {
	if p == BurnOnFailure {
		return "burn"
	}
	return "release"
}

// ParseFailurePolicy accepts "release" and "burn".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "release":
		return ReleaseOnFailure, nil
	case "burn":
		return BurnOnFailure, nil
	default:
		return 0, fmt.Errorf("gateway: unknown failure policy %q", s)
	}
}

// DefaultExpiryBuffer is how close to validBefore an authorization may be and still be
// submitted.
const DefaultExpiryBuffer = 6 * time.Second

// Gateway is safe for concurrent use.
type Gateway struct {
	catalog   Catalog
	ledger    nonce.Ledger
	submitter settlement.Submitter
	natives   map[string]NativeVerifier

	policy        FailurePolicy
	expiryBuffer  time.Duration
	settleTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       metrics.Recorder
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSubmitter enables the exact scheme.
func WithSubmitter(s settlement.Submitter) Option {
	return func(g *Gateway) {
		g.submitter = s
	}
}

// WithNativeVerifier enables the native scheme on the verifier's network.
func WithNativeVerifier(v NativeVerifier) Option {
	return func(g *Gateway) {
		g.natives[v.Network()] = v
	}
}

// WithFailurePolicy sets what happens to an authorization after a failed settlement.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

// WithExpiryBuffer treats authorizations expiring within d as already expired.
func WithExpiryBuffer(d time.Duration) Option {
	return func(g *Gateway) {
		g.expiryBuffer = d
	}
}

// WithSettleTimeout bounds a settlement. It runs detached from the request, so a
// client disconnect does not abort it.
func WithSettleTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.settleTimeout = d
	}
}

// WithClock sets the time source of the validity window checks.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.metrics = r
	}
}

// New creates a gateway over cat and ledger.
func New(cat Catalog, ledger nonce.Ledger, opts ...Option) (*Gateway, error) {
	if cat == nil {
		return nil, fmt.Errorf("gateway: catalog is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("gateway: nonce ledger is required")
	}
	g := &Gateway{
		catalog:       cat,
		ledger:        ledger,
		natives:       make(map[string]NativeVerifier),
		policy:        ReleaseOnFailure,
		expiryBuffer:  DefaultExpiryBuffer,
		settleTimeout: x402.DefaultTimeouts.SettleTimeout,
		now:           time.Now,
		logger:        slog.Default(),
		metrics:       metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.submitter == nil && len(g.natives) == 0 {
		return nil, fmt.Errorf("gateway: no settlement submitter or native verifier configured")
	}
	// A reservation must outlive its settlement or a second request can take it over
	// while the first is still settling.
	if s, ok := ledger.(nonce.StaleAfterer); ok && s.StaleAfter() > 0 && s.StaleAfter() <= g.settleTimeout {
		return nil, fmt.Errorf("gateway: ledger stale age %s must exceed the settle timeout %s", s.StaleAfter(), g.settleTimeout)
	}
	return g, nil
}

// Process runs req through the state machine. It never returns nil.
func (g *Gateway) Process(ctx context.Context, req Request) *Decision {
	d := &Decision{State: Unpaid, Trace: []State{Unpaid}}
	logger := g.logger.With("path", req.Path)

	templates, err := g.catalog.Lookup(req.Method, req.Path)
	if errors.Is(err, catalog.ErrNotConfigured) {
		d.to(PassThrough)
		g.metrics.IncCounter(metrics.EventPassThrough, nil)
		return d
	}
	if err != nil {
		logger.Error("requirement lookup failed", "error", err)
		return g.rejected(d, x402.ErrCodeUnavailable, "payment requirements unavailable", err)
	}
	d.Requirements = stamp(templates, req)

	if req.PaymentHeader == "" {
		logger.Info("no payment header provided")
		d.Error = x402.NewPaymentError(x402.ErrCodePaymentRequired, "payment required", nil)
		d.to(ChallengeIssued)
		g.metrics.IncCounter(metrics.EventChallenge, nil)
		return d
	}

	d.to(PayloadReceived)
	payment, err := encoding.DecodePayment(req.PaymentHeader)
	if err != nil {
		logger.Warn("invalid payment header", "error", err)
		return g.rejected(d, x402.ErrCodeInvalidPayload, "payment header is not valid base64 JSON", fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err))
	}
	if err := validation.ValidatePaymentPayload(payment); err != nil {
		logger.Warn("invalid payment payload", "error", err)
		return g.rejected(d, x402.ErrCodeInvalidPayload, err.Error(), fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err))
	}

	requirement, ok := match(payment, d.Requirements)
	if !ok {
		logger.Warn("no matching requirement", "scheme", payment.Scheme, "network", payment.Network)
		return g.rejected(d, x402.ErrCodeUnsupportedPayment,
			fmt.Sprintf("no accepted payment for scheme %q on network %q", payment.Scheme, payment.Network), x402.ErrUnsupportedScheme)
	}
	d.Requirement = &requirement

	switch requirement.Scheme {
	case x402.SchemeExact:
		return g.processExact(ctx, d, payment, requirement)
	default:
		return g.processNative(ctx, d, payment, requirement)
	}
}

func (g *Gateway) processExact(ctx context.Context, d *Decision, payment x402.PaymentPayload, req x402.PaymentRequirement) *Decision {
	logger := g.logger.With("network", req.Network, "resource", req.Resource)

	if g.submitter == nil {
		return g.rejected(d, x402.ErrCodeUnsupportedPayment, "exact payments are not accepted", x402.ErrUnsupportedScheme)
	}
	if err := validation.ValidateEVMPayload(payment.Payload); err != nil {
		return g.rejected(d, x402.ErrCodeInvalidPayload, err.Error(), x402.ErrMalformedHeader)
	}
	evm, err := encoding.DecodeEVMPayload(payment.Payload)
	if err != nil {
		return g.rejected(d, x402.ErrCodeInvalidPayload, err.Error(), x402.ErrMalformedHeader)
	}
	auth, err := signature.ParseAuthorization(evm.Authorization)
	if err != nil {
		return g.rejected(d, x402.ErrCodeInvalidPayload, err.Error(), x402.ErrMalformedHeader)
	}
	sig, err := signature.ParseSignature(evm.Signature)
	if err != nil {
		return g.rejected(d, x402.ErrCodeInvalidPayload, err.Error(), x402.ErrMalformedHeader)
	}
	logger = logger.With("payer", auth.From.Hex())

	if auth.To != common.HexToAddress(req.PayTo) {
		logger.Warn("authorization pays someone else", "to", auth.To.Hex())
		return g.rejected(d, x402.ErrCodeRecipientMismatch,
			fmt.Sprintf("authorization pays %s, expected %s", auth.To.Hex(), req.PayTo), x402.ErrRecipientMismatch)
	}

	chainCfg, err := x402.LookupChain(req.Network)
	if err != nil {
		return g.rejected(d, x402.ErrCodeUnsupportedPayment, err.Error(), err)
	}
	domain, err := signature.DomainFor(req, chainCfg)
	if err != nil {
		return g.rejected(d, x402.ErrCodeUnsupportedPayment, err.Error(), err)
	}
	if _, err := signature.Verify(domain, auth, sig); err != nil {
		logger.Warn("invalid payment signature", "error", err)
		return g.rejected(d, x402.ErrCodeInvalidSignature, "signature does not match the authorization", err)
	}
	d.to(SignatureValid)

	now := g.now()
	if auth.ValidAfter.Cmp(big.NewInt(now.Unix())) > 0 {
		return g.rejected(d, x402.ErrCodeNotYetValid,
			fmt.Sprintf("authorization is valid after %s", auth.ValidAfter), x402.ErrAuthorizationNotYetValid)
	}
	deadline := now.Add(g.expiryBuffer).Unix()
	if auth.ValidBefore.Cmp(big.NewInt(deadline)) <= 0 {
		return g.rejected(d, x402.ErrCodeAuthorizationExpired,
			fmt.Sprintf("authorization expired at %s", auth.ValidBefore), x402.ErrExpiredAuthorization)
	}

	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return g.rejected(d, x402.ErrCodeUnavailable, "route has an invalid price", x402.ErrInvalidRequirements)
	}
	if auth.Value.Cmp(required) < 0 {
		return g.rejected(d, x402.ErrCodeInsufficientAmount,
			fmt.Sprintf("authorized %s, required %s", auth.Value, required), x402.ErrInsufficientAmount)
	}

	sreq := settlement.Request{
		Requirement:   req,
		Authorization: auth,
		Signature:     sig,
		Payment:       payment,
	}
	key := sreq.Key()

	reservation, err := g.ledger.Reserve(ctx, key)
	if err != nil {
		logger.Error("nonce ledger unavailable", "error", err)
		return g.rejected(d, x402.ErrCodeUnavailable, "payment ledger unavailable", err)
	}
	if !reservation.Outcome.Held() {
		logger.Warn("payment already used", "nonce", auth.Nonce.Hex(), "outcome", reservation.Outcome)
		return g.rejected(d, x402.ErrCodePaymentAlreadyUsed, "authorization already used", x402.ErrNonceConsumed)
	}
	d.to(NonceReserved)
	lease := reservation.Lease()
	if reservation.Outcome == nonce.Resumed {
		sreq.Resumed = true
		sreq.KnownTxHash = reservation.Record.TxHash
		logger.Info("resuming settlement", "tx", sreq.KnownTxHash)
	}

	// From here on the reservation must be resolved even if the client goes away.
	detached := context.WithoutCancel(ctx)

	d.to(Settling)
	sctx, cancel := context.WithTimeout(detached, g.settleTimeout)
	start := time.Now()
	result, err := g.submitter.Settle(sctx, sreq)
	cancel()
	g.metrics.ObserveLatency(metrics.OpSettle, time.Since(start), map[string]string{
		"network": req.Network, "outcome": outcomeLabel(result, err),
	})

	if err != nil {
		if sreq.KnownTxHash != "" {
			g.suspend(detached, logger, lease, sreq.KnownTxHash)
			return g.rejected(d, x402.ErrCodeSettlementPending, "settlement outcome not yet known, retry with the same payment", err).
				withTx(sreq.KnownTxHash)
		}
		logger.Error("settlement not submitted", "error", err)
		g.release(detached, logger, lease)
		return g.rejected(d, x402.ErrCodeSettlementFailed, "settlement could not be submitted: "+err.Error(), err)
	}

	switch result.Outcome {
	case settlement.Success:
		resp := result.Response(auth.Value.String())
		receipt, _ := json.Marshal(resp)
		if err := g.ledger.Commit(detached, lease, receipt); err != nil {
			return g.commitFailed(detached, d, logger, lease, result.TxHash, err)
		}
		d.to(Settled)
		logger.Info("payment settled", "tx", result.TxHash)
		return g.granted(d, req, resp, &x402.PaymentContext{
			Payer:  auth.From.Hex(),
			Amount: auth.Value.String(),
		})

	case settlement.Failed:
		logger.Warn("settlement failed", "tx", result.TxHash, "reason", result.Reason, "policy", g.policy)
		if g.policy == BurnOnFailure {
			if err := g.ledger.Burn(detached, lease, result.Reason); err != nil {
				logger.Error("failed to burn nonce", "error", err)
			}
		} else {
			g.release(detached, logger, lease)
		}
		return g.rejected(d, x402.ErrCodeSettlementFailed, result.Reason, x402.ErrSettlementFailed).withTx(result.TxHash)

	default:
		logger.Warn("settlement outcome unknown", "tx", result.TxHash)
		g.suspend(detached, logger, lease, result.TxHash)
		return g.rejected(d, x402.ErrCodeSettlementPending, "settlement outcome not yet known, retry with the same payment", x402.ErrSettlementUnknown).
			withTx(result.TxHash)
	}
}

func (g *Gateway) processNative(ctx context.Context, d *Decision, payment x402.PaymentPayload, req x402.PaymentRequirement) *Decision {
	logger := g.logger.With("network", req.Network, "resource", req.Resource)

	verifier, ok := g.natives[req.Network]
	if !ok {
		return g.rejected(d, x402.ErrCodeUnsupportedPayment, "native payments are not accepted on "+req.Network, x402.ErrUnsupportedScheme)
	}
	if err := validation.ValidateNativePayload(payment.Payload); err != nil {
		return g.rejected(d, x402.ErrCodeInvalidPayload, err.Error(), x402.ErrMalformedHeader)
	}
	np, err := encoding.DecodeNativePayload(payment.Payload)
	if err != nil {
		return g.rejected(d, x402.ErrCodeInvalidPayload, err.Error(), x402.ErrMalformedHeader)
	}
	hash := common.HexToHash(np.TxHash)
	key := nonce.TransactionKey(req.Network, hash)
	logger = logger.With("tx", hash.Hex())

	// Known hashes are answered from the ledger without touching the node.
	if rec, err := g.ledger.Get(ctx, key); err != nil {
		logger.Error("nonce ledger unavailable", "error", err)
		return g.rejected(d, x402.ErrCodeUnavailable, "payment ledger unavailable", err)
	} else if rec != nil && rec.State.Terminal() {
		return g.rejected(d, x402.ErrCodePaymentAlreadyUsed, "transaction already used", x402.ErrNonceConsumed)
	}

	start := time.Now()
	res, err := verifier.Verify(ctx, req, hash)
	g.metrics.ObserveLatency(metrics.OpNative, time.Since(start), map[string]string{
		"network": req.Network, "outcome": res.Status.String(),
	})
	if err != nil {
		logger.Warn("native payment lookup failed", "error", err)
		return g.rejected(d, x402.ErrCodePendingConfirmation, "transaction could not be looked up, retry later", err).withTx(hash.Hex())
	}

	switch res.Status {
	case native.Pending:
		return g.rejected(d, x402.ErrCodePendingConfirmation, res.Reason, x402.ErrPendingConfirmation).withTx(hash.Hex())
	case native.Failed:
		return g.rejected(d, x402.ErrCodeSettlementFailed, res.Reason, x402.ErrSettlementFailed).withTx(hash.Hex())
	case native.Rejected:
		return g.rejected(d, res.Code, res.Reason, nil).withTx(hash.Hex())
	}
	d.to(SignatureValid)

	reservation, err := g.ledger.Reserve(ctx, key)
	if err != nil {
		logger.Error("nonce ledger unavailable", "error", err)
		return g.rejected(d, x402.ErrCodeUnavailable, "payment ledger unavailable", err)
	}
	if !reservation.Outcome.Held() {
		return g.rejected(d, x402.ErrCodePaymentAlreadyUsed, "transaction already used", x402.ErrNonceConsumed)
	}
	d.to(NonceReserved)

	resp := res.Response(req.Network)
	receipt, _ := json.Marshal(resp)
	if err := g.ledger.Commit(context.WithoutCancel(ctx), reservation.Lease(), receipt); err != nil {
		return g.commitFailed(context.WithoutCancel(ctx), d, logger, reservation.Lease(), hash.Hex(), err)
	}
	d.to(Settled)
	logger.Info("native payment accepted", "payer", resp.Payer, "confirmations", resp.Confirmations)

	return g.granted(d, req, resp, &x402.PaymentContext{
		Payer:  resp.Payer,
		Amount: resp.Amount,
	})
}

func (g *Gateway) granted(d *Decision, req x402.PaymentRequirement, resp x402.SettlementResponse, pc *x402.PaymentContext) *Decision {
	pc.ID = uuid.NewString()
	pc.Asset = req.Asset
	pc.Network = req.Network
	pc.Scheme = req.Scheme
	pc.Resource = req.Resource
	pc.Settlement = &resp

	d.Payment = pc
	d.Settlement = &resp
	d.to(Granted)
	g.metrics.IncCounter(metrics.EventGranted, map[string]string{"network": req.Network, "scheme": req.Scheme})
	return d
}

func (g *Gateway) rejected(d *Decision, code x402.ErrorCode, message string, err error) *Decision {
	d.reject(code, message, err)
	labels := map[string]string{"reason": string(code)}
	if d.Requirement != nil {
		labels["network"] = d.Requirement.Network
		labels["scheme"] = d.Requirement.Scheme
	}
	g.metrics.IncCounter(metrics.EventRejected, labels)
	return d
}

func (g *Gateway) release(ctx context.Context, logger *slog.Logger, lease nonce.Lease) {
	if err := g.ledger.Release(ctx, lease); err != nil {
		logger.Error("failed to release nonce", "key", lease.Key.String(), "error", err)
	}
}

func (g *Gateway) suspend(ctx context.Context, logger *slog.Logger, lease nonce.Lease, tx string) {
	if err := g.ledger.Suspend(ctx, lease, tx); err != nil {
		logger.Error("failed to suspend nonce", "key", lease.Key.String(), "error", err)
	}
}

// commitFailed handles a payment that settled but could not be recorded as consumed. A
// lease taken over by a newer request is answered like any other reuse. Otherwise the key
// is suspended so a retry resumes it and grants from the settlement instead of being locked
// out until the reservation goes stale.
func (g *Gateway) commitFailed(ctx context.Context, d *Decision, logger *slog.Logger, lease nonce.Lease, tx string, err error) *Decision {
	if errors.Is(err, nonce.ErrNotReserved) {
		logger.Warn("reservation was taken over during settlement", "tx", tx)
		return g.rejected(d, x402.ErrCodePaymentAlreadyUsed, "authorization already used", x402.ErrNonceConsumed)
	}
	logger.Error("settled payment could not be recorded", "tx", tx, "error", err)
	g.suspend(ctx, logger, lease, tx)
	return g.rejected(d, x402.ErrCodeUnavailable, "payment ledger unavailable, retry with the same payment", err).withTx(tx)
}

// match picks the first requirement with the payment's scheme and network. A bare native
// payment carries no network and matches the first native requirement.
func match(payment x402.PaymentPayload, reqs []x402.PaymentRequirement) (x402.PaymentRequirement, bool) {
	for _, r := range reqs {
		if r.Scheme != payment.Scheme {
			continue
		}
		if payment.Network == "" && payment.Scheme == x402.SchemeNative {
			return r, true
		}
		if r.Network == payment.Network {
			return r, true
		}
	}
	return x402.PaymentRequirement{}, false
}

func stamp(templates []x402.PaymentRequirement, req Request) []x402.PaymentRequirement {
	resource := req.Resource
	if resource == "" {
		resource = req.Path
	}
	for i := range templates {
		templates[i].Resource = resource
		if templates[i].Description == "" {
			templates[i].Description = "Payment required for " + req.Path
		}
	}
	return templates
}

func outcomeLabel(res settlement.Result, err error) string {
	if err != nil {
		return "error"
	}
	return res.Outcome.String()
}
