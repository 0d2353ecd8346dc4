package app

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/mark3labs/x402-gateway"
	httpx402 "github.com/mark3labs/x402-gateway/http"
)

// Headers describing a paid request to the upstream service. Client supplied values are
// always removed first, so the upstream can trust them.
const (
	HeaderPaymentID   = "X-Payment-Id"
	HeaderPayer       = "X-Payment-Payer"
	HeaderAmount      = "X-Payment-Amount"
	HeaderNetwork     = "X-Payment-Network"
	HeaderTransaction = "X-Payment-Transaction"
)

var paymentHeaders = []string{"X-PAYMENT", HeaderPaymentID, HeaderPayer, HeaderAmount, HeaderNetwork, HeaderTransaction}

func setPaymentHeaders(h http.Header, pc *x402.PaymentContext) {
	for _, k := range paymentHeaders {
		h.Del(k)
	}
	if pc == nil {
		return
	}
	h.Set(HeaderPaymentID, pc.ID)
	h.Set(HeaderPayer, pc.Payer)
	h.Set(HeaderAmount, pc.Amount)
	h.Set(HeaderNetwork, pc.Network)
	if pc.Settlement != nil && pc.Settlement.Transaction != "" {
		h.Set(HeaderTransaction, pc.Settlement.Transaction)
	}
}

func newProxy(target *url.URL, logger *slog.Logger) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pc, _ := httpx402.PaymentFromContext(pr.In.Context())
			setPaymentHeaders(pr.Out.Header, pc)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
