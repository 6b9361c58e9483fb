package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/ariefcatur/go-paypal-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Checkout interface {
	Products(ctx context.Context) ([]orders.Product, error)
	Order(ctx context.Context, id string) (orders.Order, error)
	PlaceOrder(ctx context.Context, userID string, cart []orders.CartLine, paymentRef string) (orders.Order, error)
	CreatePayment(ctx context.Context, userID string, cart []orders.CartLine) (orders.Order, error)
	CapturePayment(ctx context.Context, paymentRef string) (orders.Order, orders.Capture, error)
}

type Idempotency interface {
	Claim(ctx context.Context, key string) (string, error)
	Complete(ctx context.Context, key, result string) error
	Abandon(ctx context.Context, key string) error
}

type OrderCache interface {
	Get(ctx context.Context, id string) (orders.Order, bool, error)
	Put(ctx context.Context, o orders.Order) error
}

// CheckoutHandler serves the checkout API. Idem and Cache are optional.
type CheckoutHandler struct {
	Svc   Checkout
	Idem  Idempotency
	Cache OrderCache
	Log   *zap.Logger

	// GatewayTimeout bounds the calls that reach the payment processor. Set
	// it from the client's CallBudget so every configured retry fits.
	GatewayTimeout time.Duration
}

const idempotencyHeader = "Idempotency-Key"

const defaultGatewayTimeout = 30 * time.Second

func (h *CheckoutHandler) gatewayTimeout() time.Duration {
	if h.GatewayTimeout > 0 {
		return h.GatewayTimeout
	}
	return defaultGatewayTimeout
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.listProducts)
		r.Post("/orders", h.createOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/create-paypal-order", h.createPayPalOrder)
		r.Post("/capture-paypal-order", h.capturePayPalOrder)
	})
}

type cartLineReq struct {
	ProductID int64 `json:"productId"`
	Quantity  *int  `json:"quantity"`
	Qty       *int  `json:"qty"`
}

type createOrderReq struct {
	UserID          string        `json:"userId"`
	Cart            []cartLineReq `json:"cart"`
	PaymentIntentID string        `json:"paymentIntentId"`
}

type createPayPalOrderReq struct {
	UserID string        `json:"userId"`
	Cart   []cartLineReq `json:"cart"`
}

type createPayPalOrderResp struct {
	OrderID string `json:"orderID"`
}

type capturePayPalOrderReq struct {
	OrderID string `json:"orderID"`
}

type captureResp struct {
	OrderID   string `json:"orderID"`
	Status    string `json:"status"`
	CaptureID string `json:"captureID"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

func toCart(lines []cartLineReq) []orders.CartLine {
	cart := make([]orders.CartLine, 0, len(lines))
	for _, l := range lines {
		q := 0
		switch {
		case l.Quantity != nil:
			q = *l.Quantity
		case l.Qty != nil:
			q = *l.Qty
		}
		cart = append(cart, orders.CartLine{ProductID: l.ProductID, Quantity: q})
	}
	return cart
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// writeError maps domain errors to responses. Processor details stay in the log.
func (h *CheckoutHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case orders.IsValidation(err):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		writeErr(w, http.StatusNotFound, "order not found")
	case errors.Is(err, orders.ErrInvalidOrderState):
		writeErr(w, http.StatusConflict, "order cannot be captured in its current state")
	case errors.Is(err, orders.ErrPaymentDeclined):
		writeErr(w, http.StatusPaymentRequired, "payment declined")
	case errors.Is(err, orders.ErrGatewayUnavailable), errors.Is(err, orders.ErrGatewayProtocol):
		h.Log.Warn("payment gateway", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeErr(w, http.StatusBadGateway, "payment provider error, please retry")
	case errors.Is(err, redisx.ErrInFlight):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		h.Log.Error("request failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *CheckoutHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Svc.Products(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *CheckoutHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.PlaceOrder(ctx, req.UserID, toCart(req.Cart), req.PaymentIntentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *CheckoutHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if h.Cache != nil {
		if o, ok, err := h.Cache.Get(ctx, id); err == nil && ok {
			writeJSON(w, http.StatusOK, o)
			return
		} else if err != nil {
			h.Log.Warn("order cache get", zap.String("order_id", id), zap.Error(err))
		}
	}

	// 2) store
	o, err := h.Svc.Order(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Put(ctx, o); err != nil {
			h.Log.Warn("order cache put", zap.String("order_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *CheckoutHandler) createPayPalOrder(w http.ResponseWriter, r *http.Request) {
	var req createPayPalOrderReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.gatewayTimeout())
	defer cancel()

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.Idem != nil {
		prior, err := h.Idem.Claim(ctx, key)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if prior != "" {
			writeJSON(w, http.StatusOK, createPayPalOrderResp{OrderID: prior})
			return
		}
	}

	o, err := h.Svc.CreatePayment(ctx, req.UserID, toCart(req.Cart))
	if key != "" && h.Idem != nil {
		h.settleClaim(ctx, key, o.PaymentReference, err)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createPayPalOrderResp{OrderID: o.PaymentReference})
}

// settleClaim stores the result, or drops the claim so the key can be retried.
func (h *CheckoutHandler) settleClaim(ctx context.Context, key, ref string, err error) {
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if aerr := h.Idem.Abandon(ctx, key); aerr != nil {
			h.Log.Warn("abandon idempotency key", zap.String("key", key), zap.Error(aerr))
		}
		return
	}
	if cerr := h.Idem.Complete(ctx, key, ref); cerr != nil {
		h.Log.Warn("complete idempotency key", zap.String("key", key), zap.Error(cerr))
	}
}

func (h *CheckoutHandler) capturePayPalOrder(w http.ResponseWriter, r *http.Request) {
	var req capturePayPalOrderReq
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeErr(w, http.StatusBadRequest, "orderID is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.gatewayTimeout())
	defer cancel()

	o, c, err := h.Svc.CapturePayment(ctx, req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResp{
		OrderID:   o.PaymentReference,
		Status:    c.Status,
		CaptureID: c.ID,
		Amount:    c.Amount.StringFixed(2),
		Currency:  c.Currency,
	})
}
