package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultBackoff     = 200 * time.Millisecond
	maxBackoff         = 5 * time.Second
	maxResponseBody    = 1 << 20
	captureStatusDone  = "COMPLETED"
	captureStatusDelay = "PENDING"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// Timeout bounds each HTTP attempt, not the whole call.
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
}

// Client talks to the PayPal Orders v2 API. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens *tokenSource
	log    *zap.Logger
	now    func() time.Time
}

func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	c := &Client{cfg: cfg, http: hc, log: log.Named("paypal"), now: time.Now}
	c.tokens = &tokenSource{c: c}
	return c
}

// CreateRemoteOrder creates a CAPTURE-intent order for o and returns the
// processor's order id. The local order id doubles as the request id, so a
// retried create never produces a second remote order.
func (c *Client) CreateRemoteOrder(ctx context.Context, o orders.Order) (string, error) {
	total := o.Total.StringFixed(2)
	unit := PurchaseUnit{
		ReferenceID: o.ID,
		CustomID:    o.UserID,
		Amount: Amount{
			CurrencyCode: o.Currency,
			Value:        total,
			Breakdown:    &Breakdown{ItemTotal: Money{CurrencyCode: o.Currency, Value: total}},
		},
	}
	for _, it := range o.Items {
		unit.Items = append(unit.Items, Item{
			Name:       it.Name,
			SKU:        strconv.FormatInt(it.ProductID, 10),
			UnitAmount: Money{CurrencyCode: o.Currency, Value: it.UnitPrice.StringFixed(2)},
			Quantity:   strconv.Itoa(it.Quantity),
		})
	}

	var resp OrderResponse
	body := CreateOrderRequest{Intent: "CAPTURE", PurchaseUnits: []PurchaseUnit{unit}}
	if err := c.call(ctx, "/v2/checkout/orders", o.ID, body, &resp); err != nil {
		return "", fmt.Errorf("create order %s: %w", o.ID, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create order %s: response without id: %w", o.ID, orders.ErrGatewayProtocol)
	}
	return resp.ID, nil
}

// CaptureRemoteOrder captures the remote order referenced by o.
func (c *Client) CaptureRemoteOrder(ctx context.Context, o orders.Order) (orders.Capture, error) {
	path := "/v2/checkout/orders/" + url.PathEscape(o.PaymentReference) + "/capture"
	var resp OrderResponse
	if err := c.call(ctx, path, "capture-"+o.ID, struct{}{}, &resp); err != nil {
		return orders.Capture{}, fmt.Errorf("capture %s: %w", o.PaymentReference, err)
	}

	var rec *CaptureRecord
	for i := range resp.PurchaseUnits {
		if caps := resp.PurchaseUnits[i].Payments.Captures; len(caps) > 0 {
			rec = &caps[0]
			break
		}
	}
	if rec == nil {
		return orders.Capture{}, fmt.Errorf("capture %s: no capture in response (status %q): %w",
			o.PaymentReference, resp.Status, orders.ErrGatewayProtocol)
	}
	if rec.Status != captureStatusDone && rec.Status != captureStatusDelay {
		return orders.Capture{}, fmt.Errorf("capture %s: status %s: %w", o.PaymentReference, rec.Status, orders.ErrPaymentDeclined)
	}
	amount, err := decimal.NewFromString(rec.Amount.Value)
	if err != nil {
		return orders.Capture{}, fmt.Errorf("capture %s: amount %q: %w", o.PaymentReference, rec.Amount.Value, orders.ErrGatewayProtocol)
	}
	return orders.Capture{ID: rec.ID, Status: rec.Status, Amount: amount, Currency: rec.Amount.CurrencyCode}, nil
}

// call POSTs body with a bearer token. A 401 drops the cached token and
// retries once with a fresh one.
func (c *Client) call(ctx context.Context, path, requestID string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	for refreshed := false; ; refreshed = true {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		err = c.retry(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("PayPal-Request-Id", requestID)
			req.Header.Set("Prefer", "return=representation")
			return c.send(req, out)
		})
		if errors.Is(err, errUnauthorized) && !refreshed {
			c.tokens.Invalidate(tok)
			continue
		}
		return err
	}
}

var errUnauthorized = fmt.Errorf("unauthorized: %w", orders.ErrGatewayUnavailable)

// retryableError marks failures worth another attempt: transport errors,
// timeouts, 429 and 5xx.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// retry runs fn with a per-attempt timeout. Retryable failures are tried
// again with exponential backoff and jitter; anything else ends the call.
func (c *Client) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		err := fn(actx)
		var re *retryableError
		if err != nil && !errors.As(err, &re) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("retrying paypal call", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxRetries)), ctx)
	err := backoff.RetryNotify(op, b, notify)

	var re *retryableError
	switch {
	case errors.As(err, &re):
		return re.err
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return fmt.Errorf("%w: %v", orders.ErrGatewayUnavailable, err)
	}
	return err
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0 // bounded by MaxRetries
	return b
}

// retryBudget is the longest retry can run: every attempt timing out plus
// the largest jittered wait between them.
func (c *Client) retryBudget() time.Duration {
	d := time.Duration(c.cfg.MaxRetries+1) * c.cfg.Timeout
	wait := c.cfg.Backoff
	for i := 0; i < c.cfg.MaxRetries; i++ {
		d += min(wait*3/2, maxBackoff)
		wait *= 2
	}
	return d
}

// CallBudget is how long a create or capture may take when the token has to
// be fetched first and every retry is used. Callers size their deadlines
// from it.
func (c *Client) CallBudget() time.Duration {
	return 2 * c.retryBudget()
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &retryableError{fmt.Errorf("%w: %v", orders.ErrGatewayUnavailable, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &retryableError{fmt.Errorf("%w: read body: %v", orders.ErrGatewayUnavailable, err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", orders.ErrGatewayProtocol, req.URL.Path, err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", describe(raw), orders.ErrPaymentDeclined)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &retryableError{fmt.Errorf("%w: status %d", orders.ErrGatewayUnavailable, resp.StatusCode)}
	default:
		c.log.Debug("paypal rejected request",
			zap.String("path", req.URL.Path), zap.Int("status", resp.StatusCode), zap.String("error", describe(raw)))
		return fmt.Errorf("%w: status %d", orders.ErrGatewayUnavailable, resp.StatusCode)
	}
}

// describe extracts the processor's error name and first issue.
func describe(raw []byte) string {
	var e errorResponse
	if json.Unmarshal(raw, &e) != nil || e.Name == "" {
		return "unprocessable"
	}
	if len(e.Details) > 0 && e.Details[0].Issue != "" {
		return e.Name + "/" + e.Details[0].Issue
	}
	return e.Name
}
