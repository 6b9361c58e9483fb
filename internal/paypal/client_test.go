package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePayPal is a scripted stand-in for the PayPal REST API.
type fakePayPal struct {
	t          *testing.T
	tokenCalls atomic.Int32
	orderCalls atomic.Int32
	expiresIn  int64
	tokenDelay time.Duration

	mu         sync.Mutex
	requestIDs []string
	lastCreate CreateOrderRequest

	// orderHandler answers order and capture calls; nil means success.
	orderHandler func(w http.ResponseWriter, r *http.Request, n int32)
}

func (f *fakePayPal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/v1/oauth2/token":
		n := f.tokenCalls.Add(1)
		if f.tokenDelay > 0 {
			time.Sleep(f.tokenDelay)
		}
		id, secret, ok := r.BasicAuth()
		if !ok || id != "client" || secret != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok-" + string(rune('0'+n)), ExpiresIn: f.expiresIn})
		return
	}

	n := f.orderCalls.Add(1)
	f.mu.Lock()
	f.requestIDs = append(f.requestIDs, r.Header.Get("PayPal-Request-Id"))
	f.mu.Unlock()

	f.mu.Lock()
	h := f.orderHandler
	f.mu.Unlock()
	if h != nil {
		h(w, r, n)
		return
	}
	if r.URL.Path == "/v2/checkout/orders" {
		var req CreateOrderRequest
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.lastCreate = req
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"PAY-123","status":"CREATED"}`))
		return
	}
	_, _ = w.Write([]byte(`{"id":"PAY-123","status":"COMPLETED","purchase_units":[{"reference_id":"o1",
		"payments":{"captures":[{"id":"CAP-9","status":"COMPLETED","amount":{"currency_code":"USD","value":"45.30"}}]}}]}`))
}

func (f *fakePayPal) handle(h func(w http.ResponseWriter, r *http.Request, n int32)) {
	f.mu.Lock()
	f.orderHandler = h
	f.mu.Unlock()
}

func newTestClient(t *testing.T, f *fakePayPal, timeout time.Duration, retries int) *Client {
	t.Helper()
	f.t = t
	if f.expiresIn == 0 {
		f.expiresIn = 3600
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		Timeout:      timeout,
		MaxRetries:   retries,
		Backoff:      time.Millisecond,
		HTTPClient:   srv.Client(),
	}, nil)
}

func sampleOrder() orders.Order {
	return orders.Order{
		ID:     "o1",
		UserID: "user_42",
		Items: []orders.LineItem{
			{ProductID: 101, Name: "Node T-Shirt", UnitPrice: decimal.RequireFromString("19.90"), Quantity: 2, Subtotal: decimal.RequireFromString("39.80")},
			{ProductID: 103, Name: "MongoDB Sticker Pack", UnitPrice: decimal.RequireFromString("5.50"), Quantity: 1, Subtotal: decimal.RequireFromString("5.50")},
		},
		Total:            decimal.RequireFromString("45.30"),
		Currency:         orders.CurrencyUSD,
		PaymentReference: "PAY-123",
	}
}

func TestCreateRemoteOrder(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f, time.Second, 0)

	id, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, "PAY-123", id)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.lastCreate.PurchaseUnits, 1)
	pu := f.lastCreate.PurchaseUnits[0]
	assert.Equal(t, "CAPTURE", f.lastCreate.Intent)
	assert.Equal(t, "45.30", pu.Amount.Value)
	assert.Equal(t, "45.30", pu.Amount.Breakdown.ItemTotal.Value)
	assert.Equal(t, "USD", pu.Amount.CurrencyCode)
	require.Len(t, pu.Items, 2)
	assert.Equal(t, "19.90", pu.Items[0].UnitAmount.Value)
	assert.Equal(t, "2", pu.Items[0].Quantity)
	assert.Equal(t, []string{"o1"}, f.requestIDs)
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f, time.Second, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(20), f.orderCalls.Load())
}

func TestTokenRefreshedNearExpiry(t *testing.T) {
	f := &fakePayPal{expiresIn: 120}
	c := newTestClient(t, f, time.Second, 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	_, err = c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	// 120s lifetime minus the 60s skew
	now = now.Add(2 * time.Second)
	_, err = c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestRetriesServerErrorsWithSameRequestID(t *testing.T) {
	f := &fakePayPal{}
	f.orderHandler = func(w http.ResponseWriter, r *http.Request, n int32) {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"PAY-7","status":"CREATED"}`))
	}
	c := newTestClient(t, f, time.Second, 2)

	id, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, "PAY-7", id)
	assert.Equal(t, []string{"o1", "o1", "o1"}, f.requestIDs)
}

func TestRetriesExhausted(t *testing.T) {
	f := &fakePayPal{}
	f.orderHandler = func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusBadGateway)
	}
	c := newTestClient(t, f, time.Second, 1)

	_, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrGatewayUnavailable)
	assert.Equal(t, int32(2), f.orderCalls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	f := &fakePayPal{}
	f.orderHandler = func(w http.ResponseWriter, r *http.Request, n int32) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"name":"INVALID_REQUEST"}`))
	}
	c := newTestClient(t, f, time.Second, 3)

	_, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrGatewayUnavailable)
	assert.Equal(t, int32(1), f.orderCalls.Load())
}

func TestTimeoutIsGatewayUnavailable(t *testing.T) {
	f := &fakePayPal{}
	f.orderHandler = func(w http.ResponseWriter, r *http.Request, n int32) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	c := newTestClient(t, f, 30*time.Millisecond, 0)

	start := time.Now()
	_, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrGatewayUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	f := &fakePayPal{}
	f.orderHandler = func(w http.ResponseWriter, r *http.Request, n int32) {
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"PAY-8","status":"CREATED"}`))
	}
	c := newTestClient(t, f, time.Second, 0)

	id, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, "PAY-8", id)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestMalformedBodyIsProtocolError(t *testing.T) {
	f := &fakePayPal{}
	f.orderHandler = func(w http.ResponseWriter, r *http.Request, n int32) {
		_, _ = w.Write([]byte(`{"id":`))
	}
	c := newTestClient(t, f, time.Second, 0)

	_, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrGatewayProtocol)

	f.handle(func(w http.ResponseWriter, r *http.Request, n int32) {
		_, _ = w.Write([]byte(`{"status":"CREATED"}`))
	})
	_, err = c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrGatewayProtocol)
}

func TestCaptureRemoteOrder(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f, time.Second, 0)

	capture, err := c.CaptureRemoteOrder(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, "CAP-9", capture.ID)
	assert.Equal(t, "COMPLETED", capture.Status)
	assert.Equal(t, "45.30", capture.Amount.StringFixed(2))
	assert.Equal(t, []string{"capture-o1"}, f.requestIDs)
}

func TestCaptureDeclined(t *testing.T) {
	f := &fakePayPal{}
	f.orderHandler = func(w http.ResponseWriter, r *http.Request, n int32) {
		assert.Equal(t, "/v2/checkout/orders/PAY-123/capture", r.URL.Path)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"INSTRUMENT_DECLINED"}]}`))
	}
	c := newTestClient(t, f, time.Second, 0)

	_, err := c.CaptureRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrPaymentDeclined)
	assert.Contains(t, err.Error(), "INSTRUMENT_DECLINED")

	f.handle(func(w http.ResponseWriter, r *http.Request, n int32) {
		_, _ = w.Write([]byte(`{"id":"PAY-123","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-1","status":"DECLINED","amount":{"currency_code":"USD","value":"45.30"}}]}}]}`))
	})
	_, err = c.CaptureRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrPaymentDeclined)

	f.handle(func(w http.ResponseWriter, r *http.Request, n int32) {
		_, _ = w.Write([]byte(`{"id":"PAY-123","status":"COMPLETED","purchase_units":[]}`))
	})
	_, err = c.CaptureRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrGatewayProtocol)
}

func TestBadCredentials(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f, time.Second, 0)
	c.cfg.ClientSecret = "wrong"

	_, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
	require.ErrorIs(t, err, orders.ErrGatewayUnavailable)
	assert.Equal(t, int32(0), f.orderCalls.Load())
}

func TestCancelledCallerDoesNotFailSharedTokenFetch(t *testing.T) {
	f := &fakePayPal{tokenDelay: 150 * time.Millisecond}
	c := newTestClient(t, f, time.Second, 0)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.CreateRemoteOrder(first, sampleOrder())
		firstErr <- err
	}()

	// join the fetch the first caller started, then cancel the first caller
	time.Sleep(20 * time.Millisecond)
	secondErr := make(chan error, 1)
	go func() {
		_, err := c.CreateRemoteOrder(context.Background(), sampleOrder())
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-firstErr, orders.ErrGatewayUnavailable)
	require.NoError(t, <-secondErr)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(1), f.orderCalls.Load())
}

func TestCallBudgetCoversEveryRetry(t *testing.T) {
	c := New(Config{Timeout: 10 * time.Second, MaxRetries: 2, Backoff: 200 * time.Millisecond}, nil)

	// token fetch and call: 3 attempts of 10s each plus waits of at most 300ms and 600ms
	assert.Equal(t, 30*time.Second+900*time.Millisecond, c.retryBudget())
	assert.Equal(t, 2*c.retryBudget(), c.CallBudget())
	assert.Greater(t, c.CallBudget(), time.Minute)

	c = New(Config{Timeout: time.Second, MaxRetries: 6, Backoff: 2 * time.Second}, nil)
	// waits are capped
	assert.Equal(t, 7*time.Second+3*time.Second+5*5*time.Second, c.retryBudget())
}
