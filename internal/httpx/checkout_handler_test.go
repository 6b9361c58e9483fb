package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/checkout"
	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/ariefcatur/go-paypal-checkout/internal/redisx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubGateway struct {
	mu         sync.Mutex
	n          int
	createErr  error
	captureErr error
	deadline   time.Time
}

func (g *stubGateway) CreateRemoteOrder(ctx context.Context, _ orders.Order) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deadline, _ = ctx.Deadline()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.n++
	return fmt.Sprintf("PP-%d", g.n), nil
}

func (g *stubGateway) CaptureRemoteOrder(_ context.Context, o orders.Order) (orders.Capture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureErr != nil {
		return orders.Capture{}, g.captureErr
	}
	return orders.Capture{ID: "CAP-1", Status: "COMPLETED", Amount: o.Total, Currency: o.Currency}, nil
}

type memIdem struct {
	mu sync.Mutex
	m  map[string]string
}

func (i *memIdem) Claim(_ context.Context, key string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.m[key]
	if !ok {
		i.m[key] = ""
		return "", nil
	}
	if v == "" {
		return "", redisx.ErrInFlight
	}
	return v, nil
}

func (i *memIdem) Complete(_ context.Context, key, result string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m[key] = result
	return nil
}

func (i *memIdem) Abandon(_ context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.m, key)
	return nil
}

type memCache struct {
	mu   sync.Mutex
	m    map[string]orders.Order
	gets int
}

func (c *memCache) Get(_ context.Context, id string) (orders.Order, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.m[id]
	if ok {
		c.gets++
	}
	return o, ok, nil
}

func (c *memCache) Put(_ context.Context, o orders.Order) error {
	if !o.Status.Terminal() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[o.ID] = o
	return nil
}

type env struct {
	srv   *httptest.Server
	gw    *stubGateway
	inv   *orders.MemInventory
	cache *memCache
}

func newEnv(t *testing.T, opts ...func(*CheckoutHandler)) *env {
	t.Helper()
	e := &env{
		gw:    &stubGateway{},
		inv:   orders.NewMemInventory(orders.DemoCatalog()),
		cache: &memCache{m: map[string]orders.Order{}},
	}
	svc := checkout.NewService(e.inv, orders.NewMemStore(), e.gw, nil, zap.NewNop())
	r := NewRouter(zap.NewNop(), time.Minute)
	h := &CheckoutHandler{Svc: svc, Idem: &memIdem{m: map[string]string{}}, Cache: e.cache, Log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	h.Register(r)
	e.srv = httptest.NewServer(r)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) post(t *testing.T, path, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return e.do(t, req)
}

func (e *env) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	return e.do(t, req)
}

func (e *env) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (e *env) stock(t *testing.T, id int64) int {
	t.Helper()
	p, err := e.inv.Product(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

const sampleCartJSON = `{"userId":"user_42","cart":[{"productId":101,"qty":2},{"productId":103,"quantity":1}]}`

func TestCreateOrderEndpoint(t *testing.T) {
	e := newEnv(t)

	res, body := e.post(t, "/api/orders", sampleCartJSON)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "45.3", body["total"])
	assert.Equal(t, "USD", body["currency"])
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.Equal(t, "pi_mock", body["paymentReference"])

	id := body["id"].(string)
	res, body = e.get(t, "/api/orders/"+id)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, id, body["id"])

	// confirmed orders are terminal and served from the cache afterwards
	_, _ = e.get(t, "/api/orders/"+id)
	assert.Equal(t, 1, e.cache.gets)
}

func TestCreateOrderValidation(t *testing.T) {
	e := newEnv(t)

	res, body := e.post(t, "/api/orders", `{"userId":"u","cart":[{"productId":102,"qty":31}]}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, body["error"], "not enough stock")
	assert.Equal(t, 30, e.stock(t, 102))

	res, body = e.post(t, "/api/orders", `{"userId":"u","cart":[{"productId":999,"qty":1}]}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, body["error"], "product not found")

	res, _ = e.post(t, "/api/orders", `{"userId":"u","cart":[]}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body = e.post(t, "/api/orders", `{not json`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid json", body["error"])
}

func TestPayPalCreateAndCapture(t *testing.T) {
	e := newEnv(t)

	res, body := e.post(t, "/api/create-paypal-order", sampleCartJSON)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "PP-1", body["orderID"])
	assert.Equal(t, 48, e.stock(t, 101))

	res, body = e.post(t, "/api/capture-paypal-order", `{"orderID":"PP-1"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "PP-1", body["orderID"])
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, "CAP-1", body["captureID"])
	assert.Equal(t, "45.30", body["amount"])

	res, _ = e.post(t, "/api/capture-paypal-order", `{"orderID":"PP-1"}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = e.post(t, "/api/capture-paypal-order", `{"orderID":"PP-404"}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = e.post(t, "/api/capture-paypal-order", `{}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPayPalGatewayErrorsAreGeneric(t *testing.T) {
	e := newEnv(t)
	e.gw.createErr = fmt.Errorf("status 500 secret-debug-id: %w", orders.ErrGatewayUnavailable)

	res, body := e.post(t, "/api/create-paypal-order", sampleCartJSON)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.NotContains(t, body["error"], "secret-debug-id")
	assert.Equal(t, 50, e.stock(t, 101))
}

func TestPayPalCaptureDeclined(t *testing.T) {
	e := newEnv(t)
	res, _ := e.post(t, "/api/create-paypal-order", sampleCartJSON)
	require.Equal(t, http.StatusOK, res.StatusCode)

	e.gw.captureErr = fmt.Errorf("capture: %w", orders.ErrPaymentDeclined)
	res, _ = e.post(t, "/api/capture-paypal-order", `{"orderID":"PP-1"}`)
	assert.Equal(t, http.StatusPaymentRequired, res.StatusCode)
	assert.Equal(t, 50, e.stock(t, 101))
}

func TestGatewayTimeoutFollowsConfiguredBudget(t *testing.T) {
	e := newEnv(t, func(h *CheckoutHandler) { h.GatewayTimeout = 45 * time.Second })

	start := time.Now()
	res, _ := e.post(t, "/api/create-paypal-order", sampleCartJSON)
	require.Equal(t, http.StatusOK, res.StatusCode)

	e.gw.mu.Lock()
	deadline := e.gw.deadline
	e.gw.mu.Unlock()
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, start.Add(45*time.Second), deadline, 5*time.Second)
}

func TestGatewayTimeoutDefault(t *testing.T) {
	h := &CheckoutHandler{}
	assert.Equal(t, defaultGatewayTimeout, h.gatewayTimeout())
	h.GatewayTimeout = 70 * time.Second
	assert.Equal(t, 70*time.Second, h.gatewayTimeout())
}

func TestPayPalCreateIdempotencyKey(t *testing.T) {
	e := newEnv(t)

	res, first := e.post(t, "/api/create-paypal-order", sampleCartJSON, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, second := e.post(t, "/api/create-paypal-order", sampleCartJSON, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, first["orderID"], second["orderID"])
	assert.Equal(t, 48, e.stock(t, 101), "the replay must not reserve again")
}

func TestListProductsAndHealth(t *testing.T) {
	e := newEnv(t)

	res, err := http.Get(e.srv.URL + "/api/products")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var ps []orders.Product
	require.NoError(t, json.NewDecoder(res.Body).Decode(&ps))
	require.Len(t, ps, 3)
	assert.Equal(t, int64(101), ps[0].ID)

	res2, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)
}
