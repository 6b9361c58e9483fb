package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"golang.org/x/sync/singleflight"
)

// refresh this long before the processor says the token expires
const tokenExpirySkew = 60 * time.Second

// tokenSource caches the client-credentials token for the whole process.
// Concurrent callers that find it expired share a single fetch.
type tokenSource struct {
	c *Client

	mu      sync.Mutex
	token   string
	expires time.Time

	group singleflight.Group
}

func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.token != "" && ts.c.now().Before(ts.expires) {
		tok := ts.token
		ts.mu.Unlock()
		return tok, nil
	}
	ts.mu.Unlock()

	// the fetch is shared, so it must not die with whichever caller started it
	ch := ts.group.DoChan("token", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ts.c.retryBudget())
		defer cancel()
		return ts.fetch(fctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("access token: %w: %v", orders.ErrGatewayUnavailable, ctx.Err())
	}
}

// Invalidate drops tok if it is still the cached one.
func (ts *tokenSource) Invalidate(tok string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token == tok {
		ts.token = ""
	}
}

func (ts *tokenSource) fetch(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	var tr tokenResponse
	err := ts.c.retry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.SetBasicAuth(ts.c.cfg.ClientID, ts.c.cfg.ClientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return ts.c.send(req, &tr)
	})
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("access token: empty token: %w", orders.ErrGatewayProtocol)
	}

	ttl := time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySkew
	if ttl < 0 {
		ttl = 0
	}
	ts.mu.Lock()
	ts.token = tr.AccessToken
	ts.expires = ts.c.now().Add(ttl)
	ts.mu.Unlock()
	return tr.AccessToken, nil
}
