package paypal

type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type Breakdown struct {
	ItemTotal Money `json:"item_total"`
}

type Amount struct {
	CurrencyCode string     `json:"currency_code"`
	Value        string     `json:"value"`
	Breakdown    *Breakdown `json:"breakdown,omitempty"`
}

type Item struct {
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	UnitAmount Money  `json:"unit_amount"`
	Quantity   string `json:"quantity"`
}

type PurchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Amount      Amount `json:"amount"`
	Items       []Item `json:"items,omitempty"`
}

type CreateOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
}

type OrderResponse struct {
	ID            string                 `json:"id"`
	Status        string                 `json:"status"`
	PurchaseUnits []CapturedPurchaseUnit `json:"purchase_units,omitempty"`
}

type CapturedPurchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	Payments    struct {
		Captures []CaptureRecord `json:"captures"`
	} `json:"payments"`
}

type CaptureRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount Money  `json:"amount"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// errorResponse is the processor's error body; only the name is logged.
type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}
