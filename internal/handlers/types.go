package handlers

// CreateOrderRequest is the minimal order intake; real order management
// lives outside this service.
type CreateOrderRequest struct {
	Code       string `json:"code"`
	ItemName   string `json:"item_name"`
	Amount     int64  `json:"amount"`
	PayerName  string `json:"payer_name"`
	PayerEmail string `json:"payer_email"`
}

// InitiatePaymentResponse is what the checkout UI needs to open the hosted
// payment page and to track the attempt afterwards.
type InitiatePaymentResponse struct {
	Reference   string `json:"reference"`
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
	IsExisting  bool   `json:"is_existing"`
}

// PaymentStatusResponse is the UI polling answer.
type PaymentStatusResponse struct {
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	OrderStatus   string `json:"order_status"`
}
