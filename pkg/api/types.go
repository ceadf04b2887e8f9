package api

// API request/response types for REST endpoints and WebSocket messages.
// All token amounts cross the wire as decimal strings ("1.5" = 1.5 tokens);
// the handlers convert to and from the engine's 18-decimal integers.

// ==============================
// REST Response Types
// ==============================

// TokenInfo describes a registered asset.
type TokenInfo struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
}

// BalanceInfo is one custody ledger entry.
type BalanceInfo struct {
	Token   string `json:"token"`
	User    string `json:"user"`
	Balance string `json:"balance"`
}

// OrderInfo is an order record (open or historical).
type OrderInfo struct {
	ID         uint64 `json:"id"`
	User       string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
}

// StatusInfo reports engine-level counters and the state digest.
type StatusInfo struct {
	FeeAccount  string `json:"feeAccount"`
	FeePercent  uint64 `json:"feePercent"`
	OrdersCount uint64 `json:"ordersCount"`
	EventCount  int    `json:"eventCount"`
	StateHash   string `json:"stateHash"`
}

// ==============================
// REST Request Types
// ==============================

// TransferRequest is the body for deposit and withdraw.
type TransferRequest struct {
	Token  string `json:"token"`
	User   string `json:"user"`
	Amount string `json:"amount"`
}

// MakeOrderRequest is the body for order placement.
type MakeOrderRequest struct {
	User       string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
}

// OrderActionRequest is the body for cancel and fill.
type OrderActionRequest struct {
	User string `json:"user"`
}

// BalanceResponse returns the post-operation custody balance.
type BalanceResponse struct {
	Balance string `json:"balance"`
}

// MakeOrderResponse returns the assigned order id.
type MakeOrderResponse struct {
	ID uint64 `json:"id"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// ==============================
// WebSocket Types
// ==============================

// WSMessage wraps every event pushed to subscribers.
type WSMessage struct {
	Channel string      `json:"channel"`
	Seq     uint64      `json:"seq"`
	Type    string      `json:"type"`
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is the client -> server subscription control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
