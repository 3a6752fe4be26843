package api

// Request/response DTOs for the REST surface. Amounts are micros
// throughout, matching the engine.

type CreateBuyRequest struct {
	Address       string `json:"address"`
	MakerID       uint64 `json:"makerId"`
	AmountMicros  int64  `json:"amountMicros"`
	PaymentCommit string `json:"paymentCommit"`
	ContactCommit string `json:"contactCommit"`
	FirstPurchase bool   `json:"firstPurchase"`
}

type CreateSellRequest struct {
	Address     string `json:"address"`
	MakerID     uint64 `json:"makerId"`
	Qty         int64  `json:"qty"`
	RailAddress string `json:"railAddress"`
}

// OrderAction covers the POST bodies that only need a caller and
// optionally a payment reference or evidence pointer.
type OrderAction struct {
	Address     string `json:"address"`
	TxRef       string `json:"txRef,omitempty"`
	EvidenceRef string `json:"evidenceRef,omitempty"`
}

type CreateOrderResponse struct {
	Status  string `json:"status"`
	OrderID uint64 `json:"orderId"`
}

type BalanceResponse struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ArbitrationRequest carries the arbitrator's decision for a disputed
// buy order. Kind is "release", "refund", or "partial".
type ArbitrationRequest struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Bps     uint32 `json:"bps,omitempty"`
}

type ConfirmVerificationRequest struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// KycAdminRequest covers the committee's gate administration calls.
type KycAdminRequest struct {
	Address  string `json:"address"`
	MinLevel uint8  `json:"minLevel,omitempty"`
	Account  string `json:"account,omitempty"`
}

// WSSubscribeRequest is the client -> server subscription frame.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
