package order

import (
	"github.com/ethereum/go-ethereum/common"
)

// Buy order lifecycle. A buy order escrows the maker's tokens while the
// buyer pays the maker off-ledger on the external payment rail.
type BuyStatus int8

const (
	BuyCreated BuyStatus = iota // escrow locked, waiting for buyer payment
	BuyPaid                     // buyer claims payment sent
	BuyReleased                 // maker released escrow to buyer
	BuyRefunded                 // escrow returned to maker after a dispute
	BuyCanceled                 // buyer canceled before paying
	BuyDisputed                 // buyer escalated after paying
	BuyClosed                   // administratively closed
	BuyExpired                  // swept after the payment window lapsed
)

func (s BuyStatus) String() string {
	switch s {
	case BuyCreated:
		return "created"
	case BuyPaid:
		return "paid"
	case BuyReleased:
		return "released"
	case BuyRefunded:
		return "refunded"
	case BuyCanceled:
		return "canceled"
	case BuyDisputed:
		return "disputed"
	case BuyClosed:
		return "closed"
	case BuyExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can touch this order.
func (s BuyStatus) Terminal() bool {
	switch s {
	case BuyReleased, BuyRefunded, BuyCanceled, BuyClosed, BuyExpired:
		return true
	}
	return false
}

// DepositStatus tracks the buyer's good-faith deposit independently of the
// order status. Every terminal order must carry a terminal deposit status.
type DepositStatus int8

const (
	DepositNone     DepositStatus = iota // waived, nothing locked
	DepositLocked                        // held in the pooled deposit account
	DepositReleased                      // returned to the buyer in full
	DepositForfeited                     // moved to the counterparty or treasury in full
	DepositSplit                         // penalty kept, remainder returned
)

func (s DepositStatus) String() string {
	switch s {
	case DepositNone:
		return "none"
	case DepositLocked:
		return "locked"
	case DepositReleased:
		return "released"
	case DepositForfeited:
		return "forfeited"
	case DepositSplit:
		return "split"
	default:
		return "unknown"
	}
}

func (s DepositStatus) Terminal() bool {
	return s != DepositLocked
}

// BuyOrder is the persisted row for a token purchase.
// Quote amounts are quote micros, token quantities are token micros
// (1_000_000 micros = 1 unit of either); Price is micro-quote per whole
// token unit. Buy timing uses wall-clock unix seconds because the payment
// window is a human deadline.
type BuyOrder struct {
	ID           uint64         `json:"id"`
	Buyer        common.Address `json:"buyer"`
	MakerID      uint64         `json:"makerId"`
	MakerAccount common.Address `json:"makerAccount"`
	// MakerRail is the maker's receiving address on the payment rail;
	// the buyer pays there off-ledger.
	MakerRail string `json:"makerRail"`

	Qty          int64 `json:"qty"`
	PriceMicros  int64 `json:"priceMicros"`
	AmountMicros int64 `json:"amountMicros"`

	// Commitments are hashes of the buyer's payment account and contact
	// details; the plaintext never touches the ledger.
	PaymentCommit common.Hash `json:"paymentCommit"`
	ContactCommit common.Hash `json:"contactCommit"`

	// TxRef is the keccak of the buyer's normalized rail transaction
	// reference, set on MarkPaid when the buyer supplies one.
	TxRef    common.Hash `json:"txRef"`
	HasTxRef bool        `json:"hasTxRef"`

	Status        BuyStatus     `json:"status"`
	DepositStatus DepositStatus `json:"depositStatus"`
	DepositMicros int64         `json:"depositMicros"`

	FirstPurchase bool `json:"firstPurchase"`

	CreatedAt int64 `json:"createdAt"`
	ExpiresAt int64 `json:"expiresAt"`
	// EvidenceUntil bounds how long dispute evidence is accepted.
	EvidenceUntil int64 `json:"evidenceUntil"`
	PaidAt        int64 `json:"paidAt,omitempty"`
	CompletedAt   int64 `json:"completedAt,omitempty"`
}

// DisputeStatus tracks a buy-side dispute raised after the buyer paid.
type DisputeStatus int8

const (
	DisputeWaitingResponse DisputeStatus = iota // maker must answer within the evidence window
	DisputeInArbitration
	DisputeResolved
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeWaitingResponse:
		return "waiting_response"
	case DisputeInArbitration:
		return "in_arbitration"
	case DisputeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// BuyDispute is keyed by the buy order ID; at most one per order.
type BuyDispute struct {
	OrderID     uint64         `json:"orderId"`
	RaisedBy    common.Address `json:"raisedBy"`
	Status      DisputeStatus  `json:"status"`
	RaisedAt    int64          `json:"raisedAt"`
	RespondBy   int64          `json:"respondBy"`
	EscalatedAt int64          `json:"escalatedAt,omitempty"`
	ResolvedAt  int64          `json:"resolvedAt,omitempty"`
}

// ArchivedBuyOrder is the compact row left behind when a terminal buy
// order is swept out of hot storage.
type ArchivedBuyOrder struct {
	ID            uint64         `json:"id"`
	Buyer         common.Address `json:"buyer"`
	MakerID       uint64         `json:"makerId"`
	Qty           int64          `json:"qty"`
	AmountMicros  int64          `json:"amountMicros"`
	Status        BuyStatus      `json:"status"`
	DepositStatus DepositStatus  `json:"depositStatus"`
	CompletedAt   int64          `json:"completedAt"`
}

// Stats are running totals across both sides, updated inline with each
// settlement.
type Stats struct {
	BuyCreated    uint64 `json:"buyCreated"`
	BuyCompleted  uint64 `json:"buyCompleted"`
	BuyExpired    uint64 `json:"buyExpired"`
	SellCreated   uint64 `json:"sellCreated"`
	SellCompleted uint64 `json:"sellCompleted"`

	TokenVolume       int64 `json:"tokenVolume"`
	QuoteVolumeMicros int64 `json:"quoteVolumeMicros"`
	FeeMicros         int64 `json:"feeMicros"`
	ForfeitMicros     int64 `json:"forfeitMicros"`
}
