package order

import (
	"github.com/ethereum/go-ethereum/common"
)

// Sell order lifecycle. A sell order escrows the seller's tokens while the
// maker pays the seller off-ledger; settlement waits on payment
// verification. Sell timing uses block heights because verification
// deadlines are machine deadlines enforced by sweeps.
type SellStatus int8

const (
	SellPending              SellStatus = iota // escrow locked, waiting for maker payment
	SellAwaitingVerification                   // maker claimed payment, oracle check pending
	SellCompleted                              // escrow settled to the maker (fully or partially)
	SellVerificationFailed                     // committee rejected or oracle found nothing
	SellRefunded                               // escrow returned to the seller
	SellArbitrating                            // escalated, bond carved from escrow
	SellUserReported                           // seller flagged the maker pre-payment
	SellSeverelyDisputed                       // severe shortfall parked for the seller's choice
	SellArbitrationApproved
	SellArbitrationRejected
)

func (s SellStatus) String() string {
	switch s {
	case SellPending:
		return "pending"
	case SellAwaitingVerification:
		return "awaiting_verification"
	case SellCompleted:
		return "completed"
	case SellVerificationFailed:
		return "verification_failed"
	case SellRefunded:
		return "refunded"
	case SellArbitrating:
		return "arbitrating"
	case SellUserReported:
		return "user_reported"
	case SellSeverelyDisputed:
		return "severely_disputed"
	case SellArbitrationApproved:
		return "arbitration_approved"
	case SellArbitrationRejected:
		return "arbitration_rejected"
	default:
		return "unknown"
	}
}

func (s SellStatus) Terminal() bool {
	switch s {
	case SellCompleted, SellRefunded, SellArbitrationApproved, SellArbitrationRejected:
		return true
	}
	return false
}

// SellOrder is the persisted row for a token sale.
type SellOrder struct {
	ID     uint64         `json:"id"`
	Seller common.Address `json:"seller"`
	// SellerRail is where the maker must pay on the external rail; the
	// oracle checks the claimed transaction credits this address.
	SellerRail   string         `json:"sellerRail"`
	MakerID      uint64         `json:"makerId"`
	MakerAccount common.Address `json:"makerAccount"`

	Qty          int64 `json:"qty"`
	PriceMicros  int64 `json:"priceMicros"`
	AmountMicros int64 `json:"amountMicros"`

	// TxRef is the keccak of the maker's normalized payment reference,
	// set when the maker claims completion.
	TxRef    common.Hash `json:"txRef"`
	HasTxRef bool        `json:"hasTxRef"`

	Status SellStatus `json:"status"`

	// BondMicros is carved out of escrow when the order escalates to
	// arbitration; zero otherwise.
	BondMicros int64 `json:"bondMicros"`

	CreatedHeight   uint64 `json:"createdHeight"`
	MarkedHeight    uint64 `json:"markedHeight,omitempty"`
	CompletedHeight uint64 `json:"completedHeight,omitempty"`
}

// VerificationRequest is the pending oracle work item for a sell order.
// Exists only while the order is AwaitingVerification.
type VerificationRequest struct {
	SellID uint64 `json:"sellId"`
	// TxID is the canonical rail transaction id the oracle looks up.
	TxID           string `json:"txId"`
	RailAddress    string `json:"railAddress"`
	ExpectedMicros int64  `json:"expectedMicros"`
	Deadline       uint64 `json:"deadline"`
	CreatedHeight  uint64 `json:"createdHeight"`
}

// OracleResult is write-once per sell order: the first report wins and
// later reports are rejected until the row is consumed by finalization.
type OracleResult struct {
	SellID         uint64         `json:"sellId"`
	Found          bool           `json:"found"`
	ActualMicros   int64          `json:"actualMicros"`
	Reason         string         `json:"reason,omitempty"`
	Reporter       common.Address `json:"reporter"`
	ReportedHeight uint64         `json:"reportedHeight"`
}

// UnderpaidEvidence is retained while a severe shortfall waits for the
// seller to accept a partial settlement or demand a refund.
type UnderpaidEvidence struct {
	SellID         uint64 `json:"sellId"`
	ExpectedMicros int64  `json:"expectedMicros"`
	ActualMicros   int64  `json:"actualMicros"`
	RecordedHeight uint64 `json:"recordedHeight"`
}

// ArchivedSellOrder mirrors ArchivedBuyOrder for the sell side.
type ArchivedSellOrder struct {
	ID              uint64         `json:"id"`
	Seller          common.Address `json:"seller"`
	MakerID         uint64         `json:"makerId"`
	Qty             int64          `json:"qty"`
	AmountMicros    int64          `json:"amountMicros"`
	Status          SellStatus     `json:"status"`
	CompletedHeight uint64         `json:"completedHeight"`
}
