package core

import "errors"

// Rejections surfaced by entry points. API handlers map these onto HTTP
// status codes; tests match with errors.Is.
var (
	ErrBuyOrderNotFound  = errors.New("buy order not found")
	ErrSellOrderNotFound = errors.New("sell order not found")
	ErrInvalidState      = errors.New("invalid order state for this operation")
	ErrNotAuthorized     = errors.New("caller not authorized")

	ErrPriceUnavailable = errors.New("price feed unavailable")
	ErrAmountTooSmall   = errors.New("amount below minimum")
	ErrAmountTooLarge   = errors.New("amount above maximum")
	ErrQtyTooSmall      = errors.New("quantity below minimum")

	ErrMakerBondLow          = errors.New("maker bond below minimum")
	ErrSelfTrade             = errors.New("maker cannot trade with itself")
	ErrTooManyOrders         = errors.New("open order limit reached")
	ErrAlreadyFirstPurchased = errors.New("buyer already made a first purchase")
	ErrFirstPurchaseQuota    = errors.New("maker first-purchase quota exhausted")

	ErrTxRefUsed          = errors.New("payment reference already claimed")
	ErrTxRefInvalid       = errors.New("payment reference invalid")
	ErrRailAddressInvalid = errors.New("rail address invalid")

	ErrNotExpired            = errors.New("order not expired")
	ErrDisputeExists         = errors.New("dispute already open")
	ErrDisputeNotFound       = errors.New("dispute not found")
	ErrDisputeNotEscalatable = errors.New("dispute response window still open")

	ErrVerificationNotFound   = errors.New("no pending verification request")
	ErrVerificationNotExpired = errors.New("verification deadline not reached")
	ErrResultExists           = errors.New("oracle result already recorded")
	ErrResultNotFound         = errors.New("oracle result not found")
	ErrEvidenceNotFound       = errors.New("underpayment evidence not found")
)
