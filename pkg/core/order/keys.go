package order

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Order rows are keyed by zero-padded decimal IDs so a
// cursor scan walks them in creation order; per-account indexes are small
// bounded JSON lists under one key each.
const (
	prefixBuy      = "buy:"
	prefixSell     = "sell:"
	prefixVerify   = "vreq:"
	prefixResult   = "vres:"
	prefixEvidence = "evid:"
	prefixDispute  = "disp:"
	prefixArcBuy   = "arcb:"
	prefixArcSell  = "arcs:"
	prefixRef      = "ref:"
	prefixEvent    = "evt:"
	prefixSeq      = "seq:"
	prefixCursor   = "cur:"
	prefixExempt   = "kycex:"

	keyStats     = "stats"
	keyKycConfig = "kyc:cfg"
)

func buyKey(id uint64) []byte  { return []byte(fmt.Sprintf("%s%020d", prefixBuy, id)) }
func sellKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixSell, id)) }

func verifyKey(sellID uint64) []byte   { return []byte(fmt.Sprintf("%s%020d", prefixVerify, sellID)) }
func resultKey(sellID uint64) []byte   { return []byte(fmt.Sprintf("%s%020d", prefixResult, sellID)) }
func evidenceKey(sellID uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixEvidence, sellID)) }
func disputeKey(buyID uint64) []byte   { return []byte(fmt.Sprintf("%s%020d", prefixDispute, buyID)) }

func arcBuyKey(id uint64) []byte  { return []byte(fmt.Sprintf("%s%020d", prefixArcBuy, id)) }
func arcSellKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixArcSell, id)) }

// refKey holds the block height at which a payment reference was claimed.
// Format: "ref:{keccak hex}"
func refKey(h common.Hash) []byte { return []byte(prefixRef + h.Hex()) }

func eventKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq)) }

func seqKey(name string) []byte    { return []byte(prefixSeq + name) }
func cursorKey(name string) []byte { return []byte(prefixCursor + name) }

func exemptKey(addr common.Address) []byte { return []byte(prefixExempt + addr.Hex()) }

// Index keys: each holds a JSON []uint64 of order IDs.
func buyerIndexKey(addr common.Address) []byte  { return []byte("idx:buyer:" + addr.Hex()) }
func sellerIndexKey(addr common.Address) []byte { return []byte("idx:seller:" + addr.Hex()) }
func makerBuyIndexKey(makerID uint64) []byte {
	return []byte(fmt.Sprintf("idx:mkbuy:%020d", makerID))
}
func makerSellIndexKey(makerID uint64) []byte {
	return []byte(fmt.Sprintf("idx:mksell:%020d", makerID))
}
func firstPurchaseIndexKey(makerID uint64) []byte {
	return []byte(fmt.Sprintf("idx:fp:%020d", makerID))
}

func firstPurchasedKey(addr common.Address) []byte { return []byte("fp:" + addr.Hex()) }
func completedCountKey(addr common.Address) []byte { return []byte("done:" + addr.Hex()) }

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
