// Package deposit sizes and moves the buyer's good-faith deposit. Locked
// deposits live in a pooled module account; disposition moves them back to
// the buyer, to the wronged counterparty, or splits them.
package deposit

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/veldtex/p2pcore/pkg/core/ledger"
)

type Policy struct {
	MinMicros        int64
	RateBps          uint32
	CancelPenaltyBps uint32
	// TrustedCompletedCount waives the deposit once a buyer has this
	// many completed orders.
	TrustedCompletedCount uint32
}

type Engine struct {
	pol  Policy
	led  *ledger.Ledger
	pool common.Address
}

func New(pol Policy, led *ledger.Ledger) *Engine {
	return &Engine{
		pol:  pol,
		led:  led,
		pool: ledger.ModuleAddress("deposit-pool"),
	}
}

// Pool returns the module account holding all locked deposits.
func (e *Engine) Pool() common.Address { return e.pool }

// Size computes the required deposit for a buy order. Waived for a
// buyer's first-ever order and for trusted buyers; otherwise a rate on
// the order value with a floor.
func (e *Engine) Size(everPurchased bool, completed uint32, amountMicros int64) int64 {
	if !everPurchased {
		return 0
	}
	if completed >= e.pol.TrustedCompletedCount {
		return 0
	}
	d := amountMicros * int64(e.pol.RateBps) / 10_000
	if d < e.pol.MinMicros {
		d = e.pol.MinMicros
	}
	return d
}

func (e *Engine) Lock(buyer common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	return e.led.Transfer(buyer, e.pool, amount)
}

func (e *Engine) Release(buyer common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	return e.led.Transfer(e.pool, buyer, amount)
}

// Forfeit moves the whole deposit to the given beneficiary.
func (e *Engine) Forfeit(to common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	return e.led.Transfer(e.pool, to, amount)
}

// SplitOnCancel applies the cancel penalty: the penalty share goes to the
// beneficiary, the rest back to the buyer. Returns (penalty, refund).
func (e *Engine) SplitOnCancel(buyer, beneficiary common.Address, amount int64) (int64, int64, error) {
	if amount == 0 {
		return 0, 0, nil
	}
	penalty := amount * int64(e.pol.CancelPenaltyBps) / 10_000
	refund := amount - penalty
	if penalty > 0 {
		if err := e.led.Transfer(e.pool, beneficiary, penalty); err != nil {
			return 0, 0, err
		}
	}
	if refund > 0 {
		if err := e.led.Transfer(e.pool, buyer, refund); err != nil {
			return penalty, 0, err
		}
	}
	return penalty, refund, nil
}
