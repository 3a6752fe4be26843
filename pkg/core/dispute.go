package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veldtex/p2pcore/pkg/core/ledger"
	"github.com/veldtex/p2pcore/pkg/core/order"
)

// DecisionKind is the arbitration outcome for a disputed buy order.
type DecisionKind int8

const (
	DecisionRelease DecisionKind = iota // buyer wins, escrow to buyer
	DecisionRefund                      // maker wins, escrow back to maker
	DecisionPartial                     // split by Bps (buyer share)
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionRelease:
		return "release"
	case DecisionRefund:
		return "refund"
	case DecisionPartial:
		return "partial"
	default:
		return "unknown"
	}
}

type Decision struct {
	Kind DecisionKind
	// Bps is the buyer's escrow share for Partial decisions.
	Bps uint32
}

// ApplyArbitration settles a disputed buy order by external verdict. The
// deposit is released in full on every outcome: it secures payment-window
// behavior, not dispute outcomes, and the dispute itself proves the buyer
// engaged.
func (e *Engine) ApplyArbitration(caller common.Address, id uint64, d Decision) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.arbitrator {
		return ErrNotAuthorized
	}
	o, err := e.store.LoadBuyOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrBuyOrderNotFound
	}
	if o.Status != order.BuyDisputed {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	dis, err := e.store.LoadDispute(id)
	if err != nil {
		return err
	}
	if dis == nil {
		return ErrDisputeNotFound
	}

	var makerWin bool
	switch d.Kind {
	case DecisionRelease:
		if _, err := e.ledger.EscrowClose(ledger.SideBuy, id, o.Buyer); err != nil {
			return err
		}
		o.Status = order.BuyReleased
		e.credit.RecordCompleted(o.Buyer, id)
		done, err := e.store.FirstPurchased(o.Buyer)
		if err != nil {
			return err
		}
		if !done {
			if err := e.store.SetFirstPurchased(o.Buyer); err != nil {
				return err
			}
		}
		if err := e.store.IncrCompletedCount(o.Buyer); err != nil {
			return err
		}
		e.bumpStats(func(st *order.Stats) {
			st.BuyCompleted++
			st.TokenVolume += o.Qty
			st.QuoteVolumeMicros += o.AmountMicros
		})

	case DecisionRefund:
		if _, err := e.ledger.EscrowClose(ledger.SideBuy, id, o.MakerAccount); err != nil {
			return err
		}
		o.Status = order.BuyRefunded
		makerWin = true

	case DecisionPartial:
		if d.Bps > 10_000 {
			return fmt.Errorf("partial bps out of range: %d", d.Bps)
		}
		if _, _, err := e.ledger.EscrowSplit(ledger.SideBuy, id, o.Buyer, o.MakerAccount, d.Bps); err != nil {
			return err
		}
		o.Status = order.BuyClosed
		// Maker counted as prevailing when keeping more than half.
		makerWin = d.Bps < 5_000

	default:
		return fmt.Errorf("unhandled decision %d", d.Kind)
	}

	if o.DepositStatus == order.DepositLocked {
		if err := e.deposits.Release(o.Buyer, o.DepositMicros); err != nil {
			return err
		}
		o.DepositStatus = order.DepositReleased
	}
	e.credit.ReleaseQuota(o.Buyer, o.AmountMicros)
	e.makers.RecordDisputeResult(o.MakerID, id, makerWin)

	dis.Status = order.DisputeResolved
	dis.ResolvedAt = e.now()
	if err := e.store.SaveDispute(dis); err != nil {
		return err
	}
	o.CompletedAt = e.now()
	if err := e.store.SaveBuyOrder(o); err != nil {
		return err
	}

	e.log.Infow("buy dispute arbitrated", "order", id, "decision", d.Kind.String(), "makerWin", makerWin)
	e.emit(EvBuyArbitrated, id, map[string]interface{}{
		"decision": d.Kind.String(), "bps": d.Bps, "makerWin": makerWin,
	})
	return nil
}
