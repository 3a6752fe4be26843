package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veldtex/p2pcore/pkg/core/ledger"
	"github.com/veldtex/p2pcore/pkg/core/order"
)

// CreateBuyOrder opens a purchase: the maker's tokens are escrowed and the
// buyer gets a wall-clock window to pay off-ledger. amountMicros is the
// quote value the buyer will pay; the token quantity follows the feed
// price at creation.
func (e *Engine) CreateBuyOrder(buyer common.Address, makerID uint64, amountMicros int64, payCommit, contactCommit common.Hash) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amountMicros < e.cfg.Buy.MinOrderMicros {
		return 0, ErrAmountTooSmall
	}
	if amountMicros > e.cfg.Buy.MaxOrderMicros {
		return 0, ErrAmountTooLarge
	}
	return e.createBuy(buyer, makerID, amountMicros, payCommit, contactCommit, false)
}

// CreateFirstPurchase opens a fixed-size bootstrap purchase: deposit
// waived, one per buyer, capped per maker.
func (e *Engine) CreateFirstPurchase(buyer common.Address, makerID uint64, payCommit, contactCommit common.Hash) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	done, err := e.store.FirstPurchased(buyer)
	if err != nil {
		return 0, err
	}
	if done {
		return 0, ErrAlreadyFirstPurchased
	}
	slots, err := e.store.FirstPurchaseOrders(makerID)
	if err != nil {
		return 0, err
	}
	if uint32(len(slots)) >= e.cfg.Buy.MaxFirstPurchasePerMaker {
		return 0, ErrFirstPurchaseQuota
	}
	return e.createBuy(buyer, makerID, e.cfg.Buy.FirstPurchaseMicros, payCommit, contactCommit, true)
}

func (e *Engine) createBuy(buyer common.Address, makerID uint64, amountMicros int64, payCommit, contactCommit common.Hash, first bool) (uint64, error) {
	price, err := e.currentPrice()
	if err != nil {
		return 0, err
	}
	info, err := e.validateMaker(makerID)
	if err != nil {
		return 0, err
	}
	if info.Account == buyer {
		return 0, ErrSelfTrade
	}
	if err := e.checkKyc(buyer, first); err != nil {
		return 0, err
	}

	qty := qtyForAmount(amountMicros, price)
	if qty <= 0 {
		return 0, ErrAmountTooSmall
	}
	// Canonicalize so escrow and the expected payment agree exactly.
	amountMicros, err = amountForQty(qty, price)
	if err != nil {
		return 0, err
	}

	// Capacity checks before any funds move.
	mine, err := e.store.BuyerOrders(buyer)
	if err != nil {
		return 0, err
	}
	if len(mine) >= e.cfg.Buy.MaxOrdersPerBuyer {
		return 0, ErrTooManyOrders
	}
	theirs, err := e.store.MakerBuyOrders(makerID)
	if err != nil {
		return 0, err
	}
	if len(theirs) >= e.cfg.Buy.MaxOrdersPerMaker {
		return 0, ErrTooManyOrders
	}

	everPurchased, err := e.store.FirstPurchased(buyer)
	if err != nil {
		return 0, err
	}
	completed, err := e.store.CompletedCount(buyer)
	if err != nil {
		return 0, err
	}

	if err := e.credit.OccupyQuota(buyer, amountMicros); err != nil {
		return 0, err
	}

	dep := e.deposits.Size(everPurchased, completed, amountMicros)
	if err := e.deposits.Lock(buyer, dep); err != nil {
		e.credit.ReleaseQuota(buyer, amountMicros)
		return 0, err
	}

	id, err := e.store.NextBuyID()
	if err != nil {
		return 0, err
	}

	if err := e.ledger.EscrowLock(info.Account, ledger.SideBuy, id, qty); err != nil {
		if derr := e.deposits.Release(buyer, dep); derr != nil {
			e.log.Errorw("deposit unwind failed", "order", id, "err", derr)
		}
		e.credit.ReleaseQuota(buyer, amountMicros)
		return 0, fmt.Errorf("maker escrow: %w", err)
	}

	now := e.now()
	o := &order.BuyOrder{
		ID:            id,
		Buyer:         buyer,
		MakerID:       makerID,
		MakerAccount:  info.Account,
		MakerRail:     info.RailAddress,
		Qty:           qty,
		PriceMicros:   price,
		AmountMicros:  amountMicros,
		PaymentCommit: payCommit,
		ContactCommit: contactCommit,
		Status:        order.BuyCreated,
		DepositStatus: order.DepositNone,
		DepositMicros: dep,
		FirstPurchase: first,
		CreatedAt:     now,
		ExpiresAt:     now + int64(e.cfg.Buy.OrderTimeout.Seconds()),
		EvidenceUntil: now + int64(e.cfg.Buy.EvidenceWindow.Seconds()),
	}
	if dep > 0 {
		o.DepositStatus = order.DepositLocked
	}

	if err := e.store.SaveBuyOrder(o); err != nil {
		return 0, err
	}
	if err := e.store.AppendBuyerOrder(buyer, id, e.cfg.Buy.MaxOrdersPerBuyer); err != nil {
		return 0, err
	}
	if err := e.store.AppendMakerBuyOrder(makerID, id, e.cfg.Buy.MaxOrdersPerMaker); err != nil {
		return 0, err
	}
	if first {
		if err := e.store.AppendFirstPurchase(makerID, id, int(e.cfg.Buy.MaxFirstPurchasePerMaker)); err != nil {
			return 0, err
		}
	}

	e.bumpStats(func(st *order.Stats) { st.BuyCreated++ })
	e.log.Infow("buy order created",
		"order", id, "buyer", buyer.Hex(), "maker", makerID,
		"qty", qty, "amount", amountMicros, "deposit", dep, "first", first)
	e.emit(EvBuyCreated, id, map[string]interface{}{
		"buyer": buyer.Hex(), "maker": makerID,
		"qty": qty, "amount": amountMicros, "first": first,
	})
	return id, nil
}

// MarkPaid records the buyer's claim of having paid on the rail. The
// payment reference is optional on the buy side; when present it is
// claimed in the replay table.
func (e *Engine) MarkPaid(buyer common.Address, id uint64, txRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadBuyOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrBuyOrderNotFound
	}
	if o.Buyer != buyer {
		return ErrNotAuthorized
	}
	if o.Status != order.BuyCreated {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}

	if txRef != "" {
		_, h, err := e.claimTxRef(txRef)
		if err != nil {
			return err
		}
		o.TxRef = h
		o.HasTxRef = true
	}
	o.Status = order.BuyPaid
	o.PaidAt = e.now()
	if err := e.store.SaveBuyOrder(o); err != nil {
		return err
	}

	e.log.Infow("buy order marked paid", "order", id, "hasRef", o.HasTxRef)
	e.emit(EvBuyPaid, id, map[string]interface{}{"hasRef": o.HasTxRef})
	return nil
}

// Release hands the escrowed tokens to the buyer. Only the maker may
// release; releasing a disputed order concedes the dispute to the buyer.
func (e *Engine) Release(caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadBuyOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrBuyOrderNotFound
	}
	if o.MakerAccount != caller {
		return ErrNotAuthorized
	}
	if o.Status != order.BuyPaid && o.Status != order.BuyDisputed {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	wasDisputed := o.Status == order.BuyDisputed

	if _, err := e.ledger.EscrowClose(ledger.SideBuy, id, o.Buyer); err != nil {
		return err
	}
	if o.DepositStatus == order.DepositLocked {
		if err := e.deposits.Release(o.Buyer, o.DepositMicros); err != nil {
			return err
		}
		o.DepositStatus = order.DepositReleased
	}

	e.credit.ReleaseQuota(o.Buyer, o.AmountMicros)
	e.credit.RecordCompleted(o.Buyer, id)
	e.makers.RecordCompleted(o.MakerID, id, uint32(e.now()-o.CreatedAt))

	if wasDisputed {
		if d, err := e.store.LoadDispute(id); err == nil && d != nil {
			d.Status = order.DisputeResolved
			d.ResolvedAt = e.now()
			if err := e.store.SaveDispute(d); err != nil {
				return err
			}
		}
		e.makers.RecordDisputeResult(o.MakerID, id, false)
	}

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
	if o.FirstPurchase {
		// The bootstrap slot frees on every exit, success included.
		if err := e.store.RemoveFirstPurchase(o.MakerID, id); err != nil {
			return err
		}
	}

	o.Status = order.BuyReleased
	o.CompletedAt = e.now()
	if err := e.store.SaveBuyOrder(o); err != nil {
		return err
	}

	e.bumpStats(func(st *order.Stats) {
		st.BuyCompleted++
		st.TokenVolume += o.Qty
		st.QuoteVolumeMicros += o.AmountMicros
	})
	e.log.Infow("buy order released", "order", id, "buyer", o.Buyer.Hex(), "disputed", wasDisputed)
	e.emit(EvBuyReleased, id, map[string]interface{}{"disputed": wasDisputed})
	return nil
}

// Cancel abandons an unpaid order. Either party may cancel: a buyer
// cancel forfeits the penalty share of the deposit to the maker, a maker
// cancel returns the deposit in full.
func (e *Engine) Cancel(caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadBuyOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrBuyOrderNotFound
	}
	if caller != o.Buyer && caller != o.MakerAccount {
		return ErrNotAuthorized
	}
	if o.Status != order.BuyCreated {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	byBuyer := caller == o.Buyer

	if _, err := e.ledger.EscrowClose(ledger.SideBuy, id, o.MakerAccount); err != nil {
		return err
	}
	if o.DepositStatus == order.DepositLocked {
		if byBuyer {
			penalty, _, err := e.deposits.SplitOnCancel(o.Buyer, o.MakerAccount, o.DepositMicros)
			if err != nil {
				return err
			}
			if penalty > 0 {
				o.DepositStatus = order.DepositSplit
			} else {
				o.DepositStatus = order.DepositReleased
			}
		} else {
			// The maker walked away; the buyer owes nothing.
			if err := e.deposits.Release(o.Buyer, o.DepositMicros); err != nil {
				return err
			}
			o.DepositStatus = order.DepositReleased
		}
	}

	e.credit.ReleaseQuota(o.Buyer, o.AmountMicros)
	e.credit.RecordCancelled(o.Buyer, id)
	if o.FirstPurchase {
		if err := e.store.RemoveFirstPurchase(o.MakerID, id); err != nil {
			return err
		}
	}

	o.Status = order.BuyCanceled
	o.CompletedAt = e.now()
	if err := e.store.SaveBuyOrder(o); err != nil {
		return err
	}

	e.log.Infow("buy order canceled", "order", id, "by", caller.Hex(), "byBuyer", byBuyer)
	e.emit(EvBuyCanceled, id, map[string]interface{}{"by": caller.Hex()})
	return nil
}

// Dispute escalates a paid-but-unreleased order. Either party may raise
// it; one dispute per order, and the respondent gets the evidence window
// before arbitration.
func (e *Engine) Dispute(caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadBuyOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrBuyOrderNotFound
	}
	if caller != o.Buyer && caller != o.MakerAccount {
		return ErrNotAuthorized
	}
	if o.Status != order.BuyPaid {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	if d, err := e.store.LoadDispute(id); err != nil {
		return err
	} else if d != nil {
		return ErrDisputeExists
	}

	now := e.now()
	d := &order.BuyDispute{
		OrderID:   id,
		RaisedBy:  caller,
		Status:    order.DisputeWaitingResponse,
		RaisedAt:  now,
		RespondBy: now + int64(e.cfg.Buy.EvidenceWindow.Seconds()),
	}
	if err := e.store.SaveDispute(d); err != nil {
		return err
	}
	o.Status = order.BuyDisputed
	if err := e.store.SaveBuyOrder(o); err != nil {
		return err
	}

	e.log.Infow("buy order disputed", "order", id, "by", caller.Hex(), "respondBy", d.RespondBy)
	e.emit(EvBuyDisputed, id, map[string]interface{}{"by": caller.Hex(), "respondBy": d.RespondBy})
	return nil
}

// EscalateDispute moves an unanswered dispute to arbitration once the
// maker's response window lapses. Open to any caller.
func (e *Engine) EscalateDispute(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.store.LoadDispute(id)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrDisputeNotFound
	}
	if d.Status != order.DisputeWaitingResponse {
		return fmt.Errorf("%w: %s", ErrInvalidState, d.Status)
	}
	if e.now() <= d.RespondBy {
		return ErrDisputeNotEscalatable
	}

	d.Status = order.DisputeInArbitration
	d.EscalatedAt = e.now()
	if err := e.store.SaveDispute(d); err != nil {
		return err
	}
	e.log.Infow("buy dispute escalated", "order", id)
	return nil
}
