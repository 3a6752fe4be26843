package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veldtex/p2pcore/pkg/core/ledger"
	"github.com/veldtex/p2pcore/pkg/core/order"
	"github.com/veldtex/p2pcore/pkg/core/verify"
)

// CreateSellOrder opens a sale: the seller's tokens are escrowed and the
// maker must pay the seller's rail address off-ledger. qty is token
// micros.
func (e *Engine) CreateSellOrder(seller common.Address, makerID uint64, qty int64, sellerRail string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if qty < e.cfg.Sell.MinQty {
		return 0, ErrQtyTooSmall
	}
	if err := order.ValidateRailAddress(sellerRail); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRailAddressInvalid, err)
	}
	price, err := e.currentPrice()
	if err != nil {
		return 0, err
	}
	amount, err := amountForQty(qty, price)
	if err != nil {
		return 0, err
	}
	if amount < e.cfg.Sell.MinAmountMicros {
		return 0, ErrAmountTooSmall
	}
	info, err := e.validateMaker(makerID)
	if err != nil {
		return 0, err
	}
	if info.Account == seller {
		return 0, ErrSelfTrade
	}
	if err := e.checkKyc(seller, false); err != nil {
		return 0, err
	}

	mine, err := e.store.SellerOrders(seller)
	if err != nil {
		return 0, err
	}
	if len(mine) >= e.cfg.Buy.MaxOrdersPerBuyer {
		return 0, ErrTooManyOrders
	}
	theirs, err := e.store.MakerSellOrders(makerID)
	if err != nil {
		return 0, err
	}
	if len(theirs) >= e.cfg.Buy.MaxOrdersPerMaker {
		return 0, ErrTooManyOrders
	}

	id, err := e.store.NextSellID()
	if err != nil {
		return 0, err
	}
	if err := e.ledger.EscrowLock(seller, ledger.SideSell, id, qty); err != nil {
		return 0, fmt.Errorf("seller escrow: %w", err)
	}

	o := &order.SellOrder{
		ID:            id,
		Seller:        seller,
		SellerRail:    sellerRail,
		MakerID:       makerID,
		MakerAccount:  info.Account,
		Qty:           qty,
		PriceMicros:   price,
		AmountMicros:  amount,
		Status:        order.SellPending,
		CreatedHeight: e.height(),
	}
	if err := e.store.SaveSellOrder(o); err != nil {
		return 0, err
	}
	if err := e.store.AppendSellerOrder(seller, id, e.cfg.Buy.MaxOrdersPerBuyer); err != nil {
		return 0, err
	}
	if err := e.store.AppendMakerSellOrder(makerID, id, e.cfg.Buy.MaxOrdersPerMaker); err != nil {
		return 0, err
	}

	e.bumpStats(func(st *order.Stats) { st.SellCreated++ })
	e.log.Infow("sell order created",
		"order", id, "seller", seller.Hex(), "maker", makerID, "qty", qty, "amount", amount)
	e.emit(EvSellCreated, id, map[string]interface{}{
		"seller": seller.Hex(), "maker": makerID, "qty": qty, "amount": amount,
	})
	return id, nil
}

// MarkComplete records the maker's payment claim and opens a verification
// request. The payment reference is mandatory here: it is exactly what
// the oracle will look up.
func (e *Engine) MarkComplete(caller common.Address, id uint64, txRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.MakerAccount != caller {
		return ErrNotAuthorized
	}
	if o.Status != order.SellPending && o.Status != order.SellUserReported {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}

	canonical, h, err := e.claimTxRef(txRef)
	if err != nil {
		return err
	}

	height := e.height()
	o.TxRef = h
	o.HasTxRef = true
	o.Status = order.SellAwaitingVerification
	o.MarkedHeight = height
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	req := &order.VerificationRequest{
		SellID:         id,
		TxID:           canonical,
		RailAddress:    o.SellerRail,
		ExpectedMicros: o.AmountMicros,
		Deadline:       height + e.cfg.Sell.VerificationDeadline,
		CreatedHeight:  height,
	}
	if err := e.store.SaveVerification(req); err != nil {
		return err
	}

	e.log.Infow("sell order marked complete", "order", id, "deadline", req.Deadline)
	e.emit(EvSellMarked, id, map[string]interface{}{"deadline": req.Deadline})
	return nil
}

// Report flags an unresponsive maker. Informational: no funds freeze and
// the maker can still complete.
func (e *Engine) Report(seller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.Seller != seller {
		return ErrNotAuthorized
	}
	if o.Status != order.SellPending {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}

	o.Status = order.SellUserReported
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.emit(EvSellReported, id, nil)
	return nil
}

// SubmitOracleResult is the oracle admission path. It carries no caller
// authentication; admission is structural: the order must exist, be
// awaiting verification, have a matching pending request, and no prior
// result. First report wins.
func (e *Engine) SubmitOracleResult(reporter common.Address, id uint64, found bool, actualMicros int64, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.Status != order.SellAwaitingVerification {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	req, err := e.store.LoadVerification(id)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrVerificationNotFound
	}
	if prior, err := e.store.LoadResult(id); err != nil {
		return err
	} else if prior != nil {
		return ErrResultExists
	}

	res := &order.OracleResult{
		SellID:         id,
		Found:          found,
		ActualMicros:   actualMicros,
		Reason:         reason,
		Reporter:       reporter,
		ReportedHeight: e.height(),
	}
	if err := e.store.SaveResult(res); err != nil {
		return err
	}
	e.log.Infow("oracle result recorded", "order", id, "found", found, "actual", actualMicros)
	e.emit(EvOracleResult, id, map[string]interface{}{"found": found, "actual": actualMicros})
	return nil
}

// ClaimVerificationReward consumes a recorded oracle result, settles the
// order by the five-tier verdict, and pays the caller a fixed bounty for
// relaying. Open to any caller; consuming always clears the result so a
// replay cannot double-settle.
func (e *Engine) ClaimVerificationReward(caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.Status != order.SellAwaitingVerification {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	res, err := e.store.LoadResult(id)
	if err != nil {
		return err
	}
	if res == nil {
		return ErrResultNotFound
	}
	if err := e.store.DeleteResult(id); err != nil {
		return err
	}
	if err := e.store.DeleteVerification(id); err != nil {
		return err
	}

	actual := res.ActualMicros
	if !res.Found {
		actual = 0
	}
	if err := e.settle(o, verify.Classify(o.AmountMicros, actual), actual); err != nil {
		return err
	}

	// Bounty is best-effort: an underfunded treasury must not block
	// settlement.
	if e.cfg.Sell.RewardMicros > 0 {
		if err := e.ledger.Transfer(e.treasury, caller, e.cfg.Sell.RewardMicros); err != nil {
			e.log.Warnw("verification bounty unpaid", "order", id, "err", err)
		}
	}
	return nil
}

// ConfirmVerification is the committee override: full settlement on
// verified, VerificationFailed (no funds move) otherwise.
func (e *Engine) ConfirmVerification(caller common.Address, id uint64, verified bool, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.committee {
		return ErrNotAuthorized
	}
	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.Status != order.SellAwaitingVerification {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	if err := e.store.DeleteVerification(id); err != nil {
		return err
	}
	if err := e.store.DeleteResult(id); err != nil {
		return err
	}

	if verified {
		return e.settle(o, verify.VerdictExact, o.AmountMicros)
	}

	o.Status = order.SellVerificationFailed
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.log.Infow("sell verification rejected", "order", id, "reason", reason)
	e.emit(EvSellFailed, id, map[string]interface{}{"reason": reason})
	return nil
}

// HandleVerificationTimeout clears a request at or past its deadline.
// Open to any caller; the order never stays stuck in AwaitingVerification.
func (e *Engine) HandleVerificationTimeout(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.Status != order.SellAwaitingVerification {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	req, err := e.store.LoadVerification(id)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrVerificationNotFound
	}
	if e.height() < req.Deadline {
		return ErrVerificationNotExpired
	}
	if err := e.store.DeleteVerification(id); err != nil {
		return err
	}
	if err := e.store.DeleteResult(id); err != nil {
		return err
	}

	if _, err := e.ledger.EscrowClose(ledger.SideSell, id, o.Seller); err != nil {
		// Refund failed; park in arbitration rather than stuck.
		e.log.Errorw("timeout refund failed", "order", id, "err", err)
		o.Status = order.SellArbitrating
		if err := e.store.SaveSellOrder(o); err != nil {
			return err
		}
		e.emit(EvSellDisputed, id, map[string]interface{}{"cause": "timeout_refund_failed"})
		return nil
	}

	e.makers.RecordTimeout(o.MakerID, id)
	o.Status = order.SellRefunded
	o.CompletedHeight = e.height()
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.log.Infow("sell order refunded on verification timeout", "order", id)
	e.emit(EvSellRefunded, id, map[string]interface{}{"cause": "verification_timeout"})
	return nil
}

// FileDispute lets the seller escalate after a definitive verification
// failure, or after the pending request's own deadline passed. A bond,
// carved from the order's escrow, backs the claim.
func (e *Engine) FileDispute(seller common.Address, id uint64, evidenceRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.Seller != seller {
		return ErrNotAuthorized
	}
	switch o.Status {
	case order.SellVerificationFailed:
	case order.SellAwaitingVerification:
		req, err := e.store.LoadVerification(id)
		if err != nil {
			return err
		}
		if req != nil && e.height() < req.Deadline {
			return ErrVerificationNotExpired
		}
		if err := e.store.DeleteVerification(id); err != nil {
			return err
		}
		if err := e.store.DeleteResult(id); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}

	held, err := e.ledger.EscrowAmount(ledger.SideSell, id)
	if err != nil {
		return err
	}
	bond := held * int64(e.cfg.Sell.DisputeBondBps) / 10_000
	if bond < e.cfg.Sell.MinBondMicros {
		bond = e.cfg.Sell.MinBondMicros
	}
	if bond > held {
		bond = held
	}
	if bond > 0 {
		if err := e.ledger.EscrowTransfer(ledger.SideSell, id, e.deposits.Pool(), bond); err != nil {
			return err
		}
	}

	o.BondMicros = bond
	o.Status = order.SellArbitrating
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.log.Infow("sell dispute filed", "order", id, "bond", bond, "evidence", evidenceRef)
	e.emit(EvSellDisputed, id, map[string]interface{}{"bond": bond, "evidence": evidenceRef})
	return nil
}

// AcceptPartial settles a severe shortfall at the evidenced ratio: the
// maker keeps the paid fraction of escrow, the seller takes back the rest.
func (e *Engine) AcceptPartial(seller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.Seller != seller {
		return ErrNotAuthorized
	}
	if o.Status != order.SellSeverelyDisputed {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	ev, err := e.store.LoadEvidence(id)
	if err != nil {
		return err
	}
	if ev == nil {
		return ErrEvidenceNotFound
	}

	ratio := verify.RatioBps(ev.ExpectedMicros, ev.ActualMicros)
	makerShare, sellerShare, err := e.ledger.EscrowSplit(ledger.SideSell, id, o.MakerAccount, o.Seller, ratio)
	if err != nil {
		return err
	}
	if err := e.store.DeleteEvidence(id); err != nil {
		return err
	}

	o.Status = order.SellCompleted
	o.CompletedHeight = e.height()
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.bumpStats(func(st *order.Stats) {
		st.SellCompleted++
		st.TokenVolume += makerShare
		st.QuoteVolumeMicros += ev.ActualMicros
	})
	e.log.Infow("severe shortfall accepted as partial",
		"order", id, "maker", makerShare, "seller", sellerShare, "ratioBps", ratio)
	e.emit(EvSellSettled, id, map[string]interface{}{
		"verdict": verify.VerdictSeverelyUnderpaid.String(), "makerShare": makerShare, "ratioBps": ratio,
	})
	return nil
}

// RequestRefund rejects a severe shortfall: the maker must return the
// partial payment off-rail and confirm, after which escrow goes back to
// the seller.
func (e *Engine) RequestRefund(seller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.Seller != seller {
		return ErrNotAuthorized
	}
	if o.Status != order.SellSeverelyDisputed {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	if err := e.store.DeleteEvidence(id); err != nil {
		return err
	}

	o.Status = order.SellArbitrating
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.log.Infow("refund requested for severe shortfall", "order", id)
	e.emit(EvSellDisputed, id, map[string]interface{}{"cause": "refund_requested"})
	return nil
}

// ConfirmRefund closes an arbitrating order after the maker returned the
// off-rail payment. The refund reference is claimed against replay like
// any other.
func (e *Engine) ConfirmRefund(caller common.Address, id uint64, txRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return err
	}
	if o == nil {
		return ErrSellOrderNotFound
	}
	if o.MakerAccount != caller {
		return ErrNotAuthorized
	}
	if o.Status != order.SellArbitrating {
		return fmt.Errorf("%w: %s", ErrInvalidState, o.Status)
	}
	if _, _, err := e.claimTxRef(txRef); err != nil {
		return err
	}

	if _, err := e.ledger.EscrowClose(ledger.SideSell, id, o.Seller); err != nil {
		return err
	}
	if o.BondMicros > 0 {
		// The bond was carved from the seller's escrow; the dispute
		// proved out, so it goes back to the seller.
		if err := e.ledger.Transfer(e.deposits.Pool(), o.Seller, o.BondMicros); err != nil {
			return err
		}
		o.BondMicros = 0
	}

	o.Status = order.SellRefunded
	o.CompletedHeight = e.height()
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.log.Infow("sell order refunded by maker", "order", id)
	e.emit(EvSellRefunded, id, map[string]interface{}{"cause": "maker_refund"})
	return nil
}

// settle applies the five-tier verdict to an AwaitingVerification order.
// The switch is exhaustive on purpose: a new tier must be handled here.
func (e *Engine) settle(o *order.SellOrder, v verify.Verdict, actualMicros int64) error {
	switch v {
	case verify.VerdictExact, verify.VerdictOverpaid:
		return e.settleFull(o, v)
	case verify.VerdictUnderpaid:
		return e.settleShortfall(o, v, actualMicros)
	case verify.VerdictSeverelyUnderpaid:
		return e.settleSevere(o, actualMicros)
	case verify.VerdictInvalid:
		return e.settleInvalid(o)
	default:
		return fmt.Errorf("unhandled verdict %d", v)
	}
}

// tradeFee is the settlement fee on the full order quantity, capped at
// what the maker actually receives.
func (e *Engine) tradeFee(qty, cap int64) int64 {
	fee := qty * int64(e.cfg.Sell.FeeRateBps) / 10_000
	if fee < e.cfg.Sell.MinFeeMicros {
		fee = e.cfg.Sell.MinFeeMicros
	}
	if fee > cap {
		fee = cap
	}
	return fee
}

// settleFull: escrow to the maker minus fee, bond (if any) back to the
// seller via its origin, order Completed.
func (e *Engine) settleFull(o *order.SellOrder, v verify.Verdict) error {
	held, err := e.ledger.EscrowAmount(ledger.SideSell, o.ID)
	if err != nil {
		return err
	}
	fee := e.tradeFee(o.Qty, held)
	if fee > 0 {
		if err := e.ledger.EscrowTransfer(ledger.SideSell, o.ID, e.treasury, fee); err != nil {
			return err
		}
	}
	paid, err := e.ledger.EscrowClose(ledger.SideSell, o.ID, o.MakerAccount)
	if err != nil {
		return err
	}

	e.makers.RecordCompleted(o.MakerID, o.ID, uint32(e.height()-o.CreatedHeight))
	o.Status = order.SellCompleted
	o.CompletedHeight = e.height()
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.bumpStats(func(st *order.Stats) {
		st.SellCompleted++
		st.TokenVolume += paid
		st.QuoteVolumeMicros += o.AmountMicros
		st.FeeMicros += fee
	})
	e.log.Infow("sell order settled in full", "order", o.ID, "verdict", v.String(), "paid", paid, "fee", fee)
	e.emit(EvSellSettled, o.ID, map[string]interface{}{"verdict": v.String(), "paid": paid, "fee": fee})
	return nil
}

// settleShortfall: the paid fraction of escrow goes to the maker minus
// the fee, the rest back to the seller; any linked bond is forfeited to
// the treasury.
func (e *Engine) settleShortfall(o *order.SellOrder, v verify.Verdict, actualMicros int64) error {
	ratio := verify.RatioBps(o.AmountMicros, actualMicros)
	makerShare, sellerShare, err := e.ledger.EscrowSplit(ledger.SideSell, o.ID, o.MakerAccount, o.Seller, ratio)
	if err != nil {
		return err
	}
	fee := e.tradeFee(o.Qty, makerShare)
	if fee > 0 {
		if err := e.ledger.Transfer(o.MakerAccount, e.treasury, fee); err != nil {
			return err
		}
	}
	e.forfeitBond(o)

	o.Status = order.SellCompleted
	o.CompletedHeight = e.height()
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.bumpStats(func(st *order.Stats) {
		st.SellCompleted++
		st.TokenVolume += makerShare
		st.QuoteVolumeMicros += actualMicros
		st.FeeMicros += fee
	})
	e.log.Infow("sell order settled proportionally",
		"order", o.ID, "verdict", v.String(), "ratioBps", ratio,
		"maker", makerShare, "seller", sellerShare, "fee", fee)
	e.emit(EvSellSettled, o.ID, map[string]interface{}{
		"verdict": v.String(), "ratioBps": ratio, "makerShare": makerShare, "fee": fee,
	})
	return nil
}

// settleSevere: proportional settlement plus a bond slash through the
// registry. If the escrow movement itself fails, the order parks in
// SeverelyDisputed with evidence so the seller can choose a resolution.
func (e *Engine) settleSevere(o *order.SellOrder, actualMicros int64) error {
	if _, err := e.makers.SlashBond(o.MakerID, o.ID, o.AmountMicros, actualMicros, e.cfg.Maker.SlashPenaltyBps); err != nil {
		e.log.Warnw("maker bond slash failed", "order", o.ID, "err", err)
	}

	ratio := verify.RatioBps(o.AmountMicros, actualMicros)
	makerShare, sellerShare, err := e.ledger.EscrowSplit(ledger.SideSell, o.ID, o.MakerAccount, o.Seller, ratio)
	if err != nil {
		ev := &order.UnderpaidEvidence{
			SellID:         o.ID,
			ExpectedMicros: o.AmountMicros,
			ActualMicros:   actualMicros,
			RecordedHeight: e.height(),
		}
		if serr := e.store.SaveEvidence(ev); serr != nil {
			return serr
		}
		o.Status = order.SellSeverelyDisputed
		if serr := e.store.SaveSellOrder(o); serr != nil {
			return serr
		}
		e.log.Warnw("severe shortfall parked for resolution", "order", o.ID, "err", err)
		e.emit(EvSellSevere, o.ID, map[string]interface{}{
			"expected": o.AmountMicros, "actual": actualMicros,
		})
		return nil
	}
	fee := e.tradeFee(o.Qty, makerShare)
	if fee > 0 {
		if err := e.ledger.Transfer(o.MakerAccount, e.treasury, fee); err != nil {
			return err
		}
	}
	e.forfeitBond(o)

	o.Status = order.SellCompleted
	o.CompletedHeight = e.height()
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.bumpStats(func(st *order.Stats) {
		st.SellCompleted++
		st.TokenVolume += makerShare
		st.QuoteVolumeMicros += actualMicros
		st.FeeMicros += fee
	})
	e.log.Infow("severe shortfall settled proportionally",
		"order", o.ID, "ratioBps", ratio, "maker", makerShare, "seller", sellerShare, "fee", fee)
	e.emit(EvSellSettled, o.ID, map[string]interface{}{
		"verdict": verify.VerdictSeverelyUnderpaid.String(), "ratioBps": ratio, "makerShare": makerShare, "fee": fee,
	})
	return nil
}

// settleInvalid: no payment found, everything returns to the seller.
func (e *Engine) settleInvalid(o *order.SellOrder) error {
	if _, err := e.ledger.EscrowClose(ledger.SideSell, o.ID, o.Seller); err != nil {
		return err
	}
	e.forfeitBond(o)

	o.Status = order.SellRefunded
	o.CompletedHeight = e.height()
	if err := e.store.SaveSellOrder(o); err != nil {
		return err
	}
	e.log.Infow("sell order refunded on invalid payment claim", "order", o.ID)
	e.emit(EvSellRefunded, o.ID, map[string]interface{}{"cause": "invalid_claim"})
	return nil
}

// forfeitBond moves a carved dispute bond to the treasury. A shortfall is
// evidence of bad faith regardless of degree.
func (e *Engine) forfeitBond(o *order.SellOrder) {
	if o.BondMicros == 0 {
		return
	}
	if err := e.ledger.Transfer(e.deposits.Pool(), e.treasury, o.BondMicros); err != nil {
		e.log.Errorw("bond forfeit failed", "order", o.ID, "err", err)
		return
	}
	e.bumpStats(func(st *order.Stats) { st.ForfeitMicros += o.BondMicros })
	o.BondMicros = 0
}
