package core

import (
	"github.com/veldtex/p2pcore/pkg/core/ledger"
	"github.com/veldtex/p2pcore/pkg/core/order"
)

// Sweeps are bounded background passes driven by the block loop. Each
// keeps a persisted cursor so a lagging node resumes where it stopped
// instead of skipping.

const (
	cursorExpiry      = "expiry"
	cursorArchiveBuy  = "arcbuy"
	cursorArchiveSell = "arcsell"
)

// OnHeight runs the per-block maintenance work.
func (e *Engine) OnHeight(h uint64) {
	if e.cfg.Sweep.ExpiryEveryBlocks > 0 && h%e.cfg.Sweep.ExpiryEveryBlocks == 0 {
		if _, err := e.ExpirySweep(); err != nil {
			e.log.Errorw("expiry sweep failed", "height", h, "err", err)
		}
	}
	if _, err := e.ArchiveSweep(); err != nil {
		e.log.Errorw("archive sweep failed", "height", h, "err", err)
	}
	if _, err := e.CleanupRefs(); err != nil {
		e.log.Errorw("ref cleanup failed", "height", h, "err", err)
	}
}

// ExpirySweep advances the expiry cursor across the full buy id space in
// bounded scans, expiring Created orders past their payment window.
// Returns the number expired.
func (e *Engine) ExpirySweep() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	top, err := e.store.PeekSeq("buy")
	if err != nil || top == 0 {
		return 0, err
	}
	cursor, err := e.store.Cursor(cursorExpiry)
	if err != nil {
		return 0, err
	}

	now := e.now()
	expired := 0
	for scanned := 0; scanned < e.cfg.Sweep.MaxScan && expired < e.cfg.Sweep.MaxExpire; scanned++ {
		cursor++
		if cursor > top {
			cursor = 1 // wrap: the sweep covers the whole id space
		}
		o, err := e.store.LoadBuyOrder(cursor)
		if err != nil {
			return expired, err
		}
		if o == nil || o.Status != order.BuyCreated || now <= o.ExpiresAt {
			continue
		}
		if err := e.expireBuy(o); err != nil {
			e.log.Errorw("expire failed", "order", cursor, "err", err)
			continue
		}
		expired++
	}
	if err := e.store.SetCursor(cursorExpiry, cursor); err != nil {
		return expired, err
	}
	return expired, nil
}

// expireBuy forfeits the deposit to the maker in full: the buyer simply
// never paid, and the maker's capital sat locked the whole window.
func (e *Engine) expireBuy(o *order.BuyOrder) error {
	if _, err := e.ledger.EscrowClose(ledger.SideBuy, o.ID, o.MakerAccount); err != nil {
		return err
	}
	forfeited := int64(0)
	if o.DepositStatus == order.DepositLocked {
		if err := e.deposits.Forfeit(o.MakerAccount, o.DepositMicros); err != nil {
			return err
		}
		o.DepositStatus = order.DepositForfeited
		forfeited = o.DepositMicros
	}

	e.credit.ReleaseQuota(o.Buyer, o.AmountMicros)
	e.makers.RecordTimeout(o.MakerID, o.ID)
	if o.FirstPurchase {
		if err := e.store.RemoveFirstPurchase(o.MakerID, o.ID); err != nil {
			return err
		}
	}

	o.Status = order.BuyExpired
	o.CompletedAt = e.now()
	if err := e.store.SaveBuyOrder(o); err != nil {
		return err
	}

	e.bumpStats(func(st *order.Stats) {
		st.BuyExpired++
		st.ForfeitMicros += forfeited
	})
	e.log.Infow("buy order expired", "order", o.ID, "forfeited", forfeited)
	e.emit(EvBuyExpired, o.ID, map[string]interface{}{"forfeited": forfeited})
	return nil
}

// ArchiveSweep replaces terminal rows with compact archive rows on both
// sides. Each cursor stops at the first non-terminal row: terminals
// cluster near the cursor, and a gap means resume later, not skip.
func (e *Engine) ArchiveSweep() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	archived, err := e.archiveBuys()
	if err != nil {
		return archived, err
	}
	n, err := e.archiveSells()
	return archived + n, err
}

func (e *Engine) archiveBuys() (int, error) {
	top, err := e.store.PeekSeq("buy")
	if err != nil || top == 0 {
		return 0, err
	}
	cursor, err := e.store.Cursor(cursorArchiveBuy)
	if err != nil {
		return 0, err
	}

	archived := 0
	for archived < e.cfg.Sweep.MaxArchive && cursor < top {
		o, err := e.store.LoadBuyOrder(cursor + 1)
		if err != nil {
			return archived, err
		}
		if o != nil {
			if !o.Status.Terminal() {
				break
			}
			if err := e.store.SaveArchivedBuy(&order.ArchivedBuyOrder{
				ID:            o.ID,
				Buyer:         o.Buyer,
				MakerID:       o.MakerID,
				Qty:           o.Qty,
				AmountMicros:  o.AmountMicros,
				Status:        o.Status,
				DepositStatus: o.DepositStatus,
				CompletedAt:   o.CompletedAt,
			}); err != nil {
				return archived, err
			}
			if err := e.store.DeleteBuyOrder(o.ID); err != nil {
				return archived, err
			}
			if err := e.store.DeleteDispute(o.ID); err != nil {
				return archived, err
			}
			archived++
		}
		cursor++
	}
	if err := e.store.SetCursor(cursorArchiveBuy, cursor); err != nil {
		return archived, err
	}
	return archived, nil
}

func (e *Engine) archiveSells() (int, error) {
	top, err := e.store.PeekSeq("sell")
	if err != nil || top == 0 {
		return 0, err
	}
	cursor, err := e.store.Cursor(cursorArchiveSell)
	if err != nil {
		return 0, err
	}

	archived := 0
	for archived < e.cfg.Sweep.MaxArchive && cursor < top {
		o, err := e.store.LoadSellOrder(cursor + 1)
		if err != nil {
			return archived, err
		}
		if o != nil {
			if !o.Status.Terminal() {
				break
			}
			if err := e.store.SaveArchivedSell(&order.ArchivedSellOrder{
				ID:              o.ID,
				Seller:          o.Seller,
				MakerID:         o.MakerID,
				Qty:             o.Qty,
				AmountMicros:    o.AmountMicros,
				Status:          o.Status,
				CompletedHeight: o.CompletedHeight,
			}); err != nil {
				return archived, err
			}
			if err := e.store.DeleteSellOrder(o.ID); err != nil {
				return archived, err
			}
			if err := e.store.DeleteEvidence(o.ID); err != nil {
				return archived, err
			}
			archived++
		}
		cursor++
	}
	if err := e.store.SetCursor(cursorArchiveSell, cursor); err != nil {
		return archived, err
	}
	return archived, nil
}

// CleanupRefs drops claimed payment references past the retention TTL.
// Bounds replay-table growth at the cost of a narrow post-TTL window.
func (e *Engine) CleanupRefs() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.height()
	if h <= e.cfg.Sweep.RefTTLBlocks {
		return 0, nil
	}
	refs, err := e.store.RefsBelow(h-e.cfg.Sweep.RefTTLBlocks, e.cfg.Sweep.MaxRefCleanup)
	if err != nil {
		return 0, err
	}
	for _, r := range refs {
		if err := e.store.DeleteRef(r); err != nil {
			return 0, err
		}
	}
	return len(refs), nil
}
