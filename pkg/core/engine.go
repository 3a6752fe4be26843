// Package core is the settlement engine: buy/sell order state machines,
// escrow custody, deposit handling, the async payment verification
// pipeline, sweeps, and the dispute bridge. All entry points serialize on
// one mutex, emulating in-order block execution.
package core

import (
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/veldtex/p2pcore/params"
	"github.com/veldtex/p2pcore/pkg/core/deposit"
	"github.com/veldtex/p2pcore/pkg/core/kyc"
	"github.com/veldtex/p2pcore/pkg/core/ledger"
	"github.com/veldtex/p2pcore/pkg/core/order"
	"github.com/veldtex/p2pcore/pkg/util"
)

const micros = 1_000_000

// Deps wires the engine's collaborators.
type Deps struct {
	Config   params.Config
	Store    *order.Store
	Ledger   *ledger.Ledger
	Deposits *deposit.Engine
	Gate     *kyc.Gate

	Feed   PriceFeed
	Makers MakerRegistry
	Credit BuyerCredit

	Clock  util.Clock
	Height func() uint64

	// Committee may confirm verifications and administer the KYC gate;
	// Arbitrator may apply dispute decisions.
	Committee  common.Address
	Arbitrator common.Address

	Logger  *zap.SugaredLogger
	OnEvent func(Event)
}

type Engine struct {
	mu sync.Mutex

	cfg      params.Config
	store    *order.Store
	ledger   *ledger.Ledger
	deposits *deposit.Engine
	gate     *kyc.Gate

	feed   PriceFeed
	makers MakerRegistry
	credit BuyerCredit

	clock  util.Clock
	height func() uint64

	committee  common.Address
	arbitrator common.Address
	treasury   common.Address

	log     *zap.SugaredLogger
	onEvent func(Event)
}

func New(d Deps) *Engine {
	return &Engine{
		cfg:        d.Config,
		store:      d.Store,
		ledger:     d.Ledger,
		deposits:   d.Deposits,
		gate:       d.Gate,
		feed:       d.Feed,
		makers:     d.Makers,
		credit:     d.Credit,
		clock:      d.Clock,
		height:     d.Height,
		committee:  d.Committee,
		arbitrator: d.Arbitrator,
		treasury:   ledger.ModuleAddress("treasury"),
		log:        d.Logger,
		onEvent:    d.OnEvent,
	}
}

// Treasury returns the module account collecting fees and forfeits.
func (e *Engine) Treasury() common.Address { return e.treasury }

// SetOnEvent installs the event callback after construction. Lets the
// engine and an event consumer reference each other.
func (e *Engine) SetOnEvent(fn func(Event)) {
	e.mu.Lock()
	e.onEvent = fn
	e.mu.Unlock()
}

func (e *Engine) now() int64 { return e.clock.Now().Unix() }

// currentPrice returns the feed price or ErrPriceUnavailable.
func (e *Engine) currentPrice() (int64, error) {
	p, ok := e.feed.TokenPriceMicros()
	if !ok || p <= 0 {
		return 0, ErrPriceUnavailable
	}
	return p, nil
}

// qtyForAmount converts a quote amount into token micros at the given
// price. Caller has already bounded amountMicros.
func qtyForAmount(amountMicros, priceMicros int64) int64 {
	return amountMicros * micros / priceMicros
}

// amountForQty converts token micros into quote micros at the given price.
func amountForQty(qty, priceMicros int64) (int64, error) {
	if qty > 0 && priceMicros > math.MaxInt64/qty {
		return 0, ErrAmountTooLarge
	}
	return qty * priceMicros / micros, nil
}

// checkKyc enforces the gate for one account; first-purchase paths may be
// configured exempt.
func (e *Engine) checkKyc(who common.Address, firstPurchase bool) error {
	if firstPurchase && e.cfg.Kyc.ExemptFirstPurchase {
		return nil
	}
	cfg, err := e.store.LoadKycConfig()
	if err != nil {
		return err
	}
	exempt, err := e.store.KycExempt(who)
	if err != nil {
		return err
	}
	return e.gate.Check(*cfg, exempt, who)
}

// validateMaker checks registry status and bond floor.
func (e *Engine) validateMaker(makerID uint64) (MakerInfo, error) {
	info, err := e.makers.Validate(makerID)
	if err != nil {
		return MakerInfo{}, err
	}
	if e.makers.BondMicros(makerID) < e.cfg.Maker.MinBondMicros {
		return MakerInfo{}, ErrMakerBondLow
	}
	return info, nil
}

// claimTxRef normalizes a payment reference and claims it in the shared
// replay table. The table spans both order directions: a reference spent
// on a buy can never be reused on a sell.
func (e *Engine) claimTxRef(raw string) (string, common.Hash, error) {
	canonical, h, err := order.NormalizeTxRef(raw)
	if err != nil {
		return "", common.Hash{}, fmt.Errorf("%w: %v", ErrTxRefInvalid, err)
	}
	if _, used, err := e.store.RefClaim(h); err != nil {
		return "", common.Hash{}, err
	} else if used {
		return "", common.Hash{}, ErrTxRefUsed
	}
	if err := e.store.SaveRef(h, e.height()); err != nil {
		return "", common.Hash{}, err
	}
	return canonical, h, nil
}

func (e *Engine) bumpStats(fn func(*order.Stats)) {
	st, err := e.store.LoadStats()
	if err != nil {
		e.log.Errorw("stats load failed", "err", err)
		return
	}
	fn(st)
	if err := e.store.SaveStats(st); err != nil {
		e.log.Errorw("stats save failed", "err", err)
	}
}

// --- Read surface (used by the API server) ---

func (e *Engine) BuyOrder(id uint64) (*order.BuyOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.store.LoadBuyOrder(id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrBuyOrderNotFound
	}
	return o, nil
}

func (e *Engine) SellOrder(id uint64) (*order.SellOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.store.LoadSellOrder(id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrSellOrderNotFound
	}
	return o, nil
}

func (e *Engine) BuyerOrders(addr common.Address) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.BuyerOrders(addr)
}

func (e *Engine) SellerOrders(addr common.Address) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.SellerOrders(addr)
}

func (e *Engine) Stats() (*order.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.LoadStats()
}

func (e *Engine) KycConfig() (*order.KycConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.LoadKycConfig()
}

func (e *Engine) ArchivedBuy(id uint64) (*order.ArchivedBuyOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.LoadArchivedBuy(id)
}

func (e *Engine) ArchivedSell(id uint64) (*order.ArchivedSellOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.LoadArchivedSell(id)
}

func (e *Engine) Balance(addr common.Address) (int64, error) {
	return e.ledger.Balance(addr)
}

func (e *Engine) RecentEvents(limit int) ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.RecentEvents(limit)
}

// PendingVerifications exposes open oracle work items to the worker.
func (e *Engine) PendingVerifications(limit int) ([]*order.VerificationRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.PendingVerifications(limit)
}
