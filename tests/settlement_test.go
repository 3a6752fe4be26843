package tests

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/veldtex/p2pcore/params"
	"github.com/veldtex/p2pcore/pkg/core"
	"github.com/veldtex/p2pcore/pkg/core/deposit"
	"github.com/veldtex/p2pcore/pkg/core/kyc"
	"github.com/veldtex/p2pcore/pkg/core/ledger"
	"github.com/veldtex/p2pcore/pkg/core/order"
	"github.com/veldtex/p2pcore/pkg/devnet"
	"github.com/veldtex/p2pcore/pkg/util"
)

// Fixed test cast. Price is 0.1 quote per token, so a 100-quote order
// moves 1000 tokens (1_000_000_000 token micros).
var (
	maker      = common.HexToAddress("0xa1")
	buyer      = common.HexToAddress("0xb1")
	seller     = common.HexToAddress("0xc1")
	committee  = common.HexToAddress("0xd1")
	arbitrator = common.HexToAddress("0xe1")
	reporter   = common.HexToAddress("0xf1")

	sellerRail = "T" + strings.Repeat("1", 33)
)

const (
	priceMicros = 100_000
	grant       = int64(1_000_000_000_000)

	buyAmount = int64(100_000_000)   // 100 quote
	buyQty    = int64(1_000_000_000) // 1000 tokens at the test price
)

type env struct {
	t        *testing.T
	cfg      params.Config
	engine   *core.Engine
	led      *ledger.Ledger
	store    *order.Store
	clock    *util.ManualClock
	height   atomic.Uint64
	feed     *devnet.Feed
	registry *devnet.Registry
	identity *devnet.Identity
	makerID  uint64
	refSeq   int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := params.Default()

	store, err := order.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	led, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	for _, addr := range []common.Address{maker, buyer, seller} {
		if err := led.Mint(addr, grant); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}

	e := &env{
		t:        t,
		cfg:      cfg,
		led:      led,
		store:    store,
		clock:    util.NewManualClock(time.Unix(1_700_000_000, 0)),
		feed:     devnet.NewFeed(priceMicros),
		registry: devnet.NewRegistry(led),
		identity: devnet.NewIdentity(),
	}
	e.height.Store(1)

	e.makerID, err = e.registry.Register(maker, sellerRail, cfg.Maker.MinBondMicros)
	if err != nil {
		t.Fatalf("register maker: %v", err)
	}

	e.engine = core.New(core.Deps{
		Config:     cfg,
		Store:      store,
		Ledger:     led,
		Deposits:   deposit.New(deposit.Policy(cfg.Deposit), led),
		Gate:       kyc.New(e.identity),
		Feed:       e.feed,
		Makers:     e.registry,
		Credit:     devnet.NewCredit(grant),
		Clock:      e.clock,
		Height:     e.height.Load,
		Committee:  committee,
		Arbitrator: arbitrator,
		Logger:     zap.NewNop().Sugar(),
	})
	return e
}

func (e *env) balance(addr common.Address) int64 {
	e.t.Helper()
	bal, err := e.led.Balance(addr)
	if err != nil {
		e.t.Fatalf("balance: %v", err)
	}
	return bal
}

// ref returns a fresh 64-hex payment reference.
func (e *env) ref() string {
	e.refSeq++
	return fmt.Sprintf("%064x", e.refSeq)
}

func (e *env) createBuy() uint64 {
	e.t.Helper()
	id, err := e.engine.CreateBuyOrder(buyer, e.makerID, buyAmount, common.Hash{}, common.Hash{})
	if err != nil {
		e.t.Fatalf("create buy: %v", err)
	}
	return id
}

func (e *env) createSell() uint64 {
	e.t.Helper()
	id, err := e.engine.CreateSellOrder(seller, e.makerID, buyQty, sellerRail)
	if err != nil {
		e.t.Fatalf("create sell: %v", err)
	}
	return id
}

// completeBuy walks a buy order through pay and release.
func (e *env) completeBuy(id uint64) {
	e.t.Helper()
	if err := e.engine.MarkPaid(buyer, id, e.ref()); err != nil {
		e.t.Fatalf("mark paid: %v", err)
	}
	if err := e.engine.Release(maker, id); err != nil {
		e.t.Fatalf("release: %v", err)
	}
}

// markComplete submits the maker's payment claim on a sell order.
func (e *env) markComplete(id uint64) {
	e.t.Helper()
	if err := e.engine.MarkComplete(maker, id, e.ref()); err != nil {
		e.t.Fatalf("mark complete: %v", err)
	}
}

// report records an oracle result and finalizes it through the reward claim.
func (e *env) report(id uint64, found bool, actual int64) {
	e.t.Helper()
	if err := e.engine.SubmitOracleResult(reporter, id, found, actual, ""); err != nil {
		e.t.Fatalf("oracle result: %v", err)
	}
	if err := e.engine.ClaimVerificationReward(reporter, id); err != nil {
		e.t.Fatalf("claim reward: %v", err)
	}
}

func (e *env) buyStatus(id uint64) order.BuyStatus {
	e.t.Helper()
	o, err := e.engine.BuyOrder(id)
	if err != nil {
		e.t.Fatalf("load buy: %v", err)
	}
	return o.Status
}

func (e *env) sellStatus(id uint64) order.SellStatus {
	e.t.Helper()
	o, err := e.engine.SellOrder(id)
	if err != nil {
		e.t.Fatalf("load sell: %v", err)
	}
	return o.Status
}

// --- Buy side ---

func TestBuyHappyPath(t *testing.T) {
	e := newEnv(t)
	makerBefore := e.balance(maker)
	buyerBefore := e.balance(buyer)

	id := e.createBuy()
	if e.buyStatus(id) != order.BuyCreated {
		t.Fatalf("status = %v", e.buyStatus(id))
	}
	// Maker capital is escrowed at creation.
	if got := e.balance(maker); got != makerBefore-buyQty {
		t.Errorf("maker after create = %d", got)
	}
	// Payment and evidence windows are stamped up front.
	o, _ := e.engine.BuyOrder(id)
	if o.EvidenceUntil != o.CreatedAt+int64(e.cfg.Buy.EvidenceWindow.Seconds()) {
		t.Errorf("evidenceUntil = %d, createdAt = %d", o.EvidenceUntil, o.CreatedAt)
	}

	e.completeBuy(id)

	if e.buyStatus(id) != order.BuyReleased {
		t.Errorf("status = %v", e.buyStatus(id))
	}
	if got := e.balance(buyer); got != buyerBefore+buyQty {
		t.Errorf("buyer after release = %d, want +%d", got, buyQty)
	}

	st, err := e.engine.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.BuyCreated != 1 || st.BuyCompleted != 1 || st.TokenVolume != buyQty {
		t.Errorf("stats = %+v", st)
	}
}

func TestBuyDepositLifecycle(t *testing.T) {
	e := newEnv(t)

	// First-ever order: deposit waived.
	first := e.createBuy()
	o, _ := e.engine.BuyOrder(first)
	if o.DepositMicros != 0 || o.DepositStatus != order.DepositNone {
		t.Fatalf("first order deposit = %d (%v)", o.DepositMicros, o.DepositStatus)
	}
	e.completeBuy(first)

	// Second order: 5% of value, floored.
	second := e.createBuy()
	o, _ = e.engine.BuyOrder(second)
	wantDep := buyAmount * int64(e.cfg.Deposit.RateBps) / 10_000
	if o.DepositMicros != wantDep || o.DepositStatus != order.DepositLocked {
		t.Fatalf("second order deposit = %d (%v), want %d locked", o.DepositMicros, o.DepositStatus, wantDep)
	}

	// Cancel: penalty share to the maker, rest back.
	makerBefore := e.balance(maker)
	buyerBefore := e.balance(buyer)
	if err := e.engine.Cancel(buyer, second); err != nil {
		t.Fatal(err)
	}

	penalty := wantDep * int64(e.cfg.Deposit.CancelPenaltyBps) / 10_000
	// Maker gets the escrow back plus the penalty.
	if got := e.balance(maker); got != makerBefore+buyQty+penalty {
		t.Errorf("maker after cancel = %d", got)
	}
	if got := e.balance(buyer); got != buyerBefore+(wantDep-penalty) {
		t.Errorf("buyer after cancel = %d", got)
	}

	o, _ = e.engine.BuyOrder(second)
	if o.Status != order.BuyCanceled || o.DepositStatus != order.DepositSplit {
		t.Errorf("order = %v / %v", o.Status, o.DepositStatus)
	}
}

func TestBuyExpiryForfeitsDeposit(t *testing.T) {
	e := newEnv(t)
	e.completeBuy(e.createBuy()) // establish history so a deposit is due

	id := e.createBuy()
	o, _ := e.engine.BuyOrder(id)
	dep := o.DepositMicros
	if dep == 0 {
		t.Fatal("expected a locked deposit")
	}

	makerBefore := e.balance(maker)
	e.clock.Advance(e.cfg.Buy.OrderTimeout + time.Second)

	n, err := e.engine.ExpirySweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d orders", n)
	}

	o, _ = e.engine.BuyOrder(id)
	if o.Status != order.BuyExpired || o.DepositStatus != order.DepositForfeited {
		t.Errorf("order = %v / %v", o.Status, o.DepositStatus)
	}
	// Maker recovers the escrow and keeps the whole deposit.
	if got := e.balance(maker); got != makerBefore+buyQty+dep {
		t.Errorf("maker after expiry = %d", got)
	}

	st, _ := e.engine.Stats()
	if st.BuyExpired != 1 || st.ForfeitMicros != dep {
		t.Errorf("stats = %+v", st)
	}
}

func TestExpirySweepBudget(t *testing.T) {
	e := newEnv(t)

	total := e.cfg.Sweep.MaxExpire + 2
	for i := 0; i < total; i++ {
		e.createBuy()
	}
	e.clock.Advance(e.cfg.Buy.OrderTimeout + time.Second)

	n, err := e.engine.ExpirySweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != e.cfg.Sweep.MaxExpire {
		t.Fatalf("first sweep expired %d, want %d", n, e.cfg.Sweep.MaxExpire)
	}

	n, err = e.engine.ExpirySweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("second sweep expired %d, want 2", n)
	}

	// Everything is expired; another pass is a no-op.
	if n, _ := e.engine.ExpirySweep(); n != 0 {
		t.Errorf("third sweep expired %d", n)
	}
}

func TestExpirySkipsPaidOrders(t *testing.T) {
	e := newEnv(t)
	id := e.createBuy()
	if err := e.engine.MarkPaid(buyer, id, ""); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(e.cfg.Buy.OrderTimeout + time.Hour)

	if n, _ := e.engine.ExpirySweep(); n != 0 {
		t.Errorf("paid order expired")
	}
	if e.buyStatus(id) != order.BuyPaid {
		t.Errorf("status = %v", e.buyStatus(id))
	}
}

func TestFirstPurchase(t *testing.T) {
	e := newEnv(t)

	id, err := e.engine.CreateFirstPurchase(buyer, e.makerID, common.Hash{}, common.Hash{})
	if err != nil {
		t.Fatal(err)
	}
	o, _ := e.engine.BuyOrder(id)
	if !o.FirstPurchase || o.AmountMicros != e.cfg.Buy.FirstPurchaseMicros {
		t.Errorf("order = %+v", o)
	}
	e.completeBuy(id)

	// One bootstrap purchase per buyer, ever.
	if _, err := e.engine.CreateFirstPurchase(buyer, e.makerID, common.Hash{}, common.Hash{}); !errors.Is(err, core.ErrAlreadyFirstPurchased) {
		t.Errorf("second first-purchase: %v", err)
	}
}

func TestBuyAuthorization(t *testing.T) {
	e := newEnv(t)
	id := e.createBuy()

	if err := e.engine.MarkPaid(seller, id, ""); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("stranger marked paid: %v", err)
	}
	if err := e.engine.Release(buyer, id); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("buyer released: %v", err)
	}
	if err := e.engine.Release(maker, id); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("release before pay: %v", err)
	}
	if err := e.engine.Cancel(seller, id); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("stranger canceled: %v", err)
	}
	if err := e.engine.MarkPaid(buyer, id, ""); err != nil {
		t.Fatal(err)
	}
	if err := e.engine.Dispute(seller, id); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("stranger disputed: %v", err)
	}
}

// Either party may walk away from an unpaid order; a maker cancel costs
// the buyer nothing.
func TestMakerCancelRefundsDeposit(t *testing.T) {
	e := newEnv(t)
	e.completeBuy(e.createBuy()) // history so the next order carries a deposit

	id := e.createBuy()
	o, _ := e.engine.BuyOrder(id)
	if o.DepositStatus != order.DepositLocked {
		t.Fatal("expected a locked deposit")
	}
	makerBefore := e.balance(maker)
	buyerBefore := e.balance(buyer)

	if err := e.engine.Cancel(maker, id); err != nil {
		t.Fatal(err)
	}
	o, _ = e.engine.BuyOrder(id)
	if o.Status != order.BuyCanceled || o.DepositStatus != order.DepositReleased {
		t.Errorf("order = %v / %v", o.Status, o.DepositStatus)
	}
	// Escrow back to the maker, deposit back to the buyer in full.
	if got := e.balance(maker); got != makerBefore+buyQty {
		t.Errorf("maker = %d", got)
	}
	if got := e.balance(buyer); got != buyerBefore+o.DepositMicros {
		t.Errorf("buyer = %d, want +%d", got, o.DepositMicros)
	}
}

// A raised dispute belongs to whoever raised it.
func TestMakerDisputesPaidOrder(t *testing.T) {
	e := newEnv(t)
	id := e.createBuy()
	if err := e.engine.MarkPaid(buyer, id, e.ref()); err != nil {
		t.Fatal(err)
	}
	if err := e.engine.Dispute(maker, id); err != nil {
		t.Fatal(err)
	}
	if e.buyStatus(id) != order.BuyDisputed {
		t.Fatalf("status = %v", e.buyStatus(id))
	}
	d, err := e.store.LoadDispute(id)
	if err != nil || d == nil {
		t.Fatalf("dispute = %v, %v", d, err)
	}
	if d.RaisedBy != maker {
		t.Errorf("raisedBy = %s", d.RaisedBy.Hex())
	}
}

// A completed bootstrap purchase hands the maker's slot back; only open
// first purchases count against the quota.
func TestReleaseFreesFirstPurchaseSlot(t *testing.T) {
	e := newEnv(t)

	quota := int(e.cfg.Buy.MaxFirstPurchasePerMaker)
	for i := 0; i < quota; i++ {
		b := common.HexToAddress(fmt.Sprintf("0x%02x", 0x20+i))
		id, err := e.engine.CreateFirstPurchase(b, e.makerID, common.Hash{}, common.Hash{})
		if err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
		if err := e.engine.MarkPaid(b, id, e.ref()); err != nil {
			t.Fatal(err)
		}
		if err := e.engine.Release(maker, id); err != nil {
			t.Fatal(err)
		}
	}

	slots, err := e.store.FirstPurchaseOrders(e.makerID)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 0 {
		t.Fatalf("slots still occupied: %d", len(slots))
	}
	if _, err := e.engine.CreateFirstPurchase(buyer, e.makerID, common.Hash{}, common.Hash{}); err != nil {
		t.Errorf("quota never recovered: %v", err)
	}
}

func TestBuyOrderBounds(t *testing.T) {
	e := newEnv(t)

	if _, err := e.engine.CreateBuyOrder(buyer, e.makerID, e.cfg.Buy.MinOrderMicros-1, common.Hash{}, common.Hash{}); !errors.Is(err, core.ErrAmountTooSmall) {
		t.Errorf("below min: %v", err)
	}
	if _, err := e.engine.CreateBuyOrder(buyer, e.makerID, e.cfg.Buy.MaxOrderMicros+1, common.Hash{}, common.Hash{}); !errors.Is(err, core.ErrAmountTooLarge) {
		t.Errorf("above max: %v", err)
	}
	if _, err := e.engine.CreateBuyOrder(maker, e.makerID, buyAmount, common.Hash{}, common.Hash{}); !errors.Is(err, core.ErrSelfTrade) {
		t.Errorf("self trade: %v", err)
	}
	if _, err := e.engine.CreateBuyOrder(buyer, 999, buyAmount, common.Hash{}, common.Hash{}); !errors.Is(err, core.ErrMakerNotFound) {
		t.Errorf("unknown maker: %v", err)
	}

	e.feed.Set(0)
	if _, err := e.engine.CreateBuyOrder(buyer, e.makerID, buyAmount, common.Hash{}, common.Hash{}); !errors.Is(err, core.ErrPriceUnavailable) {
		t.Errorf("dead feed: %v", err)
	}
}

// --- Replay protection ---

func TestRefReplayAcrossDirections(t *testing.T) {
	e := newEnv(t)
	ref := e.ref()

	buyID := e.createBuy()
	if err := e.engine.MarkPaid(buyer, buyID, ref); err != nil {
		t.Fatal(err)
	}

	// The same rail reference cannot back a sell-side claim.
	sellID := e.createSell()
	if err := e.engine.MarkComplete(maker, sellID, ref); !errors.Is(err, core.ErrTxRefUsed) {
		t.Errorf("cross-direction replay: %v", err)
	}
	// Variant spellings collide with the original claim.
	if err := e.engine.MarkComplete(maker, sellID, "0x"+strings.ToUpper(ref)); !errors.Is(err, core.ErrTxRefUsed) {
		t.Errorf("variant replay: %v", err)
	}

	if err := e.engine.MarkComplete(maker, sellID, e.ref()); err != nil {
		t.Fatalf("fresh ref rejected: %v", err)
	}
}

func TestRefValidation(t *testing.T) {
	e := newEnv(t)
	id := e.createBuy()
	if err := e.engine.MarkPaid(buyer, id, "nonsense"); !errors.Is(err, core.ErrTxRefInvalid) {
		t.Errorf("bad ref: %v", err)
	}
}

// --- Sell side ---

func TestSellExactSettlement(t *testing.T) {
	e := newEnv(t)
	sellerBefore := e.balance(seller)
	makerBefore := e.balance(maker)

	id := e.createSell()
	if got := e.balance(seller); got != sellerBefore-buyQty {
		t.Fatalf("seller after create = %d", got)
	}
	e.markComplete(id)
	if e.sellStatus(id) != order.SellAwaitingVerification {
		t.Fatalf("status = %v", e.sellStatus(id))
	}

	e.report(id, true, buyAmount)

	if e.sellStatus(id) != order.SellCompleted {
		t.Errorf("status = %v", e.sellStatus(id))
	}
	fee := buyQty * int64(e.cfg.Sell.FeeRateBps) / 10_000
	if got := e.balance(maker); got != makerBefore+buyQty-fee {
		t.Errorf("maker = %d, want +%d", got, buyQty-fee)
	}
	// Fee to the treasury, bounty out of it.
	if got := e.balance(e.engine.Treasury()); got != fee-e.cfg.Sell.RewardMicros {
		t.Errorf("treasury = %d", got)
	}
	if got := e.balance(reporter); got != e.cfg.Sell.RewardMicros {
		t.Errorf("reporter bounty = %d", got)
	}

	st, _ := e.engine.Stats()
	if st.SellCompleted != 1 || st.FeeMicros != fee {
		t.Errorf("stats = %+v", st)
	}
}

func TestSellOverpaidSettlesAtFullValue(t *testing.T) {
	e := newEnv(t)
	makerBefore := e.balance(maker)

	id := e.createSell()
	e.markComplete(id)
	e.report(id, true, buyAmount*2)

	if e.sellStatus(id) != order.SellCompleted {
		t.Errorf("status = %v", e.sellStatus(id))
	}
	fee := buyQty * int64(e.cfg.Sell.FeeRateBps) / 10_000
	// Overpayment never mints extra tokens; the maker gets escrow minus fee.
	if got := e.balance(maker); got != makerBefore+buyQty-fee {
		t.Errorf("maker = %d", got)
	}
}

func TestSellUnderpaidProportional(t *testing.T) {
	e := newEnv(t)
	makerBefore := e.balance(maker)
	sellerBefore := e.balance(seller)

	id := e.createSell()
	e.markComplete(id)
	e.report(id, true, buyAmount*60/100)

	if e.sellStatus(id) != order.SellCompleted {
		t.Errorf("status = %v", e.sellStatus(id))
	}
	makerShare := buyQty * 6000 / 10_000
	fee := buyQty * int64(e.cfg.Sell.FeeRateBps) / 10_000
	// The fee comes off the maker's share; the seller's refund is whole.
	if got := e.balance(maker); got != makerBefore+makerShare-fee {
		t.Errorf("maker = %d, want +%d", got, makerShare-fee)
	}
	if got := e.balance(seller); got != sellerBefore-makerShare {
		t.Errorf("seller = %d", got)
	}
	if got := e.balance(e.engine.Treasury()); got != fee-e.cfg.Sell.RewardMicros {
		t.Errorf("treasury = %d", got)
	}
}

func TestSellSevereSlashesBond(t *testing.T) {
	e := newEnv(t)
	makerBefore := e.balance(maker)
	bondBefore := e.registry.BondMicros(e.makerID)

	id := e.createSell()
	e.markComplete(id)
	e.report(id, true, buyAmount*30/100)

	if e.sellStatus(id) != order.SellCompleted {
		t.Errorf("status = %v", e.sellStatus(id))
	}
	makerShare := buyQty * 3000 / 10_000
	fee := buyQty * int64(e.cfg.Sell.FeeRateBps) / 10_000
	if got := e.balance(maker); got != makerBefore+makerShare-fee {
		t.Errorf("maker = %d", got)
	}

	slash := buyAmount * int64(e.cfg.Maker.SlashPenaltyBps) / 10_000
	if got := e.registry.BondMicros(e.makerID); got != bondBefore-slash {
		t.Errorf("bond = %d, want %d", got, bondBefore-slash)
	}
	// Slash and fee land in the treasury; the bounty comes out of it.
	if got := e.balance(e.engine.Treasury()); got != slash+fee-e.cfg.Sell.RewardMicros {
		t.Errorf("treasury = %d, want %d", got, slash+fee-e.cfg.Sell.RewardMicros)
	}
}

func TestSellInvalidRefundsSeller(t *testing.T) {
	e := newEnv(t)
	sellerBefore := e.balance(seller)

	id := e.createSell()
	e.markComplete(id)
	e.report(id, false, 0)

	if e.sellStatus(id) != order.SellRefunded {
		t.Errorf("status = %v", e.sellStatus(id))
	}
	if got := e.balance(seller); got != sellerBefore {
		t.Errorf("seller = %d, want restored %d", got, sellerBefore)
	}
}

func TestOracleAdmission(t *testing.T) {
	e := newEnv(t)
	id := e.createSell()

	// No pending request yet.
	if err := e.engine.SubmitOracleResult(reporter, id, true, buyAmount, ""); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("result before claim: %v", err)
	}

	e.markComplete(id)
	if err := e.engine.SubmitOracleResult(reporter, id, true, buyAmount, ""); err != nil {
		t.Fatal(err)
	}
	// First report wins; the second is rejected.
	if err := e.engine.SubmitOracleResult(reporter, id, true, 1, ""); !errors.Is(err, core.ErrResultExists) {
		t.Errorf("second result: %v", err)
	}

	if err := e.engine.ClaimVerificationReward(reporter, id); err != nil {
		t.Fatal(err)
	}
	// Consumed: a replayed claim cannot settle twice.
	if err := e.engine.ClaimVerificationReward(reporter, id); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("second claim: %v", err)
	}
}

func TestConfirmVerification(t *testing.T) {
	e := newEnv(t)

	id := e.createSell()
	e.markComplete(id)
	if err := e.engine.ConfirmVerification(maker, id, true, ""); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("non-committee confirm: %v", err)
	}
	if err := e.engine.ConfirmVerification(committee, id, true, ""); err != nil {
		t.Fatal(err)
	}
	if e.sellStatus(id) != order.SellCompleted {
		t.Errorf("status = %v", e.sellStatus(id))
	}

	// Rejection parks the order without moving funds.
	id2 := e.createSell()
	e.markComplete(id2)
	sellerBefore := e.balance(seller)
	if err := e.engine.ConfirmVerification(committee, id2, false, "mismatch"); err != nil {
		t.Fatal(err)
	}
	if e.sellStatus(id2) != order.SellVerificationFailed {
		t.Errorf("status = %v", e.sellStatus(id2))
	}
	if got := e.balance(seller); got != sellerBefore {
		t.Errorf("funds moved on rejection: %d", got)
	}
}

func TestVerificationTimeout(t *testing.T) {
	e := newEnv(t)
	sellerBefore := e.balance(seller)

	id := e.createSell()
	e.markComplete(id)

	if err := e.engine.HandleVerificationTimeout(id); !errors.Is(err, core.ErrVerificationNotExpired) {
		t.Fatalf("early timeout: %v", err)
	}
	// One block short of the deadline is still early.
	e.height.Store(e.cfg.Sell.VerificationDeadline)
	if err := e.engine.HandleVerificationTimeout(id); !errors.Is(err, core.ErrVerificationNotExpired) {
		t.Fatalf("timeout one short of deadline: %v", err)
	}

	// Actionable at the deadline block itself.
	e.height.Store(1 + e.cfg.Sell.VerificationDeadline)
	if err := e.engine.HandleVerificationTimeout(id); err != nil {
		t.Fatal(err)
	}
	if e.sellStatus(id) != order.SellRefunded {
		t.Errorf("status = %v", e.sellStatus(id))
	}
	if got := e.balance(seller); got != sellerBefore {
		t.Errorf("seller = %d, want restored", got)
	}
}

func TestSellDisputeAndMakerRefund(t *testing.T) {
	e := newEnv(t)
	sellerBefore := e.balance(seller)

	id := e.createSell()
	e.markComplete(id)

	if err := e.engine.FileDispute(seller, id, "evidence-1"); !errors.Is(err, core.ErrVerificationNotExpired) {
		t.Fatalf("dispute before deadline: %v", err)
	}

	// The deadline block itself opens the dispute window.
	e.height.Store(1 + e.cfg.Sell.VerificationDeadline)
	if err := e.engine.FileDispute(seller, id, "evidence-1"); err != nil {
		t.Fatal(err)
	}
	o, _ := e.engine.SellOrder(id)
	if o.Status != order.SellArbitrating || o.BondMicros == 0 {
		t.Fatalf("order = %v, bond %d", o.Status, o.BondMicros)
	}
	wantBond := buyQty * int64(e.cfg.Sell.DisputeBondBps) / 10_000
	if o.BondMicros != wantBond {
		t.Errorf("bond = %d, want %d", o.BondMicros, wantBond)
	}

	// Maker returns the rail payment and confirms; escrow and bond go
	// back to the seller.
	if err := e.engine.ConfirmRefund(maker, id, e.ref()); err != nil {
		t.Fatal(err)
	}
	if e.sellStatus(id) != order.SellRefunded {
		t.Errorf("status = %v", e.sellStatus(id))
	}
	if got := e.balance(seller); got != sellerBefore {
		t.Errorf("seller = %d, want fully restored", got)
	}
}

func TestReportThenComplete(t *testing.T) {
	e := newEnv(t)
	id := e.createSell()

	if err := e.engine.Report(maker, id); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("maker reported: %v", err)
	}
	if err := e.engine.Report(seller, id); err != nil {
		t.Fatal(err)
	}
	if e.sellStatus(id) != order.SellUserReported {
		t.Fatalf("status = %v", e.sellStatus(id))
	}

	// A reported maker can still complete.
	e.markComplete(id)
	if e.sellStatus(id) != order.SellAwaitingVerification {
		t.Errorf("status = %v", e.sellStatus(id))
	}
}

func TestSellQtyBounds(t *testing.T) {
	e := newEnv(t)
	if _, err := e.engine.CreateSellOrder(seller, e.makerID, e.cfg.Sell.MinQty-1, sellerRail); !errors.Is(err, core.ErrQtyTooSmall) {
		t.Errorf("below min qty: %v", err)
	}
	if _, err := e.engine.CreateSellOrder(seller, e.makerID, buyQty, "bad"); !errors.Is(err, core.ErrRailAddressInvalid) {
		t.Errorf("bad rail: %v", err)
	}
}

// --- Buy dispute and arbitration ---

func TestDisputeLifecycle(t *testing.T) {
	e := newEnv(t)
	id := e.createBuy()
	if err := e.engine.MarkPaid(buyer, id, e.ref()); err != nil {
		t.Fatal(err)
	}
	if err := e.engine.Dispute(buyer, id); err != nil {
		t.Fatal(err)
	}
	if e.buyStatus(id) != order.BuyDisputed {
		t.Fatalf("status = %v", e.buyStatus(id))
	}
	if err := e.engine.Dispute(buyer, id); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("second dispute: %v", err)
	}

	// Escalation waits for the maker's response window.
	if err := e.engine.EscalateDispute(id); !errors.Is(err, core.ErrDisputeNotEscalatable) {
		t.Errorf("early escalation: %v", err)
	}
	e.clock.Advance(e.cfg.Buy.EvidenceWindow + time.Second)
	if err := e.engine.EscalateDispute(id); err != nil {
		t.Fatal(err)
	}
}

func TestMakerConcedesDispute(t *testing.T) {
	e := newEnv(t)
	buyerBefore := e.balance(buyer)

	id := e.createBuy()
	if err := e.engine.MarkPaid(buyer, id, e.ref()); err != nil {
		t.Fatal(err)
	}
	if err := e.engine.Dispute(buyer, id); err != nil {
		t.Fatal(err)
	}
	// Releasing a disputed order concedes it.
	if err := e.engine.Release(maker, id); err != nil {
		t.Fatal(err)
	}
	if e.buyStatus(id) != order.BuyReleased {
		t.Errorf("status = %v", e.buyStatus(id))
	}
	if got := e.balance(buyer); got != buyerBefore+buyQty {
		t.Errorf("buyer = %d", got)
	}
}

func TestArbitrationOutcomes(t *testing.T) {
	disputed := func(e *env) uint64 {
		e.t.Helper()
		e.completeBuy(e.createBuy()) // history so the next order carries a deposit
		id := e.createBuy()
		if err := e.engine.MarkPaid(buyer, id, e.ref()); err != nil {
			e.t.Fatal(err)
		}
		if err := e.engine.Dispute(buyer, id); err != nil {
			e.t.Fatal(err)
		}
		return id
	}

	t.Run("release", func(t *testing.T) {
		e := newEnv(t)
		id := disputed(e)
		buyerBefore := e.balance(buyer)
		o, _ := e.engine.BuyOrder(id)

		if err := e.engine.ApplyArbitration(arbitrator, id, core.Decision{Kind: core.DecisionRelease}); err != nil {
			t.Fatal(err)
		}
		got, _ := e.engine.BuyOrder(id)
		if got.Status != order.BuyReleased || got.DepositStatus != order.DepositReleased {
			t.Errorf("order = %v / %v", got.Status, got.DepositStatus)
		}
		// Escrow plus the full deposit come back to the buyer.
		if b := e.balance(buyer); b != buyerBefore+buyQty+o.DepositMicros {
			t.Errorf("buyer = %d", b)
		}
	})

	t.Run("refund", func(t *testing.T) {
		e := newEnv(t)
		id := disputed(e)
		makerBefore := e.balance(maker)

		if err := e.engine.ApplyArbitration(arbitrator, id, core.Decision{Kind: core.DecisionRefund}); err != nil {
			t.Fatal(err)
		}
		got, _ := e.engine.BuyOrder(id)
		if got.Status != order.BuyRefunded || got.DepositStatus != order.DepositReleased {
			t.Errorf("order = %v / %v", got.Status, got.DepositStatus)
		}
		if b := e.balance(maker); b != makerBefore+buyQty {
			t.Errorf("maker = %d", b)
		}
	})

	t.Run("partial", func(t *testing.T) {
		e := newEnv(t)
		id := disputed(e)
		buyerBefore := e.balance(buyer)
		makerBefore := e.balance(maker)
		o, _ := e.engine.BuyOrder(id)

		if err := e.engine.ApplyArbitration(arbitrator, id, core.Decision{Kind: core.DecisionPartial, Bps: 7000}); err != nil {
			t.Fatal(err)
		}
		got, _ := e.engine.BuyOrder(id)
		if got.Status != order.BuyClosed || got.DepositStatus != order.DepositReleased {
			t.Errorf("order = %v / %v", got.Status, got.DepositStatus)
		}
		buyerShare := buyQty * 7000 / 10_000
		if b := e.balance(buyer); b != buyerBefore+buyerShare+o.DepositMicros {
			t.Errorf("buyer = %d", b)
		}
		if b := e.balance(maker); b != makerBefore+buyQty-buyerShare {
			t.Errorf("maker = %d", b)
		}
	})

	t.Run("not_arbitrator", func(t *testing.T) {
		e := newEnv(t)
		id := disputed(e)
		err := e.engine.ApplyArbitration(maker, id, core.Decision{Kind: core.DecisionRelease})
		if !errors.Is(err, core.ErrNotAuthorized) {
			t.Errorf("maker arbitrated: %v", err)
		}
	})
}

// --- KYC ---

func TestKycGating(t *testing.T) {
	e := newEnv(t)

	if err := e.engine.EnableKyc(maker, 2); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("non-committee enabled kyc: %v", err)
	}
	if err := e.engine.EnableKyc(committee, 2); err != nil {
		t.Fatal(err)
	}

	// Unjudged buyer is blocked.
	if _, err := e.engine.CreateBuyOrder(buyer, e.makerID, buyAmount, common.Hash{}, common.Hash{}); err == nil {
		t.Fatal("unjudged buyer passed the gate")
	}

	// First purchase stays exempt by config.
	if _, err := e.engine.CreateFirstPurchase(buyer, e.makerID, common.Hash{}, common.Hash{}); err != nil {
		t.Errorf("first purchase blocked: %v", err)
	}

	// A judged seller at level passes.
	e.identity.SetLevel(seller, 2)
	if _, err := e.engine.CreateSellOrder(seller, e.makerID, buyQty, sellerRail); err != nil {
		t.Errorf("judged seller blocked: %v", err)
	}

	// Committee exemption bypasses judgement entirely.
	other := common.HexToAddress("0xbb")
	if err := e.led.Mint(other, grant); err != nil {
		t.Fatal(err)
	}
	if err := e.engine.ExemptFromKyc(committee, other); err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.CreateBuyOrder(other, e.makerID, buyAmount, common.Hash{}, common.Hash{}); err != nil {
		t.Errorf("exempt buyer blocked: %v", err)
	}

	if err := e.engine.DisableKyc(committee); err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.CreateBuyOrder(buyer, e.makerID, buyAmount, common.Hash{}, common.Hash{}); err != nil {
		t.Errorf("disabled gate still blocking: %v", err)
	}
}

// --- Archival ---

func TestArchiveSweep(t *testing.T) {
	e := newEnv(t)

	buyID := e.createBuy()
	e.completeBuy(buyID)

	sellID := e.createSell()
	e.markComplete(sellID)
	e.report(sellID, true, buyAmount)

	n, err := e.engine.ArchiveSweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("archived %d rows", n)
	}

	// Live rows are gone, archive rows remain.
	if _, err := e.engine.BuyOrder(buyID); !errors.Is(err, core.ErrBuyOrderNotFound) {
		t.Errorf("live buy survived: %v", err)
	}
	arc, err := e.engine.ArchivedBuy(buyID)
	if err != nil || arc == nil {
		t.Fatalf("archived buy = %v, %v", arc, err)
	}
	if arc.Status != order.BuyReleased || arc.Qty != buyQty {
		t.Errorf("archive row = %+v", arc)
	}

	arcSell, err := e.engine.ArchivedSell(sellID)
	if err != nil || arcSell == nil {
		t.Fatalf("archived sell = %v, %v", arcSell, err)
	}
	if arcSell.Status != order.SellCompleted {
		t.Errorf("archive row = %+v", arcSell)
	}
}

func TestArchiveStopsAtLiveOrder(t *testing.T) {
	e := newEnv(t)

	first := e.createBuy()
	e.completeBuy(first)
	second := e.createBuy() // still Created

	if n, err := e.engine.ArchiveSweep(); err != nil || n != 1 {
		t.Fatalf("sweep = (%d, %v)", n, err)
	}
	// The open order blocks the cursor and stays live.
	if _, err := e.engine.BuyOrder(second); err != nil {
		t.Errorf("open order archived: %v", err)
	}
	// Idempotent while blocked.
	if n, _ := e.engine.ArchiveSweep(); n != 0 {
		t.Errorf("second sweep archived %d", n)
	}
}

// --- Ref retention ---

func TestRefCleanup(t *testing.T) {
	e := newEnv(t)

	id := e.createBuy()
	if err := e.engine.MarkPaid(buyer, id, e.ref()); err != nil {
		t.Fatal(err)
	}

	// Within the TTL nothing is dropped.
	if n, _ := e.engine.CleanupRefs(); n != 0 {
		t.Errorf("early cleanup dropped %d", n)
	}

	e.height.Store(e.cfg.Sweep.RefTTLBlocks + 10)
	n, err := e.engine.CleanupRefs()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleanup dropped %d refs", n)
	}
}

// --- Conservation ---

// Total supply is fixed across any mix of outcomes.
func TestSupplyConservation(t *testing.T) {
	e := newEnv(t)

	e.completeBuy(e.createBuy())

	id := e.createSell()
	e.markComplete(id)
	e.report(id, true, buyAmount*60/100)

	expired := e.createBuy()
	e.clock.Advance(e.cfg.Buy.OrderTimeout + time.Second)
	if _, err := e.engine.ExpirySweep(); err != nil {
		t.Fatal(err)
	}
	if e.buyStatus(expired) != order.BuyExpired {
		t.Fatalf("status = %v", e.buyStatus(expired))
	}

	total := int64(0)
	for _, addr := range []common.Address{
		maker, buyer, seller, reporter,
		e.engine.Treasury(),
		ledger.ModuleAddress("deposit-pool"),
		ledger.ModuleAddress("maker-bond"),
	} {
		total += e.balance(addr)
	}
	if total != 3*grant {
		t.Errorf("supply = %d, want %d", total, 3*grant)
	}
}
