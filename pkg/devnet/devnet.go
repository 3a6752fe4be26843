// Package devnet provides in-memory collaborator implementations for
// single-node development: a maker registry with ledger-backed bonds, a
// buyer credit meter, a settable price feed, and an identity registry.
package devnet

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veldtex/p2pcore/pkg/core"
	"github.com/veldtex/p2pcore/pkg/core/ledger"
)

// Registry keeps makers in memory. Bonds are real ledger funds held in
// the "maker-bond" module account, so slashing conserves supply.
type Registry struct {
	mu     sync.Mutex
	led    *ledger.Ledger
	bondAc common.Address
	makers map[uint64]*makerState
	nextID uint64
}

type makerState struct {
	info       core.MakerInfo
	bondMicros int64
	active     bool

	completed    uint64
	timeouts     uint64
	disputesWon  uint64
	disputesLost uint64
}

func NewRegistry(led *ledger.Ledger) *Registry {
	return &Registry{
		led:    led,
		bondAc: ledger.ModuleAddress("maker-bond"),
		makers: make(map[uint64]*makerState),
		nextID: 1,
	}
}

// Register admits a maker and moves its bond into the bond account.
func (r *Registry) Register(account common.Address, railAddress string, bondMicros int64) (uint64, error) {
	if err := r.led.Transfer(account, r.bondAc, bondMicros); err != nil {
		return 0, fmt.Errorf("post bond: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.makers[id] = &makerState{
		info: core.MakerInfo{
			ID:          id,
			Account:     account,
			RailAddress: railAddress,
		},
		bondMicros: bondMicros,
		active:     true,
	}
	return id, nil
}

func (r *Registry) Validate(makerID uint64) (core.MakerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.makers[makerID]
	if !ok {
		return core.MakerInfo{}, core.ErrMakerNotFound
	}
	if !m.active {
		return core.MakerInfo{}, core.ErrMakerNotActive
	}
	return m.info, nil
}

func (r *Registry) BondMicros(makerID uint64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.makers[makerID]; ok {
		return m.bondMicros
	}
	return 0
}

// SlashBond moves a shortfall penalty from the maker's bond to the
// treasury. The penalty applies to the expected order value and is
// capped at the remaining bond.
func (r *Registry) SlashBond(makerID, orderID uint64, expectedMicros, actualMicros int64, penaltyBps uint32) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.makers[makerID]
	if !ok {
		return 0, core.ErrMakerNotFound
	}
	penalty := expectedMicros * int64(penaltyBps) / 10_000
	if penalty > m.bondMicros {
		penalty = m.bondMicros
	}
	if penalty <= 0 {
		return 0, nil
	}
	if err := r.led.Transfer(r.bondAc, ledger.ModuleAddress("treasury"), penalty); err != nil {
		return 0, err
	}
	m.bondMicros -= penalty
	return penalty, nil
}

func (r *Registry) RecordCompleted(makerID, orderID uint64, responseSecs uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.makers[makerID]; ok {
		m.completed++
	}
}

func (r *Registry) RecordTimeout(makerID, orderID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.makers[makerID]; ok {
		m.timeouts++
	}
}

func (r *Registry) RecordDisputeResult(makerID, orderID uint64, makerWin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.makers[makerID]
	if !ok {
		return
	}
	if makerWin {
		m.disputesWon++
	} else {
		m.disputesLost++
	}
}

// Credit meters open buy exposure per buyer against a flat cap.
type Credit struct {
	mu        sync.Mutex
	capMicros int64
	open      map[common.Address]int64
}

func NewCredit(capMicros int64) *Credit {
	return &Credit{
		capMicros: capMicros,
		open:      make(map[common.Address]int64),
	}
}

func (c *Credit) OccupyQuota(buyer common.Address, amountMicros int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open[buyer]+amountMicros > c.capMicros {
		return fmt.Errorf("buyer credit exhausted: open %d + %d > cap %d",
			c.open[buyer], amountMicros, c.capMicros)
	}
	c.open[buyer] += amountMicros
	return nil
}

func (c *Credit) ReleaseQuota(buyer common.Address, amountMicros int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[buyer] -= amountMicros
	if c.open[buyer] <= 0 {
		delete(c.open, buyer)
	}
}

func (c *Credit) RecordCompleted(buyer common.Address, orderID uint64) {}
func (c *Credit) RecordCancelled(buyer common.Address, orderID uint64) {}

// Feed is a settable price feed.
type Feed struct {
	mu    sync.Mutex
	price int64
}

func NewFeed(priceMicros int64) *Feed {
	return &Feed{price: priceMicros}
}

func (f *Feed) Set(priceMicros int64) {
	f.mu.Lock()
	f.price = priceMicros
	f.mu.Unlock()
}

func (f *Feed) TokenPriceMicros() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.price > 0
}

// Identity is an in-memory identity registry.
type Identity struct {
	mu      sync.Mutex
	levels  map[common.Address]uint8
	flagged map[common.Address]bool
}

func NewIdentity() *Identity {
	return &Identity{
		levels:  make(map[common.Address]uint8),
		flagged: make(map[common.Address]bool),
	}
}

func (i *Identity) SetLevel(who common.Address, level uint8) {
	i.mu.Lock()
	i.levels[who] = level
	i.mu.Unlock()
}

func (i *Identity) Flag(who common.Address, flagged bool) {
	i.mu.Lock()
	i.flagged[who] = flagged
	i.mu.Unlock()
}

func (i *Identity) JudgementLevel(who common.Address) (uint8, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	level, ok := i.levels[who]
	return level, ok
}

func (i *Identity) HasQualityIssue(who common.Address) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.flagged[who]
}
