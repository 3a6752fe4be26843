package core

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// External collaborator contracts. The engine owns settlement; makers,
// buyer credit, identity, and pricing live elsewhere and are consumed
// through these interfaces.

var (
	ErrMakerNotFound  = errors.New("maker not found")
	ErrMakerNotActive = errors.New("maker not active")
)

// MakerInfo is the registry's view of a liquidity provider.
type MakerInfo struct {
	ID      uint64
	Account common.Address
	// RailAddress is where buyers pay the maker on the external rail.
	RailAddress string
}

// MakerRegistry validates makers and records settlement outcomes against
// their reputation and bond.
type MakerRegistry interface {
	// Validate returns the maker if it exists and is active.
	Validate(makerID uint64) (MakerInfo, error)
	// BondMicros is the maker's posted bond in quote micros.
	BondMicros(makerID uint64) int64
	// SlashBond penalizes a severe shortfall; penaltyBps applies to the
	// expected order value. Returns the amount actually slashed.
	SlashBond(makerID, orderID uint64, expectedMicros, actualMicros int64, penaltyBps uint32) (int64, error)

	RecordCompleted(makerID, orderID uint64, responseSecs uint32)
	RecordTimeout(makerID, orderID uint64)
	RecordDisputeResult(makerID, orderID uint64, makerWin bool)
}

// BuyerCredit meters how much open buy exposure one buyer may hold.
type BuyerCredit interface {
	OccupyQuota(buyer common.Address, amountMicros int64) error
	ReleaseQuota(buyer common.Address, amountMicros int64)
	RecordCompleted(buyer common.Address, orderID uint64)
	RecordCancelled(buyer common.Address, orderID uint64)
}

// PriceFeed quotes the token in micro-quote per whole token unit.
// Creation is blocked while it reports unavailable; settlement of an
// already-priced order never consults it.
type PriceFeed interface {
	TokenPriceMicros() (int64, bool)
}
