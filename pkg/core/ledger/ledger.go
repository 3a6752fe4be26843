// Package ledger holds token balances and per-order escrow segments.
// Every movement is a balanced debit/credit; value only enters through
// Mint and never leaves.
package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInsufficientFunds  = fmt.Errorf("insufficient funds")
	ErrEscrowNotFound     = fmt.Errorf("escrow not found")
	ErrEscrowInsufficient = fmt.Errorf("escrow insufficient")
)

// Side namespaces escrow segments so buy and sell orders with the same ID
// never collide.
type Side byte

const (
	SideBuy  Side = 'b'
	SideSell Side = 's'
)

// Ledger is a Pebble-backed balance book with a write-through cache.
// Thread-safe.
type Ledger struct {
	mu       sync.RWMutex
	db       *pebble.DB
	balances map[common.Address]int64
}

func Open(dbPath string) (*Ledger, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger db at %s: %w", dbPath, err)
	}
	return &Ledger{db: db, balances: make(map[common.Address]int64)}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// ModuleAddress derives a deterministic internal account from a label.
// Used for the deposit pool and treasury; no key exists for these.
func ModuleAddress(label string) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("veldtex/module/"))
	h.Write([]byte(label))
	sum := h.Sum(nil)
	return common.BytesToAddress(sum[12:])
}

func balanceKey(addr common.Address) []byte { return []byte("bal:" + addr.Hex()) }

func escrowKey(side Side, id uint64) []byte {
	return []byte(fmt.Sprintf("esc:%c:%020d", side, id))
}

func (l *Ledger) readInt64(key []byte) (int64, bool, error) {
	data, closer, err := l.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, false, fmt.Errorf("bad row width at %s: %d", key, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), true, nil
}

func putInt64(b *pebble.Batch, key []byte, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return b.Set(key, buf[:], nil)
}

// balance returns the cached balance, loading from disk on a miss.
// Caller holds l.mu.
func (l *Ledger) balance(addr common.Address) (int64, error) {
	if v, ok := l.balances[addr]; ok {
		return v, nil
	}
	v, _, err := l.readInt64(balanceKey(addr))
	if err != nil {
		return 0, err
	}
	l.balances[addr] = v
	return v, nil
}

func (l *Ledger) Balance(addr common.Address) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(addr)
}

// Mint credits tokens out of thin air. Devnet funding and bridge-in only.
func (l *Ledger) Mint(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, err := l.balance(addr)
	if err != nil {
		return err
	}
	batch := l.db.NewBatch()
	defer batch.Close()
	if err := putInt64(batch, balanceKey(addr), bal+amount); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit mint: %w", err)
	}
	l.balances[addr] = bal + amount
	return nil
}

func (l *Ledger) Transfer(from, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	if from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount)
}

// Caller holds l.mu.
func (l *Ledger) transfer(from, to common.Address, amount int64) error {
	fromBal, err := l.balance(from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from.Hex(), fromBal, amount)
	}
	toBal, err := l.balance(to)
	if err != nil {
		return err
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := putInt64(batch, balanceKey(from), fromBal-amount); err != nil {
		return err
	}
	if err := putInt64(batch, balanceKey(to), toBal+amount); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	l.balances[from] = fromBal - amount
	l.balances[to] = toBal + amount
	return nil
}

// EscrowLock debits the payer and opens (or tops up) the order's escrow
// segment.
func (l *Ledger) EscrowLock(payer common.Address, side Side, id uint64, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, err := l.balance(payer)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, payer.Hex(), bal, amount)
	}
	held, _, err := l.readInt64(escrowKey(side, id))
	if err != nil {
		return err
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := putInt64(batch, balanceKey(payer), bal-amount); err != nil {
		return err
	}
	if err := putInt64(batch, escrowKey(side, id), held+amount); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit escrow lock: %w", err)
	}
	l.balances[payer] = bal - amount
	return nil
}

// EscrowAmount returns the tokens held for an order, zero if none.
func (l *Ledger) EscrowAmount(side Side, id uint64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, _, err := l.readInt64(escrowKey(side, id))
	return v, err
}

// EscrowTransfer moves part of an escrow segment to an account. The
// segment row survives at zero until EscrowClose removes it.
func (l *Ledger) EscrowTransfer(side Side, id uint64, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow transfer amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok, err := l.readInt64(escrowKey(side, id))
	if err != nil {
		return err
	}
	if !ok {
		return ErrEscrowNotFound
	}
	if held < amount {
		return fmt.Errorf("%w: holds %d, needs %d", ErrEscrowInsufficient, held, amount)
	}
	toBal, err := l.balance(to)
	if err != nil {
		return err
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := putInt64(batch, escrowKey(side, id), held-amount); err != nil {
		return err
	}
	if err := putInt64(batch, balanceKey(to), toBal+amount); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit escrow transfer: %w", err)
	}
	l.balances[to] = toBal + amount
	return nil
}

// EscrowClose pays the entire remaining segment to a single account and
// removes the row. Returns the amount moved; zero if the segment was
// already empty or absent.
func (l *Ledger) EscrowClose(side Side, id uint64, to common.Address) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok, err := l.readInt64(escrowKey(side, id))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(escrowKey(side, id), nil); err != nil {
		return 0, err
	}
	if held > 0 {
		toBal, err := l.balance(to)
		if err != nil {
			return 0, err
		}
		if err := putInt64(batch, balanceKey(to), toBal+held); err != nil {
			return 0, err
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to commit escrow close: %w", err)
		}
		l.balances[to] = toBal + held
		return held, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit escrow close: %w", err)
	}
	return 0, nil
}

// EscrowSplit divides the remaining segment between two accounts by basis
// points and removes the row. toA receives bpsA, toB the remainder.
func (l *Ledger) EscrowSplit(side Side, id uint64, toA, toB common.Address, bpsA uint32) (int64, int64, error) {
	if bpsA > 10_000 {
		return 0, 0, fmt.Errorf("split bps out of range: %d", bpsA)
	}
	if toA == toB {
		moved, err := l.EscrowClose(side, id, toA)
		return moved, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok, err := l.readInt64(escrowKey(side, id))
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, ErrEscrowNotFound
	}
	amtA := held * int64(bpsA) / 10_000
	amtB := held - amtA

	balA, err := l.balance(toA)
	if err != nil {
		return 0, 0, err
	}
	balB, err := l.balance(toB)
	if err != nil {
		return 0, 0, err
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(escrowKey(side, id), nil); err != nil {
		return 0, 0, err
	}
	if err := putInt64(batch, balanceKey(toA), balA+amtA); err != nil {
		return 0, 0, err
	}
	if err := putInt64(batch, balanceKey(toB), balB+amtB); err != nil {
		return 0, 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, 0, fmt.Errorf("failed to commit escrow split: %w", err)
	}
	l.balances[toA] = balA + amtA
	l.balances[toB] = balB + amtB
	return amtA, amtB, nil
}
