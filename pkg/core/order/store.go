package order

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// ErrIndexFull is returned when a bounded per-account index is at capacity.
var ErrIndexFull = fmt.Errorf("order index full")

// KycConfig is the persisted gate configuration.
type KycConfig struct {
	Enabled   bool   `json:"enabled"`
	MinLevel  uint8  `json:"minLevel"`
	UpdatedAt uint64 `json:"updatedAt"` // block height of the last change
}

// Store provides Pebble-based persistence for orders, verification state,
// indexes, and sweep cursors.
// Thread-safe: all operations go through the engine's mutex.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) putJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// getJSON reads a row into out; reports whether the key existed.
func (s *Store) getJSON(key []byte, out interface{}) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) delete(key []byte) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) getUint64(key []byte) (uint64, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("bad counter width at %s: %d", key, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *Store) putUint64(key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	if err := s.db.Set(key, buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// --- Orders ---

func (s *Store) SaveBuyOrder(o *BuyOrder) error {
	return s.putJSON(buyKey(o.ID), o)
}

// LoadBuyOrder returns nil if the order doesn't exist.
func (s *Store) LoadBuyOrder(id uint64) (*BuyOrder, error) {
	var o BuyOrder
	ok, err := s.getJSON(buyKey(id), &o)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

func (s *Store) DeleteBuyOrder(id uint64) error {
	return s.delete(buyKey(id))
}

func (s *Store) SaveSellOrder(o *SellOrder) error {
	return s.putJSON(sellKey(o.ID), o)
}

// LoadSellOrder returns nil if the order doesn't exist.
func (s *Store) LoadSellOrder(id uint64) (*SellOrder, error) {
	var o SellOrder
	ok, err := s.getJSON(sellKey(id), &o)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

func (s *Store) DeleteSellOrder(id uint64) error {
	return s.delete(sellKey(id))
}

// --- Sequences and cursors ---

// NextBuyID allocates the next buy order ID, starting at 1.
func (s *Store) NextBuyID() (uint64, error) {
	return s.nextSeq("buy")
}

func (s *Store) NextSellID() (uint64, error) {
	return s.nextSeq("sell")
}

func (s *Store) nextSeq(name string) (uint64, error) {
	cur, err := s.getUint64(seqKey(name))
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := s.putUint64(seqKey(name), next); err != nil {
		return 0, err
	}
	return next, nil
}

// PeekSeq returns the highest allocated ID for a sequence without
// advancing it.
func (s *Store) PeekSeq(name string) (uint64, error) {
	return s.getUint64(seqKey(name))
}

func (s *Store) Cursor(name string) (uint64, error) {
	return s.getUint64(cursorKey(name))
}

func (s *Store) SetCursor(name string, v uint64) error {
	return s.putUint64(cursorKey(name), v)
}

// --- Verification pipeline ---

func (s *Store) SaveVerification(r *VerificationRequest) error {
	return s.putJSON(verifyKey(r.SellID), r)
}

func (s *Store) LoadVerification(sellID uint64) (*VerificationRequest, error) {
	var r VerificationRequest
	ok, err := s.getJSON(verifyKey(sellID), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (s *Store) DeleteVerification(sellID uint64) error {
	return s.delete(verifyKey(sellID))
}

// PendingVerifications returns up to limit open requests in sell ID order.
func (s *Store) PendingVerifications(limit int) ([]*VerificationRequest, error) {
	prefix := []byte(prefixVerify)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*VerificationRequest
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var r VerificationRequest
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) SaveResult(r *OracleResult) error {
	return s.putJSON(resultKey(r.SellID), r)
}

func (s *Store) LoadResult(sellID uint64) (*OracleResult, error) {
	var r OracleResult
	ok, err := s.getJSON(resultKey(sellID), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (s *Store) DeleteResult(sellID uint64) error {
	return s.delete(resultKey(sellID))
}

func (s *Store) SaveEvidence(e *UnderpaidEvidence) error {
	return s.putJSON(evidenceKey(e.SellID), e)
}

func (s *Store) LoadEvidence(sellID uint64) (*UnderpaidEvidence, error) {
	var e UnderpaidEvidence
	ok, err := s.getJSON(evidenceKey(sellID), &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (s *Store) DeleteEvidence(sellID uint64) error {
	return s.delete(evidenceKey(sellID))
}

// --- Disputes ---

func (s *Store) SaveDispute(d *BuyDispute) error {
	return s.putJSON(disputeKey(d.OrderID), d)
}

func (s *Store) LoadDispute(orderID uint64) (*BuyDispute, error) {
	var d BuyDispute
	ok, err := s.getJSON(disputeKey(orderID), &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

func (s *Store) DeleteDispute(orderID uint64) error {
	return s.delete(disputeKey(orderID))
}

// --- Replay protection ---

// RefClaim returns the height at which a payment reference was claimed.
func (s *Store) RefClaim(h common.Hash) (uint64, bool, error) {
	data, closer, err := s.db.Get(refKey(h))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get ref: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, false, fmt.Errorf("bad ref row width: %d", len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func (s *Store) SaveRef(h common.Hash, height uint64) error {
	return s.putUint64(refKey(h), height)
}

func (s *Store) DeleteRef(h common.Hash) error {
	return s.delete(refKey(h))
}

// RefsBelow returns up to limit claimed references recorded at or before
// cutoff height.
func (s *Store) RefsBelow(cutoff uint64, limit int) ([]common.Hash, error) {
	prefix := []byte(prefixRef)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []common.Hash
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		if len(iter.Value()) != 8 {
			continue
		}
		if binary.BigEndian.Uint64(iter.Value()) > cutoff {
			continue
		}
		out = append(out, common.HexToHash(string(iter.Key()[len(prefixRef):])))
	}
	return out, nil
}

// --- Indexes ---

func (s *Store) appendIndex(key []byte, id uint64, max int) error {
	var ids []uint64
	if _, err := s.getJSON(key, &ids); err != nil {
		return err
	}
	if max > 0 && len(ids) >= max {
		return ErrIndexFull
	}
	ids = append(ids, id)
	return s.putJSON(key, ids)
}

func (s *Store) removeIndex(key []byte, id uint64) error {
	var ids []uint64
	ok, err := s.getJSON(key, &ids)
	if err != nil || !ok {
		return err
	}
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return s.putJSON(key, ids)
}

func (s *Store) loadIndex(key []byte) ([]uint64, error) {
	var ids []uint64
	if _, err := s.getJSON(key, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) AppendBuyerOrder(addr common.Address, id uint64, max int) error {
	return s.appendIndex(buyerIndexKey(addr), id, max)
}

func (s *Store) BuyerOrders(addr common.Address) ([]uint64, error) {
	return s.loadIndex(buyerIndexKey(addr))
}

func (s *Store) AppendMakerBuyOrder(makerID, id uint64, max int) error {
	return s.appendIndex(makerBuyIndexKey(makerID), id, max)
}

func (s *Store) MakerBuyOrders(makerID uint64) ([]uint64, error) {
	return s.loadIndex(makerBuyIndexKey(makerID))
}

func (s *Store) AppendSellerOrder(addr common.Address, id uint64, max int) error {
	return s.appendIndex(sellerIndexKey(addr), id, max)
}

func (s *Store) SellerOrders(addr common.Address) ([]uint64, error) {
	return s.loadIndex(sellerIndexKey(addr))
}

func (s *Store) AppendMakerSellOrder(makerID, id uint64, max int) error {
	return s.appendIndex(makerSellIndexKey(makerID), id, max)
}

func (s *Store) MakerSellOrders(makerID uint64) ([]uint64, error) {
	return s.loadIndex(makerSellIndexKey(makerID))
}

// First-purchase slots are capacity: the entry is removed when the order
// leaves Created without completing, freeing the maker's slot.
func (s *Store) AppendFirstPurchase(makerID, id uint64, max int) error {
	return s.appendIndex(firstPurchaseIndexKey(makerID), id, max)
}

func (s *Store) RemoveFirstPurchase(makerID, id uint64) error {
	return s.removeIndex(firstPurchaseIndexKey(makerID), id)
}

func (s *Store) FirstPurchaseOrders(makerID uint64) ([]uint64, error) {
	return s.loadIndex(firstPurchaseIndexKey(makerID))
}

// --- Buyer flags and counters ---

func (s *Store) FirstPurchased(addr common.Address) (bool, error) {
	_, closer, err := s.db.Get(firstPurchasedKey(addr))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get first-purchased flag: %w", err)
	}
	closer.Close()
	return true, nil
}

func (s *Store) SetFirstPurchased(addr common.Address) error {
	if err := s.db.Set(firstPurchasedKey(addr), []byte{1}, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set first-purchased flag: %w", err)
	}
	return nil
}

func (s *Store) CompletedCount(addr common.Address) (uint32, error) {
	n, err := s.getUint64(completedCountKey(addr))
	return uint32(n), err
}

func (s *Store) IncrCompletedCount(addr common.Address) error {
	n, err := s.getUint64(completedCountKey(addr))
	if err != nil {
		return err
	}
	return s.putUint64(completedCountKey(addr), n+1)
}

// --- Archives ---

func (s *Store) SaveArchivedBuy(a *ArchivedBuyOrder) error {
	return s.putJSON(arcBuyKey(a.ID), a)
}

func (s *Store) LoadArchivedBuy(id uint64) (*ArchivedBuyOrder, error) {
	var a ArchivedBuyOrder
	ok, err := s.getJSON(arcBuyKey(id), &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

func (s *Store) SaveArchivedSell(a *ArchivedSellOrder) error {
	return s.putJSON(arcSellKey(a.ID), a)
}

func (s *Store) LoadArchivedSell(id uint64) (*ArchivedSellOrder, error) {
	var a ArchivedSellOrder
	ok, err := s.getJSON(arcSellKey(id), &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

// --- Stats ---

func (s *Store) LoadStats() (*Stats, error) {
	var st Stats
	if _, err := s.getJSON([]byte(keyStats), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveStats(st *Stats) error {
	return s.putJSON([]byte(keyStats), st)
}

// --- KYC ---

func (s *Store) LoadKycConfig() (*KycConfig, error) {
	var c KycConfig
	if _, err := s.getJSON([]byte(keyKycConfig), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) SaveKycConfig(c *KycConfig) error {
	return s.putJSON([]byte(keyKycConfig), c)
}

func (s *Store) KycExempt(addr common.Address) (bool, error) {
	_, closer, err := s.db.Get(exemptKey(addr))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get exemption: %w", err)
	}
	closer.Close()
	return true, nil
}

func (s *Store) SetKycExempt(addr common.Address) error {
	if err := s.db.Set(exemptKey(addr), []byte{1}, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set exemption: %w", err)
	}
	return nil
}

func (s *Store) ClearKycExempt(addr common.Address) error {
	return s.delete(exemptKey(addr))
}

// --- Event journal ---

// NextEventSeq allocates the next journal sequence number so the caller
// can bake it into the payload before writing.
func (s *Store) NextEventSeq() (uint64, error) {
	return s.nextSeq("evt")
}

// PutEvent journals a serialized event under an allocated sequence number.
func (s *Store) PutEvent(seq uint64, payload []byte) error {
	if err := s.db.Set(eventKey(seq), payload, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to journal event: %w", err)
	}
	return nil
}

// AppendEvent journals a serialized event and returns its sequence number.
func (s *Store) AppendEvent(payload []byte) (uint64, error) {
	seq, err := s.NextEventSeq()
	if err != nil {
		return 0, err
	}
	if err := s.PutEvent(seq, payload); err != nil {
		return 0, err
	}
	return seq, nil
}

// RecentEvents returns up to limit journaled events, newest first.
func (s *Store) RecentEvents(limit int) ([][]byte, error) {
	prefix := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out [][]byte
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		out = append(out, v)
	}
	return out, nil
}
