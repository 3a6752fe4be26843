package core

import "encoding/json"

// Event kinds journaled by the engine and streamed over the API feed.
const (
	EvBuyCreated    = "buy_created"
	EvBuyPaid       = "buy_paid"
	EvBuyReleased   = "buy_released"
	EvBuyCanceled   = "buy_canceled"
	EvBuyDisputed   = "buy_disputed"
	EvBuyExpired    = "buy_expired"
	EvBuyArbitrated = "buy_arbitrated"

	EvSellCreated  = "sell_created"
	EvSellMarked   = "sell_marked"
	EvSellReported = "sell_reported"
	EvSellSettled  = "sell_settled"
	EvSellFailed   = "sell_failed"
	EvSellRefunded = "sell_refunded"
	EvSellDisputed = "sell_disputed"
	EvSellSevere   = "sell_severely_disputed"

	EvOracleResult = "oracle_result"
	EvKycUpdated   = "kyc_updated"
)

// Event is the journal row: one per state transition, with kind-specific
// fields kept loose so the feed schema can grow without migrations.
type Event struct {
	Seq     uint64                 `json:"seq"`
	Height  uint64                 `json:"height"`
	Time    int64                  `json:"time"`
	Kind    string                 `json:"kind"`
	OrderID uint64                 `json:"orderId,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// emit journals the event and fans it out to the live feed. Journal
// failures are logged, never propagated; settlement must not fail on
// telemetry.
func (e *Engine) emit(kind string, orderID uint64, fields map[string]interface{}) {
	seq, err := e.store.NextEventSeq()
	if err != nil {
		e.log.Errorw("event journal failed", "kind", kind, "err", err)
		return
	}
	ev := Event{
		Seq:     seq,
		Height:  e.height(),
		Time:    e.clock.Now().Unix(),
		Kind:    kind,
		OrderID: orderID,
		Fields:  fields,
	}
	payload, err := json.Marshal(&ev)
	if err != nil {
		e.log.Errorw("event marshal failed", "kind", kind, "err", err)
		return
	}
	if err := e.store.PutEvent(seq, payload); err != nil {
		e.log.Errorw("event journal failed", "kind", kind, "err", err)
		return
	}
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
