// Package oracle is the payment verification worker. It polls pending
// verification requests, looks the claimed transaction up on external
// rail indexers, and reports findings through the engine's oracle
// admission path. It holds no write authority of its own: a bad report
// can only mis-describe a payment, never move funds directly.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veldtex/p2pcore/params"
	"github.com/veldtex/p2pcore/pkg/core"
	"github.com/veldtex/p2pcore/pkg/core/order"
)

// Engine is the narrow slice of the settlement engine the worker needs.
type Engine interface {
	PendingVerifications(limit int) ([]*order.VerificationRequest, error)
	SubmitOracleResult(reporter common.Address, id uint64, found bool, actualMicros int64, reason string) error
}

const pollBatch = 16

// Worker polls and verifies. One goroutine; Run blocks until the context
// is canceled.
type Worker struct {
	engine    Engine
	client    *http.Client
	endpoints []string
	// failures counts consecutive fetch failures per endpoint; polls try
	// healthier endpoints first.
	failures []int
	reporter common.Address
	interval time.Duration
	log      *zap.SugaredLogger
}

func New(cfg params.Oracle, engine Engine, reporter common.Address, log *zap.SugaredLogger) *Worker {
	return &Worker{
		engine:    engine,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		endpoints: cfg.Endpoints,
		failures:  make([]int, len(cfg.Endpoints)),
		reporter:  reporter,
		interval:  cfg.PollInterval,
		log:       log,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.log.Infow("oracle worker started", "endpoints", len(w.endpoints), "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Infow("oracle worker stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	reqs, err := w.engine.PendingVerifications(pollBatch)
	if err != nil {
		w.log.Errorw("pending verification scan failed", "err", err)
		return
	}
	for _, req := range reqs {
		found, actual, reason, err := w.verify(ctx, req)
		if err != nil {
			// All endpoints failed; leave the request for the next poll.
			w.log.Warnw("verification attempt failed", "order", req.SellID, "err", err)
			continue
		}
		err = w.engine.SubmitOracleResult(w.reporter, req.SellID, found, actual, reason)
		switch {
		case err == nil:
			w.log.Infow("verification reported", "order", req.SellID, "found", found, "actual", actual)
		case errors.Is(err, core.ErrResultExists), errors.Is(err, core.ErrInvalidState):
			// Someone beat us to it or the order moved on.
		default:
			w.log.Errorw("result submission failed", "order", req.SellID, "err", err)
		}
	}
}

// txStatus is the indexer's view of a rail transaction.
type txStatus struct {
	TxID   string `json:"txID"`
	Status string `json:"status"`
	To     string `json:"to"`
	// Amount is a decimal string in quote units, e.g. "100.000000".
	Amount string `json:"amount"`
}

// verify resolves one request against the rail. A definitive "not found"
// is a finding (found=false), not an error; errors mean every endpoint
// was unreachable.
func (w *Worker) verify(ctx context.Context, req *order.VerificationRequest) (bool, int64, string, error) {
	tx, ok, err := w.fetchTx(ctx, req.TxID)
	if err != nil {
		return false, 0, "", err
	}
	if !ok {
		return false, 0, "transaction not found", nil
	}
	if tx.Status != "SUCCESS" {
		return false, 0, fmt.Sprintf("transaction status %s", tx.Status), nil
	}
	if tx.To != req.RailAddress {
		return false, 0, "destination mismatch", nil
	}
	amount, err := decimal.NewFromString(tx.Amount)
	if err != nil {
		return false, 0, "unparseable amount", nil
	}
	micros := amount.Shift(6).IntPart()
	if micros <= 0 {
		return false, 0, "non-positive amount", nil
	}
	return true, micros, "", nil
}

// fetchTx tries endpoints in health order, remembering failures so a dead
// indexer sinks to the back of the line.
func (w *Worker) fetchTx(ctx context.Context, txID string) (*txStatus, bool, error) {
	tryOrder := make([]int, len(w.endpoints))
	for i := range tryOrder {
		tryOrder[i] = i
	}
	sort.SliceStable(tryOrder, func(a, b int) bool {
		return w.failures[tryOrder[a]] < w.failures[tryOrder[b]]
	})

	var lastErr error
	for _, i := range tryOrder {
		tx, ok, err := w.fetchFrom(ctx, w.endpoints[i], txID)
		if err != nil {
			w.failures[i]++
			lastErr = err
			continue
		}
		w.failures[i] = 0
		return tx, ok, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return nil, false, lastErr
}

func (w *Worker) fetchFrom(ctx context.Context, endpoint, txID string) (*txStatus, bool, error) {
	url := fmt.Sprintf("%s/v1/transactions/%s", endpoint, txID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("indexer %s returned %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false, err
	}
	var tx txStatus
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, false, fmt.Errorf("indexer %s sent bad json: %w", endpoint, err)
	}
	return &tx, true, nil
}
