package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/veldtex/p2pcore/pkg/core"
)

var errInvalidAccount = errors.New("invalid account address")

// Server exposes the settlement engine over REST plus a WebSocket event
// feed. Entry points trust the caller address in the request body; in a
// deployed chain the address comes from the transaction signature and
// this surface is the devnet stand-in.
type Server struct {
	engine *core.Engine
	router *mux.Router
	hub    *Hub
}

func NewServer(engine *core.Engine) *Server {
	s := &Server{
		engine: engine,
		router: mux.NewRouter(),
		hub:    NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Reads
	api.HandleFunc("/orders/buy/{id}", s.handleGetBuy).Methods("GET")
	api.HandleFunc("/orders/sell/{id}", s.handleGetSell).Methods("GET")
	api.HandleFunc("/archive/buy/{id}", s.handleGetArchivedBuy).Methods("GET")
	api.HandleFunc("/archive/sell/{id}", s.handleGetArchivedSell).Methods("GET")
	api.HandleFunc("/accounts/{address}/buys", s.handleGetBuyerOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/sells", s.handleGetSellerOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/kyc", s.handleGetKyc).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	// Buy side
	api.HandleFunc("/orders/buy", s.handleCreateBuy).Methods("POST")
	api.HandleFunc("/orders/buy/{id}/pay", s.buyAction(s.doMarkPaid)).Methods("POST")
	api.HandleFunc("/orders/buy/{id}/release", s.buyAction(s.doRelease)).Methods("POST")
	api.HandleFunc("/orders/buy/{id}/cancel", s.buyAction(s.doCancel)).Methods("POST")
	api.HandleFunc("/orders/buy/{id}/dispute", s.buyAction(s.doDispute)).Methods("POST")
	api.HandleFunc("/orders/buy/{id}/escalate", s.buyAction(s.doEscalate)).Methods("POST")
	api.HandleFunc("/orders/buy/{id}/arbitrate", s.handleArbitrate).Methods("POST")

	// Sell side
	api.HandleFunc("/orders/sell", s.handleCreateSell).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/complete", s.sellAction(s.doMarkComplete)).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/report", s.sellAction(s.doReport)).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/claim", s.sellAction(s.doClaimReward)).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/timeout", s.sellAction(s.doTimeout)).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/dispute", s.sellAction(s.doFileDispute)).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/accept-partial", s.sellAction(s.doAcceptPartial)).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/request-refund", s.sellAction(s.doRequestRefund)).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/confirm-refund", s.sellAction(s.doConfirmRefund)).Methods("POST")
	api.HandleFunc("/orders/sell/{id}/confirm-verification", s.handleConfirmVerification).Methods("POST")

	// Committee administration
	api.HandleFunc("/kyc/enable", s.kycAdmin(s.doEnableKyc)).Methods("POST")
	api.HandleFunc("/kyc/disable", s.kycAdmin(s.doDisableKyc)).Methods("POST")
	api.HandleFunc("/kyc/min-level", s.kycAdmin(s.doSetKycMinLevel)).Methods("POST")
	api.HandleFunc("/kyc/exempt", s.kycAdmin(s.doExemptKyc)).Methods("POST")
	api.HandleFunc("/kyc/unexempt", s.kycAdmin(s.doUnexemptKyc)).Methods("POST")

	// WebSocket event feed
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// BroadcastEvent pushes an engine event to subscribed clients. Wired as
// the engine's OnEvent callback.
func (s *Server) BroadcastEvent(ev core.Event) {
	s.hub.BroadcastToChannel("events", ev)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetBuy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	o, err := s.engine.BuyOrder(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetSell(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	o, err := s.engine.SellOrder(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetArchivedBuy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.engine.ArchivedBuy(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if a == nil {
		respondError(w, http.StatusNotFound, "archive row not found", "")
		return
	}
	respondJSON(w, a)
}

func (s *Server) handleGetArchivedSell(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.engine.ArchivedSell(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if a == nil {
		respondError(w, http.StatusNotFound, "archive row not found", "")
		return
	}
	respondJSON(w, a)
}

func (s *Server) handleGetBuyerOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	ids, err := s.engine.BuyerOrders(addr)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, ids)
}

func (s *Server) handleGetSellerOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	ids, err := s.engine.SellerOrders(addr)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, ids)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	bal, err := s.engine.Balance(addr)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, BalanceResponse{Address: addr.Hex(), Balance: bal})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, st)
}

func (s *Server) handleGetKyc(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.KycConfig()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, cfg)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	raw, err := s.engine.RecentEvents(limit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	events := make([]json.RawMessage, len(raw))
	for i, b := range raw {
		events[i] = json.RawMessage(b)
	}
	respondJSON(w, events)
}

func (s *Server) handleCreateBuy(w http.ResponseWriter, r *http.Request) {
	var req CreateBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	buyer := common.HexToAddress(req.Address)
	payCommit := common.HexToHash(req.PaymentCommit)
	contactCommit := common.HexToHash(req.ContactCommit)

	var (
		id  uint64
		err error
	)
	if req.FirstPurchase {
		id, err = s.engine.CreateFirstPurchase(buyer, req.MakerID, payCommit, contactCommit)
	} else {
		id, err = s.engine.CreateBuyOrder(buyer, req.MakerID, req.AmountMicros, payCommit, contactCommit)
	}
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, CreateOrderResponse{Status: "created", OrderID: id})
}

func (s *Server) handleCreateSell(w http.ResponseWriter, r *http.Request) {
	var req CreateSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	id, err := s.engine.CreateSellOrder(common.HexToAddress(req.Address), req.MakerID, req.Qty, req.RailAddress)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, CreateOrderResponse{Status: "created", OrderID: id})
}

// ==============================
// Order action plumbing
// ==============================

type actionFunc func(caller common.Address, id uint64, req OrderAction) error

func (s *Server) buyAction(fn actionFunc) http.HandlerFunc {
	return s.orderAction(fn)
}

func (s *Server) sellAction(fn actionFunc) http.HandlerFunc {
	return s.orderAction(fn)
}

func (s *Server) orderAction(fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req OrderAction
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		var caller common.Address
		if req.Address != "" {
			if !common.IsHexAddress(req.Address) {
				respondError(w, http.StatusBadRequest, "invalid address", "")
				return
			}
			caller = common.HexToAddress(req.Address)
		}
		if err := fn(caller, id, req); err != nil {
			respondEngineError(w, err)
			return
		}
		respondJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) doMarkPaid(caller common.Address, id uint64, req OrderAction) error {
	return s.engine.MarkPaid(caller, id, req.TxRef)
}

func (s *Server) doRelease(caller common.Address, id uint64, _ OrderAction) error {
	return s.engine.Release(caller, id)
}

func (s *Server) doCancel(caller common.Address, id uint64, _ OrderAction) error {
	return s.engine.Cancel(caller, id)
}

func (s *Server) doDispute(caller common.Address, id uint64, _ OrderAction) error {
	return s.engine.Dispute(caller, id)
}

func (s *Server) doMarkComplete(caller common.Address, id uint64, req OrderAction) error {
	return s.engine.MarkComplete(caller, id, req.TxRef)
}

func (s *Server) doReport(caller common.Address, id uint64, _ OrderAction) error {
	return s.engine.Report(caller, id)
}

func (s *Server) doClaimReward(caller common.Address, id uint64, _ OrderAction) error {
	return s.engine.ClaimVerificationReward(caller, id)
}

func (s *Server) doTimeout(_ common.Address, id uint64, _ OrderAction) error {
	return s.engine.HandleVerificationTimeout(id)
}

func (s *Server) doFileDispute(caller common.Address, id uint64, req OrderAction) error {
	return s.engine.FileDispute(caller, id, req.EvidenceRef)
}

func (s *Server) doAcceptPartial(caller common.Address, id uint64, _ OrderAction) error {
	return s.engine.AcceptPartial(caller, id)
}

func (s *Server) doRequestRefund(caller common.Address, id uint64, _ OrderAction) error {
	return s.engine.RequestRefund(caller, id)
}

func (s *Server) doConfirmRefund(caller common.Address, id uint64, req OrderAction) error {
	return s.engine.ConfirmRefund(caller, id, req.TxRef)
}

func (s *Server) doEscalate(_ common.Address, id uint64, _ OrderAction) error {
	return s.engine.EscalateDispute(id)
}

func (s *Server) handleArbitrate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ArbitrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	var kind core.DecisionKind
	switch req.Kind {
	case "release":
		kind = core.DecisionRelease
	case "refund":
		kind = core.DecisionRefund
	case "partial":
		kind = core.DecisionPartial
	default:
		respondError(w, http.StatusBadRequest, "unknown decision kind", req.Kind)
		return
	}
	err := s.engine.ApplyArbitration(common.HexToAddress(req.Address), id, core.Decision{Kind: kind, Bps: req.Bps})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleConfirmVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ConfirmVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	err := s.engine.ConfirmVerification(common.HexToAddress(req.Address), id, req.Verified, req.Reason)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// KYC administration plumbing
// ==============================

type kycAdminFunc func(caller common.Address, req KycAdminRequest) error

func (s *Server) kycAdmin(fn kycAdminFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req KycAdminRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		if !common.IsHexAddress(req.Address) {
			respondError(w, http.StatusBadRequest, "invalid address", "")
			return
		}
		if err := fn(common.HexToAddress(req.Address), req); err != nil {
			respondEngineError(w, err)
			return
		}
		respondJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) doEnableKyc(caller common.Address, req KycAdminRequest) error {
	return s.engine.EnableKyc(caller, req.MinLevel)
}

func (s *Server) doDisableKyc(caller common.Address, _ KycAdminRequest) error {
	return s.engine.DisableKyc(caller)
}

func (s *Server) doSetKycMinLevel(caller common.Address, req KycAdminRequest) error {
	return s.engine.SetKycMinLevel(caller, req.MinLevel)
}

func (s *Server) doExemptKyc(caller common.Address, req KycAdminRequest) error {
	if !common.IsHexAddress(req.Account) {
		return errInvalidAccount
	}
	return s.engine.ExemptFromKyc(caller, common.HexToAddress(req.Account))
}

func (s *Server) doUnexemptKyc(caller common.Address, req KycAdminRequest) error {
	if !common.IsHexAddress(req.Account) {
		return errInvalidAccount
	}
	return s.engine.RemoveKycExemption(caller, common.HexToAddress(req.Account))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", "")
		return 0, false
	}
	return id, true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return common.Address{}, false
	}
	return common.HexToAddress(addrStr), true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondEngineError maps engine rejections onto HTTP status codes.
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrBuyOrderNotFound),
		errors.Is(err, core.ErrSellOrderNotFound),
		errors.Is(err, core.ErrDisputeNotFound),
		errors.Is(err, core.ErrResultNotFound),
		errors.Is(err, core.ErrEvidenceNotFound),
		errors.Is(err, core.ErrVerificationNotFound),
		errors.Is(err, core.ErrMakerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrInvalidState),
		errors.Is(err, core.ErrTxRefUsed),
		errors.Is(err, core.ErrResultExists),
		errors.Is(err, core.ErrDisputeExists),
		errors.Is(err, core.ErrVerificationNotExpired),
		errors.Is(err, core.ErrDisputeNotEscalatable),
		errors.Is(err, core.ErrNotExpired):
		status = http.StatusConflict
	case errors.Is(err, core.ErrAmountTooSmall),
		errors.Is(err, core.ErrAmountTooLarge),
		errors.Is(err, core.ErrQtyTooSmall),
		errors.Is(err, core.ErrTxRefInvalid),
		errors.Is(err, core.ErrRailAddressInvalid),
		errors.Is(err, core.ErrSelfTrade),
		errors.Is(err, core.ErrTooManyOrders),
		errors.Is(err, core.ErrAlreadyFirstPurchased),
		errors.Is(err, core.ErrFirstPurchaseQuota),
		errors.Is(err, core.ErrMakerBondLow),
		errors.Is(err, core.ErrMakerNotActive),
		errors.Is(err, core.ErrPriceUnavailable),
		errors.Is(err, errInvalidAccount):
		status = http.StatusBadRequest
	}
	respondError(w, status, err.Error(), "")
}
