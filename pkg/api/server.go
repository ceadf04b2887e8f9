// Package api exposes the exchange engine over REST and WebSocket. It is a
// thin collaborator surface: every state change goes through the engine's
// public operations and every push message comes from the engine's event log.
package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zenithdex/zenith/pkg/exchange"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	engine *exchange.Exchange
	router *mux.Router
	hub    *Hub
	logger *zap.Logger
}

// NewServer creates an API server around an engine.
func NewServer(engine *exchange.Exchange, logger *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Reads
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/balances/{token}/{user}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	// Mutations
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}/fill", s.handleFillOrder).Methods("POST")

	// WebSocket event stream
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the full HTTP handler (CORS wrapped); useful for tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and event pump, then serves HTTP on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.pumpEvents()

	s.logger.Info("api_server_starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

// pumpEvents forwards every committed engine event to websocket clients:
// once on the "events" firehose and once on a per-type channel ("trades",
// "orders", ...).
func (s *Server) pumpEvents() {
	events, cancel := s.engine.Log().Subscribe()
	defer cancel()

	for ev := range events {
		msg := WSMessage{Seq: ev.Seq, Type: string(ev.Type), Data: ev.Data}

		msg.Channel = "events"
		s.hub.BroadcastToChannel("events", msg)

		msg.Channel = channelFor(ev.Type)
		s.hub.BroadcastToChannel(msg.Channel, msg)
	}
}

func channelFor(typ exchange.EventType) string {
	switch typ {
	case exchange.EventDeposit:
		return "deposits"
	case exchange.EventWithdraw:
		return "withdraws"
	case exchange.EventOrder:
		return "orders"
	case exchange.EventCancel:
		return "cancels"
	case exchange.EventTrade:
		return "trades"
	default:
		return strings.ToLower(string(typ))
	}
}

// ==============================
// REST Handlers
// ==============================

// tokenMetadata is what a registered asset may optionally expose for display.
type tokenMetadata interface {
	Name() string
	Symbol() string
}

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	addrs := s.engine.Tokens()

	response := make([]TokenInfo, 0, len(addrs))
	for _, addr := range addrs {
		info := TokenInfo{Address: addr.Hex()}
		if meta, ok := s.engine.Token(addr).(tokenMetadata); ok {
			info.Name = meta.Name()
			info.Symbol = meta.Symbol()
		}
		response = append(response, info)
	}

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	token, ok := parseAddress(vars["token"])
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid token address")
		return
	}
	user, ok := parseAddress(vars["user"])
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid user address")
		return
	}

	balance := s.engine.BalanceOf(token, user)
	s.respondJSON(w, http.StatusOK, BalanceInfo{
		Token:   token.Hex(),
		User:    user.Hex(),
		Balance: formatAmount(balance),
	})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	var orders []exchange.Order

	switch {
	case r.URL.Query().Get("user") != "":
		user, ok := parseAddress(r.URL.Query().Get("user"))
		if !ok {
			s.respondError(w, http.StatusBadRequest, "invalid user address")
			return
		}
		orders = s.engine.UserOrders(user)
	case r.URL.Query().Get("status") == "open":
		orders = s.engine.OpenOrders()
	default:
		orders = s.engine.Orders()
	}

	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = orderInfo(o)
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)

	o, err := s.engine.Order(id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, orderInfo(o))
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Log().Events())
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, StatusInfo{
		FeeAccount:  s.engine.FeeAccount().Hex(),
		FeePercent:  s.engine.FeePercent(),
		OrdersCount: s.engine.OrdersCount(),
		EventCount:  s.engine.Log().Len(),
		StateHash:   s.engine.StateHash().Hex(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	token, user, amount, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}

	balance, err := s.engine.Deposit(token, user, amount)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, BalanceResponse{Balance: formatAmount(balance)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	token, user, amount, ok := s.decodeTransfer(w, r)
	if !ok {
		return
	}

	balance, err := s.engine.Withdraw(token, user, amount)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, BalanceResponse{Balance: formatAmount(balance)})
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, ok := parseAddress(req.User)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid user address")
		return
	}
	tokenGet, ok := parseAddress(req.TokenGet)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid tokenGet address")
		return
	}
	tokenGive, ok := parseAddress(req.TokenGive)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid tokenGive address")
		return
	}
	amountGet, err := parseAmount(req.AmountGet)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid amountGet")
		return
	}
	amountGive, err := parseAmount(req.AmountGive)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid amountGive")
		return
	}

	id, err := s.engine.MakeOrder(user, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, MakeOrderResponse{ID: id})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)

	user, ok := s.decodeOrderAction(w, r)
	if !ok {
		return
	}

	if err := s.engine.CancelOrder(id, user); err != nil {
		s.respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)

	user, ok := s.decodeOrderAction(w, r)
	if !ok {
		return
	}

	if err := s.engine.FillOrder(id, user); err != nil {
		s.respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func (s *Server) decodeTransfer(w http.ResponseWriter, r *http.Request) (token, user common.Address, amount *big.Int, ok bool) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, ok = parseAddress(req.Token)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid token address")
		return token, user, nil, false
	}
	user, ok = parseAddress(req.User)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid user address")
		return token, user, nil, false
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid amount")
		return token, user, nil, false
	}
	return token, user, amount, true
}

func (s *Server) decodeOrderAction(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	var req OrderActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return common.Address{}, false
	}
	user, ok := parseAddress(req.User)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid user address")
		return common.Address{}, false
	}
	return user, true
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// parseAmount converts a decimal token amount ("1.5") into the engine's
// 18-decimal integer representation. Precision beyond 18 places truncates.
func parseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(18).BigInt(), nil
}

// formatAmount renders an 18-decimal integer amount as a decimal string.
func formatAmount(v *big.Int) string {
	return decimal.NewFromBigInt(v, -18).String()
}

func orderInfo(o exchange.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		User:       o.User.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  formatAmount(o.AmountGet),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: formatAmount(o.AmountGive),
		Timestamp:  o.Timestamp,
		Status:     o.Status.String(),
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("respond_json", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, ErrorResponse{Error: msg, Code: status})
}

// respondEngineError maps the engine's typed errors onto HTTP statuses.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exchange.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, exchange.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, exchange.ErrOrderNotOpen),
		errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, exchange.ErrTransferRejected):
		status = http.StatusConflict
	case errors.Is(err, exchange.ErrInvalidAmount),
		errors.Is(err, exchange.ErrInvalidAsset),
		errors.Is(err, exchange.ErrInvalidParty):
		status = http.StatusBadRequest
	}
	s.respondError(w, status, err.Error())
}
