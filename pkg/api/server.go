// Package api exposes the settlement engine over REST and streams its events
// over WebSocket. Every mutating endpoint authenticates the caller by
// recovering the signer of an EIP-712 instruction.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/settlement"
	"github.com/uhyunpark/shadowswap/pkg/crypto"
	"github.com/uhyunpark/shadowswap/pkg/custody"
	"github.com/uhyunpark/shadowswap/pkg/storage"
	"github.com/uhyunpark/shadowswap/pkg/util"
)

const (
	maxBodyBytes      = 64 << 10
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

var (
	errBadRequest   = errors.New("bad request")
	errBadSignature = errors.New("bad signature")
)

// Config configures the server. Zero values fall back to sensible defaults.
type Config struct {
	CORSOrigins []string
	Domain      crypto.Domain
	BoundaryKey []byte // public key clients seal orders to
	MaxPayload  int
	Gatherer    prometheus.Gatherer
	Clock       util.Clock
	Logger      *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine   *settlement.Engine
	vault    *custody.Custodian
	hub      *Hub
	signer   *crypto.EIP712Signer
	router   *mux.Router
	boundary BoundaryInfo
	gatherer prometheus.Gatherer
	clock    util.Clock
	logger   *zap.Logger
	origins  []string
	http     *http.Server
}

func NewServer(engine *settlement.Engine, vault *custody.Custodian, hub *Hub, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = settlement.DefaultMaxCipherPayload
	}
	if cfg.Domain.Name == "" {
		cfg.Domain = crypto.DefaultDomain()
	}
	if hub == nil {
		hub = NewHub(cfg.Logger)
	}

	s := &Server{
		engine:   engine,
		vault:    vault,
		hub:      hub,
		signer:   crypto.NewEIP712Signer(cfg.Domain),
		router:   mux.NewRouter(),
		boundary: BoundaryInfo{PublicKey: hex.EncodeToString(cfg.BoundaryKey), MaxPayload: cfg.MaxPayload},
		gatherer: cfg.Gatherer,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("api"),
		origins:  cfg.CORSOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Book endpoints
	api.HandleFunc("/books", s.handleGetBooks).Methods("GET")
	api.HandleFunc("/books/{book}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/books/{book}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/books/{book}/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/books/{book}/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/books/{book}/orders/{id:[0-9]+}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/books/{book}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/books/{book}/authorizations/{authority}", s.handleGetAuthorization).Methods("GET")

	// Keeper and admin instructions
	api.HandleFunc("/books/{book}/settlements", s.handleSettle).Methods("POST")
	api.HandleFunc("/books/{book}/admin", s.handleAdmin).Methods("POST")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods("GET")

	api.HandleFunc("/boundary", s.handleGetBoundary).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the WebSocket hub and serves until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	s.logger.Info("server starting", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.engine.Books()
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]BookInfo, len(books))
	for i, b := range books {
		out[i] = bookInfo(b)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.Book(mux.Vars(r)["book"])
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, bookInfo(b))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.ActiveOrders(mux.Vars(r)["book"])
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	book, id, err := bookAndID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	o, err := s.engine.Order(book, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	info := orderInfo(o)
	if esc, err := s.engine.Escrow(book, id); err == nil {
		info.Escrow = escrowInfo(esc)
	}
	respondJSON(w, info)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = min(n, maxTradeLimit)
	}
	receipts, err := s.engine.Trades(mux.Vars(r)["book"], limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]TradeInfo, len(receipts))
	for i, rc := range receipts {
		out[i] = tradeInfo(rc)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetAuthorization(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	authority, err := parseAddress(vars["authority"])
	if err != nil {
		s.fail(w, err)
		return
	}
	tok, err := s.engine.Authorization(vars["book"], authority)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, authorizationInfo(tok))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr, err := parseAddress(vars["address"])
	if err != nil {
		s.fail(w, err)
		return
	}
	asset := strings.ToUpper(vars["asset"])
	amount, err := s.vault.Balance(addr, asset)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, BalanceInfo{Address: addr.Hex(), Asset: asset, Amount: amount})
}

func (s *Server) handleGetBoundary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.boundary)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	book := mux.Vars(r)["book"]
	var req PlaceOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	payload, err := decodeHex("payload", req.Payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	scopeKey, err := decodeHex("scopeKey", req.ScopeKey)
	if err != nil {
		s.fail(w, err)
		return
	}

	instr := crypto.PlaceInstruction{Book: book, PayloadDigest: common.Hash(crypto.PayloadDigest(payload)), Owner: owner}
	if err := s.verify(instr, req.Signature, owner); err != nil {
		s.fail(w, err)
		return
	}

	o, err := s.engine.PlaceOrder(r.Context(), settlement.PlaceRequest{
		Book:     book,
		Owner:    owner,
		Payload:  payload,
		ScopeKey: scopeKey,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, SubmitOrderResponse{Status: "accepted", OrderID: o.ID, Order: orderInfo(o)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	book, id, err := bookAndID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req CancelOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.verify(crypto.CancelInstruction{Book: book, OrderID: id, Owner: owner}, req.Signature, owner); err != nil {
		s.fail(w, err)
		return
	}

	_, refund, err := s.engine.CancelOrder(r.Context(), book, id, owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, CancelOrderResponse{Status: "cancelled", OrderID: id, Refunded: refund})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	book := mux.Vars(r)["book"]
	var req SettleRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	instr := crypto.SettleInstruction{
		Book:           book,
		BuyerOrderID:   req.BuyerOrderID,
		SellerOrderID:  req.SellerOrderID,
		MatchedAmount:  req.MatchedAmount,
		ExecutionPrice: req.ExecutionPrice,
		Nonce:          req.Nonce,
	}
	authority, err := s.signerOf(instr, req.Signature)
	if err != nil {
		s.fail(w, err)
		return
	}

	receipt, err := s.engine.Settle(r.Context(), settlement.MatchInput{
		Book:           book,
		BuyerOrderID:   req.BuyerOrderID,
		SellerOrderID:  req.SellerOrderID,
		Matched:        req.MatchedAmount,
		ExecutionPrice: req.ExecutionPrice,
	}, settlement.Authorization{Authority: authority, Nonce: req.Nonce})
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, tradeInfo(receipt))
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	book := mux.Vars(r)["book"]
	var req AdminRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	var authority common.Address
	if req.Authority != "" {
		a, err := parseAddress(req.Authority)
		if err != nil {
			s.fail(w, err)
			return
		}
		authority = a
	}
	instr := crypto.AdminInstruction{
		Book:      book,
		Action:    req.Action,
		Authority: authority,
		ExpiresAt: req.ExpiresAt,
		Deadline:  req.Deadline,
	}
	admin, err := s.signerOf(instr, req.Signature)
	if err != nil {
		s.fail(w, err)
		return
	}
	if now := s.clock.Now().UnixMilli(); int64(req.Deadline) < now {
		s.fail(w, fmt.Errorf("%w: instruction deadline %d passed", errBadSignature, req.Deadline))
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "pause":
		err = s.engine.PauseBook(ctx, book, admin)
	case "resume":
		err = s.engine.ResumeBook(ctx, book, admin)
	case "authorize":
		_, err = s.engine.IssueAuthorization(ctx, book, admin, authority, int64(req.ExpiresAt))
	case "revoke":
		err = s.engine.RevokeAuthorization(ctx, book, admin, authority)
	default:
		err = fmt.Errorf("%w: unknown action %q", errBadRequest, req.Action)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("admin instruction applied",
		zap.String("book", book),
		zap.String("action", req.Action),
		zap.String("admin", admin.Hex()))
	respondJSON(w, map[string]string{"status": "ok", "action": req.Action})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// signerOf returns the address that signed in.
func (s *Server) signerOf(in crypto.Instruction, sigHex string) (common.Address, error) {
	sig, err := decodeHex("signature", sigHex)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := s.signer.Recover(in, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", errBadSignature, err)
	}
	return addr, nil
}

// verify checks that in was signed by want.
func (s *Server) verify(in crypto.Instruction, sigHex string, want common.Address) error {
	got, err := s.signerOf(in, sigHex)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: signed by %s, not %s", errBadSignature, got.Hex(), want.Hex())
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrReadOnly):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrInvalidOrderStatus),
		errors.Is(err, core.ErrInsufficientEscrow),
		errors.Is(err, core.ErrOrderBookInactive),
		errors.Is(err, core.ErrExceedsRemaining),
		errors.Is(err, core.ErrOrderTooSmall),
		errors.Is(err, core.ErrInvalidOrder),
		errors.Is(err, core.ErrInvalidExpiry),
		errors.Is(err, core.ErrInvalidConfiguration),
		errors.Is(err, core.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, status, http.StatusText(status), "")
		return
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return fmt.Errorf("%w: body exceeds %d bytes", core.ErrPayloadTooLarge, maxBodyBytes)
		}
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex", errBadRequest, field)
	}
	return b, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, s)
	}
	return common.HexToAddress(s), nil
}

func bookAndID(r *http.Request) (string, uint64, error) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid order id", errBadRequest)
	}
	return vars["book"], id, nil
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
