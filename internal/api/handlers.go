package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/energymarket/internal/auth"
	"github.com/xtrntr/energymarket/internal/exchange"
	"github.com/xtrntr/energymarket/internal/logger"
	"github.com/xtrntr/energymarket/internal/models"
	"github.com/xtrntr/energymarket/internal/settlement"
	"github.com/xtrntr/energymarket/internal/wallet"
)

const defaultDepth = 10

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Ledger      *wallet.Ledger     // nil disables the wallet endpoints
	Settlement  *settlement.Worker // nil disables synchronous settlement
	Log         *logger.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, ledger *wallet.Ledger, worker *settlement.Worker, log *logger.Logger) *Handler {
	return &Handler{Exchange: ex, AuthService: authService, Ledger: ledger, Settlement: worker, Log: log}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles account registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	account, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       account.ID,
		"username": account.Username,
	})
}

// Login handles account login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type placeOrderRequest struct {
	Side        models.Side      `json:"side"`
	Price       decimal.Decimal  `json:"price"`
	Quantity    decimal.Decimal  `json:"quantity"`
	DisplayName string           `json:"display_name"`
	Location    *models.Location `json:"location"`
	Distance    string           `json:"distance"`
}

// PlaceOrder submits a limit order and runs a matching pass
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req placeOrderRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = claims.Username
	}

	order, err := h.Exchange.SubmitOrder(r.Context(), exchange.OrderRequest{
		Side:        req.Side,
		AccountID:   claims.AccountID,
		DisplayName: req.DisplayName,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Location:    req.Location,
		Distance:    req.Distance,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Log.InfoContext(r.Context(), "Order placed",
		logger.NewField("order_id", order.ID),
		logger.NewField("side", order.Side),
		logger.NewField("status", order.Status))
	writeJSON(w, http.StatusCreated, order)
}

type acceptRequest struct {
	Quantity    decimal.Decimal `json:"quantity"`
	DisplayName string          `json:"display_name"`
}

// AcceptOrder takes quantity directly from a resting order
func (h *Handler) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req acceptRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = claims.Username
	}

	trade, err := h.Exchange.AcceptOrder(r.Context(), exchange.AcceptRequest{
		OrderID:          chi.URLParam(r, "id"),
		TakerAccountID:   claims.AccountID,
		TakerDisplayName: req.DisplayName,
		Quantity:         req.Quantity,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, trade)
}

// CancelOrder cancels one of the caller's orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if err := h.Exchange.CancelOrder(r.Context(), chi.URLParam(r, "id"), claims.AccountID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order cancelled"})
}

// GetAccountOrders lists the caller's orders
func (h *Handler) GetAccountOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.Exchange.ListOrdersForAccount(claimsFrom(r).AccountID)))
}

// GetAccountTrades lists the caller's trades
func (h *Handler) GetAccountTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.Exchange.ListTradesForAccount(claimsFrom(r).AccountID)))
}

// SettleTrade makes one synchronous settlement attempt for a trade the caller
// took part in
func (h *Handler) SettleTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFrom(r)
	trade, ok := h.Exchange.Trade(id)
	if !ok || (trade.BuyerID != claims.AccountID && trade.SellerID != claims.AccountID) {
		h.writeError(w, r, errTradeNotFound)
		return
	}
	if err := h.Settlement.SettleNow(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	trade, _ = h.Exchange.Trade(id)
	writeJSON(w, http.StatusOK, trade)
}

// GetSellOrders lists open sell orders, cheapest first
func (h *Handler) GetSellOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.Exchange.ListSellOrders()))
}

// GetBuyOrders lists open buy orders, highest bid first
func (h *Handler) GetBuyOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.Exchange.ListBuyOrders()))
}

// GetMarketStats returns the current market summary
func (h *Handler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Exchange.MarketStats())
}

// GetDepth returns aggregated price levels; ?limit defaults to 10
func (h *Handler) GetDepth(w http.ResponseWriter, r *http.Request) {
	limit := defaultDepth
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, r, errInvalidLimit)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.Exchange.Depth(limit))
}

type depositRequest struct {
	Energy decimal.Decimal `json:"energy"`
	Fiat   decimal.Decimal `json:"fiat"`
}

// Deposit credits the caller's wallet
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	balance, err := h.Ledger.Deposit(claimsFrom(r).AccountID, req.Energy, req.Fiat)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// GetWallet returns the caller's balances
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Ledger.Balance(claimsFrom(r).AccountID))
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
