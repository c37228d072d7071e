package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/xtrntr/energymarket/internal/idempotency"
)

// RouterOptions holds the optional parts of the router
type RouterOptions struct {
	Idempotency    idempotency.Store // nil disables Idempotency-Key handling
	Stream         http.Handler      // served at /ws when set
	AllowedOrigins []string
}

// NewRouter builds the HTTP API
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotency.Header},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if opts.Stream != nil {
		r.Handle("/ws", opts.Stream)
	}

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Route("/market", func(r chi.Router) {
		r.Get("/sell", h.GetSellOrders)
		r.Get("/buy", h.GetBuyOrders)
		r.Get("/stats", h.GetMarketStats)
		r.Get("/depth", h.GetDepth)
	})

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Group(func(r chi.Router) {
			if opts.Idempotency != nil {
				r.Use(idempotency.Middleware(opts.Idempotency, h.Log, accountScope))
			}
			r.Post("/orders", h.PlaceOrder)
			r.Post("/orders/{id}/accept", h.AcceptOrder)
		})
		r.Get("/orders", h.GetAccountOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/trades", h.GetAccountTrades)
		if h.Settlement != nil {
			r.Post("/trades/{id}/settle", h.SettleTrade)
		}
		if h.Ledger != nil {
			r.Post("/wallet/deposit", h.Deposit)
			r.Get("/wallet", h.GetWallet)
		}
	})

	return r
}
