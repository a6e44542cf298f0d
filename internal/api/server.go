// Package api exposes the billing HTTP API: catalog, account, checkout,
// prompt generation, admin management and payment webhooks.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/digkill/promptor/internal/auth"
	"github.com/digkill/promptor/internal/payment"
	"github.com/digkill/promptor/internal/service"
)

// StripeWebhooks verifies Stripe deliveries.
type StripeWebhooks interface {
	ParseWebhook(payload []byte, signature string) (*payment.Notification, error)
}

// MidtransWebhooks verifies Midtrans HTTP notifications.
type MidtransWebhooks interface {
	ParseNotification(payload []byte) (*payment.Notification, error)
}

type Deps struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
	// WebhookTimeout bounds gateway deliveries, which confirm purchases with
	// retries. Defaults to twice RequestTimeout.
	WebhookTimeout time.Duration
	Log            *slog.Logger

	Auth   auth.Provider
	Policy *auth.Policy

	Users      *service.UserService
	Ledger     *service.Ledger
	Packs      *service.PackService
	Promos     *service.PromoService
	Promotions *service.PromotionService
	Checkout   *service.CheckoutService
	Generation *service.GenerationService

	// Nil when the gateway is not configured.
	Stripe   StripeWebhooks
	Midtrans MidtransWebhooks
}

type Server struct {
	addr       string
	log        *slog.Logger
	validate   *validator.Validate
	users      *service.UserService
	ledger     *service.Ledger
	packs      *service.PackService
	promos     *service.PromoService
	promotions *service.PromotionService
	checkout   *service.CheckoutService
	generation *service.GenerationService
	stripe     StripeWebhooks
	midtrans   MidtransWebhooks
	handler    http.Handler
}

func NewServer(d Deps) *Server {
	s := &Server{
		addr:       d.Addr,
		log:        d.Log,
		validate:   newValidator(),
		users:      d.Users,
		ledger:     d.Ledger,
		packs:      d.Packs,
		promos:     d.Promos,
		promotions: d.Promotions,
		checkout:   d.Checkout,
		generation: d.Generation,
		stripe:     d.Stripe,
		midtrans:   d.Midtrans,
	}

	timeout, hookTimeout := timeouts(d)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.Timeout(hookTimeout))
		r.Post("/stripe", s.handleStripeWebhook)
		r.Post("/midtrans", s.handleMidtransWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Get("/packs", s.handleListPacks)
		r.Get("/plans", s.handleListPlans)

		r.Group(func(user chi.Router) {
			user.Use(auth.Middleware(d.Auth, d.Log))
			user.Use(s.ensureUser)
			user.Get("/me", s.handleMe)
			user.Get("/me/transactions", s.handleMyTransactions)
			user.Get("/me/purchases", s.handleMyPurchases)
			user.Post("/checkout", s.handleCheckout)
			user.Post("/promo-codes/validate", s.handleValidatePromo)
			user.Post("/prompts", s.handlePrompt)

			user.Route("/admin", func(admin chi.Router) {
				admin.Use(auth.RequireAdmin(d.Policy))
				admin.Route("/packs", func(r chi.Router) {
					r.Get("/", s.handleAdminListPacks)
					r.Post("/", s.handleCreatePack)
					r.Get("/{id}", s.handleGetPack)
					r.Put("/{id}", s.handleUpdatePack)
					r.Delete("/{id}", s.handleDeletePack)
				})
				admin.Route("/promo-codes", func(r chi.Router) {
					r.Get("/", s.handleListPromos)
					r.Post("/", s.handleCreatePromo)
					r.Get("/{id}", s.handleGetPromo)
					r.Put("/{id}", s.handleUpdatePromo)
					r.Delete("/{id}", s.handleDeletePromo)
				})
				admin.Route("/promotions", func(r chi.Router) {
					r.Get("/", s.handleListPromotions)
					r.Post("/", s.handleCreatePromotion)
					r.Get("/{id}", s.handleGetPromotion)
					r.Put("/{id}", s.handleUpdatePromotion)
					r.Delete("/{id}", s.handleDeletePromotion)
				})
				admin.Get("/purchases", s.handleAdminListPurchases)
				admin.Post("/purchases/{id}/refund", s.handleRefund)
				admin.Post("/users/{id}/gifts", s.handleGift)
				admin.Post("/cache/invalidate", s.handleInvalidateCache)
			})
		})
	})

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(r)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func timeouts(d Deps) (request, webhook time.Duration) {
	request = d.RequestTimeout
	if request <= 0 {
		request = 30 * time.Second
	}
	webhook = d.WebhookTimeout
	if webhook <= 0 {
		webhook = 2 * request
	}
	return request, webhook
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// ensureUser creates the account of a first-time caller.
func (s *Server) ensureUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		if _, err := s.users.Ensure(r.Context(), id.UserID, id.Email); err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identity(r *http.Request) *auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
