package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/digkill/promptor/internal/metrics"
	"github.com/digkill/promptor/internal/payment"
	"github.com/digkill/promptor/internal/service"
)

const webhookBodyLimit = 1 << 20

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	var parse func([]byte) (*payment.Notification, error)
	if s.stripe != nil {
		signature := r.Header.Get("Stripe-Signature")
		parse = func(body []byte) (*payment.Notification, error) {
			if strings.TrimSpace(signature) == "" {
				return nil, payment.ErrInvalidSignature
			}
			return s.stripe.ParseWebhook(body, signature)
		}
	}
	s.handleWebhook(w, r, payment.StripeName, parse)
}

func (s *Server) handleMidtransWebhook(w http.ResponseWriter, r *http.Request) {
	var parse func([]byte) (*payment.Notification, error)
	if s.midtrans != nil {
		parse = s.midtrans.ParseNotification
	}
	s.handleWebhook(w, r, payment.MidtransName, parse)
}

// handleWebhook verifies a gateway delivery and applies it. Deliveries that
// retrying cannot fix are acknowledged with 200; store failures answer 500 so
// the gateway redelivers.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, gateway string, parse func([]byte) (*payment.Notification, error)) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(gateway, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(gateway).Observe(time.Since(start).Seconds())
	}()

	if parse == nil {
		outcome = "not_configured"
		s.log.Warn("webhook for unconfigured gateway", "gateway", gateway, "err", notConfigured(gateway))
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "gateway_not_configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
	if err != nil {
		outcome = "bad_request"
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body"})
		return
	}
	n, err := parse(body)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			outcome = "invalid_signature"
			s.log.Warn("webhook signature rejected", "gateway", gateway)
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_signature"})
			return
		}
		outcome = "bad_request"
		s.log.Warn("webhook payload rejected", "gateway", gateway, "err", err)
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_payload"})
		return
	}

	log := s.log.With("gateway", gateway, "event_id", n.EventID, "purchase_id", n.PurchaseID)
	ctx := r.Context()
	switch n.Kind {
	case payment.NotifyIgnore:
		outcome = "ignored"
		s.writeJSON(w, http.StatusOK, webhookResponse{Received: true})

	case payment.NotifySubscriptionCanceled:
		err := s.checkout.CancelSubscription(ctx, n.UserID)
		switch {
		case errors.Is(err, service.ErrUserNotFound):
			outcome = "unknown_user"
			log.Warn("subscription canceled for unknown user", "user_id", n.UserID)
		case err != nil:
			outcome = "error"
			log.Error("cancel subscription", "err", err)
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing_failed"})
			return
		}
		s.writeJSON(w, http.StatusOK, webhookResponse{Received: true})

	case payment.NotifyPayment:
		res, err := s.checkout.Confirm(ctx, n.PurchaseID, service.Outcome{
			Succeeded:     n.Succeeded,
			FailureReason: n.FailureReason,
			ExternalRef:   n.ExternalRef,
		})
		switch {
		case errors.Is(err, service.ErrPurchaseNotFound):
			outcome = "unknown_purchase"
			log.Warn("webhook for unknown purchase")
			s.writeJSON(w, http.StatusOK, webhookResponse{Received: true})
		case err != nil:
			outcome = "error"
			log.Error("confirm purchase", "err", err)
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing_failed"})
		case res.AlreadyProcessed:
			outcome = "duplicate"
			log.Info("webhook already processed", "status", res.Purchase.Status)
			s.writeJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: true})
		default:
			log.Info("webhook applied", "status", res.Purchase.Status)
			s.writeJSON(w, http.StatusOK, webhookResponse{Received: true})
		}
	}
}
