package api

import (
	"net/http"
	"strings"

	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/service"
)

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.packs.ListActive(r.Context(), r.URL.Query().Get("currency"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, packs)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.packs.Plans(r.URL.Query().Get("currency"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	overview, err := s.users.Overview(r.Context(), identity(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleMyTransactions(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	history, err := s.ledger.History(r.Context(), identity(r).UserID, page, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleMyPurchases(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	purchases, err := s.checkout.ListForUser(r.Context(), identity(r).UserID, page, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, purchases)
}

type targetRequest struct {
	Kind   string `json:"kind" validate:"required,oneof=pack plan"`
	PackID string `json:"pack_id" validate:"required_if=Kind pack,max=64"`
	Plan   string `json:"plan" validate:"required_if=Kind plan,max=32"`
}

func (t targetRequest) target() models.PurchaseTarget {
	if t.Kind == string(models.PurchaseKindPlan) {
		plan, ok := models.ParsePlan(t.Plan)
		if !ok {
			plan = models.Plan(t.Plan)
		}
		return models.PurchaseTarget{Kind: models.PurchaseKindPlan, Plan: plan}
	}
	return models.PurchaseTarget{Kind: models.PurchaseKindPack, PackID: t.PackID}
}

type checkoutRequest struct {
	targetRequest
	PromoCode string `json:"promo_code" validate:"max=64"`
	Gateway   string `json:"gateway" validate:"omitempty,oneof=stripe midtrans"`
	Currency  string `json:"currency" validate:"omitempty,len=3"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := identity(r)
	res, err := s.checkout.Initiate(r.Context(), service.InitiateInput{
		UserID:    id.UserID,
		Email:     id.Email,
		Target:    req.target(),
		PromoCode: req.PromoCode,
		Gateway:   req.Gateway,
		Currency:  strings.ToUpper(req.Currency),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Completed {
		status = http.StatusOK
	}
	s.writeJSON(w, status, res)
}

type validatePromoRequest struct {
	targetRequest
	Code string `json:"code" validate:"required,max=64"`
}

// handleValidatePromo previews a code. An unusable code is a normal answer
// carrying the reason, not an error.
func (s *Server) handleValidatePromo(w http.ResponseWriter, r *http.Request) {
	var req validatePromoRequest
	if !s.decode(w, r, &req) {
		return
	}
	v, err := s.checkout.PreviewPromo(r.Context(), identity(r).UserID, req.target(), req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

type promptRequest struct {
	Model     string `json:"model" validate:"required,max=128"`
	Mode      string `json:"mode" validate:"omitempty,oneof=generate suggest"`
	Prompt    string `json:"prompt" validate:"required,max=8000"`
	RequestID string `json:"request_id" validate:"max=64"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !s.decode(w, r, &req) {
		return
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	res, err := s.generation.Run(r.Context(), identity(r).UserID, service.GenerationRequest{
		Model:     req.Model,
		Mode:      service.GenerationMode(req.Mode),
		Prompt:    req.Prompt,
		RequestID: requestID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
