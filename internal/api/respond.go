package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/digkill/promptor/internal/currency"
	"github.com/digkill/promptor/internal/provider"
	"github.com/digkill/promptor/internal/service"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst and validates it. It writes the 400
// response itself and reports false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Message: "request body is not valid JSON"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fieldPath(fe)] = describe(fe)
			}
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_failed", Fields: fields})
			return false
		}
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_failed"})
		return false
	}
	return true
}

// fieldPath keeps the last namespace element: "checkoutRequest.targetRequest.kind" becomes "kind".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.LastIndex(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "gtfield", "gtefield":
		return "must be after " + fe.Param()
	}
	return "is invalid"
}

// fail maps business errors to HTTP responses. Store and unexpected errors are
// logged and answered without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr      *service.ValidationError
		rejection service.PromoRejection
	)
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_failed", Fields: map[string]string{verr.Field: verr.Message}})
	case errors.As(err, &rejection):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: string(rejection), Message: rejection.Message()})
	case errors.Is(err, service.ErrInsufficientCredits):
		s.writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient_credits", Message: "You do not have enough credits."})
	case errors.Is(err, service.ErrInvalidAmount):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_amount", Message: err.Error()})
	case errors.Is(err, currency.ErrUnknownCurrency):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unsupported_currency", Message: "This currency is not supported."})
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrPackNotFound),
		errors.Is(err, service.ErrPurchaseNotFound),
		errors.Is(err, service.ErrPromoNotFound),
		errors.Is(err, service.ErrPromotionNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, service.ErrPackInactive), errors.Is(err, service.ErrPlanNotPurchasable):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "not_purchasable", Message: err.Error()})
	case errors.Is(err, service.ErrPackReferenced),
		errors.Is(err, service.ErrReferenceConflict),
		errors.Is(err, service.ErrDuplicateRequest),
		errors.Is(err, service.ErrPromoCodeExists),
		errors.Is(err, service.ErrPurchaseNotRefundable):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Message: err.Error()})
	case errors.Is(err, service.ErrGatewayUnavailable),
		errors.Is(err, provider.ErrProviderUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("dependency unavailable", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily_unavailable", Message: "please try again later"})
	case errors.Is(err, provider.ErrCapabilityUnsupported):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unsupported_operation", Message: err.Error()})
	default:
		s.log.Error("api handler error", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "please try again"})
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return page, limit
}

func notConfigured(name string) error {
	return fmt.Errorf("%s webhooks are not configured", name)
}
