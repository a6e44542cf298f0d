package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/metrics"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/provider"
)

type GenerationMode string

const (
	ModeGenerate GenerationMode = "generate"
	ModeSuggest  GenerationMode = "suggest"
)

const (
	generateSystemPrompt = "You write detailed, well structured prompts for AI models from a short description."
	suggestSystemPrompt  = "You suggest concise improvements to the given prompt. Reply with the improved prompt only."
)

type GenerationRequest struct {
	Model     string
	Mode      GenerationMode
	Prompt    string
	RequestID string
}

type GenerationResult struct {
	RequestID   string              `json:"request_id"`
	Text        string              `json:"text"`
	Model       string              `json:"model"`
	Provider    provider.Kind       `json:"provider"`
	CreditsUsed int64               `json:"credits_used"`
	Balance     int64               `json:"balance"`
	Usage       provider.Completion `json:"-"`
}

// GenerationService runs prompt generation and suggestion requests against AI
// providers and charges credits for them.
type GenerationService struct {
	registry *provider.Registry
	ledger   *Ledger
	costs    config.CostSettings
	log      *slog.Logger
}

func NewGenerationService(registry *provider.Registry, ledger *Ledger, costs config.CostSettings, log *slog.Logger) *GenerationService {
	return &GenerationService{registry: registry, ledger: ledger, costs: costs, log: log}
}

func (s *GenerationService) plan(mode GenerationMode) (provider.Capability, models.TransactionReason, int64, string, error) {
	switch mode {
	case ModeGenerate, "":
		return provider.CapGenerate, models.ReasonGeneration, s.costs.Generation, generateSystemPrompt, nil
	case ModeSuggest:
		return provider.CapSuggest, models.ReasonSuggestion, s.costs.Suggestion, suggestSystemPrompt, nil
	}
	return 0, "", 0, "", invalid("mode", "must be generate or suggest")
}

// Run reserves the cost, calls the provider and keeps the charge only when the
// provider answers. The request id is the charge reference: a request id that
// was already charged is rejected with ErrDuplicateRequest before any provider
// call, and a failed call is reversed.
func (s *GenerationService) Run(ctx context.Context, userID string, req GenerationRequest) (*GenerationResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, invalid("prompt", "is required")
	}
	capability, reason, cost, system, err := s.plan(req.Mode)
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	client, kind, err := s.registry.Resolve(req.Model, capability)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownModel) {
			return nil, invalid("model", "unknown model")
		}
		return nil, err
	}

	var balance int64
	if cost > 0 {
		txn, err := s.ledger.Reserve(ctx, userID, cost, reason, req.RequestID)
		if err != nil {
			return nil, err
		}
		balance = txn.BalanceAfter
	}

	out, err := client.Complete(ctx, provider.Request{Model: req.Model, System: system, Prompt: req.Prompt})
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(string(kind), "error").Inc()
		if cost > 0 {
			s.reverse(ctx, userID, cost, req.RequestID)
		}
		return nil, fmt.Errorf("complete prompt: %w", err)
	}
	metrics.ProviderRequestsTotal.WithLabelValues(string(kind), "ok").Inc()

	if cost <= 0 {
		b, err := s.ledger.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		balance = b.Balance
	}
	return &GenerationResult{
		RequestID:   req.RequestID,
		Text:        out.Text,
		Model:       req.Model,
		Provider:    kind,
		CreditsUsed: cost,
		Balance:     balance,
		Usage:       *out,
	}, nil
}

// reverse returns a reserved charge, detached from the request's cancellation.
func (s *GenerationService) reverse(ctx context.Context, userID string, cost int64, requestID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.ledger.Grant(ctx, userID, cost, models.ReasonReversal, requestID); err != nil {
		s.log.Error("reverse generation charge", "user_id", userID, "request_id", requestID, "err", err)
	}
}
