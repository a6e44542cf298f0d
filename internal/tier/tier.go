// Package tier derives loyalty tiers from lifetime spend and applies tier decay.
package tier

import (
	"fmt"
	"strings"
	"time"

	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/models"
)

type DecayMode string

const (
	// DecayRolling expires a tier a fixed window after the latest qualifying purchase.
	DecayRolling DecayMode = "rolling"
	// DecayCalendar rounds the rolling expiry up to the start of the next month.
	DecayCalendar DecayMode = "calendar"
)

// DecayPolicy computes tier expiry. A zero Window disables decay.
type DecayPolicy struct {
	Mode   DecayMode
	Window time.Duration
}

// ExpiryFrom returns the expiry for a tier earned or extended at now.
func (p DecayPolicy) ExpiryFrom(now time.Time) *time.Time {
	if p.Window <= 0 {
		return nil
	}
	t := now.UTC().Add(p.Window)
	if p.Mode == DecayCalendar {
		t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &t
}

type Threshold struct {
	Tier     models.Tier `json:"tier"`
	MinSpend int64       `json:"min_spend"`
}

type Next struct {
	Tier      models.Tier `json:"tier"`
	Threshold int64       `json:"threshold"`
	Remaining int64       `json:"remaining"`
}

type Status struct {
	Current   models.Tier `json:"current"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Next      *Next       `json:"next,omitempty"`
	// Reinstates is set on a decayed tier: the tier the next qualifying
	// purchase restores from lifetime spend. Next is left unset then.
	Reinstates models.Tier `json:"reinstates,omitempty"`
	// Progress is the fraction (0..1) of the way from the current tier's threshold to the next one.
	Progress float64 `json:"progress"`
}

type Resolver struct {
	thresholds []Threshold
	decay      DecayPolicy
}

// NewResolver validates the threshold table. Any subset of the tiers may be
// configured as long as FREE is present at zero and thresholds increase with rank.
func NewResolver(thresholds map[models.Tier]int64, decay DecayPolicy) (*Resolver, error) {
	r := &Resolver{decay: decay}
	for t := range thresholds {
		if t.Rank() < 0 {
			return nil, fmt.Errorf("unknown tier %q", t)
		}
	}
	for _, t := range models.Tiers {
		if v, ok := thresholds[t]; ok {
			r.thresholds = append(r.thresholds, Threshold{Tier: t, MinSpend: v})
		}
	}
	if len(r.thresholds) == 0 || r.thresholds[0].Tier != models.TierFree {
		return nil, fmt.Errorf("missing threshold for tier %s", models.TierFree)
	}
	if r.thresholds[0].MinSpend != 0 {
		return nil, fmt.Errorf("tier %s must start at 0", models.TierFree)
	}
	for i := 1; i < len(r.thresholds); i++ {
		if r.thresholds[i].MinSpend <= r.thresholds[i-1].MinSpend {
			return nil, fmt.Errorf("tier %s threshold must exceed %s", r.thresholds[i].Tier, r.thresholds[i-1].Tier)
		}
	}
	return r, nil
}

func FromPricing(p config.Pricing) (*Resolver, error) {
	thresholds := map[models.Tier]int64{}
	for name, v := range p.Tiers.Thresholds {
		t, ok := models.ParseTier(name)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", name)
		}
		thresholds[t] = v
	}
	mode := DecayMode(strings.ToLower(p.Tiers.Decay.Mode))
	switch mode {
	case DecayRolling, DecayCalendar:
	default:
		return nil, fmt.Errorf("unknown tier decay mode %q", p.Tiers.Decay.Mode)
	}
	return NewResolver(thresholds, DecayPolicy{
		Mode:   mode,
		Window: time.Duration(p.Tiers.Decay.WindowDays) * 24 * time.Hour,
	})
}

func (r *Resolver) Thresholds() []Threshold {
	return append([]Threshold(nil), r.thresholds...)
}

func (r *Resolver) Decay() DecayPolicy {
	return r.decay
}

// ForSpend returns the highest tier whose threshold is at or below spend.
func (r *Resolver) ForSpend(spend int64) models.Tier {
	current := models.TierFree
	for _, t := range r.thresholds {
		if spend >= t.MinSpend {
			current = t.Tier
		}
	}
	return current
}

func expired(expiry *time.Time, now time.Time) bool {
	return expiry != nil && expiry.Before(now)
}

// Resolve derives the tier from lifetime spend. A tier whose expiry has passed
// decays to FREE.
func (r *Resolver) Resolve(lifetimeSpend int64, tierExpiry *time.Time, now time.Time) Status {
	if expired(tierExpiry, now) {
		earned := r.ForSpend(lifetimeSpend)
		if earned == models.TierFree {
			return r.status(models.TierFree, lifetimeSpend, tierExpiry)
		}
		// Spend already clears the thresholds, so distance to the next tier
		// means nothing until a purchase reinstates the earned one.
		return Status{Current: models.TierFree, Reinstates: earned}
	}
	return r.status(r.ForSpend(lifetimeSpend), lifetimeSpend, tierExpiry)
}

// ResolveUser is Resolve floored at the tier the user unlocked, as long as it
// has not expired.
func (r *Resolver) ResolveUser(u models.User, now time.Time) Status {
	st := r.Resolve(u.LifetimeSpend, u.TierExpiresAt, now)
	if !expired(u.TierExpiresAt, now) && u.Tier.Rank() > st.Current.Rank() {
		return r.status(u.Tier, u.LifetimeSpend, u.TierExpiresAt)
	}
	return st
}

// AfterPurchase returns the user's tier and expiry after a qualifying purchase.
// Tiers never drop here: the result is the best of the still-valid current
// tier, the spend-derived tier and the pack's unlock.
func (r *Resolver) AfterPurchase(u models.User, newLifetimeSpend int64, unlock models.Tier, now time.Time) (models.Tier, *time.Time) {
	current := u.Tier
	if expired(u.TierExpiresAt, now) {
		current = models.TierFree
	}
	next := models.MaxTier(current, r.ForSpend(newLifetimeSpend), unlock)
	if next == models.TierFree {
		return next, nil
	}
	return next, r.decay.ExpiryFrom(now)
}

// floor is the threshold of the highest configured tier at or below t. An
// unlocked tier missing from the table sits on the one beneath it.
func (r *Resolver) floor(t models.Tier) int64 {
	var v int64
	for _, th := range r.thresholds {
		if th.Tier.Rank() <= t.Rank() {
			v = th.MinSpend
		}
	}
	return v
}

func (r *Resolver) above(t models.Tier) (Threshold, bool) {
	for _, th := range r.thresholds {
		if th.Tier.Rank() > t.Rank() {
			return th, true
		}
	}
	return Threshold{}, false
}

func (r *Resolver) status(current models.Tier, spend int64, expiry *time.Time) Status {
	st := Status{Current: current, ExpiresAt: expiry, Progress: 1}
	if current == models.TierFree {
		st.ExpiresAt = nil
	}
	next, ok := r.above(current)
	if !ok {
		return st
	}
	remaining := next.MinSpend - spend
	if remaining < 0 {
		remaining = 0
	}
	st.Next = &Next{Tier: next.Tier, Threshold: next.MinSpend, Remaining: remaining}

	floor := r.floor(current)
	span := next.MinSpend - floor
	progress := float64(spend-floor) / float64(span)
	switch {
	case progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}
	st.Progress = progress
	return st
}
