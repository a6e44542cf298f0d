package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/models"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := FromPricing(config.DefaultPricing())
	require.NoError(t, err)
	return r
}

func ptr(t time.Time) *time.Time { return &t }

func TestResolve(t *testing.T) {
	r := newTestResolver(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		spend         int64
		expiry        *time.Time
		wantTier      models.Tier
		wantNext      models.Tier
		wantRemaining int64
	}{
		{name: "new user", spend: 0, wantTier: models.TierFree, wantNext: models.TierBronze, wantRemaining: 10000},
		{name: "bronze with progress", spend: 45000, wantTier: models.TierBronze, wantNext: models.TierSilver, wantRemaining: 5000},
		{name: "exact threshold", spend: 50000, wantTier: models.TierSilver, wantNext: models.TierGold, wantRemaining: 100000},
		{name: "valid expiry keeps tier", spend: 160000, expiry: ptr(now.Add(time.Hour)), wantTier: models.TierGold, wantNext: models.TierPlatinum, wantRemaining: 340000},
		{name: "expired below bronze stays on the ladder", spend: 4000, expiry: ptr(now.Add(-time.Hour)), wantTier: models.TierFree, wantNext: models.TierBronze, wantRemaining: 6000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := r.Resolve(tt.spend, tt.expiry, now)
			assert.Equal(t, tt.wantTier, st.Current)
			require.NotNil(t, st.Next)
			assert.Equal(t, tt.wantNext, st.Next.Tier)
			assert.Equal(t, tt.wantRemaining, st.Next.Remaining)
		})
	}
}

func TestResolveDecayedTierPointsAtReinstatement(t *testing.T) {
	r := newTestResolver(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	st := r.Resolve(160000, ptr(now.Add(-time.Hour)), now)
	assert.Equal(t, models.TierFree, st.Current)
	assert.Nil(t, st.Next)
	assert.Nil(t, st.ExpiresAt)
	assert.Equal(t, models.TierGold, st.Reinstates)
	assert.Zero(t, st.Progress)

	// the next purchase, however small, brings GOLD back
	tier, exp := r.AfterPurchase(models.User{Tier: models.TierGold, LifetimeSpend: 160000, TierExpiresAt: ptr(now.Add(-time.Hour))}, 160100, "", now)
	assert.Equal(t, st.Reinstates, tier)
	assert.NotNil(t, exp)

	st = r.Resolve(160000, ptr(now.Add(time.Hour)), now)
	assert.Empty(t, st.Reinstates)
}

func TestResolveTopTierHasNoNext(t *testing.T) {
	r := newTestResolver(t)
	st := r.Resolve(900000, nil, time.Now())
	assert.Equal(t, models.TierPlatinum, st.Current)
	assert.Nil(t, st.Next)
	assert.Equal(t, 1.0, st.Progress)
}

func TestResolveProgress(t *testing.T) {
	r := newTestResolver(t)
	st := r.Resolve(30000, nil, time.Now())
	// BRONZE spans 10000..50000
	assert.InDelta(t, 0.5, st.Progress, 1e-9)
}

func TestResolveUserFloorsAtUnlockedTier(t *testing.T) {
	r := newTestResolver(t)
	now := time.Now().UTC()

	u := models.User{Tier: models.TierGold, LifetimeSpend: 2000, TierExpiresAt: ptr(now.Add(24 * time.Hour))}
	assert.Equal(t, models.TierGold, r.ResolveUser(u, now).Current)

	u.TierExpiresAt = ptr(now.Add(-time.Minute))
	assert.Equal(t, models.TierFree, r.ResolveUser(u, now).Current)
}

func TestAfterPurchase(t *testing.T) {
	r := newTestResolver(t)
	now := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	t.Run("spend earns tier and sets expiry", func(t *testing.T) {
		tier, exp := r.AfterPurchase(models.User{Tier: models.TierFree}, 12000, "", now)
		assert.Equal(t, models.TierBronze, tier)
		require.NotNil(t, exp)
		assert.Equal(t, now.Add(365*24*time.Hour), *exp)
	})

	t.Run("unlock lifts tier above spend", func(t *testing.T) {
		tier, _ := r.AfterPurchase(models.User{Tier: models.TierFree}, 3000, models.TierSilver, now)
		assert.Equal(t, models.TierSilver, tier)
	})

	t.Run("never downgrades a valid tier", func(t *testing.T) {
		u := models.User{Tier: models.TierGold, TierExpiresAt: ptr(now.Add(time.Hour))}
		tier, _ := r.AfterPurchase(u, 100, models.TierBronze, now)
		assert.Equal(t, models.TierGold, tier)
	})

	t.Run("free purchase has no expiry", func(t *testing.T) {
		tier, exp := r.AfterPurchase(models.User{Tier: models.TierFree}, 0, "", now)
		assert.Equal(t, models.TierFree, tier)
		assert.Nil(t, exp)
	})
}

func TestDecayPolicy(t *testing.T) {
	now := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	assert.Nil(t, DecayPolicy{Mode: DecayRolling}.ExpiryFrom(now))

	rolling := DecayPolicy{Mode: DecayRolling, Window: 30 * 24 * time.Hour}.ExpiryFrom(now)
	require.NotNil(t, rolling)
	assert.Equal(t, time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC), *rolling)

	calendar := DecayPolicy{Mode: DecayCalendar, Window: 30 * 24 * time.Hour}.ExpiryFrom(now)
	require.NotNil(t, calendar)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *calendar)
}

func TestNewResolverValidation(t *testing.T) {
	decay := DecayPolicy{Mode: DecayRolling}
	_, err := NewResolver(map[models.Tier]int64{models.TierFree: 0, models.TierBronze: 0}, decay)
	require.Error(t, err)

	_, err = NewResolver(map[models.Tier]int64{
		models.TierFree: 0, models.TierBronze: 100, models.TierSilver: 50,
		models.TierGold: 300, models.TierPlatinum: 400,
	}, decay)
	require.Error(t, err)

	_, err = NewResolver(nil, decay)
	require.Error(t, err)

	_, err = NewResolver(map[models.Tier]int64{models.TierBronze: 0, models.TierGold: 100}, decay)
	require.Error(t, err, "FREE is required")

	_, err = NewResolver(map[models.Tier]int64{models.TierFree: 10, models.TierGold: 100}, decay)
	require.Error(t, err)

	_, err = NewResolver(map[models.Tier]int64{models.TierFree: 0, "DIAMOND": 100}, decay)
	require.Error(t, err)

	p := config.DefaultPricing()
	p.Tiers.Decay.Mode = "weekly"
	_, err = FromPricing(p)
	require.Error(t, err)
}

func TestResolverWithPartialTable(t *testing.T) {
	r, err := NewResolver(map[models.Tier]int64{
		models.TierFree:   0,
		models.TierSilver: 1000,
		models.TierGold:   5000,
	}, DecayPolicy{Mode: DecayRolling})
	require.NoError(t, err)
	require.Len(t, r.Thresholds(), 3)

	now := time.Now().UTC()
	st := r.Resolve(500, nil, now)
	assert.Equal(t, models.TierFree, st.Current)
	require.NotNil(t, st.Next)
	assert.Equal(t, models.TierSilver, st.Next.Tier)
	assert.Equal(t, int64(500), st.Next.Remaining)
	assert.InDelta(t, 0.5, st.Progress, 1e-9)

	st = r.Resolve(3000, nil, now)
	assert.Equal(t, models.TierSilver, st.Current)
	require.NotNil(t, st.Next)
	assert.Equal(t, models.TierGold, st.Next.Tier)

	assert.Nil(t, r.Resolve(9000, nil, now).Next)

	// BRONZE is not configured but can still be unlocked by a pack
	u := models.User{Tier: models.TierBronze, LifetimeSpend: 200, TierExpiresAt: ptr(now.Add(time.Hour))}
	st = r.ResolveUser(u, now)
	assert.Equal(t, models.TierBronze, st.Current)
	require.NotNil(t, st.Next)
	assert.Equal(t, models.TierSilver, st.Next.Tier)
	assert.Equal(t, int64(800), st.Next.Remaining)
}
