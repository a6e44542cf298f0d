package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/promptor/internal/models"
)

func TestSelectAndApply(t *testing.T) {
	ordered := []models.Promotion{
		{ID: "a", DiscountType: models.DiscountPercentage, DiscountValue: 20, Priority: 9},
		{ID: "b", DiscountType: models.DiscountPercentage, DiscountValue: 10, Stackable: true, Priority: 5},
		{ID: "c", DiscountType: models.DiscountPercentage, DiscountValue: 50, Priority: 3},
		{ID: "d", DiscountType: models.DiscountCreditBonus, DiscountValue: 30, Stackable: true, Priority: 1},
	}

	selected := Select(ordered)
	require.Len(t, selected, 2)
	assert.Equal(t, "a", selected[0].ID)
	assert.Equal(t, "b", selected[1].ID)

	// 10000 -20% = 8000, -10% = 7200: multiplicative, not 30% off
	out := Apply(10000, selected)
	assert.Equal(t, int64(7200), out.FinalAmount)
	assert.Equal(t, int64(2800), out.DiscountAmount)
	assert.Equal(t, []string{"a", "b"}, out.IDs())

	out = Apply(10000, []models.Promotion{ordered[3]})
	assert.Equal(t, int64(10000), out.FinalAmount)
	assert.Equal(t, int64(30), out.BonusCredits)

	assert.Empty(t, Select(nil))
	assert.Equal(t, int64(500), Apply(500, nil).FinalAmount)
}

func TestApplyNeverExceedsFullDiscount(t *testing.T) {
	out := Apply(1000, []models.Promotion{
		{DiscountType: models.DiscountFixedAmount, DiscountValue: 800},
		{DiscountType: models.DiscountFixedAmount, DiscountValue: 800, Stackable: true},
	})
	assert.Zero(t, out.FinalAmount)
	assert.Equal(t, int64(1000), out.DiscountAmount)
}

func TestResolveApplicable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.now

	create := func(p models.Promotion) *models.Promotion {
		t.Helper()
		if p.StartsAt.IsZero() {
			p.StartsAt = now.Add(-time.Hour)
		}
		if p.EndsAt.IsZero() {
			p.EndsAt = now.Add(time.Hour)
		}
		p.DiscountType = models.DiscountPercentage
		p.DiscountValue = 10
		p.IsActive = true
		created, err := env.promotions.Create(ctx, p)
		require.NoError(t, err)
		return created
	}

	low := create(models.Promotion{Name: "low", AllPacks: true, Priority: 1})
	env.now = now.Add(time.Second)
	high := create(models.Promotion{Name: "high", PackIDs: []string{"p1"}, Priority: 5})
	env.now = now.Add(2 * time.Second)
	tieNewer := create(models.Promotion{Name: "tie newer", AllPacks: true, Priority: 1})
	create(models.Promotion{Name: "plans only", AllPlans: true, Priority: 9})
	create(models.Promotion{Name: "future", AllPacks: true, StartsAt: now.Add(3 * time.Hour), EndsAt: now.Add(4 * time.Hour)})
	create(models.Promotion{Name: "exhausted", AllPacks: true, MaxRedemptions: int64Ptr(0)})
	env.now = now

	list, err := env.promotions.ResolveApplicable(ctx, packTarget("p1"), now)
	require.NoError(t, err)
	var ids []string
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{high.ID, tieNewer.ID, low.ID}, ids)

	best, err := env.promotions.ResolveActive(ctx, packTarget("other"), now)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, tieNewer.ID, best.ID)

	// end date is inclusive, one instant later it is over
	list, err = env.promotions.ResolveApplicable(ctx, packTarget("p1"), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, list, 3)
	list, err = env.promotions.ResolveApplicable(ctx, packTarget("p1"), now.Add(time.Hour+time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPromotionCacheInvalidatedOnWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	list, err := env.promotions.ResolveApplicable(ctx, packTarget("p1"), env.now)
	require.NoError(t, err)
	assert.Empty(t, list)

	p, err := env.promotions.Create(ctx, models.Promotion{
		Name: "spring", DiscountType: models.DiscountFixedAmount, DiscountValue: 100, AllPacks: true,
		StartsAt: env.now.Add(-time.Hour), EndsAt: env.now.Add(time.Hour), IsActive: true,
	})
	require.NoError(t, err)

	list, err = env.promotions.ResolveApplicable(ctx, packTarget("p1"), env.now)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, env.promotions.Delete(ctx, p.ID))
	list, err = env.promotions.ResolveApplicable(ctx, packTarget("p1"), env.now)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPromotionValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.promotions.Create(context.Background(), models.Promotion{
		Name: "backwards", DiscountType: models.DiscountPercentage, DiscountValue: 10,
		StartsAt: env.now, EndsAt: env.now.Add(-time.Hour),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ends_at", verr.Field)
}
