package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/opsfield/opsfield/internal/config"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (plandomain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&plandomain.PlanEntry{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
	return svc, db
}

func TestEnsureDefaults_SeedsOnceAndPreservesEdits(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureDefaults(ctx))

	var count int64
	require.NoError(t, db.Model(&plandomain.PlanEntry{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)

	// An admin edit survives a reseed on restart.
	price := 2500.0
	_, err := svc.Update(ctx, "team", plandomain.UpdatePlanRequest{PriceRubMonthly: &price})
	require.NoError(t, err)

	require.NoError(t, svc.EnsureDefaults(ctx))
	require.NoError(t, db.Model(&plandomain.PlanEntry{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)

	entry, err := svc.Resolve(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, 2500.0, entry.PriceRubMonthly)
}

func TestResolve_FallsBackToBasic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.EnsureDefaults(ctx))

	entry, err := svc.Resolve(ctx, "enterprise")
	require.NoError(t, err)
	assert.Equal(t, plandomain.PlanBasic, entry.Code)

	// Empty code resolves to the free tier as well.
	entry, err = svc.Resolve(ctx, "  ")
	require.NoError(t, err)
	assert.Equal(t, plandomain.PlanBasic, entry.Code)
}

func TestResolve_EmptyCatalog(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), "team")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotConfigured)
}

func TestList_OrderedByPrice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.EnsureDefaults(ctx))

	entries, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "basic", entries[0].Code)
	assert.Equal(t, "team", entries[1].Code)
	assert.Equal(t, "pro", entries[2].Code)
}

func TestUpdate_InvalidatesCache(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.EnsureDefaults(ctx))

	// Prime the cache.
	entry, err := svc.Resolve(ctx, "pro")
	require.NoError(t, err)
	require.EqualValues(t, 200, entry.LimitSeats)

	seats := int64(500)
	updated, err := svc.Update(ctx, "pro", plandomain.UpdatePlanRequest{LimitSeats: &seats})
	require.NoError(t, err)
	assert.EqualValues(t, 500, updated.LimitSeats)

	entry, err = svc.Resolve(ctx, "pro")
	require.NoError(t, err)
	assert.EqualValues(t, 500, entry.LimitSeats)
}

func TestUpdate_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.EnsureDefaults(ctx))

	_, err := svc.Update(ctx, "", plandomain.UpdatePlanRequest{})
	assert.ErrorIs(t, err, plandomain.ErrInvalidPlanCode)

	_, err = svc.Update(ctx, "team", plandomain.UpdatePlanRequest{})
	assert.ErrorIs(t, err, plandomain.ErrEmptyUpdateRequest)

	price := 1.0
	_, err = svc.Update(ctx, "ghost", plandomain.UpdatePlanRequest{PriceRubMonthly: &price})
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}
