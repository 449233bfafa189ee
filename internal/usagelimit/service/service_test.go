package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type planLookupStub struct {
	entry plandomain.PlanEntry
}

func (s planLookupStub) CurrentPlan(ctx context.Context, orgID snowflake.ID) (plandomain.PlanEntry, error) {
	return s.entry, nil
}

func newTestService(t *testing.T, plan plandomain.PlanEntry) (usagedomain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usagedomain.UsagePeriodCounter{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Plans: planLookupStub{entry: plan},
	})
	return svc, db
}

func cappedPlan() plandomain.PlanEntry {
	return plandomain.PlanEntry{
		Code:                    "basic",
		LimitProjects:           2,
		LimitSeats:              3,
		LimitTasksWeekly:        2,
		LimitPublicTasksMonthly: 1,
	}
}

func TestCheckAndConsume_AdmitsUpToLimit(t *testing.T) {
	svc, _ := newTestService(t, cappedPlan())
	ctx := context.Background()
	orgID := snowflake.ID(200)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 2; i++ {
		res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindProjects, now)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, i, res.Used)
		assert.EqualValues(t, 2, res.Limit)
	}
}

func TestCheckAndConsume_RejectsAndBacksOut(t *testing.T) {
	svc, db := newTestService(t, cappedPlan())
	ctx := context.Background()
	orgID := snowflake.ID(201)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindProjects, now)
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindProjects, now)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, usagedomain.ReasonLimitExceeded, res.Reason)
	assert.EqualValues(t, 2, res.Used)

	// The rejected attempt must not leave its increment behind.
	var counter usagedomain.UsagePeriodCounter
	require.NoError(t, db.
		Where("org_id = ? AND kind = ?", orgID, usagedomain.KindProjects).
		First(&counter).Error)
	assert.EqualValues(t, 2, counter.Used)
}

func TestCheckAndConsume_UnlimitedKindAlwaysAdmits(t *testing.T) {
	plan := cappedPlan()
	plan.LimitTasksWeekly = 0
	svc, _ := newTestService(t, plan)
	ctx := context.Background()
	orgID := snowflake.ID(202)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindTasks, now)
		require.NoError(t, err)
		assert.True(t, res.OK)
	}
}

func TestCheckAndConsume_PeriodRolloverResetsWindow(t *testing.T) {
	svc, _ := newTestService(t, cappedPlan())
	ctx := context.Background()
	orgID := snowflake.ID(203)

	// 2026-08-28 is in ISO week 35; a week later is week 36.
	thisWeek := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	nextWeek := thisWeek.AddDate(0, 0, 7)

	for i := 0; i < 2; i++ {
		res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindTasks, thisWeek)
		require.NoError(t, err)
		require.True(t, res.OK)
	}
	res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindTasks, thisWeek)
	require.NoError(t, err)
	require.False(t, res.OK)

	res, err = svc.CheckAndConsume(ctx, orgID, usagedomain.KindTasks, nextWeek)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.EqualValues(t, 1, res.Used)
}

func TestCheckAndConsume_UnknownKind(t *testing.T) {
	svc, _ := newTestService(t, cappedPlan())

	_, err := svc.CheckAndConsume(context.Background(), snowflake.ID(204), usagedomain.CounterKind("widgets"), time.Now())
	assert.ErrorIs(t, err, usagedomain.ErrUnknownCounterKind)
}

func TestRelease_FloorsAtZero(t *testing.T) {
	svc, db := newTestService(t, cappedPlan())
	ctx := context.Background()
	orgID := snowflake.ID(205)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindSeats, now)
	require.NoError(t, err)
	require.True(t, res.OK)

	require.NoError(t, svc.Release(ctx, orgID, usagedomain.KindSeats, now))
	require.NoError(t, svc.Release(ctx, orgID, usagedomain.KindSeats, now))

	var counter usagedomain.UsagePeriodCounter
	require.NoError(t, db.
		Where("org_id = ? AND kind = ?", orgID, usagedomain.KindSeats).
		First(&counter).Error)
	assert.Zero(t, counter.Used)
}

func TestPeek_SnapshotCoversAllKinds(t *testing.T) {
	svc, _ := newTestService(t, cappedPlan())
	ctx := context.Background()
	orgID := snowflake.ID(206)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindPublicTasks, now)
	require.NoError(t, err)
	require.True(t, res.OK)

	snap, err := svc.Peek(ctx, orgID, now)
	require.NoError(t, err)
	assert.Equal(t, "basic", snap.Plan)
	require.Len(t, snap.Kinds, 4)
	assert.EqualValues(t, 1, snap.Kinds[usagedomain.KindPublicTasks].Used)
	assert.Equal(t, "2026-08", snap.Kinds[usagedomain.KindPublicTasks].Period)
	assert.Zero(t, snap.Kinds[usagedomain.KindProjects].Used)
	assert.Equal(t, usagedomain.PeriodAll, snap.Kinds[usagedomain.KindProjects].Period)
}

func TestCheckAndConsume_ConcurrentNeverExceedsLimit(t *testing.T) {
	svc, db := newTestService(t, cappedPlan())
	ctx := context.Background()
	orgID := snowflake.ID(207)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	// A single pooled connection keeps in-memory sqlite from tripping over
	// itself while still letting goroutines interleave between the
	// increment and the verify-or-back-out statements.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	const workers = 8
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindProjects, now)
			assert.NoError(t, err)
			results <- err == nil && res.OK
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.LessOrEqual(t, admitted, 2)

	// The counter must equal the number of admitted calls; rejected
	// attempts back their increments out.
	var counter usagedomain.UsagePeriodCounter
	require.NoError(t, db.
		Where("org_id = ? AND kind = ?", orgID, usagedomain.KindProjects).
		First(&counter).Error)
	assert.EqualValues(t, admitted, counter.Used)

	// Whatever headroom the race left fills sequentially to the cap.
	for counter.Used < 2 {
		res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindProjects, now)
		require.NoError(t, err)
		require.True(t, res.OK)
		counter.Used = res.Used
	}
	res, err := svc.CheckAndConsume(ctx, orgID, usagedomain.KindProjects, now)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.EqualValues(t, 2, res.Used)
}

func TestPeriodKeys(t *testing.T) {
	// January 1st 2027 falls in ISO week 53 of 2026.
	newYear := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-W53", usagedomain.WeekKey(newYear))
	assert.Equal(t, "2027-01", usagedomain.MonthKey(newYear))
}
