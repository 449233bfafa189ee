package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/opsfield/opsfield/internal/audit/domain"
	auditservice "github.com/opsfield/opsfield/internal/audit/service"
	billingdomain "github.com/opsfield/opsfield/internal/billing/domain"
	billingservice "github.com/opsfield/opsfield/internal/billing/service"
	"github.com/opsfield/opsfield/internal/clock"
	"github.com/opsfield/opsfield/internal/config"
	"github.com/opsfield/opsfield/internal/notification"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	planservice "github.com/opsfield/opsfield/internal/plan/service"
	storagedomain "github.com/opsfield/opsfield/internal/storage/domain"
	storageservice "github.com/opsfield/opsfield/internal/storage/service"
	subdomain "github.com/opsfield/opsfield/internal/subscription/domain"
	subscriptionservice "github.com/opsfield/opsfield/internal/subscription/service"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
	usageservice "github.com/opsfield/opsfield/internal/usagelimit/service"
	walletdomain "github.com/opsfield/opsfield/internal/wallet/domain"
	walletservice "github.com/opsfield/opsfield/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testCronSecret = "cron-secret"

type serverFixture struct {
	server  *Server
	clock   *clock.FakeClock
	storage storagedomain.Service
	wallets walletdomain.Service
	subs    subdomain.Service
}

func newServerFixture(t *testing.T, cronSecret string) serverFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&plandomain.PlanEntry{},
		&usagedomain.UsagePeriodCounter{},
		&storagedomain.StorageUsageRecord{},
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
		&billingdomain.HourlyChargeRecord{},
		&subdomain.Subscription{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	planSvc := planservice.NewService(planservice.Params{DB: db, Log: log, GenID: node, Billing: holder})
	require.NoError(t, planSvc.EnsureDefaults(context.Background()))

	storageSvc := storageservice.NewService(storageservice.Params{DB: db, Log: log, GenID: node})
	walletSvc := walletservice.NewService(walletservice.Params{DB: db, Log: log, GenID: node})
	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node})

	subSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Billing:  holder,
		Plans:    planSvc,
		Wallets:  walletSvc,
		Storage:  storageSvc,
		Notifier: notification.NoOpNotifier{},
		Audit:    auditSvc,
	})
	usageSvc := usageservice.NewService(usageservice.Params{DB: db, Log: log, GenID: node, Plans: subSvc})
	billingSvc := billingservice.NewService(billingservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Billing: holder,
		Storage: storageSvc,
		Wallets: walletSvc,
		Plans:   subSvc,
		Audit:   auditSvc,
	})

	fake := clock.NewFakeClock(time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC))
	srv := NewServer(ServerParams{
		Gin:   NewEngine(),
		Cfg:   config.Config{Billing: config.BillingEnv{CronSecret: cronSecret, Currency: "RUB"}},
		Log:   log,
		GenID: node,
		Clock: fake,

		BillingCfg:      holder,
		PlanSvc:         planSvc,
		UsageSvc:        usageSvc,
		StorageSvc:      storageSvc,
		WalletSvc:       walletSvc,
		BillingSvc:      billingSvc,
		SubscriptionSvc: subSvc,
	})

	return serverFixture{server: srv, clock: fake, storage: storageSvc, wallets: walletSvc, subs: subSvc}
}

func (f serverFixture) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// pastDueOrg provisions a team subscription one month old with an empty
// wallet and runs the charge pass, leaving the org past due.
func (f serverFixture) pastDueOrg(t *testing.T, orgID snowflake.ID) {
	t.Helper()
	ctx := context.Background()
	_, err := f.subs.Start(ctx, orgID, "team", f.clock.Now().AddDate(0, -1, 0))
	require.NoError(t, err)
	_, err = f.subs.ChargeDue(ctx, f.clock.Now())
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t, testCronSecret)

	w := f.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInternalEndpoints_SecretRequired(t *testing.T) {
	f := newServerFixture(t, testCronSecret)

	w := f.do(http.MethodPost, "/internal/storage/charge-hourly", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/internal/storage/charge-hourly", nil, map[string]string{
		HeaderBillingSecret: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/internal/subscription/charge", nil, map[string]string{
		HeaderBillingSecret: testCronSecret,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 0, body["processed"])
}

func TestInternalEndpoints_UnconfiguredSecretIsServerFault(t *testing.T) {
	f := newServerFixture(t, "")

	w := f.do(http.MethodPost, "/internal/storage/charge-hourly", nil, map[string]string{
		HeaderBillingSecret: "",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "internal_error", errObj["type"])
}

func TestChargeHourly_ReportsResults(t *testing.T) {
	f := newServerFixture(t, testCronSecret)
	ctx := context.Background()
	orgID := snowflake.ID(500)

	_, err := f.subs.Start(ctx, orgID, "team", f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.storage.SetBytesUsed(ctx, orgID, 15_000_000_000))

	w := f.do(http.MethodPost, "/internal/storage/charge-hourly", nil, map[string]string{
		HeaderBillingSecret: testCronSecret,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 1, body["processed"])

	results := body["results"].([]any)
	first := results[0].(map[string]any)
	assert.Equal(t, "charged", first["status"])
}

func TestActivateGrace_RolesAndOncePerMonth(t *testing.T) {
	f := newServerFixture(t, testCronSecret)
	orgID := snowflake.ID(501)
	f.pastDueOrg(t, orgID)
	path := fmt.Sprintf("/org/%s/subscription/grace", orgID)

	w := f.do(http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, path, nil, map[string]string{HeaderOrgRole: "member"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, path, nil, map[string]string{HeaderOrgRole: RoleOwner})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["is_active"])
	assert.Equal(t, subdomain.ReasonGracePeriod, body["reason"])
	assert.NotEmpty(t, body["grace_until"])

	// Second activation within the month is a policy violation with the
	// wire-level code clients key on.
	w = f.do(http.MethodPost, path, nil, map[string]string{HeaderOrgRole: RoleOrgAdmin})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body = decodeBody(t, w)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "policy_violation", errObj["type"])
	assert.Equal(t, "GRACE_ALREADY_USED", errObj["message"])
}

func TestSubscriptionAccess(t *testing.T) {
	f := newServerFixture(t, testCronSecret)

	// No subscription row: implicit free tier.
	w := f.do(http.MethodGet, "/org/502/subscription/access", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["is_active"])

	orgID := snowflake.ID(503)
	f.pastDueOrg(t, orgID)
	w = f.do(http.MethodGet, fmt.Sprintf("/org/%s/subscription/access", orgID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, false, body["is_active"])
	assert.Equal(t, subdomain.ReasonPastDue, body["reason"])
	assert.Equal(t, true, body["grace_available"])
}

func TestOrgContext_RejectsMalformedID(t *testing.T) {
	f := newServerFixture(t, testCronSecret)

	w := f.do(http.MethodGet, "/org/not-a-snowflake/wallet", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrgWallet_AndTransactions(t *testing.T) {
	f := newServerFixture(t, testCronSecret)
	ctx := context.Background()
	orgID := snowflake.ID(504)

	_, err := f.wallets.Credit(ctx, walletdomain.OwnerOrg, orgID, 150, walletdomain.SourceTopup, nil)
	require.NoError(t, err)

	w := f.do(http.MethodGet, fmt.Sprintf("/org/%s/wallet", orgID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 150, body["balance"])
	assert.Equal(t, "RUB", body["currency"])

	path := fmt.Sprintf("/org/%s/wallet/transactions", orgID)
	w = f.do(http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, path, nil, map[string]string{HeaderOrgRole: RoleOwner})
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Len(t, body["transactions"].([]any), 1)
}

func TestContractorWallet(t *testing.T) {
	f := newServerFixture(t, testCronSecret)
	ctx := context.Background()
	userID := snowflake.ID(505)

	_, err := f.wallets.Credit(ctx, walletdomain.OwnerContractor, userID, 90, walletdomain.SourcePayout, nil)
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/wallet/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/wallet/me", nil, map[string]string{HeaderUserID: userID.String()})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 90, body["balance"])
	assert.EqualValues(t, 90, body["total"])
}

func TestOrgUsage(t *testing.T) {
	f := newServerFixture(t, testCronSecret)

	w := f.do(http.MethodGet, "/org/506/usage", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "basic", body["plan"])
	kinds := body["kinds"].(map[string]any)
	assert.Len(t, kinds, 4)
}

func TestAdminBillingConfig(t *testing.T) {
	f := newServerFixture(t, testCronSecret)

	w := f.do(http.MethodGet, "/admin/billing-config", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/admin/billing-config", nil, map[string]string{HeaderUserRole: "owner"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := map[string]string{HeaderUserRole: RoleSuperAdmin}
	w = f.do(http.MethodGet, "/admin/billing-config", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 720, body["hours_in_month"])
	assert.Len(t, body["plans"].([]any), 3)

	w = f.do(http.MethodPatch, "/admin/billing-config", map[string]any{
		"code":              "team",
		"price_rub_monthly": 2490,
	}, admin)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.EqualValues(t, 2490, body["price_rub_monthly"])

	w = f.do(http.MethodPatch, "/admin/billing-config", map[string]any{
		"price_rub_monthly": 100,
	}, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
