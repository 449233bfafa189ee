package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/opsfield/opsfield/internal/billing/domain"
	"github.com/opsfield/opsfield/internal/clock"
	"github.com/opsfield/opsfield/internal/config"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	"github.com/opsfield/opsfield/internal/ratelimit"
	storagedomain "github.com/opsfield/opsfield/internal/storage/domain"
	subdomain "github.com/opsfield/opsfield/internal/subscription/domain"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
	walletdomain "github.com/opsfield/opsfield/internal/wallet/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	billingCfg      *config.BillingConfigHolder
	planSvc         plandomain.Service
	usageSvc        usagedomain.Service
	storageSvc      storagedomain.Service
	walletSvc       walletdomain.Service
	billingSvc      billingdomain.Service
	subscriptionSvc subdomain.Service
	graceLimiter    *ratelimit.GraceLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	BillingCfg      *config.BillingConfigHolder
	PlanSvc         plandomain.Service
	UsageSvc        usagedomain.Service
	StorageSvc      storagedomain.Service
	WalletSvc       walletdomain.Service
	BillingSvc      billingdomain.Service
	SubscriptionSvc subdomain.Service
	GraceLimiter    *ratelimit.GraceLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		genID:           p.GenID,
		clock:           p.Clock,
		billingCfg:      p.BillingCfg,
		planSvc:         p.PlanSvc,
		usageSvc:        p.UsageSvc,
		storageSvc:      p.StorageSvc,
		walletSvc:       p.WalletSvc,
		billingSvc:      p.BillingSvc,
		subscriptionSvc: p.SubscriptionSvc,
		graceLimiter:    p.GraceLimiter,
	}

	svc.registerInternalRoutes()
	svc.registerOrgRoutes()
	svc.registerContractorRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.BillingSecretRequired())

	internal.POST("/storage/charge-hourly", s.ChargeHourly)
	internal.POST("/subscription/charge", s.ChargeSubscriptions)
}

func (s *Server) registerOrgRoutes() {
	org := s.engine.Group("/org/:org", OrgContext())

	org.POST("/subscription/grace",
		RequireOrgRole(RoleOwner, RoleOrgAdmin),
		s.GraceRateLimit(),
		s.ActivateGrace,
	)
	org.GET("/subscription/access", s.SubscriptionAccess)
	org.GET("/wallet", s.OrgWallet)
	org.GET("/wallet/transactions", RequireOrgRole(RoleOwner, RoleOrgAdmin), s.OrgWalletTransactions)
	org.GET("/usage", s.OrgUsage)
}

func (s *Server) registerContractorRoutes() {
	s.engine.GET("/wallet/me", s.ContractorWallet)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", RequireSuperAdmin())

	admin.GET("/billing-config", s.GetBillingConfig)
	admin.PATCH("/billing-config", s.UpdateBillingConfig)
}

func run(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
