package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/internal/accesspolicy"
	apdomain "github.com/craftpage/metering/internal/accesspolicy/domain"
	"github.com/craftpage/metering/internal/admission"
	admissiondomain "github.com/craftpage/metering/internal/admission/domain"
	"github.com/craftpage/metering/internal/clock"
	"github.com/craftpage/metering/internal/config"
	"github.com/craftpage/metering/internal/configstore"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	"github.com/craftpage/metering/internal/locks"
	"github.com/craftpage/metering/internal/notifier"
	notifdomain "github.com/craftpage/metering/internal/notifier/domain"
	"github.com/craftpage/metering/internal/observability"
	obsmiddleware "github.com/craftpage/metering/internal/observability/logger"
	obsmetrics "github.com/craftpage/metering/internal/observability/metrics"
	obstracing "github.com/craftpage/metering/internal/observability/tracing"
	"github.com/craftpage/metering/internal/partition"
	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	"github.com/craftpage/metering/internal/quota"
	quotadomain "github.com/craftpage/metering/internal/quota/domain"
	"github.com/craftpage/metering/internal/sysevent"
	"github.com/craftpage/metering/internal/tenant"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	"github.com/craftpage/metering/internal/vectormigrate"
	vmdomain "github.com/craftpage/metering/internal/vectormigrate/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	clock.Module,
	locks.Module,
	fx.Provide(registerGin),
	sysevent.Module,
	configstore.Module,
	tenant.Module,
	accesspolicy.Module,
	partition.Module,
	notifier.Module,
	quota.Module,
	admission.Module,
	vectormigrate.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

type Server struct {
	engine       *gin.Engine
	db           *gorm.DB
	genID        *snowflake.Node
	admissionSvc admissiondomain.Service
	quotaSvc     quotadomain.Service
	tenantSvc    tenantdomain.Service
	partitionSvc partitiondomain.Service
	policySvc    apdomain.Service
	notifierSvc  notifdomain.Service
	configSvc    csdomain.Service
	migrateSvc   vmdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	DB           *gorm.DB
	GenID        *snowflake.Node
	AdmissionSvc admissiondomain.Service
	QuotaSvc     quotadomain.Service
	TenantSvc    tenantdomain.Service
	PartitionSvc partitiondomain.Service
	PolicySvc    apdomain.Service
	NotifierSvc  notifdomain.Service
	ConfigSvc    csdomain.Service
	MigrateSvc   vmdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		db:           p.DB,
		genID:        p.GenID,
		admissionSvc: p.AdmissionSvc,
		quotaSvc:     p.QuotaSvc,
		tenantSvc:    p.TenantSvc,
		partitionSvc: p.PartitionSvc,
		policySvc:    p.PolicySvc,
		notifierSvc:  p.NotifierSvc,
		configSvc:    p.ConfigSvc,
		migrateSvc:   p.MigrateSvc,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", TenantMiddleware())

	v1.POST("/resources", s.createResource)
	v1.DELETE("/resources/:id", s.deleteResource)
	v1.POST("/events/:table", s.recordEvent)
	v1.GET("/usage", s.getUsage)
	v1.GET("/notifications", s.listNotifications)
	v1.POST("/notifications/:id/read", s.markNotificationRead)
	v1.GET("/partitions/:table", s.listPartitions)
	v1.GET("/config/:key", s.getConfigEntry)
	v1.GET("/config/:key/changes", s.listConfigChanges)
	v1.PUT("/config/:key", s.putConfigEntry)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin", TenantMiddleware(), RequireCapability(tenantCapAdminOverride))

	admin.POST("/vector-dimension", s.reconfigureVectorDimension)
	admin.GET("/vector-dimension", s.vectorMigrationStatus)
	admin.POST("/tenants/:id/reconcile-plan", s.reconcilePlan)
	admin.POST("/tenants/:id/remove", s.removeTenant)
	admin.POST("/counters/adjust", s.adjustCounter)
}
