package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/config"
	deductiondomain "github.com/smallbiznis/tokenledger/internal/deduction/domain"
	obsmiddleware "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obstracing "github.com/smallbiznis/tokenledger/internal/observability/tracing"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           cfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(cfg)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, srv *Server) {
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	})
}

// Server exposes read-only ledger state for operators.
type Server struct {
	engine         *gin.Engine
	db             *gorm.DB
	balanceSvc     balancedomain.Service
	reservationSvc reservationdomain.Service
	deductionSvc   deductiondomain.Service
}

type ServerParams struct {
	fx.In

	Engine         *gin.Engine
	DB             *gorm.DB
	BalanceSvc     balancedomain.Service
	ReservationSvc reservationdomain.Service
	DeductionSvc   deductiondomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Engine,
		db:             p.DB,
		balanceSvc:     p.BalanceSvc,
		reservationSvc: p.ReservationSvc,
		deductionSvc:   p.DeductionSvc,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/healthz", s.Healthz)

	v1 := s.engine.Group("/v1")
	companies := v1.Group("/companies/:id")
	companies.GET("/balance", s.GetBalance)
	companies.GET("/subscription", s.GetSubscription)
	companies.GET("/adjustments", s.ListAdjustments)
	companies.GET("/reservations", s.ListActiveReservations)
	companies.GET("/deductions", s.ListDeductions)
	companies.GET("/deductions/:job_id", s.GetDeduction)

	v1.GET("/reservations/:job_id", s.GetReservation)
}

func (s *Server) Healthz(c *gin.Context) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(ctx); err != nil {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
