package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/songforge/internal/authorization"
	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/observability"
	obsmiddleware "github.com/smallbiznis/songforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	obstracing "github.com/smallbiznis/songforge/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/songforge/internal/payment/domain"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/ratelimit"
	"github.com/smallbiznis/songforge/internal/request"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/view"
	"github.com/smallbiznis/songforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
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
	r.Use(httpMetrics.GinMiddleware())
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

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type generationCreator interface {
	CreateRequest(ctx context.Context, userID int64, input store.GenerationInput) (request.CreateResult, error)
}

type viewReader interface {
	Get(ctx context.Context, userID, requestID int64) (*store.GenerationView, error)
	ListPage(ctx context.Context, userID int64, page pagination.Pagination) ([]store.GenerationView, *pagination.PageInfo, error)
	GetDailyStats(ctx context.Context, day string) (view.DailyStats, error)
}

type requestReader interface {
	GetRequest(ctx context.Context, id int64) (*store.GenerationRequest, error)
}

type queueAdmin interface {
	Get(ctx context.Context, id int64) (*queue.Task, error)
	ListDead(ctx context.Context, limit int) ([]queue.Task, error)
	Retry(ctx context.Context, id int64) error
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	requestSvc generationCreator
	views      viewReader
	requests   requestReader
	paymentSvc paymentdomain.Service
	queue      queueAdmin
	authzSvc   authorization.Service
	limiter    *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Store      *store.Store
	RequestSvc *request.Service
	Views      *view.Aggregator
	PaymentSvc paymentdomain.Service
	Queue      *queue.Queue
	AuthzSvc   authorization.Service
	Limiter    *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		requestSvc: p.RequestSvc,
		views:      p.Views,
		requests:   p.Store,
		paymentSvc: p.PaymentSvc,
		queue:      p.Queue,
		authzSvc:   p.AuthzSvc,
		limiter:    p.Limiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Generations --------
	api.POST("/generations", UserRequired(), s.GenerationCreateRateLimit(), s.CreateGeneration)
	api.GET("/generations", UserRequired(), s.ListGenerations)
	api.GET("/generations/:id", UserRequired(), s.GetGeneration)

	// -------- Payment Webhooks --------
	api.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(UserRequired())

	// -------- Queue --------
	admin.GET("/queue/dead", s.authorizeAction(authorization.ObjectQueue, authorization.ActionQueueRead), s.ListDeadTasks)
	admin.POST("/queue/tasks/:id/retry", s.authorizeAction(authorization.ObjectQueue, authorization.ActionQueueRetry), s.RetryTask)

	// -------- Generations --------
	admin.GET("/generations/:id", s.authorizeAction(authorization.ObjectGeneration, authorization.ActionGenerationRead), s.GetGenerationRequest)
	admin.GET("/stats/daily", s.authorizeAction(authorization.ObjectGeneration, authorization.ActionGenerationRead), s.GetDailyStats)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
