// Package httpapi builds the gin engine of the order service.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"lastpush.com/internal/deposit"
	"lastpush.com/internal/httpapi/handler"
	"lastpush.com/internal/httpapi/router"
	"lastpush.com/internal/ledger"
	"lastpush.com/internal/order"
	"lastpush.com/internal/provision"
	"lastpush.com/internal/watcher"
	"lastpush.com/pkg/middleware"
	"lastpush.com/pkg/ratelimit"
)

type Config struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CorsOrigins  []string      `mapstructure:"cors_origins"`
	RateLimit    struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
	Auth struct {
		Secret string        `mapstructure:"secret"`
		Issuer string        `mapstructure:"issuer"`
		Leeway time.Duration `mapstructure:"leeway"`
	} `mapstructure:"auth"`
	WatcherToken string `mapstructure:"watcher_token"`
}

type Deps struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Ledger    *ledger.Ledger
	Orders    *order.Engine
	Deposits  *deposit.Tracker
	Provision *provision.Coordinator
	Ingress   *watcher.Ingress
}

var (
	promOnce sync.Once
	prom     *ginprom.Prometheus
)

// metricsMiddleware registers the HTTP collectors once per process.
func metricsMiddleware() *ginprom.Prometheus {
	promOnce.Do(func() {
		prom = ginprom.NewPrometheus("lastpush")
		// label by route, not by raw path with ids in it
		prom.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if p := c.FullPath(); p != "" {
				return p
			}
			return "unmatched"
		}
	})
	return prom
}

// NewRouter wires middlewares, routes and handlers. ctx bounds the rate
// limiter's janitor.
func NewRouter(ctx context.Context, cfg Config, d Deps) *gin.Engine {
	rps, burst := cfg.RateLimit.RPS, cfg.RateLimit.Burst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	store := ratelimit.NewStore(rate.Limit(rps), burst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	metricsMiddleware().Use(r)

	corsMw := cors.Default()
	if len(cfg.CorsOrigins) > 0 {
		cc := cors.DefaultConfig()
		cc.AllowOrigins = cfg.CorsOrigins
		cc.AddAllowHeaders("Authorization", "X-Request-Id")
		corsMw = cors.New(cc)
	}
	r.Use(
		otelgin.Middleware("order-service"),
		middleware.TraceId(),
		middleware.ReqId(),
		corsMw,
		middleware.Recover(),
		middleware.RateLimit(store),
	)

	health := &handler.Health{DB: d.DB, Redis: d.Redis}
	r.GET("/healthz", health.Check)

	billing := &handler.Billing{Ledger: d.Ledger}

	api := r.Group("/api", middleware.Auth(middleware.AuthConfig{
		Secret: []byte(cfg.Auth.Secret),
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway,
	}))
	router.Billing(api, billing)
	router.Orders(api, &handler.Order{Engine: d.Orders, Provision: d.Provision})
	router.Deposits(api, &handler.Deposit{Tracker: d.Deposits})

	internal := r.Group("/internal", middleware.WatcherToken(cfg.WatcherToken))
	router.Internal(internal, &handler.Watcher{Ingress: d.Ingress}, billing)
	return r
}

func NewServer(ctx context.Context, cfg Config, d Deps) *http.Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// check calls the registrar synchronously
		cfg.WriteTimeout = 45 * time.Second
	}
	return &http.Server{
		Addr:           cfg.Addr,
		Handler:        NewRouter(ctx, cfg, d),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
}
