// Package app assembles the order service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"lastpush.com/internal/clock"
	"lastpush.com/internal/deposit"
	"lastpush.com/internal/httpapi"
	"lastpush.com/internal/ledger"
	"lastpush.com/internal/order"
	"lastpush.com/internal/provision"
	"lastpush.com/internal/provision/registrar"
	"lastpush.com/internal/watcher"
	"lastpush.com/pkg/config"
	"lastpush.com/pkg/hdwallet"
	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/orm"
	"lastpush.com/pkg/ratelimit"
	"lastpush.com/pkg/safe"
	"lastpush.com/pkg/trace"
	"lastpush.com/pkg/xredis"
)

type App struct {
	cfg Config

	db     *gorm.DB
	rdb    *redis.Client
	broker watcher.Broker

	ledger    *ledger.Ledger
	tracker   *deposit.Tracker
	orders    *order.Engine
	provision *provision.Coordinator
	clock     *clock.Clock
	ingress   *watcher.Ingress

	// reload runs on the config watcher goroutine; it only sees the tracker once built
	live atomic.Pointer[deposit.Tracker]

	traceShutdown func(context.Context) error
	wg            sync.WaitGroup
}

// New loads the configuration and keeps watching it. Only the supported
// deposit matrix is applied on reload; everything else needs a restart.
func New(configName string, paths ...string) (*App, error) {
	if configName == "" {
		configName = "order-service"
	}
	app := &App{}
	_, err := config.LoadAndWatch(configName, &app.cfg, app.reload, paths...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if app.cfg.Name == "" {
		app.cfg.Name = configName
	}
	return app, nil
}

func (app *App) reload(v *viper.Viper) {
	var next Config
	if err := v.Unmarshal(&next); err != nil {
		logger.Error(context.Background(), "reload config failed", zap.Error(err))
		return
	}
	tracker := app.live.Load()
	if tracker != nil && len(next.Deposit.Supported) > 0 {
		tracker.SetSupported(next.Deposit.Supported)
		logger.Info(context.Background(), "supported deposit pairs reloaded", zap.Any("supported", next.Deposit.Supported))
	}
}

func (app *App) Config() Config { return app.cfg }

// StartService opens the stores, builds the components and starts the
// background loops under ctx. The returned func releases everything after
// ctx is cancelled.
func (app *App) StartService(ctx context.Context) (func(), error) {
	logger.InitWithFile(app.cfg.Name, app.cfg.Log.Level, app.cfg.Log.File)

	shutdown, err := trace.InitTrace(app.cfg.Name, app.cfg.Trace)
	if err != nil {
		return nil, err
	}
	app.traceShutdown = shutdown

	if err := app.openStores(ctx); err != nil {
		return nil, err
	}
	if err := app.build(); err != nil {
		return nil, err
	}
	app.startLoops(ctx)
	return app.cleanup, nil
}

func (app *App) openStores(ctx context.Context) error {
	db, err := orm.NewMySQL(&app.cfg.MySQL)
	if err != nil {
		return err
	}
	app.db = db
	if app.cfg.AutoMigrate {
		if err := db.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if app.cfg.Redis.Addr != "" {
		rdb, err := xredis.NewRedis(ctx, &app.cfg.Redis)
		if err != nil {
			return err
		}
		app.rdb = rdb
	}

	if app.cfg.NATS.URL != "" {
		b, err := watcher.NewNatsBroker(app.cfg.NATS.URL,
			nats.Name(app.cfg.NATS.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		app.broker = b
	} else {
		app.broker = watcher.NewMemBroker()
	}
	return nil
}

// Models lists every table the service owns.
func Models() []interface{} {
	var models []interface{}
	models = append(models, ledger.Models()...)
	models = append(models, deposit.Models()...)
	models = append(models, order.Models()...)
	models = append(models, provision.Models()...)
	return models
}

func (app *App) build() error {
	wallet, err := hdwallet.New(app.cfg.Wallet.Mnemonic)
	if err != nil {
		return fmt.Errorf("deposit wallet: %w", err)
	}

	var cache ledger.Cache
	if app.rdb != nil {
		cache = ledger.NewRedisCache(app.rdb)
	}
	app.ledger = ledger.New(app.db, cache, app.cfg.Ledger)
	app.tracker = deposit.New(app.db, app.ledger, wallet, app.cfg.Deposit)
	app.orders = order.New(app.db, app.ledger, app.tracker, app.cfg.Order)

	breakers := ratelimit.NewManager(app.cfg.Breaker, nil)
	app.provision = provision.New(app.db, app.orders,
		registrar.NewRegistrar(app.cfg.Registrar),
		registrar.NewDNS(app.cfg.DNS),
		breakers, app.cfg.Provision)

	// settled intents pay their orders; paid orders go to provisioning
	app.tracker.Subscribe(app.orders.OnIntentSettled)
	app.orders.SetProvisioner(app.provision)

	var opts []clock.Option
	if app.rdb != nil {
		opts = append(opts, clock.WithElector(xredis.NewRedisLockMaster(app.rdb)))
	}
	app.clock = clock.New(app.tracker, app.orders, app.provision, app.cfg.Clock, opts...)
	app.ingress = watcher.NewIngress(app.tracker, app.broker)
	app.live.Store(app.tracker)
	return nil
}

func (app *App) startLoops(ctx context.Context) {
	app.goLoop(ctx, app.provision.Run)
	app.goLoop(ctx, app.clock.Run)
	app.goLoop(ctx, func(ctx context.Context) {
		if err := app.ingress.Run(ctx); err != nil {
			logger.Error(ctx, "watcher ingress stopped", zap.Error(err))
		}
	})
	if sqlDB, err := app.db.DB(); err == nil {
		app.goLoop(ctx, func(ctx context.Context) { metrics.ObserveDBStats(ctx, sqlDB, 10*time.Second) })
	}
	if app.rdb != nil {
		app.goLoop(ctx, func(ctx context.Context) { metrics.ObserveRedisStats(ctx, app.rdb, 10*time.Second) })
	}
}

func (app *App) goLoop(ctx context.Context, fn func(ctx context.Context)) {
	app.wg.Add(1)
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer app.wg.Done()
		fn(ctx)
	})
}

func (app *App) HTTPServer(ctx context.Context) *http.Server {
	return httpapi.NewServer(ctx, app.cfg.HTTP, httpapi.Deps{
		DB:        app.db,
		Redis:     app.rdb,
		Ledger:    app.ledger,
		Orders:    app.orders,
		Deposits:  app.tracker,
		Provision: app.provision,
		Ingress:   app.ingress,
	})
}

// cleanup waits for the loops, which stop with the StartService ctx, then
// closes the connections.
func (app *App) cleanup() {
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn(context.Background(), "background loops did not stop in time")
	}

	if app.broker != nil {
		_ = app.broker.Close()
	}
	if app.rdb != nil {
		_ = app.rdb.Close()
	}
	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if app.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.traceShutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn(ctx, "trace shutdown failed", zap.Error(err))
		}
		cancel()
	}
	logger.Sync()
}
