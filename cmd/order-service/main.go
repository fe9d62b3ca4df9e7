package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lastpush.com/internal/app"
	"lastpush.com/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := app.New("order-service")
	if err != nil {
		log.Fatalf("init order-service: %v", err)
	}
	cleanUp, err := svc.StartService(ctx)
	if err != nil {
		log.Fatalf("start order-service: %v", err)
	}
	defer cleanUp()

	srv := svc.HTTPServer(ctx)
	go func() {
		logger.Info(ctx, "http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http shutdown", zap.Error(err))
	}
	logger.Info(shutdownCtx, "order-service exit")
}
