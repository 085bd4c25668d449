package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ShipRadar/config"
	"github.com/BearBump/ShipRadar/internal/services/scheduler"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	onBuilt := func(s *scheduler.Scheduler) {
		go func() {
			err := runSchedulerHTTPServer(ctx, schedulerHTTPOpts{
				httpAddr:    cfg.Scheduler.HTTPAddr,
				swaggerPath: os.Getenv("swaggerPath"),
				scheduler:   s,
				cfg:         cfg,
				onListen: func(addr string) {
					slog.Info("scheduler ops http listening", "addr", addr)
				},
			})
			if err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				slog.Error("scheduler ops http stopped", "error", err.Error())
			}
		}()
	}

	if err := RunShipScheduler(ctx, cfg, defaultSchedulerFactories(), onBuilt); err != nil && err != context.Canceled {
		panic(err)
	}
}
