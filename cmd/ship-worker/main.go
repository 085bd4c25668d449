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
	"github.com/BearBump/ShipRadar/internal/services/pollworker"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	onBuilt := func(w *pollworker.Worker) {
		go func() {
			err := runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    cfg.Worker.HTTPAddr,
				swaggerPath: os.Getenv("swaggerPath"),
				worker:      w,
				cfg:         cfg,
				onListen: func(addr string) {
					slog.Info("worker ops http listening", "addr", addr)
				},
			})
			if err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				slog.Error("worker ops http stopped", "error", err.Error())
			}
		}()
	}

	if err := RunShipWorker(ctx, cfg, defaultWorkerFactories(), onBuilt); err != nil && err != context.Canceled {
		panic(err)
	}
}
