package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/veilbrowse/torgate/internal/infrastructure/config"
	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/server"
)

func main() {
	autostart := flag.Bool("autostart", true, "start the tor daemon before serving")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	cfg := config.LoadOrDefault()

	var logger *logging.Logger
	if *dev || cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}
	defer logger.Sync()

	srv, err := server.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torgate: %v\n", err)
		os.Exit(1)
	}

	if *autostart {
		ctx, cancel := context.WithTimeout(context.Background(),
			cfg.Daemon.BootstrapTimeout+10*time.Second)
		if err := srv.StartDaemon(ctx); err != nil {
			logger.Error("daemon autostart failed", zap.Error(err))
		}
		cancel()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}
