package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/broadcast"
	"github.com/tradeclass/simex/internal/config"
	"github.com/tradeclass/simex/internal/engine"
	"github.com/tradeclass/simex/internal/persistence"
	"github.com/tradeclass/simex/internal/server"
	"github.com/tradeclass/simex/internal/session"
	"github.com/tradeclass/simex/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	var (
		engineAudit engine.AuditSink  = engine.NopAudit{}
		cmdAudit    session.AuditSink = session.NopAudit{}
		writer      *persistence.Writer
	)
	if cfg.Database.Enabled {
		writer, err = persistence.Open(cfg.Database, zapLogger)
		if err != nil {
			zapLogger.Fatal("open audit database", zap.Error(err))
		}
		defer writer.Close()
		engineAudit = writer
		cmdAudit = writer
	}

	hub := broadcast.NewHub(cfg.WS, zapLogger)
	sessions := session.NewManager(cfg, hub, engineAudit, cmdAudit, zapLogger)
	srv := server.New(cfg.HTTP, sessions, hub, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		zapLogger.Fatal("http server", zap.Error(err))
	}
	zapLogger.Info("shutdown complete")
}
