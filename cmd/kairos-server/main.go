// Command kairos-server serves recorded runs over the read-only results API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kairos/internal/config"
	"kairos/internal/httpapi"
	"kairos/internal/store"
	"kairos/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $KAIROS_CONFIG or "+config.DefaultPath+")")
	addr := flag.String("addr", "", "listen address (default server.host:server.port)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Read(config.ResolvePath(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Output.SQLitePath == "" {
		log.Fatalf("output.sqlite_path is required")
	}
	if *addr == "" {
		*addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	util.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Output.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open run registry: %v", err)
	}
	defer db.Close()

	var artifacts *store.ParquetStore
	if cfg.Output.ParquetDir != "" {
		artifacts = store.NewParquetStore(cfg.Output.ParquetDir)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           httpapi.NewServer(db, artifacts, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		slog.Info("results api listening", "addr", *addr, "registry", cfg.Output.SQLitePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
