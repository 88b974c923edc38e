package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/musikutiv/metaFirst/internal/central"
	"github.com/musikutiv/metaFirst/internal/config"
	"github.com/musikutiv/metaFirst/internal/observability"
	"github.com/musikutiv/metaFirst/internal/opsdb"
	"github.com/musikutiv/metaFirst/internal/server"
	"github.com/musikutiv/metaFirst/internal/server/routes"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return
	}

	log := observability.NewLogger(cfg.Environment)
	slog.SetDefault(log)
	log = log.With("instance", uuid.NewString())

	store, err := central.Open(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open metadata database", "error", err)
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close metadata database", "error", err)
		}
	}()

	router := opsdb.NewRouter(log)
	defer func() {
		if err := router.DisposeAll(); err != nil {
			log.Error("Failed to dispose tenant engines", "error", err)
		}
	}()

	scope := opsdb.NewScope(opsdb.NewRegistry(store.LookupTenantDSN), router)

	if cfg.Database.LogTiming {
		go logQueryLatency(log, scope)
	}

	srv := server.New(log)
	srv.RegisterRouter(routes.NewTenantRoutes(store))
	srv.RegisterRouter(routes.NewOperationalRoutes(opsdb.NewStore(scope), scope, opsdb.NewProvisioner()))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info("Starting server", "port", cfg.Server.Port)
	log.Error("Closing server", "error", srv.Start(addr))
}

func logQueryLatency(log *slog.Logger, scope *opsdb.Scope) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		for _, stat := range scope.QueryLatencyStats() {
			log.Info("query latency",
				"query", stat.Name,
				"count", stat.Count,
				"p50", stat.P50,
				"p95", stat.P95,
				"max", stat.Max)
		}
	}
}
