package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/substream/substream-go/internal/cache"
	"github.com/substream/substream-go/internal/catalog"
	"github.com/substream/substream-go/internal/config"
	"github.com/substream/substream-go/internal/identity"
	"github.com/substream/substream-go/internal/monitoring"
	"github.com/substream/substream-go/internal/offline"
	"github.com/substream/substream-go/internal/recent"
	"github.com/substream/substream-go/internal/store"
	"github.com/substream/substream-go/internal/task"
)

func main() {
	configPath := flag.String("config", config.GetDefaultConfigPath(), "path to config file")
	serverIdx := flag.Int("server", 0, "active server index")
	flag.Parse()

	if err := run(*configPath, *serverIdx); err != nil {
		fmt.Fprintf(os.Stderr, "substream-core: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, serverIdx int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serverIdx < 0 || serverIdx >= len(cfg.Servers) {
		return fmt.Errorf("no server configured at index %d", serverIdx)
	}

	logger, err := monitoring.NewLogger(&monitoring.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	db, err := store.InitDB(config.GetDefaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One catalog client per configured server, created on demand
	clients := make([]*catalog.RestClient, len(cfg.Servers))
	factory := func(idx int) catalog.Service {
		if clients[idx] == nil {
			sc := cfg.Servers[idx]
			clients[idx] = catalog.NewRestClient(sc.URL, sc.Username, os.Getenv("SUBSTREAM_PASSWORD"), int(cfg.Network.RequestsPerSecond))
		}
		return clients[idx]
	}

	servers := make([]identity.Server, len(cfg.Servers))
	for i, sc := range cfg.Servers {
		servers[i] = identity.Server{Username: sc.Username, CredentialHash: sc.CredentialHash}
	}
	identities := identity.NewManager(db, factory, servers, logger)
	identities.SetActiveServer(serverIdx)

	manager := cache.NewManager(db, factory(serverIdx), cache.ManagerConfig{
		CacheDir:            cfg.Cache.Dir,
		ServerIdx:           serverIdx,
		ConcurrentDownloads: cfg.Cache.ConcurrentDownloads,
		BandwidthLimitKBps:  cfg.Cache.BandwidthLimitKBps,
	}, logger)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache manager: %w", err)
	}
	defer manager.Stop()

	actionLog := offline.NewLog(db, serverIdx, logger)
	coordinator := offline.NewCoordinator(db, serverIdx, factory(serverIdx), actionLog, logger)
	tracker := recent.NewTracker(db, serverIdx, logger)

	runner := task.NewRunner(2, logger)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task runner: %w", err)
	}
	defer runner.Stop()

	// Best-effort startup work: seed the identity and refresh the
	// recently-added badge. Failures are logged, never fatal.
	runner.Submit(&task.Task{
		ID: "identity-seed",
		Run: func(ctx context.Context) error {
			return identities.Seed(ctx, serverIdx, false)
		},
	})
	runner.Submit(&task.Task{
		ID: "recent-refresh",
		Run: func(ctx context.Context) error {
			list, err := factory(serverIdx).FetchAlbumList(ctx, catalog.ListNewest, 20, 0)
			if err != nil {
				return err
			}
			newCount, err := tracker.Observe(list.Albums)
			if err == nil && newCount > 0 {
				logger.Info("new albums since last viewed", zap.Int("count", newCount))
			}
			return err
		},
	})
	runner.Submit(&task.Task{
		ID: "offline-sync",
		Run: func(ctx context.Context) error {
			succeeded, total, prompted, err := coordinator.OnOnline(ctx)
			if prompted {
				scrobbles, stars, countErr := actionLog.Counts()
				if countErr == nil && scrobbles+stars > 0 {
					logger.Info("offline actions pending, sync policy is ask",
						zap.Int("scrobbles", scrobbles),
						zap.Int("stars", stars))
				}
				return countErr
			}
			if total > 0 {
				logger.Info("offline sync finished",
					zap.Int("succeeded", succeeded),
					zap.Int("total", total))
			}
			return err
		},
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := db.Ping(); err != nil {
				http.Error(w, "store unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Info("metrics listener started", zap.String("addr", cfg.Metrics.ListenAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	logger.Info("engine started",
		zap.String("server", cfg.Servers[serverIdx].Name),
		zap.String("cache_dir", cfg.Cache.Dir))

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
