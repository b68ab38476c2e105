// Command server exposes the sync engine, transition executor and report
// archive over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/bemamusic/crm-engine/internal/albums"
	"github.com/bemamusic/crm-engine/internal/api"
	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/config"
	"github.com/bemamusic/crm-engine/internal/dds"
	"github.com/bemamusic/crm-engine/internal/engine"
	"github.com/bemamusic/crm-engine/internal/mlp"
	"github.com/bemamusic/crm-engine/internal/pkg/logger"
	"github.com/bemamusic/crm-engine/internal/progress"
	"github.com/bemamusic/crm-engine/internal/repository/postgres"
	"github.com/bemamusic/crm-engine/internal/transition"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting CRM engine API server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	store := postgres.NewStore(db)
	log.Println("[Server] database connected")

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = newRedisClient(cfg.Redis.URL)
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			pingCancel()
			log.Fatalf("Failed to connect to Redis (%s): %v", cfg.Redis.URL, err)
		}
		pingCancel()
		defer redisClient.Close()
		log.Println("[Server] Redis connected")
	} else {
		log.Println("[Server] no Redis configured; using in-memory state with advisory run lock")
	}
	prog := progress.New(redisClient, db, cfg.Errors.MaxQueue)

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		log.Fatalf("Failed to initialize report archive: %v", err)
	}

	mlpClient := mlp.NewClient(mlp.Config{
		BaseURL:     cfg.MLP.BaseURL,
		APIKey:      cfg.MLP.APIKey,
		Timeout:     cfg.API.Timeout(),
		MaxRetries:  cfg.API.MaxRetries,
		MinInterval: cfg.API.MinInterval(),
		CacheTTL:    time.Duration(cfg.MLP.CacheTTLMinutes) * time.Minute,
		VerifyPolls: cfg.MLP.VerifyTierPolls,
		VerifyDelay: time.Duration(cfg.MLP.VerifyTierDelaySecs) * time.Second,
	})
	ddsClient := dds.NewClient(dds.Config{
		BaseURL:      cfg.DDS.BaseURL,
		APIKey:       cfg.DDS.APIKey,
		Token:        cfg.DDS.Token,
		Timeout:      cfg.API.Timeout(),
		MaxRetries:   cfg.API.MaxRetries,
		MinInterval:  cfg.API.MinInterval(),
		ProductCodes: cfg.ProductCodeMap,
		BatchBuffer:  cfg.Sync.InFlightBatches,
	})
	source := albums.NewSource(cfg.Albums)

	eng := engine.New(cfg, mlpClient, ddsClient, engine.NewStoreAdapter(store), prog, arch, source)
	executor := transition.New(cfg, mlpClient, ddsClient, transition.NewStoreAdapter(store))

	handlers := api.NewHandlers(eng, executor, prog, api.NewDirectoryAdapter(store), arch)
	server := api.NewServer(handlers)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	// A detached sync keeps going on its own context; ask it to stop so the
	// checkpoint lands before the process exits.
	if eng.Running() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := eng.Stop(stopCtx); err != nil {
			log.Printf("[Server] stop request failed: %v", err)
		}
		stopCancel()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// newRedisClient builds a client from a redis:// URL, falling back to
// treating the value as a bare host:port address.
func newRedisClient(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return redis.NewClient(&redis.Options{Addr: url})
	}
	return redis.NewClient(opts)
}
