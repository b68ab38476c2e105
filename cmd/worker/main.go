// Command worker runs the sync daemon: interval-driven full syncs of
// campaigns, fields, groups, subscribers and memberships, with graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/bemamusic/crm-engine/internal/albums"
	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/config"
	"github.com/bemamusic/crm-engine/internal/dds"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/engine"
	"github.com/bemamusic/crm-engine/internal/mlp"
	"github.com/bemamusic/crm-engine/internal/pkg/logger"
	"github.com/bemamusic/crm-engine/internal/progress"
	"github.com/bemamusic/crm-engine/internal/repository/postgres"
)

func main() {
	log.Println("Starting CRM sync worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	store := postgres.NewStore(db)
	log.Println("[Worker] database connected")

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
		log.Println("[Worker] Redis connected")
	} else {
		log.Println("[Worker] no Redis configured; using in-memory state with advisory run lock")
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

	for _, cs := range eng.ValidateConnections(ctx) {
		if cs.OK {
			log.Printf("[Worker] %s reachable", cs.Provider)
		} else {
			log.Printf("[Worker] WARNING: %s unreachable (%s): %s", cs.Provider, cs.Kind, cs.Error)
		}
	}

	interval := cfg.Sync.Interval()
	if interval <= 0 {
		log.Println("[Worker] scheduled syncs disabled (sync.interval_minutes = 0); waiting for API-triggered runs")
	} else {
		log.Printf("[Worker] scheduling full sync every %s", interval)
		go scheduleSyncs(ctx, eng, interval)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	if eng.Running() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := eng.Stop(stopCtx); err != nil {
			log.Printf("[Worker] stop request failed: %v", err)
		}
		stopCancel()
		if !waitForHalt(eng, 30*time.Second) {
			// The run did not reach a safe boundary in time. Record the
			// abort so the history does not show a sync stuck in Running.
			writeAbortRecord(store, prog)
		}
	}
	cancel()

	log.Println("Worker stopped")
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

// scheduleSyncs runs a full sync every interval. An immediate run fires on
// startup so a freshly deployed worker does not idle until the first tick.
func scheduleSyncs(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	runOnce(ctx, eng)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, eng)
		}
	}
}

func runOnce(ctx context.Context, eng *engine.Engine) {
	err := eng.RunAll(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLockHeld):
		// Another worker or an API-triggered run owns this cycle.
		log.Println("[Worker] skipping scheduled sync: another run is in progress")
	case ctx.Err() != nil:
	default:
		log.Printf("[Worker] scheduled sync failed: %v", err)
	}
}

// waitForHalt polls until the engine reports idle or the timeout passes.
func waitForHalt(eng *engine.Engine, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !eng.Running() {
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return !eng.Running()
}

// writeAbortRecord persists a Failed sync record carrying the last captured
// error when the process must exit mid-run.
func writeAbortRecord(store *postgres.Store, prog progress.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notes := "worker terminated before the run reached a safe boundary"
	if p, err := prog.Status(ctx); err == nil && p != nil && p.LastError != "" {
		notes = notes + "; last error: " + p.LastError
	}
	rec := &domain.SyncRecord{
		ID:       uuid.New().String(),
		SyncDate: time.Now().UTC(),
		Status:   domain.SyncFailed,
		Notes:    notes,
	}
	if err := store.SyncLog.Create(ctx, rec); err != nil {
		log.Printf("[Worker] recording aborted run: %v", err)
	}
}
