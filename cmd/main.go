package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinoosan/balanceledger/internal/config"
	httpapi "github.com/tinoosan/balanceledger/internal/httpapi/v1"
	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/lock"
	"github.com/tinoosan/balanceledger/internal/service/balance"
	"github.com/tinoosan/balanceledger/internal/service/entity"
	"github.com/tinoosan/balanceledger/internal/service/movement"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
	"github.com/tinoosan/balanceledger/internal/storage/memory"
	pgstore "github.com/tinoosan/balanceledger/internal/storage/postgres"
	"github.com/tinoosan/balanceledger/internal/storage/sqlite"
)

// DevEntities is the fixed set of entities created when DEV_SEED is enabled.
var DevEntities = []ledger.Entity{
	{Name: "Central Bank", Tag: "bank"},
	{Name: "Maika Store", Tag: "Maika"},
	{Name: "Maika Online", Tag: "Maika"},
	{Name: "Walk-in Client", Tag: "client"},
}

// store is what every backend provides to the services and the HTTP layer.
type store interface {
	entity.Repo
	entity.Writer
	transfer.Repo
	balance.Repo
	httpapi.ReadyChecker
	SeedDev(ctx context.Context, entities []ledger.Entity) ([]ledger.Entity, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("invalid ledger timezone", "tz", cfg.Ledger.Timezone, "err", err)
		os.Exit(1)
	}

	var st store
	var locker lock.Locker
	var closeFn func()

	switch backend := cfg.Backend(); backend {
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.Storage.DatabaseURL, logger)
		if err != nil {
			logger.Error("failed to connect to postgres", "err", err)
			os.Exit(1)
		}
		st, locker, closeFn = pg, pg.Locker(), pg.Close
	case "sqlite":
		lite, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, logger)
		if err != nil {
			logger.Error("failed to open sqlite", "path", cfg.Storage.SQLitePath, "err", err)
			os.Exit(1)
		}
		st, locker, closeFn = lite, lock.NewLocal(), func() { _ = lite.Close() }
	default:
		st, locker = memory.New(), lock.NewLocal()
	}
	logger.Info("storage backend: "+cfg.Backend(), "timezone", loc.String(), "partition_locks", cfg.Lock.Partition)

	// Optional dev seed for compose/local; memory always gets one so the API is usable out of the box.
	if cfg.DevSeed || cfg.Backend() == "memory" {
		seeded, err := st.SeedDev(ctx, DevEntities)
		if err != nil {
			logger.Error("dev seed failed", "err", err)
		} else {
			logDevSeed(logger, cfg.Backend(), seeded)
			printDevSeedBanner(seeded)
		}
	}

	mu := lock.NewMutex(locker, cfg.LockPolicy(), logger)
	engine := movement.New(mu, movement.Options{
		LockKey:        cfg.Lock.Key,
		PartitionLocks: cfg.Lock.Partition,
		Location:       loc,
		Logger:         logger,
	})
	api := httpapi.New(
		entity.New(st, st),
		transfer.New(st, engine),
		balance.New(st, loc),
		logger,
		httpapi.Options{Ready: st, Location: loc},
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// lock waits can take several backoff rounds before a 503
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}
	if closeFn != nil {
		closeFn()
	}
}

// logDevSeed emits structured logs with useful IDs
func logDevSeed(l *slog.Logger, backend string, ents []ledger.Entity) {
	ids := map[string]int64{}
	for _, e := range ents {
		ids[e.Name] = e.ID
	}
	l.Info("DEV seed ("+backend+")", "entities", ids)
}

// printDevSeedBanner prints a simple banner to stdout for easy copy/paste of IDs
func printDevSeedBanner(ents []ledger.Entity) {
	fmt.Println("==================== DEV SEED ====================")
	for _, e := range ents {
		fmt.Printf("%-16s id=%-4d tag=%s\n", e.Name, e.ID, e.Tag)
	}
	fmt.Println("==================================================")
}
