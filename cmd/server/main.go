package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridecore/internal/api"
	"ridecore/internal/auth"
	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/idempotency"
	"ridecore/internal/locationingest"
	"ridecore/internal/match"
	"ridecore/internal/payment"
	"ridecore/internal/pricing"
	"ridecore/internal/ride"
	"ridecore/internal/ridecache"
	"ridecore/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := mustPostgres(ctx, cfg)
	defer pool.Close()
	redisClient := maybeRedis(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store := storage.NewStore(pool)
	idemStore := storage.NewIdempotencyStore(store)

	var index geo.Index
	var locker match.Locker
	if redisClient != nil {
		index = geo.NewRedisIndex(redisClient)
		locker = match.NewRedisLocker(redisClient)
		log.Printf(`{"component":"main","event":"using_redis_geo_and_lock"}`)
	} else {
		mem := geo.NewInMemoryIndex()
		index = mem
		inmemLocker := match.NewInMemoryLocker()
		locker = inmemLocker
		go sweepLocks(ctx, inmemLocker)
		log.Printf(`{"component":"main","event":"using_in_memory_geo_and_lock"}`)
	}

	cache := ridecache.New(store, cfg.Cache.RideStatusTTL, redisClient)
	ingest := locationingest.New(index, store, cfg.Ingest.BufferSize, cfg.Ingest.FlushMaxBatch, cfg.Ingest.FlushInterval)
	go ingest.Run(ctx)

	matcher := match.New(cfg.Match, index, locker, store, cache)
	go matcher.Run(ctx)

	surge := pricing.New(cfg.Surge)
	go sweepSurge(ctx, surge, index)

	idem := idempotency.New(idemStore, cfg.Idem.TTL, cfg.Idem.InFlightWait)
	psp := payment.MockPSP{}
	payments := payment.New(psp, store, store)

	svc := api.NewService(store, index, ingest, matcher, surge, cache, idem, payments, cfg.Fares)

	authStore := auth.NewInMemoryStore()
	if cfg.Env != "prod" {
		seedDevTokens(authStore)
	}

	hub := api.NewHub()
	go hub.Run()

	handler := api.NewHandler(svc, hub, authStore, store)

	r := chi.NewRouter()
	api.AttachRoutes(r, handler, store)

	go purgeIdempotency(ctx, idemStore)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		log.Printf(`{"component":"main","event":"listening","addr":%q}`, cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf(`{"component":"main","event":"shutdown_start"}`)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf(`{"component":"main","event":"shutdown_error","error":%q}`, err.Error())
	}
	log.Printf(`{"component":"main","event":"shutdown_complete"}`)
}

// mustPostgres hard-fails in prod if the database isn't reachable; in dev
// it still fails fast since the state store has no in-memory substitute
// (unlike the geo index / allocation lock, which do), mirroring the
// teacher's dev-fallback/prod-hard-fail pattern where a substitute exists
// and hard-failing everywhere it doesn't.
func mustPostgres(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	if !cfg.Postgres.Enabled() {
		log.Fatal("DATABASE_URL is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("postgres config: %v", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		log.Fatalf("postgres connect: %v", err)
	}
	if err := storage.ApplySchema(connectCtx, pool); err != nil {
		log.Fatalf("postgres schema: %v", err)
	}
	return pool
}

// maybeRedis degrades to the in-memory geo index / allocation lock when
// unset or unreachable outside prod; prod requires it since a single
// process's in-memory state doesn't serve a multi-instance deployment.
func maybeRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled() {
		if cfg.Env == "prod" {
			log.Fatal("REDIS_URL is required in prod")
		}
		return nil
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Env == "prod" {
			log.Fatalf("redis unreachable: %v", err)
		}
		log.Printf(`{"component":"main","event":"redis_unreachable","error":%q}`, err.Error())
		return nil
	}
	return client
}

func sweepLocks(ctx context.Context, locker *match.InMemoryLocker) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			locker.Sweep()
		}
	}
}

func sweepSurge(ctx context.Context, surge *pricing.Surge, index geo.Index) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	tiers := []ride.Tier{ride.TierStandard, ride.TierPremium, ride.TierXL}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := surge.SweepSupply(sweepCtx, index, tiers); err != nil {
				log.Printf(`{"component":"main","event":"surge_sweep_failed","error":%q}`, err.Error())
			}
			cancel()
		}
	}
}

func purgeIdempotency(ctx context.Context, store *storage.IdempotencyStore) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			n, err := store.PurgeExpired(purgeCtx)
			cancel()
			if err != nil {
				log.Printf(`{"component":"main","event":"idempotency_purge_failed","error":%q}`, err.Error())
				continue
			}
			if n > 0 {
				log.Printf(`{"component":"main","event":"idempotency_purged","count":%d}`, n)
			}
		}
	}
}

// seedDevTokens issues fixed bearer tokens for local runs so cmd/loadgen
// and manual curl sessions have something to authenticate with without a
// real identity provider wired in.
func seedDevTokens(store *auth.InMemoryStore) {
	rider := store.Issue("dev_rider", ride.RoleRider, 0)
	driver := store.Issue("dev_driver", ride.RoleDriver, 0)
	admin := store.Issue("dev_admin", ride.RoleAdmin, 0)
	log.Printf(`{"component":"main","event":"dev_tokens","rider":%q,"driver":%q,"admin":%q}`, rider, driver, admin)
}
