package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"parley/api/internal/app"
	"parley/api/internal/auth"
	"parley/api/internal/config"
	"parley/api/internal/inbox"
	"parley/api/internal/lock"
	"parley/api/internal/ratelimit"
	"parley/api/internal/search"
	"parley/api/internal/session"
	"parley/api/internal/store"
	"parley/api/internal/sweep"
)

type dataBackend interface {
	app.DataStore
	sweep.PendingLister
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		jww.FATAL.Fatalf("config: %v", err)
	}
	jww.SetStdoutThreshold(logThreshold(cfg.LogLevel))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	dataStore, pg, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		jww.FATAL.Fatalf("database setup failed: %v", err)
	}
	defer closeStore()

	var locker lock.Locker = lock.NewLocal()
	var revocations app.Revocations
	var readiness []func(*app.Service)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		jww.INFO.Println("using Redis for locks and token revocation")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			jww.FATAL.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		locker = lock.NewRedis(redisStore.Client(), cfg.LockTTL)
		revocations = redisStore
		readiness = append(readiness, func(s *app.Service) { s.AddReadinessCheck("redis", redisStore.Ping) })
	} else {
		jww.INFO.Println("using in-process locks and database token revocation")
	}

	var index search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
		readiness = append(readiness, func(s *app.Service) {
			s.AddReadinessCheck("search", func(context.Context) error {
				if !meiliClient.Healthy() {
					return errors.New("meilisearch unhealthy")
				}
				return nil
			})
		})
	}
	var fallback search.Searcher
	var loader search.RecordLoader
	if pg != nil {
		pgfts := search.NewPgFTS(pg)
		fallback = pgfts
		loader = pgfts
	}
	searchService := search.NewService(index, fallback, loader)
	go searchService.ReindexFromSource(ctx)

	engine := inbox.NewEngine(dataStore, locker, cfg.FanoutConcurrency)
	signer := auth.NewSigner([]byte(cfg.JWTSecret), cfg.AccessTTL)
	service := app.New(dataStore, engine, signer, revocations, searchService)
	for _, register := range readiness {
		register(service)
	}

	sweeper, err := sweep.New(dataStore, engine, cfg.SweepCron, cfg.SweepGrace)
	if err != nil {
		jww.FATAL.Fatalf("sweep setup failed: %v", err)
	}
	sweeper.Start(ctx)

	limiter := ratelimit.NewPool(cfg.RateRPS, cfg.RateBurst)
	limiter.StartCleanup(time.Minute)
	defer limiter.Stop()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, limiter)
	httpServer.SetTrustProxy(cfg.TrustProxy)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		jww.INFO.Printf("Parley API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			jww.FATAL.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		jww.ERROR.Printf("shutdown error: %v", err)
	}
}

// openStore picks the backend from the database URL. The returned *sql.DB is
// only set for Postgres, where it also backs full-text search.
func openStore(ctx context.Context, cfg config.Config) (dataBackend, *sql.DB, func(), error) {
	if store.IsSQLiteURL(cfg.DatabaseURL) {
		db, err := store.OpenSQLite(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, nil, err
		}
		s := store.NewSQLiteStore(db)
		if err := s.AutoMigrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, nil, err
		}
		jww.INFO.Printf("using embedded SQLite store at %s", strings.TrimPrefix(cfg.DatabaseURL, "sqlite://"))
		return s, nil, func() { _ = sqlDB.Close() }, nil
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return store.NewPostgresStore(db), db, func() { _ = db.Close() }, nil
}

func logThreshold(level string) jww.Threshold {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return jww.LevelTrace
	case "debug":
		return jww.LevelDebug
	case "warn", "warning":
		return jww.LevelWarn
	case "error":
		return jww.LevelError
	default:
		return jww.LevelInfo
	}
}
