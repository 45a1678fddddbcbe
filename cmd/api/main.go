package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"docsmith.io/internal/auth"
	"docsmith.io/internal/httpapi"
	"docsmith.io/internal/obs"
	"docsmith.io/internal/tenant"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	db, err := sql.Open("pgx", mustEnv("DOCSMITH_PG_DSN"))
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := auth.NewPGTokenStore(db)
	users := auth.NewPGUserDirectory(db)
	configs := tenant.NewProvider(db)

	opts := []auth.EngineOption{auth.WithEventSink(auth.AuditEventSink{})}

	// Optional Redis for per-tenant rate limiting. Without it the engine
	// skips throttling (fail open on limits, never on token checks).
	var rdb *redis.Client
	if addr := os.Getenv("DOCSMITH_REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("DOCSMITH_REDIS_PASSWORD"),
		})
		opts = append(opts, auth.WithLimiter(auth.NewRedisLimiter(rdb, nil)))
	}

	engine := auth.NewEngine(store, users, configs, opts...)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, engine, configs)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go runJanitor(janitorCtx, store)

	log.Printf("Starting docsmith-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Println("Stopped")
}

// runJanitor purges expired and long-revoked refresh tokens hourly.
// Revoked rows are kept past expiry for the retention window so reuse
// investigations have data to work with.
func runJanitor(ctx context.Context, store auth.TokenStore) {
	retention := 30 * 24 * time.Hour
	if v := os.Getenv("DOCSMITH_TOKEN_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			retention = time.Duration(days) * 24 * time.Hour
		}
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			horizon := time.Now().UTC().Add(-retention)
			n, err := store.PurgeExpired(ctx, horizon)
			if err != nil {
				log.Printf("token purge: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("token purge: removed %d records", n)
			}
		}
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env %s", key)
	}
	return v
}

func listenAddr() string {
	if p := os.Getenv("DOCSMITH_HTTP_ADDR"); p != "" {
		return p
	}
	return ":8080"
}
