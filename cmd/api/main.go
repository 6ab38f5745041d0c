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

	"merchantry.io/internal/auth"
	"merchantry.io/internal/httpapi"
	"merchantry.io/internal/obs"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("MERCHANTRY_COMMIT"))

	// Store: PostgreSQL when a DSN is configured, in-memory otherwise
	// (development and smoke tests).
	var (
		db    *sql.DB
		store auth.Store
	)
	if dsn := os.Getenv("MERCHANTRY_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = auth.NewPGStore(db)
	} else {
		log.Print("MERCHANTRY_PG_DSN not set, using in-memory store")
		store = auth.NewMemStore()
	}

	ctx := context.Background()

	// Blacklist: Redis when configured, in-process map otherwise.
	var blacklist auth.Blacklist
	if addr := os.Getenv("MERCHANTRY_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("MERCHANTRY_REDIS_PASSWORD"),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		blacklist = auth.NewRedisBlacklist(client, "auth:blacklist")
		defer client.Close()
	} else {
		blacklist = auth.NewMemoryBlacklist(time.Minute)
	}
	defer blacklist.Shutdown()

	users := store.Users(ctx)
	sessions := store.Sessions(ctx)
	claims := auth.NewStoreClaims(store.Roles(ctx), store.Permissions(ctx))

	if err := store.Permissions(ctx).Ensure(ctx, auth.BuiltinPermissions); err != nil {
		log.Fatalf("ensure builtin permissions: %v", err)
	}

	tokenOpts := []auth.TokenOption{
		auth.WithSigningSecrets(
			os.Getenv("MERCHANTRY_ACCESS_SECRET"),
			os.Getenv("MERCHANTRY_REFRESH_SECRET"),
		),
		auth.WithAccessTTL(envDuration("MERCHANTRY_ACCESS_TTL", 0)),
		auth.WithRefreshTTL(envDuration("MERCHANTRY_REFRESH_TTL", 0)),
	}
	if os.Getenv("MERCHANTRY_DISABLE_SWEEP") != "1" {
		tokenOpts = append(tokenOpts, auth.WithSweepInterval(5*time.Minute))
	}
	tokens, err := auth.NewTokenService(users, sessions, claims, blacklist, tokenOpts...)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	defer tokens.Shutdown()

	sessionSvc := auth.NewSessionService(sessions,
		auth.WithSessionTTL(envDuration("MERCHANTRY_SESSION_TTL", 0)))

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, tokens, sessionSvc, users)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting merchantry-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func listenAddr() string {
	if port := os.Getenv("MERCHANTRY_PORT"); port != "" {
		return ":" + port
	}
	return ":8080"
}

// envDuration reads a duration expressed in seconds; zero means "use the
// service default".
func envDuration(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		log.Fatalf("%s must be a positive number of seconds, got %q", name, raw)
	}
	return time.Duration(secs) * time.Second
}
