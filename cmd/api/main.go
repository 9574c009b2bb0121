package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/PortNumber53/event-post-assistant/internal/dbmigrate"
	"github.com/PortNumber53/event-post-assistant/internal/handlers"
	"github.com/PortNumber53/event-post-assistant/internal/linkedin"
	"github.com/PortNumber53/event-post-assistant/internal/openai"
	"github.com/PortNumber53/event-post-assistant/internal/publishing"
	"github.com/PortNumber53/event-post-assistant/internal/scheduler"
	"github.com/PortNumber53/event-post-assistant/internal/store"
	"github.com/PortNumber53/event-post-assistant/internal/workers"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := run(defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

type deps struct {
	getenv         func(string) string
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(*sql.DB) error
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	// stopCh replaces the signal channel in tests.
	stopCh chan os.Signal
}

func defaultDeps() deps {
	return deps{
		getenv:         os.Getenv,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: func(s *http.Server) error { return s.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func migrateUp(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	return dbmigrate.Up(db, dbmigrate.SourceFromEnv(os.Getenv))
}

func resolvePort(getenv func(string) string) string {
	port := strings.TrimSpace(getenv("PORT"))
	if port == "" {
		return "18911"
	}
	return port
}

// parseIntervalFromEnv reads a positive number of seconds from key, falling back to def.
func parseIntervalFromEnv(getenv func(string) string, key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func parseFloatFromEnv(getenv func(string) string, key string, def float64) float64 {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func envEnabled(getenv func(string) string, key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(getenv(key))) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func environment(getenv func(string) string) string {
	if v := strings.TrimSpace(getenv("APP_ENV")); v != "" {
		return v
	}
	return strings.TrimSpace(getenv("NODE_ENV"))
}

func buildRouter(h *handlers.Handler) http.Handler {
	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// openStore picks the backing store. STORE defaults to postgres when DATABASE_URL is set.
func openStore(d deps) (store.Store, *sql.DB, error) {
	kind := strings.ToLower(strings.TrimSpace(d.getenv("STORE")))
	databaseURL := strings.TrimSpace(d.getenv("DATABASE_URL"))
	if kind == "" {
		kind = "memory"
		if databaseURL != "" {
			kind = "postgres"
		}
	}

	switch kind {
	case "memory":
		log.Printf("[Store] using in-memory store; data is lost on restart")
		return store.NewMemStore(), nil, nil
	case "postgres":
	default:
		return nil, nil, fmt.Errorf("unknown STORE %q (want postgres or memory)", kind)
	}

	if databaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if d.openDB == nil {
		return nil, nil, fmt.Errorf("openDB dependency is required")
	}
	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if d.migrateUp != nil {
		if err := d.migrateUp(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		log.Println("Database is up-to-date")
	}
	return store.NewPostgresStore(db), db, nil
}

func startReconcilerIfEnabled(ctx context.Context, orch workers.Reconciler, getenv func(string) string, defaultOn bool) {
	if !envEnabled(getenv, "SCHEDULE_RECONCILE_ENABLED", defaultOn) {
		log.Printf("[ScheduleReconciler] disabled via SCHEDULE_RECONCILE_ENABLED=%q", getenv("SCHEDULE_RECONCILE_ENABLED"))
		return
	}
	w := &workers.ScheduleReconciler{
		Orchestrator: orch,
		Interval:     parseIntervalFromEnv(getenv, "SCHEDULE_RECONCILE_INTERVAL_SECONDS", time.Minute),
	}
	go w.Start(ctx)
}

func run(d deps) error {
	if d.getenv == nil {
		d.getenv = os.Getenv
	}

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, db, err := openStore(d)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	demo, err := store.EnsureDemoUser(rootCtx, st)
	if err != nil {
		return fmt.Errorf("failed to seed demo user: %w", err)
	}

	sched := scheduler.New()
	defer sched.Stop()

	publisher := linkedin.NewClient(
		time.Duration(parseFloatFromEnv(d.getenv, "LINKEDIN_PUBLISH_DELAY_MS", float64(linkedin.DefaultPublishDelay/time.Millisecond)))*time.Millisecond,
		nil,
	)
	orch := publishing.New(st, sched, publisher)
	orch.PublishTimeout = parseIntervalFromEnv(d.getenv, "PUBLISH_TIMEOUT_SECONDS", publishing.DefaultPublishTimeout)

	gen := openai.NewClient(openai.Config{
		APIKey:  d.getenv("OPENAI_API_KEY"),
		BaseURL: d.getenv("OPENAI_BASE_URL"),
		Model:   d.getenv("OPENAI_MODEL"),
		RPS:     parseFloatFromEnv(d.getenv, "OPENAI_RPS", 2),
	}, nil, nil)

	h := handlers.New(handlers.Config{
		Posts:       orch,
		Generator:   gen,
		Users:       st,
		LinkedIn:    publisher,
		UserID:      demo.ID,
		Environment: environment(d.getenv),
		WSSecret:    d.getenv("INTERNAL_WS_SECRET"),
	})
	orch.OnChange = h.PostChanged

	if n, err := orch.Recover(rootCtx); err != nil {
		log.Printf("[Posts] recover_failed err=%v", err)
	} else if n > 0 {
		log.Printf("[Posts] re-registered %d scheduled posts", n)
	}
	// Another process can only add scheduled rows when the store is shared.
	startReconcilerIfEnabled(rootCtx, orch, d.getenv, db != nil)

	port := resolvePort(d.getenv)
	srv := &http.Server{
		Handler:      buildRouter(h),
		Addr:         ":" + port,
		WriteTimeout: orch.PublishTimeout + 15*time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
		if d.notify != nil {
			d.notify(stop, os.Interrupt, syscall.SIGTERM)
		}
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-stop:
		case <-rootCtx.Done():
			return
		}
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if d.listenAndServe == nil {
		return fmt.Errorf("listenAndServe dependency is required")
	}
	log.Printf("Server starting on port %s", port)
	if err := d.listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	log.Println("Server stopped")
	return nil
}
