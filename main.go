package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"calista-sync/internal/auth"
	"calista-sync/internal/meters/application"
	meterspostgres "calista-sync/internal/meters/infrastructure/postgres"
	metershttp "calista-sync/internal/meters/interfaces/http"
	"calista-sync/internal/observability/metrics"
	"calista-sync/internal/portal"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	syncCfg, err := application.LoadConfig()
	if err != nil {
		logger.Fatalf("sync config error: %v", err)
	}

	metrics.Init()

	client, err := portal.NewClient(cfg.PortalUsername, cfg.PortalPassword,
		portal.WithMaxWindowDays(syncCfg.WindowDays),
		portal.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("portal client error: %v", err)
	}

	var store application.ReadingStore
	var historyStore metershttp.HistoryStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		repo := meterspostgres.NewReadingRepository(db)
		store = repo
		historyStore = repo
	}

	syncService, err := application.NewSyncService(client, store, logger)
	if err != nil {
		logger.Fatalf("sync service error: %v", err)
	}

	scheduler := application.NewScheduler(syncService, syncCfg.Schedule.DailyAt, syncCfg.LookbackDays, logger)
	go scheduler.Start(context.Background())

	devicesHandler, err := metershttp.NewDevicesHandler(syncService, historyStore)
	if err != nil {
		logger.Fatalf("devices handler error: %v", err)
	}
	syncHandler, err := metershttp.NewSyncHandler(syncService, syncCfg.LookbackDays)
	if err != nil {
		logger.Fatalf("sync handler error: %v", err)
	}
	csvHandler, err := metershttp.NewExportCSVHandler(syncService)
	if err != nil {
		logger.Fatalf("csv handler error: %v", err)
	}
	reportHandler, err := metershttp.NewExportReportHandler(syncService)
	if err != nil {
		logger.Fatalf("report handler error: %v", err)
	}

	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), []string{"/healthz", "/metrics"})

	mux := http.NewServeMux()
	mux.Handle("/api/v1/devices", devicesHandler)
	mux.Handle("/api/v1/devices/", devicesHandler)
	mux.Handle("/api/v1/sync", syncHandler)
	mux.Handle("/api/v1/exports/readings.csv", csvHandler)
	mux.Handle("/api/v1/exports/readings.xlsx", reportHandler)
	mux.Handle("/api/v1/exports/readings.pdf", reportHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	PortalUsername string
	PortalPassword string
	DatabaseURL    string
	HTTPAddr       string
	JWTSecret      string
}

func loadConfig() config {
	cfg := config{
		PortalUsername: getenvDefault("PORTAL_USERNAME", ""),
		PortalPassword: getenvDefault("PORTAL_PASSWORD", ""),
		DatabaseURL:    getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:       getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:      getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
	}
	if cfg.PortalUsername == "" || cfg.PortalPassword == "" {
		log.Fatal("PORTAL_USERNAME and PORTAL_PASSWORD are required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
