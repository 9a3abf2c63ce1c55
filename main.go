package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"travelkit/internal/api"
	"travelkit/internal/config"
	"travelkit/internal/db"
	"travelkit/internal/logger"
	"travelkit/internal/notify"
	"travelkit/internal/payment"
	"travelkit/internal/scheduler"
	"travelkit/internal/workflow"
)

var version = "dev"

func main() {
	port := flag.Int("port", 8480, "HTTP server port")
	configPath := flag.String("config", "travelkit.yaml", "path to YAML config")
	baseURL := flag.String("base-url", "", "public base URL for confirmation links")
	flag.Parse()

	logger.Banner(version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("CONFIG", fmt.Sprintf("Failed to load config: %v", err))
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	database, err := db.Open()
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	defer database.Close()

	// Persisted API overrides win over the YAML file.
	if err := database.LoadConfigOverrides(cfg); err != nil {
		logger.Warn("CONFIG", fmt.Sprintf("Config overrides: %v", err))
	}

	url := *baseURL
	if url == "" {
		url = fmt.Sprintf("http://localhost:%d", *port)
	}

	senders := []notify.Sender{notify.LogSender{}}
	if webhook := os.Getenv("TRAVELKIT_NOTIFY_WEBHOOK"); webhook != "" {
		senders = append(senders, notify.NewWebhookSender(webhook))
	}
	dispatcher := notify.NewDispatcher(5, senders...)

	gateway := payment.NewGateway(
		payment.NewMockProvider(),
		envOrDefault("TRAVELKIT_WEBHOOK_SECRET", "whsec_dev"),
	)

	svc := workflow.New(database, cfg, dispatcher, gateway, url)
	sched := scheduler.New(cfg.Scheduler, svc)
	srv := api.NewServer(cfg, database, svc, gateway, version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sched.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("SCHED", fmt.Sprintf("Scheduler stopped: %v", err))
		}
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		logger.Info("Server", "Shutting down")
		httpSrv.Shutdown(context.Background())
	}()

	logger.Server(addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server", fmt.Sprintf("Failed: %v", err))
		os.Exit(1)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
