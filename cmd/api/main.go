package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"reminders/internal/ack"
	"reminders/internal/bootstrap"
	"reminders/internal/config"
	"reminders/internal/directory"
	"reminders/internal/dispatch"
	"reminders/internal/httpserver"
	"reminders/internal/logging"
	"reminders/internal/observability"
	sqsqueue "reminders/internal/queue/sqs"
	"reminders/internal/recurrence"
	"reminders/internal/service"
	"reminders/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	log := logging.Init("api", logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := bootstrap.OpenStore(ctx, cfg.StoreConfig, log)
	if err != nil {
		log.Error("api store init failed", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	var sqsAPI sqsqueue.API
	if bootstrap.NeedsSQS(cfg.DeliveryConfig) {
		client, err := bootstrap.SQSClient(ctx, cfg.DeliveryConfig)
		if err != nil {
			log.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		sqsAPI = client
	}

	resolver, err := bootstrap.Resolver(cfg.DeliveryConfig, log)
	if err != nil {
		log.Error("api recipient directory failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	if cfg.TemplatesFile != "" {
		templates, err := directory.LoadTemplates(cfg.TemplatesFile)
		if err != nil {
			log.Error("api template catalog failed", "err", err)
			os.Exit(1)
		}
		if err := directory.Seed(ctx, st, templates, util.NowUTC()); err != nil {
			log.Error("api template seed failed", "err", err)
			os.Exit(1)
		}
		log.Info("template catalog seeded", "templates", len(templates))
	}

	registry := bootstrap.BuildRegistry(cfg.DeliveryConfig, sqsAPI, log)
	spawner := recurrence.NewSpawner(st, log)
	dispatcher := dispatch.New(st, registry, resolver, spawner, dispatch.Config{
		MaxAttempts: cfg.DispatchMaxAttempts,
		Concurrency: cfg.DispatchConcurrency,
	}, log)

	svc := &service.ReminderService{
		Store:      st,
		Dispatcher: dispatcher,
		Tracker:    ack.New(st, spawner, log),
		Log:        log,
	}

	s := httpserver.New(2*time.Second, st.Ping)
	api := &httpserver.API{Svc: svc, Log: log}
	api.Register(s.Mux)
	s.Mux.Use(httpserver.Logging(log), httpserver.Metrics(observability.APIRequests))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", "port", cfg.Port, "store", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
