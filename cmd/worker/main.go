package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"

	"reminders/internal/ack"
	"reminders/internal/bootstrap"
	"reminders/internal/config"
	"reminders/internal/dispatch"
	"reminders/internal/escalation"
	"reminders/internal/httpserver"
	"reminders/internal/logging"
	"reminders/internal/observability"
	sqsqueue "reminders/internal/queue/sqs"
	"reminders/internal/recurrence"
	"reminders/internal/scheduler"
)

func main() {
	cfg := config.LoadWorker()
	log := logging.Init("worker", logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := bootstrap.OpenStore(ctx, cfg.StoreConfig, log)
	if err != nil {
		log.Error("worker store init failed", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	var sqsClient *sqs.Client
	if bootstrap.NeedsSQS(cfg.DeliveryConfig) || cfg.AckQueueURL != "" {
		sqsClient, err = bootstrap.SQSClient(ctx, cfg.DeliveryConfig)
		if err != nil {
			log.Error("worker sqs client init failed", "err", err)
			os.Exit(1)
		}
	}

	checks := []httpserver.ReadyzCheck{st.Ping}
	if cfg.AckQueueURL != "" {
		queueReachable := func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.AckQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		}
		startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
		err := queueReachable(startupCtx)
		startupCancel()
		if err != nil {
			log.Error("ack queue not reachable", "queue_url", cfg.AckQueueURL, "err", err)
			os.Exit(1)
		}
		checks = append(checks, queueReachable)
	}

	resolver, err := bootstrap.Resolver(cfg.DeliveryConfig, log)
	if err != nil {
		log.Error("worker recipient directory failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	var sqsAPI sqsqueue.API
	if sqsClient != nil {
		sqsAPI = sqsClient
	}
	registry := bootstrap.BuildRegistry(cfg.DeliveryConfig, sqsAPI, log)
	spawner := recurrence.NewSpawner(st, log)
	dispatcher := dispatch.New(st, registry, resolver, spawner, dispatch.Config{
		MaxAttempts: cfg.DispatchMaxAttempts,
		Concurrency: cfg.DispatchConcurrency,
	}, log)
	escalator := escalation.New(st, dispatcher, cfg.EscalationAudience, log)
	tracker := ack.New(st, spawner, log)

	sched := scheduler.New(st, dispatcher, escalator, spawner, scheduler.Config{
		Spec:          cfg.SweepSchedule,
		Workers:       cfg.WorkerConcurrency,
		BatchSize:     cfg.SweepBatchSize,
		CatchUpWindow: cfg.CatchUpWindow,
	}, log)

	// health server (liveness + readiness + metrics)
	health := httpserver.New(2*time.Second, checks...)
	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(log)(health.Mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	healthErrCh := make(chan error, 1)
	go func() {
		log.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	if err := sched.Start(ctx); err != nil {
		log.Error("worker scheduler start failed", "err", err)
		os.Exit(1)
	}
	// pick up anything that fell due while the worker was down
	go func() {
		res, err := sched.Sweep(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("startup sweep failed", "err", err)
			return
		}
		log.Info("startup sweep done", "due", res.Due, "enqueued", res.Enqueued, "escalated", res.Escalated, "spawned", res.Spawned)
	}()

	pollErrCh := make(chan error, 1)
	if cfg.AckQueueURL != "" {
		consumer := &sqsqueue.Consumer{
			SQS: sqsClient, QueueURL: cfg.AckQueueURL,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}
		go func() {
			log.Info("worker starting ack poll", "queue_url", cfg.AckQueueURL, "consumers", cfg.AckConsumers)
			pollErrCh <- consumer.PollConcurrent(ctx, cfg.AckConsumers, func(ctx context.Context, ev sqsqueue.AckEvent) error {
				start := time.Now()
				err := tracker.HandleEvent(ctx, ev)
				if err != nil {
					log.Info("ack event finish", "reminder_id", ev.ReminderID, "status", "error", "duration", time.Since(start), "err", err)
				} else {
					log.Info("ack event finish", "reminder_id", ev.ReminderID, "status", "ok", "duration", time.Since(start))
				}
				return err
			})
		}()
	}

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker ack poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("worker shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	sched.Stop(shutdownCtx)
	cancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	if cfg.AckQueueURL != "" {
		select {
		case <-pollErrCh:
		case <-time.After(10 * time.Second):
			log.Info("worker shutdown timeout waiting for ack poll loop")
		}
	}
}
