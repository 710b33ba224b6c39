// Package main provides the send worker entry point. Each trigger, periodic or AMQP,
// runs one bounded processor invocation.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/campaign-sendqueue/internal/app"
	"github.com/campaign-sendqueue/internal/config"
	"github.com/campaign-sendqueue/internal/logging"
	"github.com/campaign-sendqueue/internal/trigger"
	"github.com/campaign-sendqueue/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "Run a single invocation and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.NewLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	engine, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize engine")
	}
	defer engine.Close()

	sendWorker, err := worker.NewSendWorker(&worker.SendWorkerConfig{
		Runner:          engine.Processor,
		Sweeper:         engine.Sweeper,
		PollInterval:    cfg.Queue.PollInterval,
		BatchSize:       cfg.Queue.BatchSize,
		AutoMaterialize: cfg.Queue.AutoMaterialize,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create send worker")
	}

	if *once {
		res, err := sendWorker.Tick(ctx)
		if err != nil {
			logger.WithError(err).Error("Invocation failed")
			os.Exit(1)
		}
		logger.WithFields(map[string]interface{}{
			"claim_token": res.ClaimToken,
			"claimed":     res.Claimed,
			"sent":        res.Sent,
			"retried":     res.Retried,
			"failed":      res.Failed,
			"deferred":    res.Deferred,
		}).Info("Invocation finished")
		return
	}

	if cfg.Queue.PollInterval <= 0 && cfg.AMQP.URL == "" {
		logger.Fatal("No trigger configured: set QUEUE_POLL_INTERVAL or AMQP_URL")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Queue.PollInterval > 0 {
		g.Go(func() error {
			if err := sendWorker.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return sendWorker.Stop(stopCtx)
		})
	}

	if cfg.AMQP.URL != "" {
		consumer, err := trigger.NewAMQPConsumer(cfg.AMQP.URL, cfg.AMQP.Queue, engine.Processor)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create trigger consumer")
		}
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	logger.WithFields(map[string]interface{}{
		"poll_interval": cfg.Queue.PollInterval.String(),
		"amqp_queue":    cfg.AMQP.Queue,
		"batch_size":    cfg.Queue.BatchSize,
	}).Info("Send worker running")

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Worker exited with error")
		os.Exit(1)
	}

	status := sendWorker.GetStatus()
	logger.WithFields(map[string]interface{}{
		"invocations": status.Invocations,
		"sent":        status.Sent,
		"failed":      status.Failed,
	}).Info("Worker exited")
}
