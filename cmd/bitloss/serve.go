package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/bitloss-labs/bitloss/internal/corruption"
	"github.com/bitloss-labs/bitloss/internal/events"
	"github.com/bitloss-labs/bitloss/internal/httpapi"
	"github.com/bitloss-labs/bitloss/internal/lifecycle"
	"github.com/bitloss-labs/bitloss/internal/middleware"
	"github.com/bitloss-labs/bitloss/internal/reaper"
)

const (
	shutdownTimeout  = 10 * time.Second
	limiterIdleLimit = 10 * time.Minute
)

func newServeCmd() *cobra.Command {
	var noReaper bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, corruption workers and reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), !noReaper)
		},
	}

	cmd.Flags().BoolVar(&noReaper, "no-reaper", false, "Do not archive destroyed artifacts from this process")

	return cmd
}

func runServe(ctx context.Context, withReaper bool) error {
	d, err := loadDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	log := d.logger

	resolver, err := newResolver(d)
	if err != nil {
		return err
	}
	queue, redisQueue, err := newQueue(d, log.WithComponent("corruption"))
	if err != nil {
		return err
	}
	defer queue.Close()
	codec, err := newCodec(d)
	if err != nil {
		return err
	}

	feed := events.NewRingBuffer(256)
	ctrl, err := lifecycle.New(lifecycle.Deps{
		Store:   d.store,
		Ledger:  d.ledger,
		Objects: d.objects,
		Queue:   queue,
		Events:  feed,
		Rules:   d.rules,
		Log:     log.WithComponent("lifecycle"),
	})
	if err != nil {
		return err
	}

	cors := middleware.NewCORSMiddleware(d.cfg.CORSOrigins)
	limiter := middleware.NewRateLimiter(d.cfg.RateLimitRPS, d.cfg.RateLimitBurst, d.cfg.ClientSalt, log)
	handler := httpapi.NewHandler(httpapi.Options{
		Controller:  ctrl,
		Resolver:    resolver,
		Logger:      log,
		Health:      d.store,
		Events:      events.NewHub(feed, cors.Allowed, log.WithComponent("events")),
		CORS:        cors,
		RateLimiter: limiter,
	})

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	worker := corruption.NewWorker(d.objects, codec, d.store, log.WithComponent("corruption"))
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := queue.Run(workerCtx, worker.Handle); ignoreCanceled(err) != nil {
			log.WithError(err).Error("Corruption workers stopped")
		}
	}()

	var r *reaper.Reaper
	if withReaper {
		r = reaper.New(reaper.Deps{
			Store:   d.store,
			Objects: d.objects,
			Ledger:  d.ledger,
			Events:  feed,
			Rules:   d.rules,
			Log:     log.WithComponent("reaper"),
		})
		if err := r.Start(workerCtx); err != nil {
			return err
		}
	}

	cronLog := cron.PrintfLogger(log.WithComponent("cron"))
	scheduler := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog)))
	if _, err := scheduler.AddFunc("@every 1m", func() {
		if n := limiter.Cleanup(limiterIdleLimit); n > 0 {
			log.WithComponent("ratelimit").WithField("removed", n).Debug("Dropped idle rate limiters")
		}
	}); err != nil {
		return err
	}
	if redisQueue != nil {
		if _, err := scheduler.AddFunc("@every 30s", func() {
			n, err := redisQueue.Reclaim(workerCtx)
			if err != nil {
				log.WithComponent("corruption").WithError(err).Warn("Reclaim failed")
				return
			}
			if n > 0 {
				log.WithComponent("corruption").WithField("jobs", n).Info("Reclaimed abandoned corruption jobs")
			}
		}); err != nil {
			return err
		}
	}
	scheduler.Start()

	server := &http.Server{
		Addr:              d.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", d.cfg.HTTPAddr).Info("bitloss listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("Server error")
		}
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Shutdown error")
	}
	<-scheduler.Stop().Done()
	if r != nil {
		if err := r.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("Reaper stop error")
		}
	}
	stopWorkers()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		log.Warn("Corruption workers did not stop in time")
	}

	log.Info("Service stopped")
	return nil
}
