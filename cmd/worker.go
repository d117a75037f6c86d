package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/example/campsniper/internal/alerts"
	"github.com/example/campsniper/internal/config"
	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/executor"
	"github.com/example/campsniper/internal/metrics"
	"github.com/example/campsniper/internal/migrate"
	"github.com/example/campsniper/internal/monitor"
	"github.com/example/campsniper/internal/notify"
	"github.com/example/campsniper/internal/queue"
	"github.com/example/campsniper/internal/sidecar"
	"github.com/example/campsniper/internal/snipes"
	"github.com/example/campsniper/internal/vault"
)

// newWorkerCmd runs the data plane: the scan scheduler plus the three job
// queues (availability scans, snipe phases, auto-booking). It is a separate
// process from the API so a deploy of one does not interrupt the other at
// a window instant.
func newWorkerCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scan scheduler and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}
			if err := migrate.Up(ctx, d); err != nil {
				return err
			}

			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer rdb.Close()

			aead, err := vault.NewAEAD(cfg.CredentialKey)
			if err != nil {
				return err
			}
			creds := vault.NewStore(d, aead)
			alertRepo := alerts.NewRepo(d)
			snipeRepo := snipes.NewRepo(d)

			var sender notify.Sender = notify.LogSender{}
			if cfg.AmqpURL != "" {
				pub, err := notify.NewPublisher(cfg.AmqpURL)
				if err != nil {
					return fmt.Errorf("amqp connect: %w", err)
				}
				defer pub.Close()
				sender = pub
			} else {
				log.Printf("AMQP_URL not set, notifications go to the log")
			}

			jobs := queue.NewClient(rdb)
			side := sidecar.New(cfg.SidecarURL)
			if !side.Healthy(ctx) {
				log.Printf("warning: booking sidecar at %s is not answering", cfg.SidecarURL)
			}

			mon := monitor.New(alertRepo, side, monitor.NewRedisSeenCache(rdb), jobs, sender)
			exec := executor.New(snipeRepo, creds, side, executor.NewRedisSessions(rdb), jobs, sender)
			booker := monitor.NewBooker(alertRepo, creds, side, sender)

			scanWorker := &queue.Worker{
				Client:      jobs,
				Queue:       monitor.ScanQueue,
				Handler:     mon.HandleScan,
				Concurrency: cfg.ScanConcurrency,
				Limiter:     rate.NewLimiter(rate.Limit(cfg.ScanRatePerSec), cfg.ScanRatePerSec),
			}
			snipeWorker := &queue.Worker{
				Client:      jobs,
				Queue:       snipes.ExecutorQueue,
				Handler:     exec.Handle,
				Concurrency: cfg.SnipeConcurrency,
				// Snipe retries must stay inside the minutes after the
				// window opens, so back off gently.
				BackoffBase: 2 * time.Second,
			}
			bookWorker := &queue.Worker{
				Client:      jobs,
				Queue:       monitor.BookQueue,
				Handler:     booker.Handle,
				Concurrency: cfg.BookConcurrency,
			}

			go serveMetrics(ctx, metricsAddr)
			go func() { _ = scanWorker.Run(ctx) }()
			go func() { _ = snipeWorker.Run(ctx) }()
			go func() { _ = bookWorker.Run(ctx) }()

			sched := monitor.NewScheduler(alertRepo, jobs, sender, cfg.SchedulerTick)
			sched.Run(ctx)
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for /metrics")
	return cmd
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("metrics server: %v", err)
	}
}
