package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/campsniper/internal/alerts"
	"github.com/example/campsniper/internal/auth"
	"github.com/example/campsniper/internal/config"
	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/migrate"
	"github.com/example/campsniper/internal/monitor"
	"github.com/example/campsniper/internal/notify"
	"github.com/example/campsniper/internal/queue"
	"github.com/example/campsniper/internal/sidecar"
	"github.com/example/campsniper/internal/snipes"
	"github.com/example/campsniper/internal/vault"
	"github.com/example/campsniper/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the JSON API",
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

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer rdb.Close()

			aead, err := vault.NewAEAD(cfg.CredentialKey)
			if err != nil {
				return err
			}
			creds := vault.NewStore(d, aead)

			jobs := queue.NewClient(rdb)
			side := sidecar.New(cfg.SidecarURL)

			srv := &web.Server{
				Auth:    auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey),
				DB:      d,
				Alerts:  alerts.NewRepo(d),
				Snipes:  snipes.NewOrchestrator(snipes.NewRepo(d), creds, jobs),
				Vault:   creds,
				Scans:   monitor.New(alerts.NewRepo(d), side, monitor.NewRedisSeenCache(rdb), jobs, notify.LogSender{}),
				Sidecar: side,
				BaseURL: cfg.BaseURL,
			}
			return web.Start(ctx, cfg.ListenAddr, srv.Routes())
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
