package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"trustvault/internal/notify"
	"trustvault/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, actorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogger(viper.GetString("log-level"), true); err != nil {
				return err
			}
			log := slog.Default()
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TRUSTVAULT_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, AllowActorHeader: actorHeader, Log: log},
				Log:      log,
			})
			if err != nil {
				return err
			}

			sinks, closer, err := notify.FromConfig(a.Config, &http.Client{Timeout: 10 * time.Second})
			if err != nil {
				return err
			}
			defer closer.Close()

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("serving TrustVault API", "addr", addr, "base_path", basePath, "store", a.Config.Store.Driver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if len(sinks) > 0 {
				interval, err := a.Config.PollInterval()
				if err != nil {
					return err
				}
				d := &notify.Dispatcher{Journal: a.Backend, Sinks: sinks, Interval: interval, Log: log}
				start, err := notify.LatestCursor(ctx, a.Backend)
				if err != nil {
					return err
				}
				d.StartAt(start)
				g.Go(func() error {
					log.Info("notification dispatcher started", "sinks", len(sinks), "cursor", start)
					return d.Run(gctx)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for API bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
