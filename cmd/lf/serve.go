package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"labelflow/internal/app"
	"labelflow/internal/autolabel"
	"labelflow/internal/config"
	"labelflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("LABELFLOW_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("LABELFLOW_JWT_SECRET is required for bearer auth")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if !cmd.Flags().Changed("addr") {
					addr = rt.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: rt.Config.Server.AllowLegacyActorHeader,
						Logger:                 rt.Logger,
					},
					Hub:      rt.Hub,
					Metrics:  rt.Metrics.Handler(),
					DevLogin: rt.Config.Server.DevLogin,
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}
				if hooks := rt.Webhooks(); hooks != nil {
					go hooks.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						rt.Logger.Warn("shutdown", "err", err)
					}
				}()
				fmt.Printf("Serving labelflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (default from config)")
	return cmd
}

func labelerCmd() *cobra.Command {
	l := &cobra.Command{Use: "labeler", Short: "Run auto-labeling workers"}
	var natsURL, subject, queue string
	var timeout time.Duration
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Answer labeling requests over NATS with the keyword labeler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			if natsURL == "" {
				natsURL = cfg.Notify.NATSURL
			}
			if natsURL == "" {
				natsURL = nats.DefaultURL
			}
			if subject == "" {
				subject = cfg.Labeling.NATSSubject
			}
			if timeout == 0 {
				timeout = cfg.LabelTimeout()
			}
			logger := slog.Default().With("component", "labeler")
			nc, err := nats.Connect(natsURL, nats.Name("labelflow-labeler"), nats.MaxReconnects(-1))
			if err != nil {
				return fmt.Errorf("connect nats %s: %w", natsURL, err)
			}
			defer nc.Close()
			logger.Info("labeler listening", "url", natsURL, "subject", subject)
			return autolabel.Serve(cmd.Context(), nc, autolabel.NewKeyword(cfg.Labeling.Gazetteer), autolabel.ServeOptions{
				Subject:    subject,
				QueueGroup: queue,
				Timeout:    timeout,
				Logger:     logger,
			})
		},
	}
	serve.Flags().StringVar(&natsURL, "nats-url", "", "NATS server (default notify.nats_url)")
	serve.Flags().StringVar(&subject, "subject", "", "request subject (default labeling.nats_subject)")
	serve.Flags().StringVar(&queue, "queue", autolabel.DefaultQueueGroup, "queue group")
	serve.Flags().DurationVar(&timeout, "timeout", 0, "per request deadline (default labeling.timeout_seconds)")
	l.AddCommand(serve)
	return l
}

func loadCLIConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}
