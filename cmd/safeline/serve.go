package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"safeline/internal/app"
	"safeline/internal/engine"
	"safeline/internal/metrics"
	"safeline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the HTTP API, Prometheus metrics at /metrics and webhooks from the project config. SAFELINE_JWT_SECRET is required.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SAFELINE_JWT_SECRET is required for bearer auth")
			}
			logger := newLogger()
			reg := prometheus.NewRegistry()
			reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

			e, closeDB, err := openEngine(ctx, engine.WithLogger(logger), engine.WithMetrics(metrics.New(reg)))
			if err != nil {
				return err
			}
			defer closeDB()
			projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("workspace"), viper.GetString("project"), actorID(), e)
			if err != nil {
				return err
			}
			e.Config = cfg

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Logger:   logger,
				Gatherer: reg,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					DevLogin:               devLogin,
					AllowLegacyActorHeader: legacyActor,
					Logger:                 logger,
				},
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, e, projectID, cfg.Webhooks, logger)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving safeline API", "addr", addr, "base_path", basePath, "project_id", projectID, "dev_login", devLogin)
			fmt.Printf("Serving safeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local use only)")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "accept an unauthenticated X-Actor-Id header")
	return cmd
}
