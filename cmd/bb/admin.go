package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ballotbox/internal/app"
	"ballotbox/internal/auth"
	"ballotbox/internal/config"
	"ballotbox/internal/repo"
	"ballotbox/internal/server"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every successful create, overwrite, edit, end and vote is recorded here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var (
		f   repo.EventFilter
		key string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key != "" {
				k, err := parseKey(key)
				if err != nil {
					return err
				}
				f.ProposalKey = &k
			}
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				events, err := st.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Key", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProposalKey, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().StringVar(&key, "key", "", "proposal key filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				actor = viper.GetString("caller")
			}
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				key, plain, err := st.Repo.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]string{
						"id":       key.ID,
						"actor_id": key.ActorID,
						"name":     key.Name,
						"key":      plain,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\nactor: %s\nkey:   %s\n", key.ID, key.ActorID, plain)
				fmt.Fprintln(cmd.ErrOrStderr(), "store the key now; it cannot be shown again")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --caller)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				keys, err := st.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys for this actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, func(ctx context.Context, st *app.Stack) error {
				if err := st.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in ballotbox.yml at the workspace root. Missing settings fall back to built-in defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default ballotbox.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate ballotbox.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath, jwtSecret string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if jwtSecret == "" {
				jwtSecret = viper.GetString("jwt-secret")
			}
			if jwtSecret == "" && !cfg.Server.AllowLegacyCallerHeader {
				return fmt.Errorf("BALLOTBOX_JWT_SECRET (or --jwt-secret) is required unless server.allow_legacy_caller_header is set")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			promReg := prometheus.NewRegistry()
			promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			st, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				Config:     cfg,
				Caller:     auth.ContextCaller{},
				Logger:     logger,
				Prometheus: promReg,
			})
			if err != nil {
				return err
			}
			defer st.Close()

			handler, err := server.New(server.Config{
				Registry: st.Registry,
				Repo:     st.Repo,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:               jwtSecret,
					AllowLegacyCallerHeader: cfg.Server.AllowLegacyCallerHeader,
				},
				Logger:   logger.With("component", "http"),
				Gatherer: promReg,
			})
			if err != nil {
				return err
			}
			hooks := server.NewWebhookDispatcher(st.Repo, cfg.Webhooks, logger.With("component", "webhooks"))
			hooksDone := make(chan struct{})
			go func() {
				defer close(hooksDone)
				hooks.Run(ctx)
			}()

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving ballotbox API", "addr", addr, "base_path", basePath, "store", cfg.Store.Driver)
			fmt.Fprintf(cmd.OutOrStdout(), "Serving ballotbox API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			err = srv.ListenAndServe()
			stop()
			<-hooksDone
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 secret for bearer tokens (env BALLOTBOX_JWT_SECRET)")
	return cmd
}
