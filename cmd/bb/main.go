package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ballotbox/internal/app"
	"ballotbox/internal/auth"
	"ballotbox/internal/config"
	"ballotbox/internal/db"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	initConfig()
	root := &cobra.Command{
		Use:   "bb",
		Short: "Ballotbox CLI",
		Long: `Ballotbox keeps proposals and their votes in a durable workspace.
- Proposal: a description, an active flag, an owner and three vote counters, stored under a 64-bit key.
- Owner: whoever created the proposal; only the owner may edit or end it.
- Vote: approve, reject or pass. One vote per caller per proposal, only while active.
- Caller: who you are. Locally that is --caller; over HTTP it comes from a JWT, an API key or the legacy X-Caller-Id header.
- Event log: every change is recorded, view it with 'bb log tail'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	addPersistentFlags(root)
	registerCommands(root)
	return root
}

func initConfig() {
	viper.SetEnvPrefix("BALLOTBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("caller", "local-user", "caller identity for local commands")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); defaults to log.level in ballotbox.yml")
	for _, name := range []string{"workspace", "json", "caller", "log-level"} {
		_ = viper.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(proposalCmd())
	root.AddCommand(logCmd())
	root.AddCommand(apikeyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(serveCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level := viper.GetString("log-level")
	if level == "" && cfg != nil {
		level = cfg.Log.Level
	}
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func withStack(cmd *cobra.Command, fn func(context.Context, *app.Stack) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Caller:    auth.StaticCaller(strings.TrimSpace(viper.GetString("caller"))),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func parseKey(s string) (uint64, error) {
	key, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q: want an unsigned 64-bit integer", s)
	}
	return key, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
