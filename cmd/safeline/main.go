package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"safeline/internal/app"
	"safeline/internal/db"
	"safeline/internal/engine"
	"safeline/internal/migrate"
	"safeline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "safeline",
	Short: "Machinery functional safety toolkit",
	Long: `safeline scores machinery designs against ISO 12100, ISO 13849-1 and IEC 62061
and governs changes to safety-relevant artifacts.
- Risk: severity x frequency x avoidance on the ISO 12100 matrix (safeline risk).
- PL: simplified ISO 13849-1 performance level estimate (safeline pl).
- SIL: PFHd and achieved SIL of a safety function (safeline sil).
- Evaluate: run a full compliance checklist and store the verdict (safeline evaluate).
- Changes: Draft -> Submitted -> (UnderReview) -> Approved -> Implemented, or Rejected.
  Dual review and separation of duties come from the project config.
- Event log: every stored action, view with 'safeline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SAFELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(plCmd())
	rootCmd.AddCommand(silCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(assessmentCmd())
	rootCmd.AddCommand(changeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openEngine opens and migrates the workspace database. The caller closes it.
func openEngine(ctx context.Context, opts ...engine.Option) (engine.Engine, func(), error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	opts = append([]engine.Option{engine.WithLogger(newLogger())}, opts...)
	return engine.New(conn, nil, opts...), func() { conn.Close() }, nil
}

// withEngine resolves the active project and runs fn with an engine bound to
// its config.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeDB, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeDB()
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("workspace"), viper.GetString("project"), viper.GetString("actor-id"), e)
	if err != nil {
		return err
	}
	e.Config = cfg
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	e, closeDB, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, e.Repo)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

// printRows renders a table unless --json asks for v instead.
func printRows(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
