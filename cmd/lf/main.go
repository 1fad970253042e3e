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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"labelflow/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "lf",
	Short: "labelflow CLI",
	Long: `labelflow runs text annotation projects from upload to client sign-off.

Lifecycle of a task:
  uploaded -> auto_labeled -> (in_review) -> reviewed -> client_approved | client_rejected -> completed

- Upload a dataset (csv, json, jsonl or plain text) into a project.
- Auto-label the uploaded tasks; annotators review the least confident first.
- Clients sample reviewed work and approve, reject or correct it.
- Rejected tasks can be requeued for another review; export returns every task with final labels.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log-format"), viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LABELFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/labelflow.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in events")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "project", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(labelCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(sampleCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(requeueCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(annotatorCmd())
	rootCmd.AddCommand(guidelineCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(labelerCmd())
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// --- helpers ---

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     slog.Default(),
	})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withProject runs fn with the resolved --project.
func withProject(ctx context.Context, fn func(context.Context, *app.Runtime, string) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		projectID, err := rt.ResolveProject(ctx, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, rt, projectID)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
