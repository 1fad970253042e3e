package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"labelflow/internal/app"
	"labelflow/internal/domain"
	"labelflow/internal/engine/auth"
	"labelflow/internal/repo"
	"labelflow/internal/server"
)

func exportCmd() *cobra.Command {
	var out, format string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every task with final labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "jsonl" {
				return fmt.Errorf("invalid format %q", format)
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				records, err := rt.Engine.Export(ctx, projectID)
				if err != nil {
					return err
				}
				var w io.Writer = os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				if err := writeExport(w, records, format); err != nil {
					return err
				}
				if w != os.Stdout {
					fmt.Printf("Exported %d tasks to %s\n", len(records), out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&format, "format", "json", "json or jsonl")
	return cmd
}

func writeExport(w io.Writer, records []domain.ExportRecord, format string) error {
	enc := json.NewEncoder(w)
	if format == "jsonl" {
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	if records == nil {
		records = []domain.ExportRecord{}
	}
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Project status counts and completion rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				st, err := rt.Engine.Stats(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, st.Counts[s]})
				}
				tw.AppendFooter(table.Row{"total", st.Total})
				tw.Render()
				fmt.Printf("Completion rate:    %.1f%%\n", st.CompletionRate*100)
				fmt.Printf("Average confidence: %.2f\n", st.AverageConfidence)
				actions := make([]string, 0, len(st.Feedback))
				for a := range st.Feedback {
					actions = append(actions, a)
				}
				sort.Strings(actions)
				for _, a := range actions {
					fmt.Printf("Feedback %-9s %d\n", a+":", st.Feedback[a])
				}
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the project event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				f.ProjectID = projectID
				items, err := rt.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var role, name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue an API key; the key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				issued, err := rt.Engine.CreateAPIKey(ctx, args[0], role, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": issued.ID, "actor_id": issued.ActorID, "role": issued.Role, "key": issued.Key})
				}
				fmt.Printf("Key %s for %s (%s)\n%s\n", issued.ID, issued.ActorID, issued.Role, issued.Key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&role, "role", auth.RoleAnnotator, "role granted to the key")
	create.Flags().StringVar(&name, "name", "", "label for the key")

	list := &cobra.Command{
		Use:   "list <actor-id>",
		Short: "List API keys of an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.ListAPIKeys(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Role, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with LABELFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("LABELFLOW_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("LABELFLOW_JWT_SECRET is required to sign tokens")
			}
			for _, r := range roles {
				if !auth.ValidRole(r) {
					return fmt.Errorf("invalid role %q", r)
				}
			}
			token, err := server.SignToken(secret, annotatorOrActor(actor), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "subject of the token (default --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{auth.RoleAnnotator}, "roles: "+strings.Join(auth.Roles(), ", "))
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
