package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"labelflow/internal/app"
	"labelflow/internal/config"
	"labelflow/internal/domain"
	"labelflow/internal/engine"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default labelflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Keeping existing %s\n", path)
			} else if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			} else {
				fmt.Printf("Wrote %s\n", path)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fmt.Printf("Workspace ready in %s\n", workspace)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing labelflow.yml")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				opts.ActorID = actorID()
				p, err := rt.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Created project %s (%s, %s)\n", p.ID, p.Name, p.TaskType)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.TaskType, "type", "", "task type: ner, sentiment or classification")
	cmd.Flags().StringVar(&opts.Language, "language", "en", "language of the texts")
	cmd.Flags().StringSliceVar(&opts.EntityClasses, "entity-class", nil, "allowed entity class (ner, repeatable)")
	cmd.Flags().StringSliceVar(&opts.Categories, "category", nil, "allowed category (classification, repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Language", "Labels"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.TaskType, p.Language, strings.Join(append(p.EntityClasses, p.Categories...), ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				p, err := rt.Engine.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var description string
	var classes, categories []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update project description or label sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				opts := engine.ProjectUpdateOptions{ID: projectID, ActorID: actorID()}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				if cmd.Flags().Changed("entity-class") {
					opts.EntityClasses = &classes
				}
				if cmd.Flags().Changed("category") {
					opts.Categories = &categories
				}
				p, err := rt.Engine.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringSliceVar(&classes, "entity-class", nil, "replace entity classes")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "replace categories")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete project with its tasks and feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				if err := rt.Engine.DeleteProject(ctx, projectID, actorID()); err != nil {
					return err
				}
				fmt.Printf("Deleted project %s\n", projectID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func annotatorCmd() *cobra.Command {
	ann := &cobra.Command{Use: "annotator", Short: "Manage annotators"}
	var a domain.Annotator
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or rename an annotator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a.ID = args[0]
				out, err := rt.Engine.RegisterAnnotator(ctx, a, actorID())
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	add.Flags().StringVar(&a.Name, "name", "", "display name")
	add.Flags().StringVar(&a.Email, "email", "", "email")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Per annotator throughput and client acceptance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				out, err := rt.Engine.AnnotatorStats(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Annotator", "Reviewed", "Corrections", "Approved", "Rejected", "Accuracy"})
				for _, s := range out {
					tw.AppendRow(table.Row{s.ID, s.TasksReviewed, s.Corrections, s.Approved, s.Rejected, fmt.Sprintf("%.1f%%", s.Accuracy*100)})
				}
				tw.Render()
				return nil
			})
		},
	}
	ann.AddCommand(add, stats)
	return ann
}

func guidelineCmd() *cobra.Command {
	g := &cobra.Command{Use: "guideline", Short: "Manage annotation guidelines"}
	var title, file string
	add := &cobra.Command{
		Use:   "add",
		Short: "Publish a new guideline version from a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				out, err := rt.Engine.CreateGuideline(ctx, engine.GuidelineCreateOptions{
					ProjectID: projectID, Title: title, Content: string(content), ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				fmt.Printf("Published %q as version %d\n", out.Title, out.Version)
				return nil
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "guideline title")
	add.Flags().StringVar(&file, "file", "", "markdown or text file")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("file")

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List guideline versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Engine.ListGuidelines(ctx, projectID, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Title", "Active", "By", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Version, it.Title, it.IsActive, it.CreatedBy, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive versions")
	g.AddCommand(add, list)
	return g
}
