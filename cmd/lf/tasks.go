package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"labelflow/internal/app"
	"labelflow/internal/domain"
	"labelflow/internal/engine"
	"labelflow/internal/labels"
)

func uploadCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Create uploaded tasks from a dataset file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				res, err := rt.Engine.Upload(ctx, engine.UploadOptions{
					ProjectID: projectID,
					Filename:  args[0],
					Format:    format,
					Data:      f,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Created %d tasks in %s\n", res.Created, res.ProjectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "csv, json, jsonl or text (default from extension)")
	return cmd
}

func labelCmd() *cobra.Command {
	var opts engine.LabelBatchOptions
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Auto-label uploaded tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				opts.ProjectID = projectID
				opts.Timeout = timeout
				opts.ActorID = actorID()
				res, err := rt.Engine.LabelBatch(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Labeled %d of %d tasks\n", res.Succeeded, res.Requested)
				for _, f := range res.Failures {
					fmt.Printf("  %s: %s\n", f.TaskID, f.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.TaskIDs, "task", nil, "task id to label (repeatable)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "max tasks to take (default from config)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "parallel labeler calls (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per task deadline (default from config)")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "tasks", Short: "Inspect tasks"}

	var opts engine.TaskListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				opts.ProjectID = projectID
				items, err := rt.Engine.ListTasks(ctx, opts)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	list.Flags().StringVar(&opts.Status, "status", "", "filter by status")
	list.Flags().StringVar(&opts.AnnotatorID, "annotator", "", "filter by annotator")
	list.Flags().StringVar(&opts.Cursor, "after", "", "list tasks after this id")
	list.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "max tasks")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				task, err := rt.Engine.GetTask(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	}
	t.AddCommand(list, show)
	return t
}

func pendingCmd() *cobra.Command {
	var annotator string
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Tasks awaiting review, least confident first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Engine.PendingTasks(ctx, projectID, annotator, limit)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	cmd.Flags().StringVar(&annotator, "annotator", "", "include tasks claimed by this annotator")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max tasks (default from config)")
	return cmd
}

func claimCmd() *cobra.Command {
	var annotator string
	cmd := &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Move a task into review for an annotator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.ClaimTask(ctx, args[0], annotatorOrActor(annotator))
				if err != nil {
					return err
				}
				return printTaskResult(task)
			})
		},
	}
	cmd.Flags().StringVar(&annotator, "annotator", "", "annotator id (default --actor-id)")
	return cmd
}

func reviewCmd() *cobra.Command {
	var annotator, raw string
	var accept bool
	cmd := &cobra.Command{
		Use:   "review <task-id>",
		Short: "Submit final labels for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accept == (raw != "") {
				return errors.New("use exactly one of --labels or --accept")
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				var final *labels.Payload
				if accept {
					task, err := rt.Engine.GetTask(ctx, projectID, args[0])
					if err != nil {
						return err
					}
					if task.AutoLabels == nil {
						return fmt.Errorf("task %s has no auto labels to accept", task.ID)
					}
					final = task.AutoLabels
				} else {
					p, err := labels.Decode([]byte(raw))
					if err != nil {
						return err
					}
					if p == nil {
						return errors.New("labels are required")
					}
					final = p
				}
				task, err := rt.Engine.Review(ctx, engine.ReviewOptions{
					TaskID:      args[0],
					FinalLabels: *final,
					AnnotatorID: annotatorOrActor(annotator),
				})
				if err != nil {
					return err
				}
				return printTaskResult(task)
			})
		},
	}
	cmd.Flags().StringVar(&annotator, "annotator", "", "annotator id (default --actor-id)")
	cmd.Flags().StringVar(&raw, "labels", "", `final labels as JSON, e.g. {"type":"sentiment","label":"positive"}`)
	cmd.Flags().BoolVar(&accept, "accept", false, "accept the auto labels unchanged")
	return cmd
}

func sampleCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Reviewed tasks for client validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Engine.FetchSample(ctx, projectID, limit)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max tasks (default from config)")
	return cmd
}

func feedbackCmd() *cobra.Command {
	var opts engine.FeedbackOptions
	var raw string
	cmd := &cobra.Command{
		Use:   "feedback <task-id>",
		Short: "Record client feedback on a reviewed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if raw != "" {
				p, err := labels.Decode([]byte(raw))
				if err != nil {
					return err
				}
				opts.CorrectedLabels = p
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				opts.TaskID = args[0]
				if opts.SubmittedBy == "" {
					opts.SubmittedBy = actorID()
				}
				res, err := rt.Engine.SubmitFeedback(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Recorded %s on %s; task is now %s\n", res.Feedback.Action, res.Task.ID, res.Task.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Action, "action", "", "approve, reject or correct")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment")
	cmd.Flags().StringVar(&raw, "labels", "", "corrected labels as JSON (correct only)")
	cmd.Flags().StringVar(&opts.SubmittedBy, "by", "", "submitter id (default --actor-id)")
	cmd.Flags().StringVar(&opts.ClientName, "client-name", "", "client name")
	cmd.Flags().StringVar(&opts.ClientEmail, "client-email", "", "client email")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Send a rejected task back to review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.Requeue(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTaskResult(task)
			})
		},
	}
}

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Close a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.Complete(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTaskResult(task)
			})
		},
	}
}

func annotatorOrActor(annotator string) string {
	if strings.TrimSpace(annotator) != "" {
		return annotator
	}
	return actorID()
}

func printTaskResult(task domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(task)
	}
	fmt.Printf("%s -> %s\n", task.ID, task.Status)
	return nil
}

func printTasks(items []domain.Task) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []domain.Task{}
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Confidence", "Labels", "Annotator", "Text"})
	for _, t := range items {
		conf := "-"
		if t.Confidence != nil {
			conf = fmt.Sprintf("%.2f", *t.Confidence)
		}
		annotator := ""
		if t.AnnotatorID != nil {
			annotator = *t.AnnotatorID
		}
		shown := t.FinalLabels
		if shown == nil {
			shown = t.AutoLabels
		}
		tw.AppendRow(table.Row{t.ID, t.Status, conf, summarize(shown), annotator, truncate(t.Text, 48)})
	}
	tw.Render()
	return nil
}

// summarize renders a payload in one short cell.
func summarize(p *labels.Payload) string {
	if p == nil {
		return ""
	}
	switch {
	case p.Sentiment != nil:
		return p.Sentiment.Label
	case p.Classification != nil:
		return p.Classification.Category
	case p.NER != nil:
		parts := make([]string, 0, len(p.NER.Entities))
		for _, e := range p.NER.Entities {
			parts = append(parts, e.Class+":"+e.Text)
		}
		return truncate(strings.Join(parts, " "), 40)
	}
	return string(p.Type)
}
