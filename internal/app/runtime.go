// Package app wires a workspace into a running engine: database, config,
// labeler, notification channels and metrics.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"labelflow/internal/autolabel"
	"labelflow/internal/config"
	"labelflow/internal/db"
	"labelflow/internal/engine"
	"labelflow/internal/metrics"
	"labelflow/internal/migrate"
	"labelflow/internal/notify"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/labelflow.yml.
	ConfigPath string
	Logger     *slog.Logger
}

// Runtime owns every long-lived resource of a process.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Hub       *notify.Hub
	Metrics   *metrics.Metrics
	NATS      *nats.Conn
	Logger    *slog.Logger
}

// Open prepares the workspace, migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Hub:       notify.NewHub(cfg.Notify.ClientBuffer, logger),
		Metrics:   metrics.New(),
		Logger:    logger,
	}
	if cfg.Notify.NATSURL != "" {
		nc, err := nats.Connect(cfg.Notify.NATSURL,
			nats.Name("labelflow"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "error", err)
				}
			}),
		)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect nats %s: %w", cfg.Notify.NATSURL, err)
		}
		rt.NATS = nc
	}

	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Metrics = rt.Metrics
	if cfg.Labeling.Backend == config.BackendNATS {
		eng.Labeler = autolabel.NewNATSLabeler(rt.NATS, cfg.Labeling.NATSSubject)
	}
	publishers := notify.Fanout{rt.Hub}
	if rt.NATS != nil {
		publishers = append(publishers, notify.NewNATS(rt.NATS, cfg.Notify.SubjectPrefix))
	}
	eng.Notifier = publishers
	rt.Engine = eng
	logger.Debug("runtime ready", "workspace", opts.Workspace, "labeler", cfg.Labeling.Backend, "nats", rt.NATS != nil)
	return rt, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Webhooks returns a dispatcher for the configured hooks, or nil when there
// are none.
func (r *Runtime) Webhooks() *notify.WebhookDispatcher {
	var hooks []config.Webhook
	for _, h := range r.Config.Notify.Webhooks {
		if h.IsEnabled() {
			hooks = append(hooks, h)
		}
	}
	if len(hooks) == 0 {
		return nil
	}
	return notify.NewWebhookDispatcher(r.Engine.Repo, hooks, r.Logger)
}

// ResolveProject returns override, or the only project of the workspace.
func (r *Runtime) ResolveProject(ctx context.Context, override string) (string, error) {
	if override != "" {
		if _, err := r.Engine.GetProject(ctx, override); err != nil {
			return "", fmt.Errorf("project %s: %w", override, err)
		}
		return override, nil
	}
	projects, err := r.Engine.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	if len(projects) != 1 {
		return "", errors.New("project not specified; use --project")
	}
	return projects[0].ID, nil
}

func (r *Runtime) Close() error {
	if r.Hub != nil {
		r.Hub.Close()
	}
	if r.NATS != nil {
		if err := r.NATS.Drain(); err != nil {
			r.NATS.Close()
		}
	}
	if r.DB != nil {
		return r.DB.Close()
	}
	return nil
}
