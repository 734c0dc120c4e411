package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"studioline/internal/app"
	"studioline/internal/config"
	"studioline/internal/db"
	"studioline/internal/domain"
	"studioline/internal/engine"
	"studioline/internal/export"
	"studioline/internal/migrate"
	"studioline/internal/repo"
	"studioline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Studioline CLI",
	Long: `Studioline runs a film production through its lifecycle with one AI agent per department.
- Production: a project started from a brief (title, logline, genre, budget).
- Phases: development -> pre-production -> production -> post-production -> delivery, strictly in order.
- Departments: writing, direction, cinematography, audio, editing, production-design, production.
- Deliverables: versioned artifacts, rated by the reviewer and approved at 7/10 or better.
- Decisions: a human approves, rejects or asks for changes on any deliverable of the current phase.
- Budget and schedule: every provider call is billed to its department; milestones close when their artifacts are approved.
- Event log: everything that happened, view with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := app.LoadEnv(workspace); err != nil {
			return err
		}
		slog.SetDefault(app.NewLogger(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format")))
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STUDIOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("production", "STUDIOLINE_PRODUCTION", app.DefaultProductionKey)
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("production", "p", "", "production id (overrides the workspace default)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "json", "actor-id", "production", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(productionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(deliverablesCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func productionCmd() *cobra.Command {
	prd := &cobra.Command{Use: "production", Aliases: []string{"prod"}, Short: "Manage productions"}
	prd.AddCommand(productionStartCmd())
	prd.AddCommand(productionListCmd())
	prd.AddCommand(productionShowCmd())
	prd.AddCommand(productionUseCmd())
	prd.AddCommand(productionDeleteCmd())
	return prd
}

func productionStartCmd() *cobra.Command {
	var brief domain.Brief
	var use bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a production from a brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.StartProject(ctx, brief, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if use {
					if err := app.SetDefaultProduction(viper.GetString("workspace"), p.ID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Started %s (%s)\n", p.ID, p.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&brief.ProjectID, "id", "", "production id (derived from the title when empty)")
	cmd.Flags().StringVar(&brief.Title, "title", "", "working title")
	cmd.Flags().StringVar(&brief.Logline, "logline", "", "one-line premise")
	cmd.Flags().StringVar(&brief.Genre, "genre", "", "genre")
	cmd.Flags().StringVar(&brief.Format, "format", "", "format, e.g. feature or short")
	cmd.Flags().Float64Var(&brief.Budget, "budget", 0, "total budget (config default when zero)")
	cmd.Flags().StringVar(&brief.Notes, "notes", "", "free-form notes for the agents")
	cmd.Flags().BoolVar(&use, "use", true, "make it the workspace's current production")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func productionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List productions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProductions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Phase", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.CurrentPhase, ago(p.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func productionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current production",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				p, err := e.Repo.GetProduction(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func productionUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the current production for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("production id is required")
			}
			workspace := viper.GetString("workspace")
			if err := withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, err := r.GetProduction(ctx, id)
				return err
			}); err != nil {
				return fmt.Errorf("production %s: %w", id, err)
			}
			if err := app.SetDefaultProduction(workspace, id); err != nil {
				return err
			}
			fmt.Printf("Set %s=%s in %s/%s\n", app.DefaultProductionKey, id, workspace, app.EnvFile)
			return nil
		},
	}
}

func productionDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the current production and its history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to delete without --force")
			}
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				if err := e.DeleteProduction(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm deletion")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage production config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the production config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				cfg, err := e.Repo.GetProductionConfig(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the production config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				cfg.Project.ID = id
				if err := e.UpdateConfig(ctx, id, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Imported %s into %s\n", filePath, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default studioline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("studioline")), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{Use: "phase", Short: "Run and inspect lifecycle phases"}
	ph.AddCommand(phaseRunCmd())
	ph.AddCommand(phaseListCmd())
	return ph
}

func phaseRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run <phase>",
		Short:     "Run the next phase",
		Args:      cobra.ExactArgs(1),
		ValidArgs: phaseNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ph, err := domain.ParsePhase(args[0])
			if err != nil {
				return err
			}
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				res, err := e.RunPhase(ctx, id, ph, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s\n", ph, res.Summary)
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "Dept", "Try", "Provider", "Rating", "Status"})
				for _, ex := range res.Report.Executed {
					tw.AppendRow(table.Row{ex.Task.ID, ex.Task.Department, ex.Task.Attempt, ex.Result.Provider, ex.Review.Rating, ex.Status})
				}
				tw.Render()
				for _, b := range res.Blockers {
					fmt.Printf("  blocker: %s\n", b)
				}
				for _, o := range res.Exported {
					fmt.Printf("  exported s3://%s/%s (%s)\n", o.Bucket, o.Key, humanize.Bytes(uint64(o.Size)))
				}
				printBudget(res.Dashboard)
				return nil
			})
		},
	}
	return cmd
}

func phaseListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show lifecycle progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				d, err := e.Report(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d.Completed)
				}
				done := map[domain.Phase]string{}
				for _, o := range d.Completed {
					state := "completed"
					if !o.Success {
						state = "failed"
					}
					done[o.Phase] = state
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Phase", "State"})
				for _, ph := range domain.Phases() {
					state, ok := done[ph]
					switch {
					case ok:
					case ph == d.NextPhase:
						state = "next"
					default:
						state = "pending"
					}
					tw.AppendRow(table.Row{ph, state})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func deliverablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliverables <phase>",
		Short: "List the deliverables of a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ph, err := domain.ParsePhase(args[0])
			if err != nil {
				return err
			}
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				dels, err := e.GetDeliverables(ctx, id, ph)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dels)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Artifact", "Type", "Name", "Dept", "Ver", "Rating", "Status"})
				for _, d := range dels {
					tw.AppendRow(table.Row{d.ArtifactID, d.Type, d.Name, d.Department, d.Version, d.Rating, d.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func decideCmd() *cobra.Command {
	var details string
	cmd := &cobra.Command{
		Use:       "decide <approve|reject|modify> <artifact-or-task-id>",
		Short:     "Record a human decision on a deliverable",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"approve", "reject", "modify"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				out, err := e.MakeDecision(ctx, id, domain.Decision{
					Type:      domain.DecisionType(args[0]),
					Subject:   args[1],
					Details:   details,
					DeciderID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				for artifactID, status := range out.Updated {
					fmt.Printf("%s -> %s\n", artifactID, status)
				}
				if out.Revision != nil {
					fmt.Printf("revision %s: rating %d, %s\n", out.Revision.Task.ID, out.Revision.Review.Rating, out.Revision.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&details, "details", "", "notes for the department (used as revision feedback)")
	return cmd
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Production dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				d, err := e.Report(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				phase := string(d.CurrentPhase)
				if phase == "" {
					phase = "not started"
				}
				fmt.Printf("%s (%s), phase: %s, artifacts: %d\n", d.Title, d.ProductionID, phase, d.Artifacts)

				agents := newTable()
				agents.AppendHeader(table.Row{"Department", "Status", "Skills", "Last error"})
				for _, a := range d.Agents {
					agents.AppendRow(table.Row{a.Department, a.Status, strings.Join(a.Skills, ", "), a.LastError})
				}
				agents.Render()

				ms := newTable()
				ms.AppendHeader(table.Row{"Milestone", "Phase", "Due", "Done"})
				for _, m := range d.Milestones {
					done := ""
					if m.Completed {
						done = "yes"
					}
					ms.AppendRow(table.Row{m.Name, m.Phase, m.DueDate.Format(config.DateLayout), done})
				}
				ms.Render()
				printBudget(d)
				return nil
			})
		},
	}
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the tool providers of the production",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProduction(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				descs, err := e.Providers(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(descs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Category", "Tier", "Departments", "Actions"})
				for _, d := range descs {
					var depts, actions []string
					for _, dept := range d.Departments {
						depts = append(depts, string(dept))
					}
					for _, c := range d.Capabilities {
						actions = append(actions, string(c.Action))
					}
					tw.AppendRow(table.Row{d.ID, d.Category, d.Tier, strings.Join(depts, ","), strings.Join(actions, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	var all bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if !all {
					id, err := app.ResolveProduction(ctx, r, viper.GetString("production"))
					if err != nil {
						return err
					}
					f.ProductionID = id
				}
				items, err := r.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "When", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, ago(evt.TS), evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVar(&all, "all", false, "events of every production")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, plain, err := r.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("Created key %s for %s\n%s\n(store it now; it is not shown again)\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, ago(k.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	keys.AddCommand(create, list)
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.WorkspaceConfig(workspace)
			if err != nil {
				return err
			}
			logger := slog.Default()
			e := engine.New(conn, cfg)
			e.Logger = logger
			if strings.TrimSpace(cfg.Export.Bucket) != "" {
				x, err := export.New(cmd.Context(), cfg.Export)
				if err != nil {
					return err
				}
				x.Logger = logger
				e.Exporter = x
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STUDIOLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), e.Repo, "", cfg.Webhooks, logger)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving studioline api", "addr", addr, "base_path", basePath, "webhooks", len(cfg.Webhooks), "export", e.Exporter != nil)
			fmt.Printf("Serving Studioline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (local development)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env STUDIOLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.WorkspaceConfig(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Logger = slog.Default()
	return fn(ctx, e)
}

func withProduction(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		id, err := app.ResolveProduction(ctx, e.Repo, viper.GetString("production"))
		if err != nil {
			return err
		}
		return fn(ctx, e, id)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printBudget(d engine.Dashboard) {
	b := d.Budget
	status := "on track"
	if !b.OnTrack {
		status = "over budget"
	}
	fmt.Printf("Budget: %s of %s spent, %s left (%s)\n",
		humanize.CommafWithDigits(b.Spent, 2), humanize.CommafWithDigits(b.Total, 2), humanize.CommafWithDigits(b.Remaining, 2), status)
	if b.NextMilestone != nil {
		fmt.Printf("Next milestone: %s, due %s\n", b.NextMilestone.Name, humanize.Time(b.NextMilestone.DueDate))
	}
	for _, r := range b.Risks {
		fmt.Printf("  risk [%s] %s\n", r.Severity, r.Message)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func phaseNames() []string {
	var out []string
	for _, ph := range domain.Phases() {
		out = append(out, string(ph))
	}
	return out
}
