package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/events"
	"buildline/internal/feature"
	"buildline/internal/migrate"
	"buildline/internal/repo"
	"buildline/internal/vault"
)

var rootCmd = &cobra.Command{
	Use:   "buildline",
	Short: "Buildline CLI",
	Long: `Buildline orchestrates CI builds: it turns an incoming change into a
numbered build, expands it into a matrix of jobs, tracks each job through its
lifecycle and keeps secure configuration values out of display output.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUILDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("legacy-global-env", false, "store global env under _global_env (compatibility)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("legacy-global-env", rootCmd.PersistentFlags().Lookup("legacy-global-env"))
}

func registerCommands() {
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(eventsCmd())
}

func withEngine(ctx context.Context, fn func(ctx context.Context, e engine.Engine, r repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Debug("using database", "path", db.Path(workspace))
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.New(conn)
	v := vault.New(r)
	em := events.Multi{&events.Writer{DB: conn}, events.Log{}}
	flags := feature.Static{feature.LegacyGlobalEnv: viper.GetBool("legacy-global-env")}
	return fn(ctx, engine.New(r, em, v, flags), r)
}

func repoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "repo", Short: "Manage repositories"}
	cmd.AddCommand(repoAddCmd())
	cmd.AddCommand(repoListCmd())
	return cmd
}

func repoAddCmd() *cobra.Command {
	var slug string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a repository and generate its secret key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				key, err := vault.NewKey()
				if err != nil {
					return err
				}
				rep := domain.Repository{
					ID:        uuid.NewString(),
					Slug:      slug,
					SecretKey: base64.StdEncoding.EncodeToString(key),
					CreatedAt: time.Now(),
				}
				if err := r.InsertRepository(ctx, rep); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": rep.ID, "slug": rep.Slug})
			})
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "repository slug, e.g. owner/name")
	_ = cmd.MarkFlagRequired("slug")
	return cmd
}

func repoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				reps, err := r.ListRepositories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Created"})
				for _, rep := range reps {
					tw.AppendRow(table.Row{rep.ID, rep.Slug, rep.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "build", Short: "Manage builds"}
	cmd.AddCommand(buildCreateCmd())
	cmd.AddCommand(buildShowCmd())
	cmd.AddCommand(buildListCmd())
	cmd.AddCommand(buildResetCmd())
	cmd.AddCommand(buildCancelCmd())
	return cmd
}

func resolveRepo(ctx context.Context, r repo.Repo, slug string) (domain.Repository, error) {
	rep, err := r.GetRepositoryBySlug(ctx, slug)
	if err != nil {
		return rep, fmt.Errorf("repository %s: %w", slug, err)
	}
	return rep, nil
}

func buildCreateCmd() *cobra.Command {
	var repoSlug, sha, branch, message, event, prTitle, baseRepo, headRepo, configFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a build from a change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				rep, err := resolveRepo(ctx, r, repoSlug)
				if err != nil {
					return err
				}
				var raw []byte
				if configFile != "" {
					if raw, err = os.ReadFile(configFile); err != nil {
						return err
					}
				}
				res, err := e.CreateBuild(ctx, engine.CreateBuildOptions{
					RepositoryID: rep.ID,
					Commit:       engine.CommitInfo{SHA: sha, Branch: branch, Message: message},
					Request: engine.RequestInfo{
						EventType:        domain.EventType(event),
						PullRequestTitle: prTitle,
						BaseRepositoryID: baseRepo,
						HeadRepositoryID: headRepo,
					},
					RawConfig: raw,
				})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSON(map[string]any{
					"build_id": res.Build.ID,
					"number":   res.Build.Number,
					"state":    res.Build.State,
					"jobs":     len(res.Jobs),
				})
			})
		},
	}
	cmd.Flags().StringVar(&repoSlug, "repo", "", "repository slug")
	cmd.Flags().StringVar(&sha, "sha", "", "commit sha")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name")
	cmd.Flags().StringVar(&message, "message", "", "commit message")
	cmd.Flags().StringVar(&event, "event", "push", "event type: push, pull_request, api, cron")
	cmd.Flags().StringVar(&prTitle, "pr-title", "", "pull request title")
	cmd.Flags().StringVar(&baseRepo, "base-repo", "", "pull request base repository id")
	cmd.Flags().StringVar(&headRepo, "head-repo", "", "pull request head repository id")
	cmd.Flags().StringVar(&configFile, "config", "", "build configuration file (.yml)")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func buildShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <build-id>",
		Short: "Show a build with its jobs and redacted configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				b, err := r.GetBuild(ctx, args[0])
				if err != nil {
					return err
				}
				jobs, err := r.ListJobs(ctx, b.ID)
				if err != nil {
					return err
				}
				cfg, err := e.ObfuscatedConfig(ctx, b.ID)
				if err != nil {
					return err
				}
				display, err := cfg.Encode()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"build": b, "jobs": jobs, "config": string(display)})
				}
				fmt.Printf("build %s #%s [%s] (%s) on %s\n", b.ID, b.Number, b.State, b.State.Color(), b.Branch)
				if b.PreviousState != nil {
					fmt.Printf("previous state on branch: %s\n", *b.PreviousState)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "State", "Started", "Finished", "Duration"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.Number, j.State, fmtTime(j.StartedAt), fmtTime(j.FinishedAt), fmtDuration(j.Duration)})
				}
				tw.Render()
				fmt.Println("config:")
				fmt.Print(string(display))
				return nil
			})
		},
	}
}

func buildListCmd() *cobra.Command {
	var repoSlug, branch string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a repository's builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				rep, err := resolveRepo(ctx, r, repoSlug)
				if err != nil {
					return err
				}
				builds, err := r.ListBuilds(ctx, rep.ID, branch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(builds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "State", "Branch", "Event", "Previous", "Duration"})
				for _, b := range builds {
					prev := ""
					if b.PreviousState != nil {
						prev = string(*b.PreviousState)
					}
					tw.AppendRow(table.Row{b.Number, b.State, b.Branch, b.EventType, prev, fmtDuration(b.Duration)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoSlug, "repo", "", "repository slug")
	cmd.Flags().StringVar(&branch, "branch", "", "branch filter")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func buildResetCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "reset <build-id>",
		Short: "Return a build to created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				res, err := e.ResetBuild(ctx, engine.ResetBuildOptions{BuildID: args[0], Jobs: cascade})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSON(map[string]any{"build_id": res.Build.ID, "state": res.Build.State})
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "jobs", false, "also reset every job in the matrix")
	return cmd
}

func buildCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a pending build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				res, err := e.CancelBuild(ctx, args[0])
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSON(map[string]any{"build_id": res.Build.ID, "state": res.Build.State})
			})
		},
	}
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Manage jobs"}
	cmd.AddCommand(jobUpdateCmd())
	return cmd
}

func jobUpdateCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "update <job-id>",
		Short: "Advance a job's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				res, err := e.UpdateJobState(ctx, engine.UpdateJobOptions{JobID: args[0], State: domain.State(state)})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSON(map[string]any{
					"job_id":      res.Job.ID,
					"job_state":   res.Job.State,
					"build_id":    res.Build.ID,
					"build_state": res.Build.State,
				})
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "new state: started, passed, failed, errored, canceled")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func encryptCmd() *cobra.Command {
	var repoSlug string
	cmd := &cobra.Command{
		Use:   "encrypt KEY=VALUE",
		Short: "Encrypt an env var for a repository",
		Long:  "Encrypts KEY=VALUE with the repository's key and prints a secure marker to paste into a build configuration.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				rep, err := resolveRepo(ctx, r, repoSlug)
				if err != nil {
					return err
				}
				ct, err := e.Vault.Encrypt(ctx, rep.ID, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("secure: %q\n", ct)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoSlug, "repo", "", "repository slug")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the lifecycle event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, r repo.Repo) error {
				evs, err := r.ListEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Event", "Payload"})
				for _, ev := range evs {
					tw.AppendRow(table.Row{ev.TS.Format(time.RFC3339), ev.Name, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of events")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func fmtDuration(d *int64) string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%ds", *d)
}
