package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"lbot/internal/app"
	"lbot/internal/checker"
	"lbot/internal/config"
	"lbot/internal/db"
	"lbot/internal/domain"
	"lbot/internal/engine"
	"lbot/internal/engine/auth"
	"lbot/internal/lock"
	"lbot/internal/migrate"
	"lbot/internal/notify"
	"lbot/internal/repo"
	"lbot/internal/server"
	lbotsdk "lbot/sdk/go"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "lbot",
	Short: "Task reminder bot",
	Long: `lbot keeps a group chat's tasks and follows up on them.
- Commands: chat messages starting with a trigger ("#" or "＃") and a command name; parameters go on the following lines.
- Tasks: name, deadline, importance (高/中/低), group and participants.
- Checker: run periodically ('lbot check all'); reminds tomorrow's tasks in the evening and asks participants of important tasks whether they can attend.
- Confirmation mode: while a group has open attendance checks, members answer with #できる / #できない.
- Event log: every change is recorded, view with 'lbot log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor recorded in the event log")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage lbot.yml",
		Long:  "lbot.yml holds the timezone, checker schedule, command triggers and push webhook. Missing keys keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default lbot.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate lbot.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the dispatch, checker and listing API. LBOT_JWT_SECRET signs and verifies bearer tokens (see 'lbot token').",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("LBOT_JWT_SECRET is required for bearer auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workspace := viper.GetString("workspace")
				chk := checker.New(e, messenger(e.Config), lock.New(e.Config.LockPath(workspace)), logger.Named("checker"))
				handler, err := server.New(server.Config{
					Bot:      app.New(e, logger),
					Checker:  chk,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Log:      logger.Named("server"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving lbot API", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func checkCmd() *cobra.Command {
	var force bool
	var remote, token string
	kinds := make([]string, 0, len(checker.Kinds()))
	for _, k := range checker.Kinds() {
		kinds = append(kinds, string(k))
	}
	cmd := &cobra.Command{
		Use:       "check <kind>",
		Short:     "Run the task checker",
		Long:      "Runs one checker pass. kind is one of " + strings.Join(kinds, ", ") + ". Concurrent runs wait on the workspace lock.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := checker.ParseKind(args[0])
			if err != nil {
				return err
			}
			if remote != "" {
				rep, err := lbotsdk.New(remote, token).RunCheck(cmd.Context(), string(kind), force)
				if err != nil {
					return err
				}
				return printReport(rep)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workspace := viper.GetString("workspace")
				chk := checker.New(e, messenger(e.Config), lock.New(e.Config.LockPath(workspace)), logger.Named("checker"))
				rep, err := chk.Check(ctx, kind, force)
				if err != nil {
					return err
				}
				ran := make([]string, 0, len(rep.Ran))
				for _, k := range rep.Ran {
					ran = append(ran, string(k))
				}
				return printReport(lbotsdk.CheckReport{
					Kind:     string(rep.Kind),
					Ran:      ran,
					Notified: rep.Notified,
					Opened:   rep.Opened,
					Marked:   rep.Marked,
					Purged:   rep.Purged,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the time-of-day gates")
	cmd.Flags().StringVar(&remote, "remote", "", "run on a server instead of the local workspace (base URL, e.g. http://127.0.0.1:8080)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("LBOT_TOKEN"), "bearer token for --remote")
	return cmd
}

func printReport(rep lbotsdk.CheckReport) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	fmt.Printf("ran: %s\n", strings.Join(rep.Ran, ", "))
	fmt.Printf("notified: %d, opened: %d, marked: %d, purged: %d\n", rep.Notified, rep.Opened, rep.Marked, rep.Purged)
	return nil
}

func dispatchCmd() *cobra.Command {
	var in app.Inbound
	cmd := &cobra.Command{
		Use:   "dispatch <text>",
		Short: "Handle one chat message locally and print the reply",
		Long:  "Feeds a message through the command dispatcher as if it came from a chat service. Use \\n for line breaks.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Text = strings.ReplaceAll(strings.Join(args, " "), `\n`, "\n")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reply, err := app.New(e, logger).Handle(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"reply": reply, "replied": reply != ""})
				}
				if reply != "" {
					fmt.Println(reply)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.ServiceKind, "service", "cli", "service kind")
	cmd.Flags().StringVar(&in.UserID, "user", "local-user", "sender's service id")
	cmd.Flags().StringVar(&in.UserName, "user-name", "", "sender's display name")
	cmd.Flags().StringVar(&in.GroupID, "group", "", "group's service id (empty for a direct message)")
	cmd.Flags().StringVar(&in.GroupName, "group-name", "", "group's display name")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	t.AddCommand(taskListCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var f repo.TaskFilter
				if group != "" {
					g, err := e.Repo.GetGroupByName(ctx, nil, group)
					if err != nil {
						return err
					}
					f.GroupID = g.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				loc := e.Location()
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Deadline", "Importance", "Group", "Participants", "Reminded", "Checked", "Soon"})
				for _, t := range tasks {
					groupName := ""
					if t.GroupID != nil {
						if g, err := e.Repo.GetGroup(ctx, nil, *t.GroupID); err == nil {
							groupName = g.Name
						}
					}
					participants, err := e.Repo.ListTaskMembers(ctx, nil, t.ID, domain.RoleParticipant)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{
						t.Name,
						t.Deadline.In(loc).Format("2006-01-02 15:04"),
						t.Importance.Label(),
						groupName,
						strings.Join(userNames(participants), "、"),
						t.TomorrowRemindDone,
						t.TomorrowCheckDone,
						t.SoonCheckDone,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group name filter")
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Inspect attendance checks"}
	j.AddCommand(jobListCmd())
	return j
}

func jobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <group>",
		Short: "List a group's open attendance checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGroupByName(ctx, nil, args[0])
				if err != nil {
					return err
				}
				open, err := e.ListOpenJobs(ctx, nil, g.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(open)
				}
				now := e.LocalNow()
				tw := newTable()
				tw.SetTitle(fmt.Sprintf("%s (confirmation mode: %t)", g.Name, g.HasCommandGroup(domain.ConfirmationCommandGroup)))
				tw.AppendHeader(table.Row{"#", "Task", "Task deadline", "Expires", "Answered"})
				for _, oj := range open {
					checked, err := e.Repo.ListCheckedUsers(ctx, nil, oj.Job.ID)
					if err != nil {
						return err
					}
					required, err := e.Repo.CountTaskMembers(ctx, nil, oj.Task.ID, domain.RoleParticipant)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{
						oj.Job.CheckNumber,
						oj.Task.Name,
						engine.FormatDeadline(oj.Task.Deadline, now, now.Location()),
						engine.FormatDeadline(oj.Job.Deadline, now, now.Location()),
						fmt.Sprintf("%d/%d %s", len(checked), required, strings.Join(userNames(checked), "、")),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userListCmd())
	u.AddCommand(userAuthorityCmd())
	return u
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Authority", "Service", "Service ID", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.Name, u.Authority, u.ServiceKind, u.ServiceID, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userAuthorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authority <name> <level>",
		Short: "Set a user's authority (Master, Editor, Watcher)",
		Long:  "Sets authority without a chat actor. Use it to appoint the first Master.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := auth.Parse(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.BootstrapAuthority(ctx, args[0], level)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("%s is now %s\n", u.Name, u.Authority)
				return nil
			})
		},
	}
}

func groupCmd() *cobra.Command {
	g := &cobra.Command{Use: "group", Short: "Inspect groups"}
	g.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				groups, err := e.Repo.ListGroups(ctx, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Service", "Service ID", "Members", "Command groups"})
				for _, g := range groups {
					members, err := e.Repo.ListGroupMembers(ctx, nil, g.ID, repo.GroupMember)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{g.Name, g.ServiceKind, g.ServiceID, strings.Join(userNames(members), "、"), strings.Join(g.CommandGroups, ",")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return g
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear every checker flag and attendance check",
		Long:  "Tasks become eligible for reminders again, open checks are dropped and confirmation mode is switched off in every group.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset drops every open check; pass --yes to confirm")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ResetChecks(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("reset %d tasks, dropped %d jobs, disabled %d confirmation modes\n", res.Tasks, res.Jobs, res.ModesDisabled)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with LBOT_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range roles {
				switch r {
				case server.RoleAdmin, server.RoleBot, server.RoleScheduler:
				default:
					return fmt.Errorf("unknown role %q", r)
				}
			}
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (e.g. line-adapter)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles: admin, bot, scheduler")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, logger.Named("engine")))
}

// messenger pushes through the configured webhook, or only logs when none is set.
func messenger(cfg *config.Config) notify.Messenger {
	if cfg.Notify.WebhookURL == "" {
		return notify.Log{Logger: logger.Named("push")}
	}
	secret := cfg.Notify.Secret
	if s := viper.GetString("notify-secret"); s != "" {
		secret = s
	}
	return notify.Webhook{
		URL:     cfg.Notify.WebhookURL,
		Secret:  secret,
		Timeout: cfg.Notify.Timeout,
		Logger:  logger.Named("push"),
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func userNames(users []domain.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Name)
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
