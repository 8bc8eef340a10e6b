package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskbazaar/internal/app"
	"taskbazaar/internal/config"
	"taskbazaar/internal/db"
	"taskbazaar/internal/domain"
	"taskbazaar/internal/engine"
	"taskbazaar/internal/migrate"
	"taskbazaar/internal/repo"
	"taskbazaar/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "TaskBazaar CLI",
	Long: `TaskBazaar is a task marketplace where autonomous agents compete for work.
Posters publish tasks with a credit budget; agents browse, claim, and deliver.
Every mutation is idempotent: retrying with the same Idempotency-Key replays
the stored response instead of running twice.`,
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
	viper.SetEnvPrefix("TASKBAZAAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
			fmt.Printf("initialized workspace at %s\n", workspace)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			return migrate.Migrate(conn)
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage poster accounts"}
	cmd.AddCommand(userCreateCmd())
	return cmd
}

func userCreateCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a poster account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, email, password)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage worker agents"}
	cmd.AddCommand(agentCreateCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentKeyCmd())
	cmd.AddCommand(agentReputationCmd())
	cmd.AddCommand(agentCreditsCmd())
	cmd.AddCommand(agentTasksCmd())
	return cmd
}

func agentListCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents operated by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.ListAgents(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(agents)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "operator user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func agentCreateCmd() *cobra.Command {
	var userID int64
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgent(ctx, userID, name)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "operator user id")
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage agent API keys"}

	var issueUser, issueAgent int64
	var keyName string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.IssueAPIKey(ctx, issueUser, issueAgent, keyName)
				if err != nil {
					return err
				}
				fmt.Printf("api key (save it now, it is not stored): %s\n", plaintext)
				return printJSON(key)
			})
		},
	}
	issue.Flags().Int64Var(&issueUser, "user", 0, "operator user id")
	issue.Flags().Int64Var(&issueAgent, "agent", 0, "agent id")
	issue.Flags().StringVar(&keyName, "name", "", "key label")
	_ = issue.MarkFlagRequired("user")
	_ = issue.MarkFlagRequired("agent")
	cmd.AddCommand(issue)

	var revokeUser, revokeAgent, keyID int64
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, revokeUser, revokeAgent, keyID)
			})
		},
	}
	revoke.Flags().Int64Var(&revokeUser, "user", 0, "operator user id")
	revoke.Flags().Int64Var(&revokeAgent, "agent", 0, "agent id")
	revoke.Flags().Int64Var(&keyID, "key", 0, "key id")
	_ = revoke.MarkFlagRequired("user")
	_ = revoke.MarkFlagRequired("agent")
	_ = revoke.MarkFlagRequired("key")
	cmd.AddCommand(revoke)

	return cmd
}

func agentReputationCmd() *cobra.Command {
	var agentID int64
	cmd := &cobra.Command{
		Use:   "reputation",
		Short: "Show agent reputation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.AgentReputation(ctx, agentID)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent", 0, "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func agentCreditsCmd() *cobra.Command {
	var agentID int64
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Show an agent's credit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txs, err := e.CreditHistory(ctx, agentID)
				if err != nil {
					return err
				}
				return printJSON(txs)
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent", 0, "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func agentTasksCmd() *cobra.Command {
	var agentID int64
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks assigned to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasksByAssignee(ctx, agentID)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent", 0, "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskPostCmd())
	cmd.AddCommand(taskBrowseCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskClaimCmd())
	cmd.AddCommand(taskDeliverCmd())
	cmd.AddCommand(taskReviseCmd())
	cmd.AddCommand(taskAcceptCmd())
	cmd.AddCommand(taskCancelCmd())
	return cmd
}

// idemKeyFlag wires the shared --idempotency-key flag. A fresh UUID per
// invocation is the right default for a CLI: rerunning the command is a new
// operation unless the user pins the key to replay one.
func idemKeyFlag(cmd *cobra.Command, key *string) {
	cmd.Flags().StringVar(key, "idempotency-key", "", "idempotency key (default: random per invocation)")
}

func idemKeyOrRandom(key string) string {
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func taskPostCmd() *cobra.Command {
	var posterID, budget int64
	var title, description, idemKey string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, idemKeyOrRandom(idemKey), posterID, title, description, budget)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().Int64Var(&posterID, "user", 0, "poster user id")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().Int64Var(&budget, "budget", 0, "credit budget")
	idemKeyFlag(cmd, &idemKey)
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

func taskBrowseCmd() *cobra.Command {
	var cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Browse claimable tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.BrowseTasks(ctx, cursor, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				if err := printTasks(page.Tasks); err != nil {
					return err
				}
				if page.NextCursor != "" {
					fmt.Printf("next: tb task browse --cursor %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var taskID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a task and its deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				deliverables, err := e.ListDeliverables(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"task": t, "deliverables": deliverables})
			})
		},
	}
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var agentID, taskID, credits int64
	var idemKey string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a task for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ClaimTask(ctx, idemKeyOrRandom(idemKey), agentID, taskID, credits)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent", 0, "agent id")
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	cmd.Flags().Int64Var(&credits, "credits", 0, "proposed credits")
	idemKeyFlag(cmd, &idemKey)
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("credits")
	return cmd
}

func taskDeliverCmd() *cobra.Command {
	var agentID, taskID int64
	var content, idemKey string
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver work for a claimed task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DeliverTask(ctx, idemKeyOrRandom(idemKey), agentID, taskID, content)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent", 0, "agent id")
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	cmd.Flags().StringVar(&content, "content", "", "deliverable content")
	idemKeyFlag(cmd, &idemKey)
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func taskReviseCmd() *cobra.Command {
	var posterID, taskID int64
	var feedback, idemKey string
	cmd := &cobra.Command{
		Use:   "revise",
		Short: "Request a revision on a delivered task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RequestRevision(ctx, idemKeyOrRandom(idemKey), posterID, taskID, feedback)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Int64Var(&posterID, "user", 0, "poster user id")
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	cmd.Flags().StringVar(&feedback, "feedback", "", "revision feedback")
	idemKeyFlag(cmd, &idemKey)
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func taskAcceptCmd() *cobra.Command {
	var posterID, taskID int64
	var idemKey string
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Accept a delivered task and pay the reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AcceptTask(ctx, idemKeyOrRandom(idemKey), posterID, taskID)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Int64Var(&posterID, "user", 0, "poster user id")
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	idemKeyFlag(cmd, &idemKey)
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var posterID, taskID int64
	var idemKey string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an unclaimed task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, idemKeyOrRandom(idemKey), posterID, taskID)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().Int64Var(&posterID, "user", 0, "poster user id")
	cmd.Flags().Int64Var(&taskID, "task", 0, "task id")
	idemKeyFlag(cmd, &idemKey)
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if addr == "" {
				addr = e.Config.Server.Addr
			}
			if basePath == "" {
				basePath = e.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TASKBAZAAR_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TASKBAZAAR_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Context: cmd.Context()})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving TaskBazaar API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Budget", "Status", "Assignee", "Claimed At"})
	for _, t := range tasks {
		assignee := ""
		if t.AssigneeID != nil {
			assignee = fmt.Sprint(*t.AssigneeID)
		}
		claimedAt := ""
		if t.ClaimedAt != nil {
			claimedAt = *t.ClaimedAt
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Budget, t.Status, assignee, claimedAt})
	}
	tw.Render()
	return nil
}
