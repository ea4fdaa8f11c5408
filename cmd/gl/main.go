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

	"goalline/internal/config"
	"goalline/internal/db"
	"goalline/internal/engine"
	"goalline/internal/migrate"
	"goalline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Goalline CLI",
	Long: `Goalline runs an autonomous goal orchestration loop.
- Goals: outcomes you submit; one goal is active at a time, the rest wait in line.
- Cards: units of work a goal decomposes into; they flow backlog -> plan -> implement -> test -> review -> done.
- Cycle: every tick the loop reads context, recalls learnings, decides one action, executes it, and records what happened.
- Fix cards: when a stage fails and asks for a fix, the loop spawns a fix card blocking the failed one.
- Learnings: completed goals are promoted to long-term memory and recalled for similar goals later.
- Usage breaker: the loop idles when executor usage limits are near, instead of burning the budget.`,
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
	viper.SetEnvPrefix("GOALLINE")
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
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{
		Use:   "goal",
		Short: "Manage goals",
		Long:  "Goals are the outcomes the loop works toward. Submit one and the loop activates it, decomposes it into cards, and drives them to done.",
	}
	goal.AddCommand(goalSubmitCmd())
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalShowCmd())
	goal.AddCommand(goalActionsCmd())
	goal.AddCommand(goalPauseCmd())
	goal.AddCommand(goalResumeCmd())
	goal.AddCommand(goalFailCmd())
	return goal
}

func goalSubmitCmd() *cobra.Command {
	var source, sourceID string
	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Submit a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.SubmitGoal(ctx, strings.TrimSpace(args[0]), source, sourceID)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "submission source (cli, api, webhook)")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "external id at the source")
	return cmd
}

func goalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				goals, err := e.Repo.ListGoals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(goals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Cards", "Tokens", "Description"})
				for _, g := range goals {
					tw.AppendRow(table.Row{shortID(g.ID), g.Status, len(g.CardIDs), g.TotalTokens, truncate(g.Description, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func goalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.Repo.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func goalActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions <id>",
		Short: "Show a goal's action history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actions, err := e.Repo.GoalActions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Started", "Type", "Success", "Error"})
				for _, a := range actions {
					errText := ""
					if a.Error != nil {
						errText = truncate(*a.Error, 50)
					}
					tw.AppendRow(table.Row{a.StartedAt, a.Type, a.Success, errText})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func goalPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause the active goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.PauseGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func goalResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.ResumeGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func goalFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark a goal failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.FailGoal(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{
		Use:   "card",
		Short: "Manage cards",
		Long:  "Cards are the units of work inside a goal. They move one column per cycle and may depend on each other; a card is ready when every dependency is done.",
	}
	card.AddCommand(cardListCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardCancelCmd())
	return card
}

func cardListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cards, err := e.Repo.ListCards(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Column", "Fix", "NeedsFix", "Deps", "Title"})
				for _, c := range cards {
					tw.AppendRow(table.Row{shortID(c.ID), c.Column, c.IsFix, c.NeedsFix, len(c.DependsOn), truncate(c.Title, 50)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cardCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CancelCard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				overview, err := e.Overview(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(overview)
				}
				if overview.ActiveGoal != nil {
					fmt.Printf("Active goal: %s (%s)\n", shortID(overview.ActiveGoal.ID), truncate(overview.ActiveGoal.Description, 60))
				} else {
					fmt.Println("Active goal: none")
				}
				fmt.Printf("Pending goals: %d\n", overview.PendingGoals)
				if len(overview.CardsByColumn) > 0 {
					fmt.Println("Cards:")
					for _, col := range []string{"backlog", "plan", "implement", "test", "review", "done", "cancelled"} {
						if n := overview.CardsByColumn[col]; n > 0 {
							fmt.Printf("  %s: %d\n", col, n)
						}
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the decision loop in the foreground",
		Long:  "Runs one cycle per interval until interrupted. Ctrl-C stops after the in-flight cycle finishes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				runner := engine.NewRunner(e)
				runner.Start(ctx)
				fmt.Printf("Loop running every %s. Ctrl-C to stop.\n", e.Config.LoopInterval())
				<-ctx.Done()
				runner.Stop()
				fmt.Println("Loop stopped.")
				return nil
			})
		},
	}
	return cmd
}

func cycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.RunCycle(ctx); err != nil {
					return err
				}
				logs, err := e.Repo.TailLogs(ctx, 5)
				if err != nil {
					return err
				}
				for i := len(logs) - 1; i >= 0; i-- {
					fmt.Printf("[%s] %s: %s\n", logs[i].Timestamp, logs[i].Step, logs[i].Content)
				}
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var loop bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				runner := engine.NewRunner(e)
				if loop {
					runner.Start(context.Background())
					defer runner.Stop()
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					Runner:   runner,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: os.Getenv("GOALLINE_JWT_SECRET")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Goalline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&loop, "loop", false, "start the decision loop alongside the server")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect loop logs"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail loop logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				logs, err := e.Repo.TailLogs(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				for i := len(logs) - 1; i >= 0; i-- {
					fmt.Printf("[%s] %s: %s\n", logs[i].Timestamp, logs[i].Step, logs[i].Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
