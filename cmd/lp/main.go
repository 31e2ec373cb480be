package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leasepool/internal/agent"
	"leasepool/internal/app"
	"leasepool/internal/config"
	"leasepool/internal/db"
	"leasepool/internal/domain"
	"leasepool/internal/engine"
	"leasepool/internal/repo"
	"leasepool/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lp",
	Short: "Leasepool CLI",
	Long: `Leasepool coordinates a pool of work items across competing agents.
Core concepts:
- Workspace: the .leasepool directory holding the pool database; config lives in leasepool.yml next to it.
- Items: keyed work units with a payload and a priority score; statuses go available -> assigned -> completed (failed items return to available).
- Claim: atomically takes the highest-priority available item for one agent; no two agents ever hold the same item.
- Heartbeat: agents renew their lease while working; a false renewal means the lease is gone and the work must stop.
- Cleanup: reclaims leases whose heartbeat went stale, so crashed agents never strand work.
- Event log: diary of pool changes, view with 'lp log tail'.`,
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
	viper.SetEnvPrefix("LEASEPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "", "agent identifier (default: generated per process)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(failCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(agentCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("Config already exists at %s\n", cfgPath)
			} else if os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			} else {
				return err
			}
			conn, _, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("Pool database ready at %s\n", db.Path(db.Config{Workspace: workspace}))
			return nil
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Items enter the pool as available, get claimed by agents, and end up completed. The producer refreshes payloads and priority scores; lease state is never touched by item writes.",
	}
	item.AddCommand(itemAddCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemPriorityCmd())
	item.AddCommand(itemRmCmd())
	return item
}

func itemAddCmd() *cobra.Command {
	var key, payload string
	var priority float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or refresh a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			payloadMap, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.AddItem(ctx, key, payloadMap, priority)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "item key")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON object")
	cmd.Flags().Float64Var(&priority, "priority", 0, "priority score (higher first)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Status", "Priority", "Owner", "Attempts", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Key, coloredStatus(it.Status), it.PriorityScore, it.Owner, it.AttemptCount, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (available, assigned, completed, failed)")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 0, "max rows (0 = all)")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				it, err := r.GetWorkItem(ctx, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func itemPriorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priority <key> <score>",
		Short: "Set item priority score",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid score %q: %w", args[1], err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.SetPriority(ctx, args[0], score)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func itemRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteWorkItem(ctx, args[0])
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim a work item",
		Long:  "Claims the highest-priority available item for this agent, or a specific item with --key. An empty pool is a normal outcome, not an error.",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := resolveAgentID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var it *domain.WorkItem
				var err error
				if key != "" {
					it, err = e.ClaimItem(ctx, agentID, key)
				} else {
					it, err = e.Claim(ctx, agentID)
				}
				if err != nil {
					return err
				}
				if it == nil {
					if viper.GetBool("json") {
						return printJSON(nil)
					}
					fmt.Println("no work available")
					return nil
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "claim this specific item")
	return cmd
}

func heartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat <key>",
		Short: "Renew the lease on an item",
		Long:  "Renews this agent's lease. Exits non-zero when the lease is no longer held, so wrapper scripts can abort the work.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := resolveAgentID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				held, err := e.Heartbeat(ctx, agentID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]bool{"held": held}); err != nil {
						return err
					}
				} else if held {
					fmt.Printf("lease on %s renewed\n", args[0])
				}
				if !held {
					return fmt.Errorf("lease on %s is no longer held by %s", args[0], agentID)
				}
				return nil
			})
		},
	}
	return cmd
}

func completeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <key>",
		Short: "Mark an item completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := resolveAgentID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Complete(ctx, agentID, args[0]); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", color.New(color.FgHiGreen).Sprint("completed"), args[0])
				return nil
			})
		},
	}
	return cmd
}

func failCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <key>",
		Short: "Report that an item could not be finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := resolveAgentID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Fail(ctx, agentID, args[0], reason); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", color.New(color.FgYellow).Sprint("failed"), args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason (recorded in the event log)")
	return cmd
}

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release [agent-id]",
		Short: "Release all leases held by an agent",
		Long:  "Returns every item the agent holds to the pool, regardless of heartbeat freshness. Defaults to this process's own agent identity.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := resolveAgentID()
			if len(args) == 1 {
				agentID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Release(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"released": n})
				}
				fmt.Printf("released %d item(s) held by %s\n", n, agentID)
				return nil
			})
		},
	}
	return cmd
}

func cleanupCmd() *cobra.Command {
	var timeoutMinutes int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim stale leases",
		Long:  "Returns items whose lease heartbeat went stale to the available pool. Safe to run from cron or multiple hosts at once; reclaiming nothing is a normal outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout := time.Duration(timeoutMinutes) * time.Minute
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Sweep(ctx, timeout)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"reclaimed": n})
				}
				fmt.Printf("reclaimed %d stale item(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&timeoutMinutes, "timeout-minutes", 30, "staleness cutoff in minutes")
	return cmd
}

func statusCmd() *cobra.Command {
	var agentID string
	var staleAfterMinutes int
	var staleOnly bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool status",
		Long:  "The pool scoreboard: item counts per status, leases grouped by agent with heartbeat ages, and leases past the staleness cutoff.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if agentID != "" {
					items, err := e.AssignedTo(ctx, agentID)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(items)
					}
					renderAssigned(agentID, items)
					return nil
				}
				staleAfter := time.Duration(staleAfterMinutes) * time.Minute
				report, err := e.Status(ctx, staleAfter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				renderStatus(report, staleOnly)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "show only this agent's leases")
	cmd.Flags().IntVar(&staleAfterMinutes, "stale-after-minutes", 30, "staleness cutoff in minutes")
	cmd.Flags().BoolVar(&staleOnly, "stale", false, "show only stale leases")
	return cmd
}

func renderStatus(report domain.StatusReport, staleOnly bool) {
	if !staleOnly {
		fmt.Printf("Pool at %s\n", report.GeneratedAt)
		fmt.Printf("Items: %s %d  %s %d  %s %d  %s %d\n",
			color.New(color.FgHiGreen).Sprint("available"), report.Counts[domain.StatusAvailable],
			color.New(color.FgCyan).Sprint("assigned"), report.Counts[domain.StatusAssigned],
			color.New(color.FgHiBlue).Sprint("completed"), report.Counts[domain.StatusCompleted],
			color.New(color.FgRed).Sprint("failed"), report.Counts[domain.StatusFailed])
		if len(report.Agents) > 0 {
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent", "Item", "Priority", "Heartbeat", "Last Heartbeat"})
			for _, a := range report.Agents {
				for _, l := range a.Leases {
					tw.AppendRow(table.Row{a.AgentID, l.Key, l.PriorityScore, ago(l.HeartbeatAgeSeconds), l.LastHeartbeatAt})
				}
			}
			tw.Render()
		}
	}
	if len(report.Stale) == 0 {
		if staleOnly {
			fmt.Println("no stale leases")
		}
		return
	}
	fmt.Println(color.New(color.FgRed).Sprint("Stale leases:"))
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Agent", "Item", "Heartbeat", "Last Heartbeat"})
	for _, l := range report.Stale {
		tw.AppendRow(table.Row{l.Owner, l.Key, ago(l.HeartbeatAgeSeconds), l.LastHeartbeatAt})
	}
	tw.Render()
}

func ago(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds ago", seconds)
	}
	return fmt.Sprintf("%dm ago", seconds/60)
}

func renderAssigned(agentID string, items []domain.WorkItem) {
	if len(items) == 0 {
		fmt.Printf("%s holds no leases\n", agentID)
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Item", "Priority", "Assigned At", "Last Heartbeat", "Attempts"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.Key, it.PriorityScore, it.AssignedAt, it.LastHeartbeatAt, it.AttemptCount})
	}
	tw.Render()
}

func coloredStatus(status string) string {
	switch status {
	case domain.StatusAvailable:
		return color.New(color.FgHiGreen).Sprint(status)
	case domain.StatusAssigned:
		return color.New(color.FgCyan).Sprint(status)
	case domain.StatusFailed:
		return color.New(color.FgRed).Sprint(status)
	default:
		return status
	}
}

func runCmd() *cobra.Command {
	var once bool
	var cmdline string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim items and run a command for each",
		Long: `Drives the full agent loop: claim the best item, run the configured
command with WORK_ITEM_KEY, WORK_ITEM_PAYLOAD and WORK_ITEM_PRIORITY in its
environment, heartbeat in the background, then complete or fail the item by
the command's exit status. Stops when the pool is empty (or after one item
with --once). If the lease is lost mid-run the command is killed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := resolveAgentID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				command := cmdline
				if command == "" {
					command = e.Config.Runner.Command
				}
				if strings.TrimSpace(command) == "" {
					return fmt.Errorf("no runner command; set runner.command in leasepool.yml or pass --cmd")
				}
				for {
					it, err := e.Claim(ctx, agentID)
					if err != nil {
						return err
					}
					if it == nil {
						fmt.Println("pool empty")
						return nil
					}
					if err := runItem(ctx, e, agentID, command, *it); err != nil {
						return err
					}
					if once {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "stop after one item")
	cmd.Flags().StringVar(&cmdline, "cmd", "", "command to run (overrides runner.command)")
	return cmd
}

func runItem(ctx context.Context, e engine.Engine, agentID, command string, it domain.WorkItem) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	runner := &agent.Runner{
		Interval: e.Config.HeartbeatInterval(),
		Beat: func(bctx context.Context) (bool, error) {
			return e.Heartbeat(bctx, agentID, it.Key)
		},
		OnLost: func() {
			lost.Store(true)
			cancel()
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "heartbeat: %v\n", err)
		},
	}
	runner.Start(runCtx)

	fmt.Printf("%s %s (priority %g)\n", color.New(color.FgCyan).Sprint("running"), it.Key, it.PriorityScore)
	proc := exec.CommandContext(runCtx, "sh", "-c", command)
	proc.Stdout = os.Stdout
	proc.Stderr = os.Stderr
	proc.Env = append(os.Environ(),
		"WORK_ITEM_KEY="+it.Key,
		"WORK_ITEM_PAYLOAD="+it.PayloadJSON,
		fmt.Sprintf("WORK_ITEM_PRIORITY=%g", it.PriorityScore),
	)
	runErr := proc.Run()
	runner.Stop()

	if lost.Load() {
		fmt.Printf("%s %s\n", color.New(color.FgRed).Sprint("lease lost"), it.Key)
		return fmt.Errorf("lease on %s was lost while running; aborted", it.Key)
	}
	if runErr != nil {
		reason := runErr.Error()
		if err := e.Fail(ctx, agentID, it.Key, reason); err != nil {
			return err
		}
		fmt.Printf("%s %s (%s)\n", color.New(color.FgYellow).Sprint("failed"), it.Key, reason)
		return nil
	}
	if err := e.Complete(ctx, agentID, it.Key); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", color.New(color.FgHiGreen).Sprint("completed"), it.Key)
	return nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, itemKey, agentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, itemKey, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&itemKey, "item", "", "item key filter")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect pool configuration",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		Long:  "Prints the config the pool runs with: leasepool.yml merged with LEASEPOOL_* overrides, or defaults when no file exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configCheckCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filePath
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				path = config.Path(viper.GetString("workspace"))
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default: the workspace leasepool.yml)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, e, err := app.Open(workspace)
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
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("LEASEPOOL_JWT_SECRET"),
				Require:   e.Config.Server.RequireAuth,
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Leasepool API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default: server.base_path from config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	token := &cobra.Command{
		Use:   "token",
		Short: "Manage API keys",
	}
	token.AddCommand(tokenCreateCmd())
	token.AddCommand(tokenListCmd())
	token.AddCommand(tokenRevokeCmd())
	return token
}

func tokenCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "lpk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
				key, err := r.InsertAPIKey(ctx, name, repo.HashAPIKey(plaintext))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "name": key.Name, "key": plaintext})
				}
				fmt.Printf("Created key %s (%s)\n", key.ID, key.Name)
				fmt.Printf("%s %s\n", color.New(color.FgYellow).Sprint("Store it now; it is not shown again:"), plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func tokenListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{
		Use:   "agent",
		Short: "Agent identity helpers",
	}
	ag.AddCommand(&cobra.Command{
		Use:   "id",
		Short: "Print the resolved agent identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(resolveAgentID())
			return nil
		},
	})
	return ag
}

// --- helpers ---

func resolveAgentID() string {
	if id := strings.TrimSpace(viper.GetString("agent-id")); id != "" {
		return id
	}
	return agent.Identity()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, e, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, _, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func parsePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return payload, nil
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
