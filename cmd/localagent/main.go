package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"localagent/internal/app"
	"localagent/internal/config"
	"localagent/internal/db"
	"localagent/internal/domain"
	"localagent/internal/server"
	localagentsdk "localagent/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "localagent",
	Short: "LocalAgent task-delegation broker",
	Long: `LocalAgent runs cheap, bounded work next to an expensive model.
- Delegation: a caller names a tool (file_scanner, summarizer, bash_runner) and input refs; the broker answers with a short summary and content hashes.
- Artifact cache: full results live in .localagent/cache.db under their sha256 hash; fetch them with 'localagent fetch'.
- Policies: named rules that decide which tools and shell commands a delegation may use.
- Retry queue: summaries that need the downstream model are queued while it is down and retried by 'localagent serve'.
- Audit log: every delegation leaves a hashed record, view with 'localagent audit'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOCALAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8420", "broker URL for commands that talk to a running server")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(delegateCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(summarizeCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(auditCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default localagent.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			ctx := cmd.Context()
			appCtx, err := app.Open(ctx, viper.GetString("workspace"), nil, log)
			if err != nil {
				return err
			}
			defer appCtx.Close()

			handler, err := server.New(server.Config{Broker: appCtx.Broker, BasePath: basePath, Logger: log})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, appCtx.Broker.Events(), appCtx.Config.Webhooks, log)
			go appCtx.Broker.RunMaintenance(ctx, appCtx.Config.QueueInterval(), appCtx.Config.SessionMaxIdle())

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving LocalAgent broker on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

// delegateFlags are shared by every command that submits a delegation.
type delegateFlags struct {
	taskID    string
	sessionID string
	policyID  string
	rootDir   string
	maxTokens int
}

func (f *delegateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.taskID, "task-id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&f.sessionID, "session-id", "", "session to attach the task to")
	cmd.Flags().StringVar(&f.policyID, "policy", "", "execution policy")
	cmd.Flags().StringVar(&f.rootDir, "root-dir", "", "root directory for file operations")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "maximum summary tokens (50-500)")
}

func (f *delegateFlags) request(tool string, refs []domain.InputRef) domain.DelegationRequest {
	taskID := f.taskID
	if taskID == "" {
		taskID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}
	return domain.DelegationRequest{
		TaskID:           taskID,
		ToolName:         tool,
		InputRefs:        refs,
		RootDir:          f.rootDir,
		MaxSummaryTokens: f.maxTokens,
		PolicyID:         f.policyID,
		SessionID:        f.sessionID,
	}
}

func delegateCmd() *cobra.Command {
	var f delegateFlags
	var refs []string
	cmd := &cobra.Command{
		Use:   "delegate <tool>",
		Short: "Delegate a task with explicit input refs (type=value)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]domain.InputRef, 0, len(refs))
			for _, r := range refs {
				ref, err := parseRef(r)
				if err != nil {
					return err
				}
				parsed = append(parsed, ref)
			}
			return delegate(cmd.Context(), f.request(args[0], parsed))
		},
	}
	f.register(cmd)
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "input ref as type=value (glob, hash, content, command)")
	return cmd
}

func scanCmd() *cobra.Command {
	var f delegateFlags
	cmd := &cobra.Command{
		Use:   "scan <glob>...",
		Short: "Scan files matching glob patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]domain.InputRef, 0, len(args))
			for _, a := range args {
				refs = append(refs, domain.InputRef{Type: domain.InputGlob, Value: a})
			}
			return delegate(cmd.Context(), f.request("file_scanner", refs))
		},
	}
	f.register(cmd)
	return cmd
}

func summarizeCmd() *cobra.Command {
	var f delegateFlags
	var file, hash string
	cmd := &cobra.Command{
		Use:   "summarize [text]",
		Short: "Summarize text, a file, stdin or a cached artifact",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref domain.InputRef
			switch {
			case hash != "":
				ref = domain.InputRef{Type: domain.InputHash, Value: hash}
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				ref = domain.InputRef{Type: domain.InputContent, Value: string(data)}
			case len(args) == 1 && args[0] != "-":
				ref = domain.InputRef{Type: domain.InputContent, Value: args[0]}
			default:
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				ref = domain.InputRef{Type: domain.InputContent, Value: string(data)}
			}
			return delegate(cmd.Context(), f.request("summarizer", []domain.InputRef{ref}))
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&file, "file", "", "read content from a file")
	cmd.Flags().StringVar(&hash, "hash", "", "summarize a cached artifact")
	return cmd
}

func runCmd() *cobra.Command {
	var f delegateFlags
	var timeout float64
	var noSandbox bool
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Run a shell command under a policy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := f.request("bash_runner", []domain.InputRef{{Type: domain.InputCommand, Value: strings.Join(args, " ")}})
			req.TimeoutSeconds = timeout
			if cmd.Flags().Changed("no-sandbox") {
				useSandbox := !noSandbox
				req.UseSandbox = &useSandbox
			}
			return delegate(cmd.Context(), req)
		},
	}
	f.register(cmd)
	cmd.Flags().Float64Var(&timeout, "timeout", 0, "command timeout in seconds (max 300)")
	cmd.Flags().BoolVar(&noSandbox, "no-sandbox", false, "run without the bubblewrap sandbox")
	return cmd
}

func fetchCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "fetch <task-id> <hash>",
		Short: "Print a cached artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				detail, err := a.Broker.FetchDetail(ctx, args[0], args[1], format)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				fmt.Println(detail.Content)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "raw", "raw or summary")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the downstream model and report broker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				h, err := a.Broker.HealthCheck(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				tw := newTable()
				tw.AppendRow(table.Row{"Broker", h.Broker})
				tw.AppendRow(table.Row{"Downstream", fmt.Sprintf("%s (%s)", h.Downstream, h.DownstreamModel)})
				tw.AppendRow(table.Row{"Sandbox", h.SandboxAvailable})
				tw.AppendRow(table.Row{"Queue depth", h.QueueDepth})
				if h.Cache != nil {
					tw.AppendRow(table.Row{"Cache entries", fmt.Sprintf("%d / %d", h.Cache.EntryCount, h.Cache.MaxEntries)})
				}
				if h.Host != nil {
					tw.AppendRow(table.Row{"Host load1", fmt.Sprintf("%.2f", h.Host.Load1)})
					tw.AppendRow(table.Row{"Host memory", fmt.Sprintf("%.1f%% used", h.Host.MemUsedPercent)})
				}
				tw.AppendRow(table.Row{"Checked", h.LastCheckTime})
				tw.Render()
				return nil
			})
		},
	}
}

func cacheCmd() *cobra.Command {
	c := &cobra.Command{Use: "cache", Short: "Inspect and manage the artifact cache"}
	c.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				st, err := a.Cache.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Entries", "Max", "Bytes", "Hits", "Misses"})
				tw.AppendRow(table.Row{st.EntryCount, a.Cache.MaxEntries(), st.TotalBytes, st.HitCount, st.MissCount})
				tw.Render()
				return nil
			})
		},
	})
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached artifacts, most recently used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Cache.List(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Hash", "Bytes", "Created", "Last accessed"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Hash, e.SizeBytes, e.CreatedAt.Format(time.RFC3339), e.LastAccessed.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "show <hash>",
		Short: "Show a cache entry with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e, ok, err := a.Cache.Entry(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("cache entry %s not found", args[0])
				}
				return printJSON(e)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "invalidate <hash>",
		Short: "Remove one cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Cache.Invalidate(ctx, args[0])
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Cache.Clear(ctx)
			})
		},
	})
	return c
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Inspect execution policies"}
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				engine := a.Broker.Policies()
				if viper.GetBool("json") {
					items := make([]any, 0)
					for _, id := range engine.IDs() {
						pol, _ := engine.Policy(id)
						items = append(items, pol)
					}
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Concurrency", "Tools", "Network", "Description"})
				for _, id := range engine.IDs() {
					pol, err := engine.Policy(id)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{pol.ID, fmt.Sprintf("%s/%d", pol.Concurrency, pol.MaxConcurrentTasks), strings.Join(pol.AllowedTools, ","), pol.Network, pol.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	var policyID string
	check := &cobra.Command{
		Use:   "check <command>",
		Short: "Check whether a policy allows a command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				v, err := a.Broker.Policies().Validate(strings.Join(args, " "), policyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				verdict := "denied"
				if v.Allowed {
					verdict = "allowed"
				}
				fmt.Printf("%s: %s\n", verdict, v.Reason)
				return nil
			})
		},
	}
	check.Flags().StringVar(&policyID, "policy", "default", "policy id")
	p.AddCommand(check)
	return p
}

// The retry queue lives in the serving process, so queue commands go through
// the HTTP API.
func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect the retry queue of a running broker"}
	q.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Queue(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Task", "Tool", "Queued", "Retries"})
			for _, t := range resp.Items {
				tw.AppendRow(table.Row{t.TaskID, t.ToolName, t.QueuedAt, fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)})
			}
			tw.AppendFooter(table.Row{"", "", "capacity", resp.Capacity})
			tw.Render()
			return nil
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Run one retry pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := newClient().ProcessQueue(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	})
	return q
}

func auditCmd() *cobra.Command {
	var taskID string
	var n int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Broker.Events().List(ctx, taskID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Task", "Operation", "Audit hash"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.TaskID, e.Operation, shortHash(e.AuditHash)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "only events of this task")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// --- helpers ---

func delegate(ctx context.Context, req domain.DelegationRequest) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		resp, err := a.Broker.Delegate(ctx, req)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(resp)
		}
		fmt.Printf("[%s] task %s (session %s, confidence %.2f)\n", resp.Status, resp.TaskID, resp.SessionID, resp.Confidence)
		fmt.Println(resp.Summary)
		for _, ref := range resp.ResultRefs {
			label := ref.Path
			if label == "" {
				label = string(ref.Type)
			}
			fmt.Printf("  %s  %s\n", ref.Hash, label)
		}
		if resp.Status == domain.StatusQueued {
			fmt.Fprintln(os.Stderr, "note: queued tasks are only retried by a running 'localagent serve'")
		}
		return nil
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	workspace, err := filepath.Abs(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, nil, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newClient() *localagentsdk.Client {
	return localagentsdk.New(viper.GetString("server"))
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(viper.GetString("log-level"))}))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelWarn
	}
	return lvl
}

func parseRef(s string) (domain.InputRef, error) {
	typ, value, ok := strings.Cut(s, "=")
	if !ok || value == "" {
		return domain.InputRef{}, fmt.Errorf("invalid ref %q: want type=value", s)
	}
	switch t := domain.InputRefType(strings.TrimSpace(typ)); t {
	case domain.InputGlob, domain.InputHash, domain.InputContent, domain.InputCommand:
		return domain.InputRef{Type: t, Value: value}, nil
	default:
		return domain.InputRef{}, fmt.Errorf("invalid ref type %q", typ)
	}
}

func shortHash(h string) string {
	if len(h) > 19 {
		return h[:19]
	}
	return h
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
