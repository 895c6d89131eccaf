package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"switchyard/internal/app"
	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/router"
	"switchyard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sy",
	Short: "Switchyard CLI",
	Long: `Switchyard coordinates worker processes through a shared directory.
- Workers: each has an inbox, outbox, sent, processed and failed store under workers/<id>.
- Messages: typed, prioritized and expiring; delivered by atomic rename, never lost or duplicated.
- Locks: named advisory locks with holder identity and stale-owner reclaim.
- Tasks: pending -> active -> completed|failed, gated on dependencies, assigned by message.
- Work log: append-only per-task progress entries with dense sequence numbers.
- Status: a read-only snapshot of all of the above, also served over HTTP.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("SWITCHYARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding switchyard.yml")
	rootCmd.PersistentFlags().String("root", "", "store root (overrides config)")
	rootCmd.PersistentFlags().String("coordinator", "", "coordinator worker id (overrides config)")
	rootCmd.PersistentFlags().String("worker", "", "acting worker id")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log component events to stderr")
	for _, name := range []string{"workspace", "root", "coordinator", "worker", "json", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(receiveCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(failuresCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write switchyard.yml and create the store layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			root := viper.GetString("root")
			if root == "" {
				root = ".switchyard"
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(root)), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(map[string]string{"config": path, "root": a.Store.Root(), "coordinator": a.Config.Coordinator})
				}
				fmt.Printf("Wrote %s\nStore root: %s\nCoordinator: %s\n", path, a.Store.Root(), a.Config.Coordinator)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Manage workers"}
	w.AddCommand(&cobra.Command{
		Use:   "register <id>...",
		Short: "Create worker directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					if err := a.Router.Register(id); err != nil {
						return err
					}
				}
				return printJSONOrTable(args)
			})
		},
	})
	w.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers with queue depths and liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Status.Refresh(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap.Workers)
				}
				tw := newTable("Worker", "Live", "Last poll", "Inbox", "Outbox", "Sent", "Processed", "Failed", "Active", "Pending")
				for _, ws := range snap.Workers {
					tw.AppendRow(table.Row{ws.ID, ws.Live, ago(ws.LastPoll), ws.Inbox, ws.Outbox, ws.Sent, ws.Processed, ws.Failed, ws.Active, ws.Pending})
				}
				tw.Render()
				return nil
			})
		},
	})
	return w
}

func sendCmd() *cobra.Command {
	var to, msgType, priority, payload, replyTo string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message from --worker to --to",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := actingWorker()
			if err != nil {
				return err
			}
			prio, err := domain.ParsePriority(priority)
			if err != nil {
				return err
			}
			p, err := domain.DecodePayload(domain.MessageType(msgType), json.RawMessage(payload))
			if err != nil {
				return err
			}
			msg, err := domain.NewMessage(from, to, prio, p)
			if err != nil {
				return err
			}
			msg.InReplyTo = replyTo
			if ttl > 0 {
				msg.TTLMillis = ttl.Milliseconds()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sent, err := a.Router.Send(ctx, msg)
				if err != nil {
					return err
				}
				return printJSONOrTable(sent)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient worker id")
	cmd.Flags().StringVar(&msgType, "type", string(domain.MessageNotification), "message type")
	cmd.Flags().StringVar(&priority, "priority", "medium", "low, medium, high or urgent")
	cmd.Flags().StringVar(&payload, "payload", "{}", "payload JSON")
	cmd.Flags().StringVar(&replyTo, "in-reply-to", "", "id of the message being answered")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live (default from config)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func receiveCmd() *cobra.Command {
	var maxCount int
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Claim pending messages from --worker's inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := actingWorker()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				msgs, err := a.Router.Receive(ctx, worker, maxCount)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				printMessages(msgs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxCount, "max", 0, "maximum messages to claim (default from config)")
	return cmd
}

func pollCmd() *cobra.Command {
	var housekeeping time.Duration
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Receive messages continuously, printing one JSON line each",
		Long:  "Poll claims messages for --worker until interrupted. When the worker is the coordinator it also sweeps the stores and reclaims stale tasks every --housekeeping interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := actingWorker()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Router.Register(worker); err != nil {
					return err
				}
				if worker == a.Config.Coordinator && housekeeping > 0 {
					go runHousekeeping(ctx, a, housekeeping)
				}
				enc := json.NewEncoder(os.Stdout)
				return a.Router.Poll(ctx, worker, func(ctx context.Context, msg domain.Message) error {
					return enc.Encode(msg)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&housekeeping, "housekeeping", time.Minute, "coordinator sweep and reclaim interval (0 disables)")
	return cmd
}

func runHousekeeping(ctx context.Context, a *app.App, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if res, err := a.Router.Sweep(ctx); err != nil {
			a.Logger.Printf("warn sweep err=%v", err)
		} else if res != (router.SweepResult{}) {
			a.Logger.Printf("sweep expired=%d pruned=%d settled=%d temp=%d", res.Expired, res.Pruned, res.Settled, res.TempFree)
		}
		if _, err := a.Tasks.ReclaimStale(ctx, 0); err != nil {
			a.Logger.Printf("warn reclaim err=%v", err)
		}
	}
}

func failuresCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Show --worker's most recent failed messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := actingWorker()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				msgs, err := a.Router.Failures(worker, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := newTable("ID", "From", "To", "Type", "Reason", "Detail", "When")
				for _, m := range msgs {
					var reason, detail, when string
					if m.Failure != nil {
						reason, detail, when = m.Failure.Reason, m.Failure.Detail, humanize.Time(m.Failure.At)
					}
					tw.AppendRow(table.Row{m.ID, m.From, m.To, m.Type, reason, detail, when})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of failures")
	return cmd
}

func lockCmd() *cobra.Command {
	l := &cobra.Command{Use: "lock", Short: "Acquire, release and inspect named locks"}
	var timeout time.Duration
	acquire := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Acquire a lock for --worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, err := actingWorker()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				got, err := a.Locks.Acquire(ctx, args[0], holder, timeout)
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	}
	acquire.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for a held lock (0 tries once)")
	l.AddCommand(acquire)
	l.AddCommand(&cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock held by --worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, err := actingWorker()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Locks.Release(args[0], holder)
			})
		},
	})
	l.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List held locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				locks, err := a.Locks.List()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(locks)
				}
				tw := newTable("Resource", "Holder", "Acquired", "Stale", "Host", "PID")
				for _, st := range locks {
					tw.AppendRow(table.Row{st.Resource, st.Holder, humanize.Time(st.AcquiredAt), st.Stale, st.Host, st.PID})
				}
				tw.Render()
				return nil
			})
		},
	})
	return l
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the coordination snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Status.Refresh(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Root: %s (generated %s)\n", a.Store.Root(), snap.GeneratedAt.Format(time.RFC3339))
				fmt.Printf("Tasks: pending=%d active=%d completed=%d failed=%d overdue=%d\n",
					snap.Tasks[domain.TaskPending], snap.Tasks[domain.TaskActive],
					snap.Tasks[domain.TaskCompleted], snap.Tasks[domain.TaskFailed], snap.Metrics.Overdue)
				fmt.Printf("Throughput: %s tasks/h, avg completion %s\n",
					humanize.FtoaWithDigits(snap.Metrics.ThroughputPerHour, 2),
					(time.Duration(snap.Metrics.AvgCompletionSecs) * time.Second).String())
				tw := newTable("Worker", "Live", "Last poll", "Inbox", "Failed", "Active", "Pending", "Effort")
				for _, ws := range snap.Workers {
					tw.AppendRow(table.Row{ws.ID, ws.Live, ago(ws.LastPoll), ws.Inbox, ws.Failed, ws.Active, ws.Pending, ws.Effort})
				}
				tw.Render()
				if len(snap.Locks) > 0 {
					fmt.Println("Locks:")
					for _, l := range snap.Locks {
						stale := ""
						if l.Stale {
							stale = " (stale)"
						}
						fmt.Printf("  %s held by %s since %s%s\n", l.Resource, l.Holder, humanize.Time(l.AcquiredAt), stale)
					}
				}
				if len(snap.Failures) > 0 {
					fmt.Println("Recent failures:")
					for _, f := range snap.Failures {
						fmt.Printf("  %s %s -> %s %s: %s %s\n", humanize.Time(f.At), f.From, f.To, f.Type, f.Reason, f.Detail)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire, prune and settle message stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Router.Sweep(ctx)
				if perr := printJSONOrTable(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				secret := a.Config.Server.JWTSecret
				if env := os.Getenv("SWITCHYARD_JWT_SECRET"); env != "" {
					secret = env
				}
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: a.Logger},
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
				fmt.Printf("Serving Switchyard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace, viper.GetString("root"), viper.GetString("coordinator"))
	if err != nil {
		return err
	}
	if !filepath.IsAbs(cfg.Root) {
		if abs, err := filepath.Abs(cfg.Root); err == nil {
			cfg.Root = abs
		}
	}
	out := io.Discard
	if viper.GetBool("verbose") {
		out = os.Stderr
	}
	a, err := app.Open(ctx, cfg, log.New(out, "sy ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actingWorker() (string, error) {
	w := strings.TrimSpace(viper.GetString("worker"))
	if w == "" {
		return "", fmt.Errorf("--worker (or SWITCHYARD_WORKER) is required")
	}
	return w, nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printMessages(msgs []domain.Message) {
	tw := newTable("ID", "From", "Type", "Priority", "Age", "Payload")
	for _, m := range msgs {
		tw.AppendRow(table.Row{m.ID, m.From, m.Type, m.Priority, humanize.Time(m.CreatedAt), string(m.Payload)})
	}
	tw.Render()
}

func ago(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
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
