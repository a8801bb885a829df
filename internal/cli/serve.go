package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/quantgate/quantgate/internal/alert"
	"github.com/quantgate/quantgate/internal/audit"
	"github.com/quantgate/quantgate/internal/events"
	"github.com/quantgate/quantgate/internal/gateway"
	"github.com/quantgate/quantgate/internal/logging"
	"github.com/quantgate/quantgate/internal/netguard"
	"github.com/quantgate/quantgate/internal/observe"
	"github.com/quantgate/quantgate/internal/policy"
	"github.com/quantgate/quantgate/internal/pool"
	"github.com/quantgate/quantgate/internal/sandbox"
	"github.com/quantgate/quantgate/internal/server"
	"github.com/quantgate/quantgate/internal/validate"
)

var (
	serveAddr     string
	servePolicy   string
	serveAuditLog string
	serveAuditDB  string
	serveLogFile  string
	serveLogLevel string
	servePrewarm  bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8472", "HTTP listen address")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy YAML")
	serveCmd.Flags().StringVar(&serveAuditLog, "audit-log", "", "Path to audit log JSONL file (overrides policy)")
	serveCmd.Flags().StringVar(&serveAuditDB, "audit-db", "", "Path to audit index database (overrides policy)")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "Path to JSON log file")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	serveCmd.Flags().BoolVar(&servePrewarm, "prewarm", true, "Prewarm sandbox pools to their targets")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long:  "Runs the gateway as an HTTP service. Research components submit content\nfor validation and execution; operators get health, metrics, ladder and\naudit endpoints. The policy file hot-reloads on change.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log, closeLog, err := logging.New(logging.Options{
		Level:    serveLogLevel,
		FilePath: serveLogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer closeLog()

	cfg, hash, err := policy.LoadWithHash(servePolicy)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	store := policy.NewStore(policy.Compile(cfg, hash))

	runnerPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate own binary: %w", err)
	}
	registry := sandbox.NewRegistry(
		sandbox.NewMicroVM(cfg.Backends),
		sandbox.NewGvisor(cfg.Backends, runnerPath),
		sandbox.NewContainer(cfg.Backends, runnerPath),
		sandbox.NewBwrap(cfg.Backends, runnerPath),
		sandbox.NewASTOnly(),
	)

	guard, err := netguard.New(cfg.Network)
	if err != nil {
		return fmt.Errorf("failed to build network guard: %w", err)
	}

	bus := events.NewBus()
	promReg := prometheus.NewRegistry()
	metrics := observe.NewMetrics(promReg)
	metrics.Attach(bus)

	if d := alert.NewDispatcher(cfg.Alerts); d != nil {
		d.Attach(bus)
	}

	auditPath := serveAuditLog
	if auditPath == "" {
		auditPath = cfg.Audit.Path
	}
	if auditPath == "" {
		auditPath = "quantgate-audit.jsonl"
	}
	auditLog, err := audit.Open(auditPath, cfg.Audit.RotateBytes)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	var index *audit.Store
	indexPath := serveAuditDB
	if indexPath == "" {
		indexPath = cfg.Audit.IndexPath
	}
	if indexPath != "" {
		index, err = audit.OpenStore(indexPath)
		if err != nil {
			return fmt.Errorf("failed to open audit index: %w", err)
		}
		defer index.Close()
	}

	auditor := audit.NewWriter(auditLog, index, audit.Options{
		BufferSize: cfg.Audit.BufferSize,
		AlertAfter: cfg.Audit.AlertAfter,
		Retention:  cfg.Audit.Retention,
		OnFailure: func(err error, consecutive int) {
			bus.Publish(events.Event{
				Type:      events.AuditWriteFailed,
				Component: "audit",
				Detail:    err.Error(),
				Fields:    map[string]any{"consecutive": consecutive},
			})
		},
	}, log)
	defer auditor.Close()

	pools := pool.NewManager(registry, cfg.Pools, pool.Hooks{
		Created: func(inst *sandbox.Instance) {
			bus.Publish(events.Event{Type: events.SandboxCreated, Level: inst.Level(), Detail: inst.ID})
		},
		Destroyed: func(inst *sandbox.Instance, reason string) {
			bus.Publish(events.Event{
				Type:   events.SandboxDestroyed,
				Level:  inst.Level(),
				Detail: inst.ID,
				Fields: map[string]any{"reason": reason},
			})
		},
	}, log)
	defer pools.Close()

	gw := gateway.New(gateway.Deps{
		Store:     store,
		Validator: validate.New(store),
		Pools:     pools,
		Registry:  registry,
		Ladder:    gateway.NewLadder(cfg.DegradeAfter, bus, log),
		Guard:     guard,
		Auditor:   auditor,
		Bus:       bus,
		Log:       log,
	})

	srv := server.New(server.Config{Addr: serveAddr, PolicyPath: servePolicy}, server.Deps{
		Gateway:    gw,
		Store:      store,
		Pools:      pools,
		Registry:   registry,
		AuditIndex: index,
		Bus:        bus,
		Gatherer:   promReg,
		Log:        log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if servePrewarm {
		go pools.Prewarm(ctx, log)
	}

	// Start hot-reload watcher for the policy file
	reloader, err := server.NewReloader(srv, []string{servePolicy}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("gateway starting",
		"addr", serveAddr,
		"policy_hash", hash,
		"levels", fmt.Sprint(pools.Levels()),
		"degrade_after", cfg.DegradeAfter,
	)

	return srv.Serve()
}
