package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewlyhq/crewly/internal/config"
	"github.com/crewlyhq/crewly/internal/core/analyzer"
	"github.com/crewlyhq/crewly/internal/core/budget"
	"github.com/crewlyhq/crewly/internal/core/checkpoint"
	"github.com/crewlyhq/crewly/internal/core/clock"
	"github.com/crewlyhq/crewly/internal/core/continuation"
	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/core/periodic"
	"github.com/crewlyhq/crewly/internal/core/ports"
	"github.com/crewlyhq/crewly/internal/core/quality"
	"github.com/crewlyhq/crewly/internal/core/selfimprove"
	"github.com/crewlyhq/crewly/internal/core/tasks"
	"github.com/crewlyhq/crewly/internal/defaults"
	"github.com/crewlyhq/crewly/internal/lifecycle"
	"github.com/crewlyhq/crewly/internal/logging"
	"github.com/crewlyhq/crewly/internal/store"
)

const maxParallelGates = 4

// orchestrator bundles the components a running daemon needs to shut
// down cleanly. Only the serve command builds one (buildOrchestrator);
// gate, selfimprove and budget construct the components they need directly.
type orchestrator struct {
	store       *store.Store
	taskRepo    *store.TaskRepo
	ledger      *store.UsageLedger
	notify      *store.NotificationLog
	markerIndex *store.MarkerHistoryIndex
	guard       *budget.Guard
	runner      *quality.Runner
	port        ports.SessionPort
	clk         clock.Clock

	gatesMu    sync.Mutex
	gates      model.GateConfig
	gatesPath  string
	budgetsPath string
	watcher    *config.Watcher
	watchStop  chan struct{}

	selfStore  *selfimprove.Store
	reconciler *selfimprove.Reconciler
	checkpoint *checkpoint.Checkpointer
	engine     *continuation.Engine
	periodic   *periodic.Checker

	usageExporter  *store.UsageExporter
	usageExportJob clock.Handle
}

// watchConfig starts a fsnotify watcher over the gates/budgets documents
// and applies reloads as they arrive: a new GateConfig snapshot for the
// next completeTask/gate run, and a swapped rate table/scope list on the
// budget guard for the next check. Per config.Watcher's contract, this
// never reaches into a Handle call already in flight.
func (o *orchestrator) watchConfig() error {
	w, err := config.NewWatcher(o.gatesPath, o.budgetsPath)
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	o.watcher = w
	o.watchStop = make(chan struct{})

	go w.Run(o.watchStop)
	go func() {
		// A signal dropped while another is pending is not lost: every
		// signal re-reads both watched files.
		for range w.Changes() {
			o.applyReload(o.gatesPath)
			o.applyReload(o.budgetsPath)
		}
	}()
	return nil
}

func (o *orchestrator) applyReload(path string) {
	switch path {
	case o.gatesPath:
		doc, err := loadOrDefaultGates(o.gatesPath)
		if err != nil {
			logging.Errorf("cli: reload quality gates from %s: %v", path, err)
			return
		}
		o.gatesMu.Lock()
		o.gates = doc.GateConfig()
		o.gatesMu.Unlock()
		logging.Infof("cli: reloaded quality gates from %s", path)

	case o.budgetsPath:
		doc, err := loadOrDefaultBudgets(o.budgetsPath)
		if err != nil {
			logging.Errorf("cli: reload budgets from %s: %v", path, err)
			return
		}
		o.guard.Reload(doc.RateTable(), doc.BudgetConfigs())
		logging.Infof("cli: reloaded budgets from %s", path)
	}
}

// buildOrchestrator wires every component from cfg. The caller is
// responsible for calling o.close() once done.
//
// ports.SessionPort is the one dependency this module never provides a
// production implementation for: §1 treats the process hosting an agent's
// PTY as an external collaborator. buildOrchestrator wires
// ports.NewFakePort() so `crewlyd serve` runs end-to-end out of the box
// as a reference/demo path; a real deployment links its own SessionPort
// adapter in and calls the constructors in this file directly instead of
// going through this CLI.
func buildOrchestrator(ctx context.Context, cfg config.Config, projectPath string) (*orchestrator, error) {
	st, err := store.NewSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gatesDoc, err := loadOrDefaultGates(cfg.Storage.GatesPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load quality gates: %w", err)
	}
	budgetsDoc, err := loadOrDefaultBudgets(cfg.Storage.BudgetsPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load budgets: %w", err)
	}

	taskRepo := store.NewTaskRepo(st)
	ledger := store.NewUsageLedger(st)
	notify := store.NewNotificationLog(st)
	markerIndex := store.NewMarkerHistoryIndex(st)

	guard := budget.NewGuard(ledger, budgetsDoc.RateTable(), budgetsDoc.BudgetConfigs())
	runner := quality.NewRunner(maxParallelGates)
	port := ports.NewFakePort()
	clk := clock.New(ctx)

	selfStore := selfimprove.NewStore(cfg.Storage.SelfImprovementDir)
	reconciler := selfimprove.NewReconciler(projectPath, selfStore,
		selfimprove.WithNotificationSink(notify),
		selfimprove.WithArchiveIndexer(func(m model.ImprovementMarker) {
			if err := markerIndex.Record(context.Background(), m); err != nil {
				logging.Errorf("cli: index archived marker %s: %v", m.ID, err)
			}
		}),
	)

	assigner := func(ctx context.Context, ref model.SessionRef) (tasks.AssignmentResult, error) {
		return tasks.AssignNextTask(ctx, taskRepo, port, ref,
			tasks.RoleMatchRule{}, tasks.PrioritizeByPriority, 0, 1,
			tasks.DefaultAssignmentTemplate)
	}
	configOf := func(model.SessionRef) model.ContinuationConfig { return cfg.ContinuationConfig() }

	engine := continuation.NewEngine(port, taskRepo, guard, notify, configOf, assigner, analyzer.DefaultSignatures())

	checker := periodic.NewChecker(clk, port, func(ctx context.Context, ref model.SessionRef) error {
		return engine.Handle(ctx, model.ContinuationEvent{
			SessionRef: ref,
			Trigger:    model.TriggerScheduledCheck,
			Timestamp:  time.Now(),
		})
	})

	cp := checkpoint.NewCheckpointer(cfg.Storage.CheckpointPath,
		func(ctx context.Context) model.OrchestratorState {
			return snapshotState(ctx, taskRepo, selfStore)
		},
		clk,
		checkpoint.WithInterval(time.Duration(cfg.Checkpoint.IntervalSeconds)*time.Second),
		checkpoint.WithMaxPersistedMessages(cfg.Checkpoint.MaxPersistedMessages),
	)

	o := &orchestrator{
		store: st, taskRepo: taskRepo, ledger: ledger, notify: notify, markerIndex: markerIndex,
		guard: guard, runner: runner, port: port, gates: gatesDoc.GateConfig(), clk: clk,
		gatesPath: cfg.Storage.GatesPath, budgetsPath: cfg.Storage.BudgetsPath,
		selfStore: selfStore, reconciler: reconciler, checkpoint: cp, engine: engine, periodic: checker,
		usageExporter: store.NewUsageExporter(ledger, cfg.Storage.UsageExportDir),
	}

	if err := o.watchConfig(); err != nil {
		logging.Errorf("cli: %v; continuing without live config reload", err)
	}

	o.usageExportJob = clk.Every(time.Hour, false, func(tickCtx context.Context) {
		if _, err := o.usageExporter.ExportDay(tickCtx, time.Now().UTC()); err != nil {
			logging.Errorf("cli: export usage ledger: %v", err)
		}
	})

	return o, nil
}

func snapshotState(ctx context.Context, taskRepo *store.TaskRepo, selfStore *selfimprove.Store) model.OrchestratorState {
	state := model.OrchestratorState{
		ID:             "crewlyd",
		Version:        checkpoint.CurrentVersion,
		CheckpointedAt: time.Now(),
	}
	if all, err := taskRepo.List(ctx); err == nil {
		state.Tasks = all
	} else {
		logging.Errorf("cli: snapshot tasks: %v", err)
	}
	if marker, err := selfStore.Load(); err == nil {
		state.SelfImprovement = marker
	}
	return state
}

func (o *orchestrator) close() {
	o.engine.Stop()
	if o.usageExportJob != nil {
		o.usageExportJob.Cancel()
	}
	if o.watcher != nil {
		close(o.watchStop)
		o.watcher.Close()
	}
	o.store.Close()
}

// runServe implements the default "crewlyd" / "crewlyd serve" behavior:
// reconcile any interrupted self-improvement first, then bring up the
// continuation engine, periodic checker, and checkpointer, and block
// until SIGINT/SIGTERM.
func runServe(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	dataDir, err := defaults.EnsureDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize data directory: %v\n", err)
		os.Exit(1)
	}

	lockFile, err := acquireLock(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\ncrewlyd is already running; only one instance is allowed per data directory.\n", err)
		os.Exit(1)
	}
	defer releaseLock(lockFile)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
	}()

	cfg := *ServerConfig
	proj := projectDir
	if proj == "" {
		proj, _ = os.Getwd()
	}

	o, err := buildOrchestrator(ctx, cfg, proj)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer o.close()

	// Reconcile any self-improvement marker left behind by a previous,
	// interrupted run BEFORE anything else starts touching the project
	// or accepting continuation events.
	result := o.reconciler.Reconcile(ctx)
	if result.HadPending {
		logging.Infof("cli: reconciled pending self-improvement marker %s", result.Marker.ID)
	}
	lifecycle.Emit(lifecycle.EventReconcileComplete, result)

	o.engine.Start()
	o.checkpoint.Start(ctx)
	lifecycle.Emit(lifecycle.EventDaemonStarted, nil)

	fmt.Printf("crewlyd serving (data: %s, project: %s)\n", dataDir, proj)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		lifecycle.Emit(lifecycle.EventShutdownStarted, nil)
		if err := o.checkpoint.PrepareForShutdown(context.Background()); err != nil {
			logging.Errorf("cli: checkpoint on shutdown: %v", err)
		}
		lifecycle.Emit(lifecycle.EventShutdownComplete, nil)
	}()

	<-ctx.Done()
	wg.Wait()
	fmt.Println("crewlyd stopped.")
}

// ServeCmd wraps runServe in its own subcommand so it can be invoked
// explicitly ("crewlyd serve") in addition to being the root's default.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(cmd.Context())
		},
	}
}

func loadOrDefaultGates(path string) (config.GatesDocument, error) {
	if _, err := os.Stat(path); err != nil {
		return config.GatesDocument{}, nil
	}
	return config.LoadGates(path)
}

func loadOrDefaultBudgets(path string) (config.BudgetsDocument, error) {
	if _, err := os.Stat(path); err != nil {
		return config.BudgetsDocument{}, nil
	}
	return config.LoadBudgets(path)
}
