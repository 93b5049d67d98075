package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/internal/logger"
	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/bus"
	"github.com/harun/ranya-runtime/pkg/coretools"
	"github.com/harun/ranya-runtime/pkg/dispatcher"
	"github.com/harun/ranya-runtime/pkg/gateway"
	"github.com/harun/ranya-runtime/pkg/hooks"
	"github.com/harun/ranya-runtime/pkg/inputqueue"
	"github.com/harun/ranya-runtime/pkg/memory"
	"github.com/harun/ranya-runtime/pkg/permission"
	"github.com/harun/ranya-runtime/pkg/rpc"
	"github.com/harun/ranya-runtime/pkg/sandbox"
	"github.com/harun/ranya-runtime/pkg/session"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
	"github.com/harun/ranya-runtime/pkg/workspace"
	"github.com/rs/zerolog"
)

// Options selects the optional surfaces of a daemon.
type Options struct {
	// ConfigPath is watched for tool policy reloads when set.
	ConfigPath string
	// Gateway serves /ws, /rpc, /healthz and /metrics.
	Gateway bool
	// Version is reported as the traced service version.
	Version string
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	QueueSize int           `json:"queue_size"`
	Tools     int           `json:"tools"`
	Provider  string        `json:"provider"`
}

// reasoner is the decide surface plus the active provider name.
type reasoner interface {
	agent.Reasoner
	Provider() string
}

var newReasoner = func(cfg config.ReasonerConfig, log zerolog.Logger) (reasoner, error) {
	return agent.NewFailoverReasoner(agent.FailoverConfig{
		Profiles: cfg.Profiles,
		Factory: &agent.ProviderFactory{
			Generation: agent.GenerationConfig{
				Temperature: cfg.Temperature,
				MaxTokens:   cfg.MaxTokens,
			},
		},
		MaxRetries: cfg.MaxRetries,
		Logger:     log,
	})
}

// Daemon owns the runtime components and starts and stops them in
// dependency order.
type Daemon struct {
	config *config.Config
	opts   Options
	logger *logger.Logger
	log    zerolog.Logger

	bus        *bus.Bus
	queue      *inputqueue.Queue
	registry   *toolexecutor.ToolRegistry
	executor   *toolexecutor.Executor
	dispatcher *dispatcher.Dispatcher
	reasoner   reasoner
	runner     *agent.LoopRunner
	workspace  *workspace.Workspace
	memory     *memory.Store
	sessions   *session.Store
	pruner     *session.Pruner
	scripts    *hooks.Manager
	worker     *Worker
	watcher    *config.Watcher
	gateway    *gateway.Server
	lifecycle  *LifecycleManager
	audit      *observability.AuditLogger

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	tracingEnabled bool
}

// New creates a daemon. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		opts:   opts,
		logger: log,
		log:    log.Component("daemon"),
	}

	if cfg.Telemetry.Tracing {
		err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: opts.Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeStores()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.closeStores()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, d.log)
	return d, nil
}

// initializeCoreModules builds the bus, queue, stores, tools and loop runner.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		audit, err := observability.OpenAuditLog(filepath.Join(cfg.DataDir, "audit.log"))
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to open audit log, auditing through the runtime log")
		}
		d.audit = audit
	}
	if d.audit == nil {
		d.audit = observability.NewAuditLoggerFrom(base)
	}

	d.bus = bus.New(bus.Config{Logger: base})
	d.bus.SetDebug(cfg.Runtime.DebugBus)
	d.queue = inputqueue.New(inputqueue.Config{MaxSize: cfg.Runtime.QueueMaxSize, Logger: base})

	sessions, err := session.New(session.Config{Dir: cfg.Sessions.Dir, Logger: base})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.sessions = sessions

	if cfg.Memory.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Memory.DBPath), 0o755); err != nil {
			return fmt.Errorf("failed to create memory directory: %w", err)
		}
		store, err := memory.Open(memory.Config{DBPath: cfg.Memory.DBPath, Logger: base})
		if err != nil {
			return fmt.Errorf("failed to open memory store: %w", err)
		}
		d.memory = store
	}

	if cfg.Workspace.Path != "" {
		if err := os.MkdirAll(cfg.Workspace.Path, 0o755); err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
		ws, err := workspace.New(workspace.Config{
			Path:      cfg.Workspace.Path,
			Watch:     cfg.Workspace.Watch,
			MaxSkills: cfg.Workspace.MaxSkills,
			Logger:    base,
		})
		if err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
		d.workspace = ws
	}

	if err := d.registerTools(base); err != nil {
		return err
	}

	d.executor = toolexecutor.New(toolexecutor.Config{
		Registry:      d.registry,
		Policy:        cfg.Tools.Policy(),
		Bus:           d.bus,
		WorkspaceRoot: d.workspaceRoot(),
		Limits: toolexecutor.Limits{
			Timeout:        cfg.Tools.ExecTimeout,
			MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		},
		Logger: base,
		Audit:  d.audit,
	})
	d.dispatcher = dispatcher.New(dispatcher.Config{
		Bus:      d.bus,
		Executor: d.executor,
		Logger:   base,
	})

	r, err := newReasoner(cfg.Reasoner, base)
	if err != nil {
		return fmt.Errorf("failed to create reasoner: %w", err)
	}
	d.reasoner = r

	runnerCfg := agent.LoopRunnerConfig{
		Bus:               d.bus,
		Reasoner:          d.reasoner,
		Tools:             d.executor,
		BasePrompt:        cfg.Runtime.BasePrompt,
		MaxSteps:          cfg.Runtime.MaxSteps,
		ToolResultTimeout: cfg.Runtime.ToolResultTimeout,
		DecideTimeout:     cfg.Runtime.DecideTimeout,
		LatencyBudgetMs:   cfg.Runtime.LatencyBudgetMs,
		PassthroughTopics: cfg.Runtime.PassthroughTopics,
		Logger:            base,
	}
	if d.workspace != nil {
		runnerCfg.Persona = d.workspace
		runnerCfg.Skills = d.workspace
	}
	runner, err := agent.NewLoopRunner(runnerCfg)
	if err != nil {
		return fmt.Errorf("failed to create loop runner: %w", err)
	}
	d.runner = runner

	d.log.Info().
		Int("tools", d.registry.Count()).
		Str("provider", d.reasoner.Provider()).
		Msg("Core modules initialized")
	return nil
}

// registerTools installs the core tools that have their dependencies configured.
func (d *Daemon) registerTools(base zerolog.Logger) error {
	cfg := d.config
	d.registry = toolexecutor.NewRegistry()

	sbCfg := sandbox.DefaultConfig()
	if cfg.Tools.ExecTimeout > 0 {
		sbCfg.Timeout = cfg.Tools.ExecTimeout
	}
	if cfg.Tools.MaxOutputBytes > 0 {
		sbCfg.MaxOutputBytes = cfg.Tools.MaxOutputBytes
	}
	sb, err := sandbox.NewHostSandbox(sbCfg, base)
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}

	opts := coretools.Options{
		Sandbox:      sb,
		Permissions:  cfg.Permissions.Policy(),
		ShellTimeout: cfg.Tools.ExecTimeout,
	}
	if d.memory != nil {
		opts.Memory = d.memory
	}
	if d.workspace != nil {
		opts.Persona = d.workspace
	}
	if err := coretools.Register(d.registry, opts); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	return nil
}

// initializeServices builds the worker, its collaborators and the optional surfaces.
func (d *Daemon) initializeServices() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	scripts, err := hooks.NewManager(hooks.Config{
		Enabled: cfg.Hooks.Enabled,
		Hooks:   cfg.Hooks.Entries,
		Logger:  base,
	})
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.scripts = scripts

	collab := &collaborators{
		sessions:      d.sessions,
		scripts:       d.scripts,
		provider:      d.reasoner,
		defaultLevel:  permission.ParseOr(cfg.Permissions.DefaultLevel, permission.Low),
		workspaceRoot: d.workspaceRoot(),
		historyLimit:  cfg.Sessions.HistoryLimit,
		audit:         d.audit,
		logger:        base.With().Str("component", "worker_hooks").Logger(),
	}
	if cfg.Voice.TranscriberCommand != "" {
		transcriber, err := hooks.NewCommandTranscriber(hooks.CommandTranscriberConfig{
			Command: cfg.Voice.TranscriberCommand,
			Timeout: cfg.Voice.TranscriberTimeout,
			Logger:  base,
		})
		if err != nil {
			return fmt.Errorf("failed to create transcriber: %w", err)
		}
		collab.transcriber = transcriber
	}

	worker, err := NewWorker(WorkerConfig{
		Source: d.queue,
		Runner: d.runner,
		Hooks:  collab.Hooks(),
		Logger: base,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	d.worker = worker

	if cfg.Sessions.MaxAge > 0 || cfg.Sessions.MaxEntries > 0 {
		pruner, err := session.NewPruner(d.sessions, session.PrunerConfig{
			Schedule:   cfg.Sessions.PruneSchedule,
			MaxAge:     cfg.Sessions.MaxAge,
			MaxEntries: cfg.Sessions.MaxEntries,
			Logger:     base,
		})
		if err != nil {
			return fmt.Errorf("failed to create session pruner: %w", err)
		}
		d.pruner = pruner
	}

	if d.opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:     d.opts.ConfigPath,
			OnChange: d.applyConfig,
			Validate: func(c *config.Config) error { return c.Validate() },
			Logger:   base,
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		d.watcher = watcher
	}

	if d.opts.Gateway {
		gw, err := gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Submitter:    d.queue,
			Health:       d.health,
			Logger:       base,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gateway = gw
	}

	return nil
}

// applyConfig re-applies the hot-reloadable tools section.
func (d *Daemon) applyConfig(next *config.Config) {
	policy := next.Tools.Policy()
	d.executor.SetPolicy(policy)

	d.mu.Lock()
	d.config.Tools.Allow = next.Tools.Allow
	d.config.Tools.Deny = next.Tools.Deny
	d.config.Tools.ByProvider = next.Tools.ByProvider
	d.mu.Unlock()

	d.audit.RecordConfig(context.Background(), "tools.reload", "config_watcher", map[string]interface{}{
		"allow":       policy.Allow,
		"deny":        policy.Deny,
		"by_provider": len(policy.ByProvider),
	})
	d.log.Info().
		Strs("allow", policy.Allow).
		Strs("deny", policy.Deny).
		Msg("Tool policy reloaded")
}

func (d *Daemon) workspaceRoot() string {
	if d.workspace != nil {
		return d.workspace.Root()
	}
	return d.config.Workspace.Path
}

func (d *Daemon) health() map[string]interface{} {
	status := d.Status()
	return map[string]interface{}{
		"running":    status.Running,
		"uptime":     status.Uptime.String(),
		"queue_size": status.QueueSize,
		"provider":   status.Provider,
	}
}

// Start starts every component. A failure stops what was already started.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting Ranya runtime")

	if err := d.start(log); err != nil {
		if stopErr := d.Stop(); stopErr != nil {
			log.Error().Err(stopErr).Msg("Failed to stop after start failure")
		}
		return err
	}

	log.Info().Msg("Ranya runtime started")
	return nil
}

func (d *Daemon) start(log zerolog.Logger) error {
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.workspace != nil {
		if err := d.workspace.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start workspace watcher")
		}
	}

	d.dispatcher.Start()

	if err := d.worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	if d.pruner != nil {
		if err := d.pruner.Start(); err != nil {
			return fmt.Errorf("failed to start session pruner: %w", err)
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			log.Warn().Err(err).Str("path", d.opts.ConfigPath).Msg("Config hot reload disabled")
		}
	}

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
	}
	return nil
}

// Stop stops every component in reverse dependency order. An in-flight turn
// is aborted and still answered.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping Ranya runtime")

	var errs []error

	if d.gateway != nil {
		if err := d.gateway.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}

	if dropped := d.queue.Size(); dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Discarding queued requests")
	}
	d.queue.Close()
	if err := d.worker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	d.dispatcher.Stop()

	if d.pruner != nil {
		d.pruner.Stop()
	}
	if d.workspace != nil {
		if err := d.workspace.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("workspace: %w", err))
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}

	d.closeStores()
	d.shutdownTracing()
	if err := d.audit.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}

	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("Ranya runtime stopped with errors")
		return err
	}
	log.Info().Msg("Ranya runtime stopped")
	return nil
}

func (d *Daemon) closeStores() {
	if d.memory != nil {
		if err := d.memory.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close memory store")
		}
		d.memory = nil
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Submit admits one raw JSON-RPC payload.
func (d *Daemon) Submit(raw []byte, replier inputqueue.Replier) inputqueue.SubmitResult {
	return d.queue.Submit(raw, replier)
}

// SubmitRequest admits a validated request.
func (d *Daemon) SubmitRequest(req *rpc.Request, replier inputqueue.Replier) inputqueue.SubmitResult {
	return d.queue.SubmitRequest(req, replier)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		QueueSize: d.queue.Size(),
		Tools:     d.registry.Count(),
		Provider:  d.reasoner.Provider(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, or until ctx ends, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.log.Info().Msg("Shutdown requested")
	return d.Stop()
}

// Gateway returns the gateway server, or nil when it is disabled.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}

// Config returns the daemon configuration
func (d *Daemon) Config() *config.Config {
	return d.config
}
