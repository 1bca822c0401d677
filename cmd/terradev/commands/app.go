package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/audit"
	"github.com/terradev/terradev/pkg/config"
	"github.com/terradev/terradev/pkg/decision"
	"github.com/terradev/terradev/pkg/drift"
	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/manifest"
	"github.com/terradev/terradev/pkg/operations"
	"github.com/terradev/terradev/pkg/orchestrator"
	"github.com/terradev/terradev/pkg/policy"
	"github.com/terradev/terradev/pkg/providers"
	"github.com/terradev/terradev/pkg/reconcile"
	"github.com/terradev/terradev/pkg/stores"
	"github.com/terradev/terradev/pkg/telemetry"
	"github.com/terradev/terradev/pkg/transports/ssh"
)

// app holds the wired components behind every command.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	log     *telemetry.Logger
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	store      *stores.SQLiteStore
	registry   *providers.Registry
	policies   *policy.Engine
	manifests  *manifest.Store
	detector   *drift.Detector
	reconciler *reconcile.Reconciler
	decisions  *decision.Engine
	audit      *audit.Recorder

	ops    *operations.Manager
	remote *ssh.Client
}

// openApp loads the configuration at path and wires every component. The
// operation manager is built on first use since it may dial a remote host.
func openApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tcfg := cfg.Telemetry
	if tcfg == nil {
		tcfg = telemetry.DefaultConfig()
		cfg.Telemetry = tcfg
	}
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if tcfg.ServiceName == "" {
		tcfg.ServiceName = "terradev"
	}
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = "dev"
	}
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		tel:     tel,
		log:     tel.Logger,
		logger:  tel.Logger.Zerolog(),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
		store:   store,
	}

	a.registry, err = providers.FromConfig(cfg.Providers, a.metrics, a.tracer)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.policies, err = policy.NewEngine(a.logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Policy.Dir != "" {
		if err := a.policies.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	a.audit = audit.NewRecorder(store, a.metrics, a.logger)
	a.manifests = manifest.NewStore(store, a.logger)
	a.detector = drift.NewDetector(a.manifests, a.registry, a.driftOptions(cfg), a.logger)
	a.reconciler = reconcile.NewReconciler(a.detector, a.registry, a.manifests, reconcile.Options{
		ActionTimeout: cfg.Drift.ProviderTimeout,
		MaxParallel:   cfg.Drift.MaxParallel,
		Metrics:       a.metrics,
		Recorder:      audit.NewReconcileRecorder(a.audit, ""),
	}, a.logger)
	a.decisions = decision.NewEngine(a.policies, a.decisionOptions(cfg), a.logger)

	return a, nil
}

func (a *app) driftOptions(cfg *config.Config) drift.Options {
	return drift.Options{
		ProviderTimeout: cfg.Drift.ProviderTimeout,
		MaxParallel:     cfg.Drift.MaxParallel,
		Metrics:         a.metrics,
		Tracer:          a.tracer,
	}
}

func (a *app) decisionOptions(cfg *config.Config) decision.Options {
	opts := decision.OptionsFromConfig(cfg.Decision)
	opts.Metrics = a.metrics
	return opts
}

// reload applies a changed configuration to the components that support it.
func (a *app) reload(cfg *config.Config) {
	a.detector.SetOptions(a.driftOptions(cfg))
	a.decisions.SetOptions(a.decisionOptions(cfg))
	a.logger.Info().Msg("Configuration reloaded")
}

// operations returns the operation manager, running the executor locally or
// over SSH when operations.remote.host is set.
func (a *app) operations(ctx context.Context) (*operations.Manager, error) {
	if a.ops != nil {
		return a.ops, nil
	}

	cfg := a.cfg.Operations
	opts := operations.OptionsFromConfig(cfg)
	opts.Metrics = a.metrics
	opts.Tracer = a.tracer

	var (
		executor engine.Executor
		state    engine.StateBackend
	)
	if cfg.Remote.Host != "" {
		client, err := ssh.NewClient(ssh.ConfigFromRemote(cfg.Remote))
		if err != nil {
			return nil, fmt.Errorf("failed to create ssh client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		a.remote = client
		executor = ssh.NewExecutor(client, cfg.TerraformBin)
		state = ssh.NewStateBackend(client)
	} else {
		executor = operations.NewLocalExecutor(cfg.TerraformBin)
		state = operations.NewLocalStateBackend()
	}

	a.ops = operations.NewManager(a.store, executor, state, opts, a.logger)
	return a.ops, nil
}

// provisioner wires the decide, operate and record flow.
func (a *app) provisioner(ctx context.Context, actor string) (*orchestrator.Provisioner, error) {
	ops, err := a.operations(ctx)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewProvisioner(a.decisions, ops, a.audit, a.manifests, a.registry, orchestrator.Options{
		Actor:         actor,
		Guard:         a.policies,
		ActionTimeout: a.cfg.Drift.ProviderTimeout,
		MaxParallel:   a.cfg.Drift.MaxParallel,
		Metrics:       a.metrics,
	}, a.logger), nil
}

// Close releases the store, the SSH connection and the tracer.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
