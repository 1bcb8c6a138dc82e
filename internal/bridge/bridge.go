// Package bridge is the composition root: it wires the control-plane
// client, the machine session pool, the configuration registry, the three
// collectors, the dispatcher, the extract scheduler, and the event-stream
// sink into one long-lived service, and owns startup/shutdown ordering.
package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"okuma-bridge/internal/collector/general"
	"okuma-bridge/internal/collector/macman"
	"okuma-bridge/internal/config"
	"okuma-bridge/internal/dispatcher"
	"okuma-bridge/internal/eventstream"
	"okuma-bridge/internal/machine"
	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/opcuapki"
	"okuma-bridge/internal/ospapi"
	"okuma-bridge/internal/programmgmt"
	"okuma-bridge/internal/registry"
	"okuma-bridge/internal/scheduler"
	"okuma-bridge/internal/sessionpool"
)

// Options are the knobs main passes in beyond the environment-derived
// config.
type Options struct {
	// StatusPort is the HTTP status/metrics/websocket listen port; zero
	// disables the surface.
	StatusPort int
	// Workers sizes the dispatcher's worker pool.
	Workers int
	// DumpDir is where program-management crash dumps land.
	DumpDir string
}

// Bridge holds every long-lived service.
type Bridge struct {
	logger  *zap.Logger
	cfg     config.Config
	opts    Options
	metrics *Metrics

	client     *opcuaclient.Client
	pool       *sessionpool.Pool
	registry   *registry.Registry
	directory  *machine.Directory
	sink       eventstream.Sink
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	status     *statusServer

	started time.Time
}

// New wires the bridge. dialer is the production OSPAPI binding (or a
// simulator in tests).
func New(cfg config.Config, opts Options, dialer ospapi.Dialer, logger *zap.Logger) (*Bridge, error) {
	b := &Bridge{logger: logger, cfg: cfg, opts: opts, metrics: NewMetrics()}

	pki, err := opcuapki.New(cfg.CertDir, logger)
	if err != nil {
		return nil, fmt.Errorf("bridge: pki: %w", err)
	}

	b.client = opcuaclient.New(opcuaclient.Config{
		ServerURL:               cfg.OPCUA.ServerURL,
		Username:                cfg.OPCUA.Username,
		Password:                cfg.OPCUA.Password,
		SecurityPolicy:          cfg.OPCUA.SecurityPolicy,
		SecurityMode:            cfg.OPCUA.SecurityMode,
		ReconnectInterval:       cfg.OPCUA.ReconnectInterval,
		PublishingInterval:      cfg.OPCUA.PublishingInterval,
		DefaultSamplingInterval: cfg.OPCUA.DefaultSamplingInterval,
		MaxReconnectAttempts:    cfg.OPCUA.MaxReconnectAttempts,
		CertDir:                 cfg.CertDir,
	}, logger, pki)

	b.registry = registry.Load(cfg.APIConfigPath, logger)

	kinds, err := config.LoadMachineKinds(cfg.MachineKindsPath)
	if err != nil {
		return nil, fmt.Errorf("bridge: machine kinds: %w", err)
	}
	b.directory = machine.NewDirectory(b.client, kinds.Resolve)

	b.pool = sessionpool.New(dialer, b.client, logger, cfg.OPCUA.ReconnectInterval)

	rawSink, err := eventstream.New(eventstream.Config{
		Enabled:          cfg.EventHub.Enabled,
		ConnectionString: cfg.EventHub.ConnectionString,
		Name:             cfg.EventHub.Name,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bridge: event stream: %w", err)
	}
	b.sink = InstrumentSink(rawSink, b.metrics)

	generalCollector := general.New(b.client, b.pool, b.registry, b.directory, logger)
	macmanCollector := macman.New(b.client, b.pool, b.directory, b.sink, logger)
	executor := programmgmt.New(b.client, b.pool, b.directory, cfg.StagingRoot, opts.DumpDir, logger)

	b.dispatcher = dispatcher.New(b.client, generalCollector, macmanCollector, executor, opts.Workers, logger)
	b.scheduler = scheduler.New(b.client, cfg.MacManExtractInterval, logger)

	if opts.StatusPort > 0 {
		b.status = newStatusServer(b, statusAddr(opts.StatusPort), logger)
	}

	return b, nil
}

// Run starts everything and blocks until ctx is cancelled, then tears the
// pool and the control-plane session down. Startup order: control-plane
// session, discovery+subscriptions, dispatcher, scheduler, status surface.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = time.Now()

	// The startup loop polls until the control plane is reachable.
	for {
		err := b.client.Start(ctx)
		if err == nil {
			break
		}
		b.logger.Warn("bridge: control plane unreachable, retrying",
			zap.String("endpoint", b.cfg.OPCUA.ServerURL),
			zap.Duration("retry_in", b.cfg.OPCUA.ReconnectInterval),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.OPCUA.ReconnectInterval):
		}
	}
	b.metrics.ControlPlaneUp.Set(1)

	if err := b.dispatcher.Discover(ctx); err != nil {
		b.logger.Warn("bridge: initial discovery failed, subscriptions will restore on reconnect", zap.Error(err))
	}

	go b.dispatcher.Run(ctx, b.countNotifications(ctx, b.client.Notifications()))
	go b.scheduler.Run(ctx)
	go b.watchConnection(ctx)
	if b.status != nil {
		go b.status.run(ctx)
	}

	b.logger.Info("bridge: running")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b.pool.Shutdown(shutdownCtx)
	b.sink.Close()
	if err := b.client.Close(shutdownCtx); err != nil {
		b.logger.Warn("bridge: control-plane close failed", zap.Error(err))
	}
	b.logger.Info("bridge: stopped")
	return nil
}

// countNotifications forwards the notification stream into the dispatcher
// while counting each delivery.
func (b *Bridge) countNotifications(ctx context.Context, in <-chan opcuaclient.Notification) <-chan opcuaclient.Notification {
	out := make(chan opcuaclient.Notification, 256)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-in:
				if !ok {
					return
				}
				b.metrics.TriggersDispatched.Inc()
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// watchConnection mirrors the control-plane connection state into the
// gauge and re-runs discovery after a reconnect so newly-appeared machines
// are picked up (existing subscriptions restore inside the client).
func (b *Bridge) watchConnection(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.OPCUA.ReconnectInterval)
	defer ticker.Stop()

	wasConnected := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := b.client.IsConnected()
			if connected {
				b.metrics.ControlPlaneUp.Set(1)
			} else {
				b.metrics.ControlPlaneUp.Set(0)
			}
			if connected && !wasConnected {
				b.logger.Info("bridge: control plane reconnected, re-running discovery")
				if err := b.dispatcher.Discover(ctx); err != nil {
					b.logger.Warn("bridge: post-reconnect discovery failed", zap.Error(err))
				}
			}
			wasConnected = connected
		}
	}
}
