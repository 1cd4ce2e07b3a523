// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/callbridge/internal/audio"
	"firestige.xyz/callbridge/internal/bridge"
	"firestige.xyz/callbridge/internal/command"
	"firestige.xyz/callbridge/internal/config"
	"firestige.xyz/callbridge/internal/device"
	"firestige.xyz/callbridge/internal/events"
	"firestige.xyz/callbridge/internal/httpapi"
	logpkg "firestige.xyz/callbridge/internal/log"
	"firestige.xyz/callbridge/internal/metrics"
	"firestige.xyz/callbridge/internal/sip"
	"firestige.xyz/callbridge/internal/supervisor"
)

// Daemon manages the callbridge daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Leg controllers
	deviceCtl *device.ADBController
	sipCtl    *sip.BaresipController
	router    *audio.PulseRouter

	// Core components
	supervisor    *supervisor.Supervisor
	notifier      *events.Notifier // nil if events disabled
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	httpServer    *httpapi.Server               // nil if http disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New creates a new Daemon instance.
// Empty socketPath or pidFile fall back to the control section of the config.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	cfg := d.config

	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting callbridge daemon",
		"version", command.Version,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. SIP credentials and baresip provisioning
	creds, err := d.loadCredentials()
	if err != nil {
		return err
	}
	if cfg.SIP.BaresipHome != "" {
		if err := sip.Provision(cfg.SIP.BaresipHome, creds, cfg.SIP, cfg.Audio); err != nil {
			return fmt.Errorf("failed to provision baresip: %w", err)
		}
		slog.Info("baresip provisioned", "home", cfg.SIP.BaresipHome)
	}

	// 5. Leg controllers
	d.deviceCtl = device.NewADBController(cfg.Device, nil)
	d.sipCtl = sip.NewBaresipController(cfg.SIP)
	d.router = audio.NewPulseRouter(audio.NewPactlBackend(cfg.Audio, nil))

	// 6. Event publisher
	var observer bridge.Observer
	if cfg.Events.Enabled {
		publisher, err := events.NewPublisher(cfg.Events)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		d.notifier = events.NewNotifier(cfg.Node.Hostname, publisher, cfg.Events.Partitions, cfg.Events.QueueSize)
		observer = d.notifier
		slog.Info("session events enabled", "publisher", publisher.Name())
	}

	// 7. Supervisor
	d.supervisor = supervisor.New(
		bridge.Legs{Device: d.deviceCtl, SIP: d.sipCtl, Audio: d.router},
		bridge.TimingFromConfig(cfg.Session),
		supervisor.PolicyFromConfig(cfg.Supervisor),
		supervisor.Defaults{
			Credentials: creds,
			DeviceAudio: audio.Endpoint{Source: cfg.Audio.DeviceSource, Sink: cfg.Audio.DeviceSink},
			SIPAudio:    audio.Endpoint{Source: cfg.Audio.SIPSource, Sink: cfg.Audio.SIPSink},
		},
		observer,
	)
	go d.gcLoop(cfg.Supervisor.GCInterval)

	// 8. Command handler
	d.cmdHandler = command.NewCommandHandler(d.supervisor, d)
	d.cmdHandler.SetHostname(cfg.Node.Hostname)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 9. UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(); err != nil {
		return fmt.Errorf("failed to start uds server: %w", err)
	}
	go func() {
		if err := d.udsServer.Serve(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
		}
	}()

	// 10. Kafka command consumer (if enabled)
	if cfg.CommandChannel.Enabled && cfg.CommandChannel.Type == "kafka" {
		if err := d.startKafkaConsumer(); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			// Non-fatal: daemon can still run with UDS-only control
		}
	}

	// 11. HTTP API (if enabled)
	if cfg.HTTP.Enabled {
		d.httpServer = httpapi.New(cfg.HTTP, d.supervisor)
		if err := d.httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start http api: %w", err)
		}
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	teardown := d.teardownTimeout()

	// 1. Stop intake: Kafka, HTTP
	if d.kafkaConsumer != nil {
		slog.Info("stopping kafka command consumer")
		if err := d.kafkaConsumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
	}
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.httpServer.Stop(ctx); err != nil {
			slog.Error("error stopping http api", "error", err)
		}
		cancel()
	}

	// 2. Tear down every session
	if d.supervisor != nil {
		slog.Info("stopping all sessions")
		ctx, cancel := context.WithTimeout(context.Background(), teardown+5*time.Second)
		if err := d.supervisor.StopAll(ctx); err != nil {
			slog.Error("error stopping sessions", "error", err)
		}
		cancel()
		d.supervisor.Close()
	}

	// 3. Flush pending events
	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil {
			slog.Error("error closing event publisher", "error", err)
		}
	}

	// 4. Release leg controllers
	if d.sipCtl != nil {
		if err := d.sipCtl.Close(); err != nil {
			slog.Warn("error closing sip controller", "error", err)
		}
	}
	if d.deviceCtl != nil {
		if err := d.deviceCtl.Close(); err != nil {
			slog.Warn("error closing device controller", "error", err)
		}
	}

	// 5. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		slog.Info("stopping uds server")
		if err := d.udsServer.Stop(); err != nil {
			slog.Error("error stopping uds server", "error", err)
		}
	}

	// 6. Stop metrics server
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(ctx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}

	// 7. Cancel context to signal all goroutines
	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
	logpkg.Close()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS/Kafka
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format, session deadlines, retry and capacity policy.
// Cold (requires restart): node.hostname, listen addresses, leg controller settings.
// Implements ConfigReloader interface for CommandHandler.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	old := d.config
	d.config = newConfig
	d.mu.Unlock()

	hotReloaded := []string{}

	// 1. Logging
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log != old.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	// 2. Session deadlines and supervisor policy apply to sessions started afterwards
	if d.supervisor != nil {
		d.supervisor.Update(
			bridge.TimingFromConfig(newConfig.Session),
			supervisor.PolicyFromConfig(newConfig.Supervisor),
		)
		if newConfig.Session != old.Session {
			hotReloaded = append(hotReloaded, "session")
		}
		if newConfig.Supervisor != old.Supervisor {
			hotReloaded = append(hotReloaded, "supervisor")
		}
	}

	// 3. Warn about cold-reload items that changed
	requiresRestart := []string{}
	if newConfig.Node.Hostname != old.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.HTTP != old.HTTP {
		requiresRestart = append(requiresRestart, "http")
	}
	if newConfig.Device != old.Device {
		requiresRestart = append(requiresRestart, "device")
	}
	if newConfig.SIP != old.SIP {
		requiresRestart = append(requiresRestart, "sip")
	}
	if newConfig.Audio != old.Audio {
		requiresRestart = append(requiresRestart, "audio")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)

	return nil
}

// TriggerShutdown triggers graceful shutdown from external caller (e.g., daemon_shutdown command).
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
		// already pending
	}
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Sessions returns the session supervisor, nil before Start.
func (d *Daemon) Sessions() *supervisor.Supervisor {
	return d.supervisor
}

func (d *Daemon) teardownTimeout() time.Duration {
	return d.Config().Session.TeardownTimeout
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	cfg := d.Config()
	if err := logpkg.Init(cfg.Log, "node", cfg.Node.Hostname); err != nil {
		return err
	}

	slog.Debug("logging initialized",
		"level", cfg.Log.Level,
		"format", cfg.Log.Format,
	)

	return nil
}

// loadCredentials reads the SIP account secrets. Without a credentials file the
// account is unauthenticated and registration is left to the SIP server.
func (d *Daemon) loadCredentials() (sip.Credentials, error) {
	cfg := d.config.SIP
	creds := sip.Credentials{Server: cfg.Server, Port: cfg.Port}
	if cfg.CredentialsFile == "" {
		slog.Warn("sip.credentials_file not set, registering without credentials")
		return creds, nil
	}

	c, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return creds, fmt.Errorf("failed to load sip credentials: %w", err)
	}
	creds.Username = c.Username
	creds.AuthUser = c.AuthUser
	creds.Password = c.Password
	return creds, nil
}

// gcLoop prunes finished sessions past their retention.
func (d *Daemon) gcLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := d.supervisor.GC(); n > 0 {
				slog.Debug("pruned finished sessions", "count", n)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// startKafkaConsumer starts the Kafka command consumer in background.
func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(
		d.config.CommandChannel,
		d.config.Node.Hostname,
		d.cmdHandler,
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	d.kafkaConsumer = consumer

	go func() {
		if err := consumer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
	}()

	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// writePIDFile writes the current process ID to the PID file.
// A PID file naming another live process means a second daemon and is refused.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if pid, err := ReadPIDFile(d.pidFile); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d (%s)", pid, d.pidFile)
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
