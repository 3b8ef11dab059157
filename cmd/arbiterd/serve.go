package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"volarbiter/internal/api"
	"volarbiter/internal/config"
	"volarbiter/internal/events"
	"volarbiter/internal/kube"
	"volarbiter/internal/model"
	"volarbiter/internal/obs"
	"volarbiter/internal/storage"
)

// ServeCmd runs the arbiter daemon. Flags override the configuration file.
type ServeCmd struct {
	Config   string `kong:"optional,name='config',short='c',env='ARBITER_CONFIG',help='Path to the TOML configuration file.'"`
	Addr     string `kong:"optional,name='addr',env='ARBITER_ADDR',help='HTTP listen address.'"`
	DB       string `kong:"optional,name='db',env='ARBITER_DB',help='SQLite database path.'"`
	Driver   string `kong:"optional,name='driver',env='ARBITER_STORAGE',help='Storage driver (sqlite, postgres, memory).'"`
	LogLevel string `kong:"optional,name='log-level',env='ARBITER_LOG_LEVEL',help='Log level (debug, info, warn, error).'"`
}

// Run executes the serve command.
func (cmd ServeCmd) Run(ctx context.Context) error {
	cfg, resolved, exists, err := config.Load(cmd.Config)
	if err != nil {
		return err
	}
	if err := cmd.apply(cfg); err != nil {
		return err
	}

	logger, err := obs.NewLogger(obs.LoggerOptions{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	logger.Info(map[string]interface{}{
		"op":          "config",
		"path":        resolved,
		"file_exists": exists,
		"driver":      cfg.Storage.Driver,
		"volumes":     cfg.VolumeNames(),
	})

	d, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	return d.serve(ctx)
}

func (cmd ServeCmd) apply(cfg *config.Config) error {
	if cmd.Addr != "" {
		cfg.Server.Addr = cmd.Addr
	}
	if cmd.Driver != "" {
		cfg.Storage.Driver = cmd.Driver
	}
	if cmd.DB != "" {
		p, err := config.ExpandPath(cmd.DB)
		if err != nil {
			return fmt.Errorf("--db: %w", err)
		}
		cfg.Storage.Path = p
		cfg.Storage.LockFile = p + ".lock"
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.LockFile == "" {
		cfg.Storage.LockFile = cfg.Storage.Path + ".lock"
	}
	if cmd.LogLevel != "" {
		cfg.Logging.Level = cmd.LogLevel
	}
	return cfg.Validate()
}

// daemon holds every long-lived component of a running arbiter.
type daemon struct {
	cfg      *config.Config
	logger   *obs.Logger
	store    storage.Store
	lock     *flock.Flock
	hub      *events.Hub
	registry *model.Registry
	monitor  *model.ExpirationMonitor
	relay    *events.RedisRelay
	rdb      *redis.Client
	actuator *kube.Actuator
	handler  http.Handler
}

func build(ctx context.Context, cfg *config.Config, logger *obs.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if err = d.openStore(ctx); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	d.hub = events.NewHub(0)
	d.hub.OnDrop = func(e events.Event) {
		metrics.EventsDropped.Inc()
		logger.Warn(map[string]interface{}{"op": "event_dropped", "volume": e.Resource, "type": string(e.Type)})
	}

	arbiters := make([]*model.Arbiter, 0, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		a, aerr := model.NewArbiter(ctx, v.Name, d.store, model.Options{
			LeaseTTL: cfg.LeaseTTL(),
			Logger:   logger,
			Metrics:  metrics,
			Notifier: d.hub,
		})
		if aerr != nil {
			return nil, aerr
		}
		logger.Info(map[string]interface{}{"op": "volume_restored", "volume": v.Name, "state": a.Status().String()})
		arbiters = append(arbiters, a)
	}
	if d.registry, err = model.NewRegistry(arbiters...); err != nil {
		return nil, err
	}
	d.monitor = model.NewExpirationMonitor(d.registry, logger, metrics, cfg.SweepInterval())

	if cfg.Redis.Enabled {
		d.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.relay = events.NewRedisRelay(d.rdb, events.RelayOptions{
			Channel:   cfg.Redis.Channel,
			StatusKey: cfg.Redis.StatusKey,
			Logger:    logger,
		})
	}

	if cfg.Kubernetes.Enabled {
		cs, kerr := kube.Connect(cfg.Kubernetes.Kubeconfig)
		if kerr != nil {
			return nil, kerr
		}
		targets := make(map[string]kube.Target, len(cfg.Volumes))
		for _, v := range cfg.Volumes {
			targets[v.Name] = kube.Target{
				Namespace:          v.Namespace,
				ProducerDeployment: v.ProducerDeployment,
				ConsumerDeployment: v.ConsumerDeployment,
			}
		}
		d.actuator = kube.NewActuator(cs, targets, logger)
	}

	var auth *api.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth = api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}
	d.handler = api.NewServer(d.registry, api.Options{
		Hub:     d.hub,
		Auth:    auth,
		Logger:  logger,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Health:  d.health,
	}).Handler()

	return d, nil
}

func (d *daemon) openStore(ctx context.Context) error {
	sc := d.cfg.Storage
	switch sc.Driver {
	case "memory":
		return nil
	case "postgres":
		pg, err := storage.OpenPostgres(ctx, sc.DSN)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		d.store = pg
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	d.lock = flock.New(sc.LockFile)
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		d.lock = nil
		return fmt.Errorf("another arbiterd owns %s", sc.LockFile)
	}

	db, err := storage.Open(ctx, storage.Config{
		Path:         sc.Path,
		BusyTimeout:  d.cfg.BusyTimeout(),
		MaxOpenConns: sc.MaxOpenConns,
		MaxIdleConns: sc.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	d.store = db
	return nil
}

func (d *daemon) health(ctx context.Context) error {
	if d.relay != nil {
		if err := d.relay.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (d *daemon) serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              d.cfg.Server.Addr,
		Handler:           d.handler,
		ReadHeaderTimeout: d.cfg.ReadHeaderTimeout(),
	}
	// Closing the hub ends open event streams so Shutdown does not wait on them.
	srv.RegisterOnShutdown(d.hub.Close)

	var wg sync.WaitGroup
	d.start(ctx, &wg)

	var serveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.logger.Info(map[string]interface{}{"op": "listen", "addr": srv.Addr})
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
			stop()
		}
	}()

	<-ctx.Done()
	d.logger.Info(map[string]interface{}{"op": "shutdown"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn(map[string]interface{}{"op": "http_shutdown", "error": err.Error()})
	}
	wg.Wait()
	d.logger.Info(map[string]interface{}{"op": "stopped"})
	return serveErr
}

// start launches the background workers; they exit when ctx ends or the hub
// closes.
func (d *daemon) start(ctx context.Context, wg *sync.WaitGroup) {
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(func() { d.monitor.Run(ctx) })
	if d.relay != nil {
		run(func() { d.relay.Run(ctx, d.hub) })
	}
	if d.actuator != nil {
		run(func() { d.actuator.Run(ctx, d.hub) })
	}
}

func (d *daemon) close() {
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn(map[string]interface{}{"op": "store_close", "error": err.Error()})
		}
	}
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
}

// InitConfigCmd writes the sample configuration.
type InitConfigCmd struct {
	Path  string `kong:"optional,name='path',help='Destination; defaults to ~/.config/volarbiter/config.toml.'"`
	Force bool   `kong:"optional,name='force',help='Overwrite an existing file.'"`
}

// Run executes the init-config command.
func (cmd InitConfigCmd) Run() error {
	path := cmd.Path
	var err error
	if path == "" {
		path, err = config.DefaultConfigPath()
	} else {
		path, err = config.ExpandPath(path)
	}
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !cmd.Force {
		return fmt.Errorf("%s already exists (use --force)", path)
	}
	if err := config.CreateSample(path); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
