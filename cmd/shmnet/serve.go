package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/srediag/shmnet/adapter"
	"github.com/srediag/shmnet/internal/config"
	"github.com/srediag/shmnet/internal/logging"
	"github.com/srediag/shmnet/pkg/health"
	"github.com/srediag/shmnet/pkg/lifecycle"
	"github.com/srediag/shmnet/pkg/metrics"
)

// daemon runs the relays of a config and serves the admin endpoints.
type daemon struct {
	path     string
	registry *prometheus.Registry
	monitor  *health.Monitor
	manager  *lifecycle.Manager
	inst     instruments

	mu     sync.Mutex
	relays map[string]config.Relay
}

func newDaemon(path string, cfg config.Config) (*daemon, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := metrics.NewPrometheus(reg, cfg.MetricsNamespace)
	if err != nil {
		return nil, err
	}
	ot, err := adapter.NewOTel(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor(health.Config{
		MaxHeartbeatAge: cfg.Health.MaxHeartbeatAge,
		MaxGoroutines:   cfg.Health.MaxGoroutines,
		ProbeTimeout:    cfg.Health.ProbeTimeout,
	})
	manager, err := lifecycle.NewManager(lifecycle.ManagerConfig{
		PoolSize:  2*len(cfg.Relays) + lifecycle.DefaultManagerConfig().PoolSize,
		Heartbeat: monitor.Heartbeat,
		Forget:    monitor.Forget,
	})
	if err != nil {
		return nil, err
	}
	return &daemon{
		path:     path,
		registry: reg,
		monitor:  monitor,
		manager:  manager,
		inst:     instruments{recorder: metrics.Multi{prom, ot}, tracer: ot.Tracer()},
		relays:   map[string]config.Relay{},
	}, nil
}

// apply brings the running relays in line with cfg. Relays whose config did not
// change keep running.
func (d *daemon) apply(ctx context.Context, cfg config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// the environment wins over the file
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok && os.Getenv(logging.EnvLogLevel) == "" {
		logging.SetLevel(lvl)
	}

	want := make(map[string]config.Relay, len(cfg.Relays))
	for _, rc := range cfg.Relays {
		want[rc.Name] = rc
	}
	var errs []error
	for name := range d.relays {
		if _, ok := want[name]; !ok {
			if err := d.manager.Remove(name); err != nil {
				errs = append(errs, err)
			}
			delete(d.relays, name)
			logger.Infof("relay %s removed", name)
		}
	}
	for _, rc := range cfg.Relays {
		if old, ok := d.relays[rc.Name]; ok && relayEqual(old, rc) {
			continue
		}
		if err := d.manager.Replace(ctx, rc.Name, d.inst.relayFactory(rc)); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.manager.Start(ctx, rc.Name); err != nil {
			// left out of d.relays so the next reload retries it
			errs = append(errs, err)
			continue
		}
		if rc.Source == config.KindSHM || rc.Sink == config.KindSHM {
			d.monitor.AddProbe(rc.Name, health.SharedMapProbe(rc.SHM.Name, cfg.Health.ProbeTimeout))
		}
		d.relays[rc.Name] = rc
	}
	return errors.Join(errs...)
}

// Reload implements adapter.HotReloadAdapter by re-reading the config file.
func (d *daemon) Reload(ctx context.Context) error {
	cfg, err := config.Load(d.path)
	if err != nil {
		return err
	}
	return d.apply(ctx, cfg)
}

func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.Handle("/live", d.monitor.Handler())
	mux.Handle("/ready", d.monitor.Handler())
	return mux
}

func (d *daemon) Close() error {
	return d.manager.Close()
}

func relayEqual(a, b config.Relay) bool {
	return reflect.DeepEqual(a, b)
}

func serveCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	path := fs.String("config", "shmnet.toml", "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	d, err := newDaemon(*path, cfg)
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	if err := d.apply(ctx, cfg); err != nil {
		logger.Errorf("some relays did not start: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           d.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("admin listening on %s", cfg.AdminListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	go adapter.WatchReload(ctx, d, syscall.SIGHUP)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Infof("shutting down")
	return srv.Shutdown(shutdownCtx)
}
