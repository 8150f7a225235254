package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/anomaly"
	"github.com/ali-master/shield/internal/breaker"
	"github.com/ali-master/shield/internal/cluster"
	"github.com/ali-master/shield/internal/guard"
	"github.com/ali-master/shield/internal/health"
	"github.com/ali-master/shield/internal/logging"
	"github.com/ali-master/shield/internal/metrics"
	"github.com/ali-master/shield/internal/overload"
	"github.com/ali-master/shield/internal/policy"
	"github.com/ali-master/shield/internal/storage"
)

// app owns the assembled runtime: storage, protections, pipeline,
// detectors, cluster, and the admin listener.
type app struct {
	cfg        *config.Config
	configPath string

	store     storage.Store
	policies  *policy.Registry
	breakers  *breaker.Registry
	sampler   *health.Sampler
	global    *overload.Controller
	admission *overload.Manager
	pipeline  *metrics.Pipeline
	prom      *metrics.PrometheusCollector
	engine    *anomaly.Engine
	bus       cluster.Bus
	coord     *cluster.Coordinator
	syncer    *overload.Syncer
	guard     *guard.Guard
	watcher   *config.Watcher
	admin     *http.Server
}

func newApp(cfg *config.Config, configPath string) (*app, error) {
	a := &app{cfg: cfg, configPath: configPath}

	switch cfg.Storage.Type {
	case "redis":
		a.store = storage.NewRedis(storage.RedisConfig{
			Addrs:        cfg.Storage.Redis.Addrs,
			Password:     cfg.Storage.Redis.Password,
			DB:           cfg.Storage.Redis.DB,
			DialTimeout:  cfg.Storage.Redis.DialTimeout,
			ReadTimeout:  cfg.Storage.Redis.ReadTimeout,
			WriteTimeout: cfg.Storage.Redis.WriteTimeout,
			PoolSize:     cfg.Storage.Redis.PoolSize,
		})
	default:
		a.store = storage.NewMemory(cfg.Storage.SweepInterval)
	}

	policies, err := policy.NewRegistry(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.policies = policies
	a.breakers = breaker.NewRegistry(cfg.CircuitBreaker, breaker.Hooks{})

	if cfg.Overload.Enabled || cfg.Priority.Enabled {
		hooks := overload.Hooks{}
		if cfg.Overload.Adaptive.Enabled {
			a.sampler = health.NewSampler(cfg.Overload.HealthSampleInterval)
			hooks.Health = a.sampler.Score
		}
		if cfg.Overload.Enabled {
			a.global = overload.New(cfg.Overload, hooks)
		}
		pcfg := config.PriorityConfig{}
		if cfg.Priority.Enabled {
			pcfg = cfg.Priority
		}
		a.admission = overload.NewManager(pcfg, a.global)
	}

	if cfg.Anomaly.Enabled {
		detectors, err := anomaly.Build(cfg.Anomaly.Detectors)
		if err != nil {
			a.close()
			return nil, err
		}
		a.engine = anomaly.NewEngine(cfg.Anomaly, detectors, func(r anomaly.Result) {
			logging.Warn("anomaly detected",
				zap.String("metric", r.Metric),
				zap.String("detector", r.Detector),
				zap.String("severity", string(r.Severity)),
				zap.Float64("value", r.Value),
				zap.Float64("score", r.Score))
		})
	}

	if cfg.Metrics.Enabled {
		var extra []metrics.Collector
		if a.engine != nil {
			extra = append(extra, anomalyBridge(a.engine))
		}
		collectors, err := metrics.BuildCollectors(cfg.Metrics, extra...)
		if err != nil {
			a.close()
			return nil, err
		}
		for _, c := range collectors {
			if p, ok := c.(*metrics.PrometheusCollector); ok {
				a.prom = p
			}
		}
		a.pipeline = metrics.NewPipeline(cfg.Metrics, collectors, a.store)
	}

	a.guard = guard.New(a.policies, a.breakers, a.admission, a.pipeline, a.store)

	if cfg.Cluster.Enabled {
		ccfg := cfg.Cluster
		if ccfg.Bus == "redis" && len(ccfg.Redis.Addrs) == 0 {
			ccfg.Redis = cfg.Storage.Redis
		}
		bus, err := cluster.NewBus(ccfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.bus = bus

		// The adaptive gate is cluster-wide: the leader recalculates and
		// broadcasts, followers adopt, so all instances shed at one level.
		hooks := cluster.Hooks{}
		if a.global != nil && cfg.Overload.Adaptive.Enabled {
			a.syncer = overload.NewSyncer(a.global, ccfg.SyncInterval)
			hooks.OnSyncData = a.syncer.Receive
		}
		a.coord = cluster.NewCoordinator(ccfg, bus, map[string]string{"version": version}, hooks)
		if err := a.coord.Start(); err != nil {
			a.close()
			return nil, err
		}
		if a.syncer != nil {
			a.syncer.Start(a.coord)
		}
	}

	if cfg.Admin.Enabled {
		a.admin = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           a.adminRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// anomalyBridge feeds every metric event into the detection engine as
// a custom collector, so detectors see the same stream the sinks do.
func anomalyBridge(e *anomaly.Engine) metrics.Collector {
	observe := func(typ metrics.Type) func(name string, labels map[string]string, value float64) {
		return func(name string, labels map[string]string, value float64) {
			e.Observe(metrics.Sample{Name: name, Type: typ, Value: value, Labels: labels})
		}
	}
	return metrics.CollectorFuncs{
		OnIncrement: observe(metrics.TypeCounter),
		OnGauge:     observe(metrics.TypeGauge),
		OnHistogram: observe(metrics.TypeHistogram),
		OnSummary:   observe(metrics.TypeSummary),
	}
}

func (a *app) run(ctx context.Context) error {
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, 0)
		if err != nil {
			return err
		}
		a.watcher = w
		w.OnChange(func(next *config.Config) {
			if err := a.policies.Swap(next); err != nil {
				logging.Error("policy reload rejected, keeping last good", zap.Error(err))
				return
			}
			a.guard.Invalidate()
			logging.Info("policies reloaded", zap.Int("count", len(next.Policies)))
		})
		if err := w.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		g.Go(func() error {
			logging.Info("admin listener starting", zap.String("address", a.admin.Addr))
			if err := a.admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.admin.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.syncer != nil {
		a.syncer.Close()
	}
	if a.coord != nil {
		a.coord.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.guard != nil {
		a.guard.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.pipeline != nil {
		a.pipeline.Close()
	}
	if a.admission != nil {
		a.admission.Close()
	}
	if a.global != nil {
		a.global.Close()
	}
	if a.sampler != nil {
		a.sampler.Close()
	}
	if a.breakers != nil {
		a.breakers.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) adminRouter() http.Handler {
	router := httprouter.New()

	if a.prom != nil {
		router.Handler(http.MethodGet, "/metrics",
			promhttp.HandlerFor(a.prom.Registry(), promhttp.HandlerOpts{}))
	}

	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})

	router.GET("/status", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		status := map[string]any{
			"guard":    a.guard.Stats(),
			"breakers": a.breakers.Snapshots(),
			"policies": a.policies.Stats(),
		}
		if a.global != nil {
			status["overload"] = a.global.Status()
		}
		if a.admission != nil {
			status["priority_levels"] = a.admission.Status()
		}
		if a.sampler != nil {
			status["health"] = a.sampler.Stats()
		}
		if a.pipeline != nil {
			status["metrics"] = a.pipeline.Snapshot()
		}
		writeJSON(w, status)
	})

	router.GET("/cluster", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		if a.coord == nil {
			http.Error(w, "cluster disabled", http.StatusNotFound)
			return
		}
		out := map[string]any{"membership": a.coord.Stats()}
		if a.syncer != nil {
			out["overload_sync"] = a.syncer.Stats()
		}
		writeJSON(w, out)
	})

	router.GET("/anomalies", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		if a.engine == nil {
			http.Error(w, "anomaly detection disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"stats":  a.engine.Stats(),
			"recent": a.engine.Anomalies(),
		})
	})

	router.GET("/config", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		redacted, err := a.cfg.Redacted()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, redacted)
	})

	return router
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("admin response encoding failed", zap.Error(err))
	}
}
