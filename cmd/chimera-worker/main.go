// Command chimera-worker runs a swarm of mission workers against the shared
// queue and serves health endpoints while they work.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/linkpellow/chimera/blueprint"
	"github.com/linkpellow/chimera/captcha"
	"github.com/linkpellow/chimera/config"
	"github.com/linkpellow/chimera/cookies"
	"github.com/linkpellow/chimera/dispatch"
	"github.com/linkpellow/chimera/guard"
	"github.com/linkpellow/chimera/proxy"
	"github.com/linkpellow/chimera/router"
	"github.com/linkpellow/chimera/selectors"
	"github.com/linkpellow/chimera/store"
	"github.com/linkpellow/chimera/telemetry"
	"github.com/linkpellow/chimera/vision"
	"github.com/linkpellow/chimera/worker"
)

func main() {
	var (
		workersF  = flag.Int("workers", 2, "Number of concurrent mission workers")
		httpF     = flag.String("http", ":8080", "Health endpoint listen address")
		settingsF = flag.String("settings", "chimera.yaml", "Optional YAML settings file")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(ctx, err)
	}
	settings, err := config.LoadSettings(*settingsF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	rdb, err := cfg.Redis()
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer rdb.Close()

	var st *store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.Open(ctx, store.Config{
			DSN:            cfg.DatabaseURL,
			PoolMax:        cfg.DBPoolMax,
			ConnectTimeout: cfg.DBConnectTimeout,
			Logger:         logger,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer st.Close()
	} else {
		logger.Error(ctx, "no database configured, audit trail and entropy persistence disabled")
	}

	brain, err := vision.New(vision.Config{BaseURL: cfg.BrainURL, Logger: logger})
	if err != nil {
		log.Fatal(ctx, err)
	}

	rt, err := router.New(router.Config{Redis: rdb, Magazine: settings.Magazine, Logger: logger})
	if err != nil {
		log.Fatal(ctx, err)
	}
	blueprints, err := blueprint.NewStore(blueprint.StoreConfig{Redis: rdb, Logger: logger})
	if err != nil {
		log.Fatal(ctx, err)
	}
	queue, err := dispatch.NewQueue(dispatch.QueueConfig{
		Redis:   rdb,
		Name:    cfg.MissionQueue,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	registry := selectors.NewRegistry(rdb, logger)
	trauma, err := selectors.NewTraumaCenter(selectors.TraumaConfig{
		Registry: registry,
		Vision:   brain,
		Auditor:  st,
		Redis:    rdb,
		Logger:   logger,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	resolver, err := captcha.New(captcha.Config{Vision: brain, Logger: logger})
	if err != nil {
		log.Fatal(ctx, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < *workersF; i++ {
		w, err := worker.New(worker.Config{
			ID:            fmt.Sprintf("%s-%d", cfg.WorkerID, i),
			Queue:         queue,
			Router:        rt,
			Blueprints:    blueprints,
			Guard:         guard.New(rdb, brain, logger),
			Resolver:      resolver,
			Trauma:        trauma,
			Registry:      registry,
			Vision:        brain,
			Proxy:         proxy.Config{URL: cfg.ProxyURL},
			Store:         st,
			CookieJar:     cookies.NewStore(rdb, 0),
			WarmupURLs:    settings.WarmupURLs,
			Platform:      cfg.UAPlatform,
			ChromeVersion: cfg.UAVersion,
			Logger:        logger,
			Metrics:       metrics,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	srv := healthServer(*httpF, queue, rdb, brain)
	g.Go(func() error {
		logger.Info(ctx, "health endpoint listening", "addr", *httpF)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			logger.Info(ctx, "shutting down", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal(ctx, err)
	}
}

// healthServer serves the liveness endpoint plus the dependency checker.
func healthServer(addr string, queue *dispatch.Queue, rdb *redis.Client, brain *vision.Client) *http.Server {
	mux := chi.NewRouter()
	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		depth, _ := queue.Depth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "healthy",
			"service":     "chimera-worker",
			"queue_depth": depth,
		})
	})
	checker := health.NewChecker(redisPinger{rdb: rdb}, brainPinger{brain: brain})
	mux.Get("/healthz", health.Handler(checker))
	return &http.Server{Addr: addr, Handler: mux}
}

type redisPinger struct{ rdb *redis.Client }

func (redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

type brainPinger struct{ brain *vision.Client }

func (brainPinger) Name() string { return "brain" }

func (p brainPinger) Ping(ctx context.Context) error { return p.brain.Health(ctx) }
