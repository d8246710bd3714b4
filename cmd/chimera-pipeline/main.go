// Command chimera-pipeline consumes leads from the intake list and drives
// each one through the enrichment pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/linkpellow/chimera/blueprint"
	"github.com/linkpellow/chimera/config"
	"github.com/linkpellow/chimera/dispatch"
	"github.com/linkpellow/chimera/hivemind"
	"github.com/linkpellow/chimera/pipeline"
	"github.com/linkpellow/chimera/pipeline/stations"
	"github.com/linkpellow/chimera/reconcile"
	"github.com/linkpellow/chimera/router"
	"github.com/linkpellow/chimera/store"
	"github.com/linkpellow/chimera/telemetry"
)

// defaultLeadQueue is the Redis list leads are consumed from.
const defaultLeadQueue = "chimera:leads"

func main() {
	var (
		leadsF    = flag.String("leads", envDefault("CHIMERA_LEAD_QUEUE", defaultLeadQueue), "Redis list to consume leads from")
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
		logger.Error(ctx, "no database configured, leads will not be persisted")
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

	// The hive mind needs RediSearch; without it provider prediction is
	// simply not offered.
	hive, err := hivemind.NewRedis(ctx, rdb, logger)
	if err != nil {
		logger.Warn(ctx, "hive mind unavailable, provider prediction disabled", "err", err)
		hive = nil
	}

	engine, err := pipeline.New(pipeline.Config{
		Budget: settings.Budget,
		Stations: []pipeline.Station{
			stations.Identity{},
			stations.NewBlueprintLoader(rt, hive, blueprints, logger),
			stations.NewChimera(stations.ChimeraConfig{
				Queue:        queue,
				Router:       rt,
				Reconciler:   reconcile.New(rt),
				MaxProviders: 2,
				Logger:       logger,
			}),
			stations.NewSkipTracing(stations.NewTraceAPI(apiConfig("TRACE"))),
			stations.NewPhoneGatekeep(stations.NewCarrierAPI(apiConfig("CARRIER")), logger),
			stations.NewDNC(stations.NewDNCAPI(apiConfig("DNC")), logger),
			stations.NewDemographics(stations.NewDemographicsHTTP(apiConfig("DEMOGRAPHICS")), logger),
			stations.NewPersist(st),
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return consume(ctx, rdb, *leadsF, engine, hive, logger, metrics) })
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

// consume pops leads off the intake list and runs each through the engine.
func consume(ctx context.Context, rdb *redis.Client, list string, engine *pipeline.Engine, hive *hivemind.HiveMind, logger telemetry.Logger, metrics telemetry.Metrics) error {
	logger.Info(ctx, "lead consumer started", "list", list)
	for {
		vals, err := rdb.BRPop(ctx, 10*time.Second, list).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info(ctx, "lead consumer stopping")
				return nil
			}
			logger.Error(ctx, "pop lead failed", "err", err)
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal([]byte(vals[1]), &raw); err != nil {
			logger.Error(ctx, "discarding undecodable lead", "err", err)
			continue
		}
		lead := make(pipeline.Fields, len(raw))
		for k, v := range raw {
			lead[pipeline.Field(k)] = v
		}

		started := time.Now()
		pc, err := engine.Run(ctx, lead)
		if err != nil {
			logger.Error(ctx, "pipeline aborted", "err", err)
			continue
		}
		record := pc.Record()
		logger.Info(ctx, "lead processed",
			"linkedin_url", pc.GetString(pipeline.FieldLinkedInURL),
			"stations", record[pipeline.MetaStationsExecuted],
			"cost", pc.Cost(),
			"errors", len(pc.Errors()),
			"duration_s", time.Since(started).Seconds(),
		)
		metrics.IncCounter("pipeline.leads_processed", 1)
		metrics.RecordGauge("pipeline.lead_cost", pc.Cost())

		// A phone find teaches the hive mind which provider worked for
		// this lead shape.
		if hive != nil && pc.GetString(pipeline.FieldPhone) != "" {
			if provider := pc.GetString(stations.FieldProviderPick); provider != "" {
				if err := hive.StorePattern(ctx, hivemind.Pattern{
					Company:   pc.GetString(pipeline.FieldCompany),
					City:      pc.GetString(pipeline.FieldCity),
					Title:     pc.GetString(pipeline.FieldTitle),
					Provider:  provider,
					DataFound: "phone",
				}); err != nil {
					logger.Warn(ctx, "store provider pattern failed", "err", err)
				}
			}
		}
	}
}

func apiConfig(prefix string) stations.APIConfig {
	return stations.APIConfig{
		BaseURL: os.Getenv(prefix + "_API_URL"),
		APIKey:  os.Getenv(prefix + "_API_KEY"),
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
