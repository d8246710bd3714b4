// Package worker runs the mission loop: claim a mission from the queue,
// drive one stealth browser session through the blueprint, and publish
// exactly one result. Terminal outcomes also feed the provider router and
// the audit log.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/linkpellow/chimera/blueprint"
	"github.com/linkpellow/chimera/browser"
	"github.com/linkpellow/chimera/captcha"
	"github.com/linkpellow/chimera/cookies"
	"github.com/linkpellow/chimera/dispatch"
	"github.com/linkpellow/chimera/guard"
	"github.com/linkpellow/chimera/proxy"
	"github.com/linkpellow/chimera/router"
	"github.com/linkpellow/chimera/selectors"
	"github.com/linkpellow/chimera/stealth"
	"github.com/linkpellow/chimera/store"
	"github.com/linkpellow/chimera/telemetry"
	"github.com/linkpellow/chimera/vision"
	"github.com/linkpellow/chimera/worldmodel"
)

type (
	// SessionFactory opens a browser session. The default launches Chrome;
	// tests substitute a fake.
	SessionFactory func(ctx context.Context, opts browser.Options) (browser.Session, error)

	// Grounder answers vision prompts. *vision.Client implements it.
	Grounder interface {
		ProcessVision(ctx context.Context, req vision.GroundRequest) (*vision.Grounding, error)
	}

	// Worker owns one browser at a time and processes missions serially.
	Worker struct {
		id         string
		queue      *dispatch.Queue
		router     *router.Router
		blueprints *blueprint.Store
		guard      *guard.Guard
		resolver   *captcha.Resolver
		trauma     *selectors.TraumaCenter
		registry   *selectors.Registry
		vision     Grounder
		proxy      proxy.Config
		store      *store.Store
		cookieJar  *cookies.Store
		sessions   SessionFactory
		warmupURLs []string
		missionCap time.Duration
		platform   string
		chromeVer  string
		thermal    *stealth.ThermalModel
		fatigue    *stealth.Fatigue
		safety     *worldmodel.Classifier
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		rand       *rand.Rand
		sleep      func(ctx context.Context, d time.Duration) error
	}

	// Config configures a Worker.
	Config struct {
		// ID identifies the worker in logs and entropy records. Required.
		ID string
		// Queue is required.
		Queue *dispatch.Queue
		// Router records terminal outcomes. Required.
		Router *router.Router
		// Blueprints serves instruction lists when missions carry none.
		Blueprints *blueprint.Store
		// Guard gates selector clicks. May be nil; clicks then skip the
		// honeypot check.
		Guard *guard.Guard
		// Resolver handles CAPTCHAs. May be nil; challenges then fail the
		// mission.
		Resolver *captcha.Resolver
		// Trauma recovers broken selectors. May be nil.
		Trauma *selectors.TraumaCenter
		// Registry tracks selector failures. May be nil.
		Registry *selectors.Registry
		// Vision grounds vlm_ground steps. May be nil; those steps then
		// fail.
		Vision Grounder
		// Proxy builds per-mission proxy URLs.
		Proxy proxy.Config
		// Store persists entropy and audit rows. A nil store degrades to
		// no-ops.
		Store *store.Store
		// CookieJar shares authenticated cookies between workers. May be
		// nil.
		CookieJar *cookies.Store
		// Sessions defaults to launching Chrome.
		Sessions SessionFactory
		// WarmupURLs enables warmup browsing when non-empty.
		WarmupURLs []string
		// MissionCap is the hard wall-clock limit. Defaults to 120 s.
		MissionCap time.Duration
		// Platform picks the device profile. Defaults to "linux".
		Platform string
		// ChromeVersion is advertised in the UA and Client Hints.
		ChromeVersion string
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
		// Rand overrides randomness in tests.
		Rand *rand.Rand
		// Sleep overrides pacing sleeps in tests.
		Sleep func(ctx context.Context, d time.Duration) error
	}
)

// DefaultMissionCap is the hard wall-clock limit per mission.
const DefaultMissionCap = 120 * time.Second

// New creates a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	missionCap := cfg.MissionCap
	if missionCap <= 0 {
		missionCap = DefaultMissionCap
	}
	platform := cfg.Platform
	if platform == "" {
		platform = "linux"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = func(ctx context.Context, opts browser.Options) (browser.Session, error) {
			return browser.NewChrome(ctx, opts)
		}
	}
	return &Worker{
		id:         cfg.ID,
		queue:      cfg.Queue,
		router:     cfg.Router,
		blueprints: cfg.Blueprints,
		guard:      cfg.Guard,
		resolver:   cfg.Resolver,
		trauma:     cfg.Trauma,
		registry:   cfg.Registry,
		vision:     cfg.Vision,
		proxy:      cfg.Proxy,
		store:      cfg.Store,
		cookieJar:  cfg.CookieJar,
		sessions:   sessions,
		warmupURLs: cfg.WarmupURLs,
		missionCap: missionCap,
		platform:   platform,
		chromeVer:  cfg.ChromeVersion,
		thermal:    stealth.NewThermalModel(),
		fatigue:    &stealth.Fatigue{},
		safety:     worldmodel.NewClassifier(),
		logger:     logger,
		metrics:    metrics,
		rand:       rng,
		sleep:      sleep,
	}, nil
}

// Run claims and processes missions until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "worker started", "worker_id", w.id)
	for {
		mission, err := w.queue.Pop(ctx, 10*time.Second)
		if errors.Is(err, dispatch.ErrNoMission) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info(ctx, "worker stopping", "worker_id", w.id)
				return nil
			}
			w.logger.Error(ctx, "claim mission failed", "worker_id", w.id, "err", err)
			continue
		}
		w.Handle(ctx, mission)
	}
}

// Handle processes one mission end to end: execute, publish the single
// result, feed the router and the audit log, update session wear.
func (w *Worker) Handle(ctx context.Context, m dispatch.Mission) {
	start := time.Now()
	res := w.Process(ctx, m)
	res.DurationS = time.Since(start).Seconds()

	if err := w.queue.PublishResult(ctx, m.MissionID, res); err != nil {
		w.logger.Error(ctx, "publish result failed", "mission_id", m.MissionID, "err", err)
	}
	if err := w.router.RecordResult(ctx, router.Result{
		Provider:  res.Provider,
		Success:   res.Status == dispatch.StatusCompleted,
		Captcha:   hasSignal(res.TraumaSignals, dispatch.TraumaCaptchaFailed) || res.CaptchaSolved,
		Latency:   time.Since(start),
		State:     leadState(m.Lead),
		DataTypes: foundDataTypes(res.Extracted),
	}); err != nil {
		w.logger.Error(ctx, "record provider result failed", "mission_id", m.MissionID, "err", err)
	}
	if res.Provider != "" {
		domain := router.ProviderDomain(res.Provider)
		carrier := carrierOrDefault(m.Carrier)
		if err := w.router.RecordCarrierResult(ctx, domain, carrier, res.Status == dispatch.StatusCompleted); err != nil {
			w.logger.Error(ctx, "record carrier result failed", "mission_id", m.MissionID, "err", err)
		}
	}
	if err := w.store.RecordMissionResult(ctx, store.MissionAudit{
		MissionID:        m.MissionID,
		Provider:         res.Provider,
		Status:           res.Status,
		DurationS:        res.DurationS,
		VisionConfidence: res.VisionConfidence,
		CaptchaSolved:    res.CaptchaSolved,
		TraumaSignals:    res.TraumaSignals,
		Extracted:        res.Extracted,
	}); err != nil {
		w.logger.Error(ctx, "audit mission failed", "mission_id", m.MissionID, "err", err)
	}

	w.thermal.RecordMission(time.Since(start), 1.0)
	w.fatigue.IncMission()
	w.metrics.IncCounter("worker.missions", 1, "status", res.Status)
	w.metrics.RecordTimer("worker.mission_duration", time.Since(start))
}

func hasSignal(signals []string, want string) bool {
	for _, s := range signals {
		if s == want {
			return true
		}
	}
	return false
}

func leadState(lead map[string]any) string {
	if s, ok := lead["state"].(string); ok {
		return s
	}
	return ""
}

func foundDataTypes(extracted map[string]any) []string {
	var dts []string
	for _, dt := range []string{"phone", "age", "income"} {
		if v, ok := extracted[dt]; ok && v != nil && v != "" {
			dts = append(dts, dt)
		}
	}
	return dts
}
