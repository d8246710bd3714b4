package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkpellow/chimera/blueprint"
	"github.com/linkpellow/chimera/browser"
	"github.com/linkpellow/chimera/cookies"
	"github.com/linkpellow/chimera/dispatch"
	"github.com/linkpellow/chimera/guard"
	"github.com/linkpellow/chimera/router"
	"github.com/linkpellow/chimera/selectors"
	"github.com/linkpellow/chimera/stealth"
	"github.com/linkpellow/chimera/vision"
)

// missionRun accumulates state across one mission's steps.
type missionRun struct {
	mission       dispatch.Mission
	domain        string
	session       browser.Session
	minConfidence float64
	visionCalls   int
	captchaFaced  bool
	captchaSolved bool
	rotated       bool
	trauma        []string
	extracted     map[string]any
}

// Process executes one mission and returns its result. It never publishes;
// Handle owns the publish so exactly one result leaves per mission.
func (w *Worker) Process(ctx context.Context, m dispatch.Mission) dispatch.Result {
	ctx, cancel := context.WithTimeout(ctx, w.missionCap)
	defer cancel()

	run := &missionRun{
		mission:       m,
		domain:        router.ProviderDomain(m.TargetProvider),
		minConfidence: 1.0,
		extracted:     map[string]any{},
	}

	status, err := w.process(ctx, run)
	if run.session != nil {
		_ = run.session.Close()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			status = dispatch.StatusTimedOut
			run.trauma = appendSignal(run.trauma, dispatch.TraumaTimeout)
		} else if status == "" {
			status = dispatch.StatusFailed
		}
		w.logger.Warn(ctx, "mission ended abnormally", "mission_id", m.MissionID, "status", status, "err", err)
	}

	return dispatch.Result{
		Status:           status,
		VisionConfidence: run.minConfidence,
		CaptchaSolved:    run.captchaFaced && run.captchaSolved,
		Provider:         m.TargetProvider,
		Extracted:        run.extracted,
		TraumaSignals:    run.trauma,
	}
}

func (w *Worker) process(ctx context.Context, run *missionRun) (string, error) {
	bp := run.mission.Blueprint
	if bp == nil {
		if w.blueprints == nil {
			return dispatch.StatusFailed, fmt.Errorf("mission %s: no blueprint and no store", run.mission.MissionID)
		}
		fetched, err := w.blueprints.Get(ctx, run.domain)
		if err != nil {
			return dispatch.StatusFailed, fmt.Errorf("load blueprint: %w", err)
		}
		bp = fetched
	}
	resolved := bp.Resolve(run.mission.Lead)

	if err := w.openSession(ctx, run); err != nil {
		return dispatch.StatusFailed, err
	}

	if len(w.warmupURLs) > 0 {
		if err := w.warmup(ctx, run); err != nil {
			return dispatch.StatusFailed, err
		}
	}

	for i := 0; i < len(resolved.Steps); i++ {
		retry, err := w.step(ctx, run, resolved.Steps[i])
		if err != nil {
			return dispatch.StatusFailed, err
		}
		if retry {
			i--
			continue
		}
		if run.captchaFaced && !run.captchaSolved {
			run.trauma = appendSignal(run.trauma, dispatch.TraumaCaptchaFailed)
			return dispatch.StatusFailed, nil
		}
	}
	return dispatch.StatusCompleted, nil
}

// openSession allocates fresh hardware entropy, builds the proxied stealth
// session and applies the current wear profile.
func (w *Worker) openSession(ctx context.Context, run *missionRun) error {
	seeds := stealth.NewSeeds()
	if err := w.store.SaveEntropy(ctx, w.id, run.mission.MissionID, seeds); err != nil {
		w.logger.Error(ctx, "persist entropy failed", "mission_id", run.mission.MissionID, "err", err)
	}
	fp := stealth.NewFingerprint(w.platform, w.chromeVer, seeds)
	script, err := fp.InitScript()
	if err != nil {
		return fmt.Errorf("render init script: %w", err)
	}
	proxyURL, err := w.proxy.Session(run.mission.SessionKey(), run.mission.Carrier)
	if err != nil {
		return fmt.Errorf("build proxy session: %w", err)
	}

	var jar []cookies.Cookie
	if w.cookieJar != nil {
		jar, err = w.cookieJar.Load(ctx, run.domain)
		if err != nil && !errors.Is(err, cookies.ErrNoCookies) {
			w.logger.Warn(ctx, "load cookie jar failed", "domain", run.domain, "err", err)
		}
	}

	session, err := w.sessions(ctx, browser.Options{
		ProxyURL:       proxyURL,
		UserAgent:      fp.UserAgent(),
		InitScript:     script,
		ViewportWidth:  fp.Device.ViewportWidth,
		ViewportHeight: fp.Device.ViewportHeight,
		Cookies:        jar,
		Logger:         w.logger,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	session.SetMotion(stealth.MotionConfig{
		JitterScale:    w.fatigue.JitterMultiplier(),
		CognitiveScale: w.fatigue.CognitiveMultiplier(),
		ExtraStepDelay: w.thermal.ExtraStepDelay(),
	})
	run.session = session
	return nil
}

// warmup browses one benign URL with reading behavior before the target.
func (w *Worker) warmup(ctx context.Context, run *missionRun) error {
	url := w.warmupURLs[w.rand.IntN(len(w.warmupURLs))]
	if _, err := run.session.Navigate(ctx, url); err != nil {
		w.logger.Warn(ctx, "warmup navigation failed", "url", url, "err", err)
		return nil
	}
	dwell := time.Duration(30+w.rand.IntN(31)) * time.Second
	var elapsed time.Duration
	for elapsed < dwell {
		if err := run.session.Scroll(ctx, 200+float64(w.rand.IntN(400))); err != nil {
			return err
		}
		pause := time.Duration(2+w.rand.IntN(5)) * time.Second
		if err := w.sleep(ctx, pause); err != nil {
			return err
		}
		elapsed += pause
	}
	return nil
}

// step executes one blueprint instruction. retry=true asks the loop to run
// the same step again after a session rotation.
func (w *Worker) step(ctx context.Context, run *missionRun, s blueprint.Step) (retry bool, err error) {
	switch s.Type {
	case blueprint.StepGoto:
		return w.stepGoto(ctx, run, s)
	case blueprint.StepWait:
		return false, w.sleep(ctx, time.Duration(s.WaitMS)*time.Millisecond)
	case blueprint.StepClick:
		return false, w.stepClick(ctx, run, s)
	case blueprint.StepInput:
		return false, run.session.TypeText(ctx, s.Selector, s.Value, s.PressEnter)
	case blueprint.StepVLMGround:
		return false, w.stepVLMGround(ctx, run, s)
	case blueprint.StepExtract:
		return false, w.stepExtract(ctx, run, s)
	default:
		w.logger.Warn(ctx, "unknown step type skipped", "mission_id", run.mission.MissionID, "type", s.Type)
		return false, nil
	}
}

func (w *Worker) stepGoto(ctx context.Context, run *missionRun, s blueprint.Step) (bool, error) {
	status, err := run.session.Navigate(ctx, s.URL)
	if err != nil {
		return false, err
	}
	if status == 403 {
		if run.rotated {
			return false, fmt.Errorf("blocked again after rotation")
		}
		return true, w.rotateSession(ctx, run)
	}
	w.checkCaptcha(ctx, run)
	return false, nil
}

// rotateSession discards the burned context and rebuilds it under a fresh
// sticky proxy session, pivoting to the healthiest other carrier for the
// domain. One rotation per mission.
func (w *Worker) rotateSession(ctx context.Context, run *missionRun) error {
	run.rotated = true
	run.trauma = appendSignal(run.trauma, dispatch.TraumaSessionBroken)
	newID := fmt.Sprintf("%s_r403_%d", run.mission.MissionID, time.Now().Unix())
	w.logger.Warn(ctx, "document 403, rotating session",
		"mission_id", run.mission.MissionID, "session_id", newID)

	burned := carrierOrDefault(run.mission.Carrier)
	if err := w.router.RecordCarrierResult(ctx, run.domain, burned, false); err != nil {
		w.logger.Warn(ctx, "record carrier failure failed", "domain", run.domain, "err", err)
	}
	if next := w.router.PreferredCarrier(ctx, run.domain, burned); next != "" && next != "default" {
		run.mission.Carrier = next
	} else {
		run.mission.Carrier = ""
	}

	_ = run.session.Close()
	run.session = nil
	run.mission.SessionID = newID
	return w.openSession(ctx, run)
}

func carrierOrDefault(carrier string) string {
	if carrier == "" {
		return "default"
	}
	return carrier
}

func (w *Worker) stepClick(ctx context.Context, run *missionRun, s blueprint.Step) error {
	if s.Intent != "" {
		if a := w.safety.Assess(s.Intent); a.Dangerous {
			w.logger.Warn(ctx, "click refused by safety classifier",
				"mission_id", run.mission.MissionID, "intent", s.Intent,
				"risk", a.Risk, "indicators", strings.Join(a.Indicators, ","))
			return nil
		}
	}
	if w.guard == nil {
		el, err := run.session.InspectSelector(ctx, s.Selector)
		if err != nil {
			return err
		}
		if el == nil || el.Box == nil {
			return fmt.Errorf("selector %q not clickable", s.Selector)
		}
		return run.session.ClickAt(ctx, el.Box.X+el.Box.Width/2, el.Box.Y+el.Box.Height/2)
	}

	decision, err := w.guard.CheckSelector(ctx, run.session, run.domain, s.Selector)
	if errors.Is(err, guard.ErrSelectorNotFound) {
		return w.recoverClick(ctx, run, s)
	}
	if err != nil {
		return err
	}
	if !decision.Allowed {
		w.logger.Warn(ctx, "click blocked", "mission_id", run.mission.MissionID,
			"selector", s.Selector, "reason", decision.Reason)
		run.trauma = appendSignal(run.trauma, dispatch.TraumaHoneypot)
		return nil
	}
	if decision.Grounding != nil {
		run.observeConfidence(decision.Grounding.Confidence)
		if w.trauma != nil && w.registry != nil {
			rec, _ := w.registry.Get(ctx, run.domain, s.Intent)
			if rec != nil && selectors.NeedsRemap(rec, decision.Grounding.Confidence) {
				if err := w.remapSelector(ctx, run, s); err != nil {
					w.logger.Warn(ctx, "selector remap failed", "selector", s.Selector, "err", err)
				}
			}
		}
		if err := run.session.ClickAt(ctx, decision.Grounding.X, decision.Grounding.Y); err != nil {
			return err
		}
	} else {
		el, err := run.session.InspectSelector(ctx, s.Selector)
		if err != nil || el == nil || el.Box == nil {
			return fmt.Errorf("selector %q vanished before click", s.Selector)
		}
		if err := run.session.ClickAt(ctx, el.Box.X+el.Box.Width/2, el.Box.Y+el.Box.Height/2); err != nil {
			return err
		}
	}
	if w.registry != nil {
		_ = w.registry.RecordSuccess(ctx, run.domain, s.Intent)
	}
	w.checkCaptcha(ctx, run)
	return nil
}

// recoverClick handles a selector that no longer resolves: record the
// failure and, past the threshold, hand the key to the trauma center.
func (w *Worker) recoverClick(ctx context.Context, run *missionRun, s blueprint.Step) error {
	run.trauma = appendSignal(run.trauma, dispatch.TraumaSelectorLost)

	failures := 0
	if w.registry != nil {
		n, err := w.registry.RecordFailure(ctx, run.domain, s.Intent)
		if err != nil {
			w.logger.Error(ctx, "record selector failure failed", "selector", s.Selector, "err", err)
		}
		failures = n
	}
	if w.trauma == nil || failures < 3 {
		return fmt.Errorf("selector %q not found (failures=%d)", s.Selector, failures)
	}

	shot, err := run.session.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("screenshot for recovery: %w", err)
	}
	grounding, err := w.trauma.Recover(ctx, run.domain, s.Intent, shot, s.Intent)
	if err != nil {
		return fmt.Errorf("recover selector %q: %w", s.Selector, err)
	}
	run.observeConfidence(grounding.Confidence)
	return run.session.ClickAt(ctx, grounding.X, grounding.Y)
}

// remapSelector runs a trauma-center recovery without clicking; the current
// grounding already supplies coordinates.
func (w *Worker) remapSelector(ctx context.Context, run *missionRun, s blueprint.Step) error {
	shot, err := run.session.Screenshot(ctx)
	if err != nil {
		return err
	}
	_, err = w.trauma.Recover(ctx, run.domain, s.Intent, shot, s.Intent)
	return err
}

func (w *Worker) stepVLMGround(ctx context.Context, run *missionRun, s blueprint.Step) error {
	if w.vision == nil {
		return fmt.Errorf("vlm_ground step needs a vision client")
	}
	shot, err := run.session.Screenshot(ctx)
	if err != nil {
		return err
	}
	visionCtx := run.mission.Instruction
	if summary, ok, err := w.store.GetCognitiveMap(ctx, run.domain); err == nil && ok {
		visionCtx = visionCtx + "\nKnown page structure: " + summary
	}
	grounding, err := w.vision.ProcessVision(ctx, vision.GroundRequest{
		Screenshot:  shot,
		Context:     visionCtx,
		TextCommand: s.Intent,
	})
	if err != nil {
		return fmt.Errorf("ground %q: %w", s.Intent, err)
	}
	if !grounding.Found {
		return fmt.Errorf("ground %q: element not found", s.Intent)
	}
	run.observeConfidence(grounding.Confidence)
	if grounding.Description != "" {
		if err := w.store.SaveCognitiveMap(ctx, run.domain, grounding.Description); err != nil {
			w.logger.Warn(ctx, "save cognitive map failed", "domain", run.domain, "err", err)
		}
	}

	if w.guard != nil {
		decision, err := w.guard.CheckCoords(ctx, run.domain, grounding.X, grounding.Y)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			run.trauma = appendSignal(run.trauma, dispatch.TraumaHoneypot)
			return nil
		}
	}
	if err := run.session.ClickAt(ctx, grounding.X, grounding.Y); err != nil {
		return err
	}
	w.checkCaptcha(ctx, run)
	return nil
}

func (w *Worker) stepExtract(ctx context.Context, run *missionRun, s blueprint.Step) error {
	if s.Intent == "" {
		return fmt.Errorf("extract step needs an intent field name")
	}
	text, err := run.session.ExtractText(ctx, s.Selector)
	if err != nil {
		return err
	}
	if text != "" {
		run.extracted[s.Intent] = text
	}
	return nil
}

// checkCaptcha probes for a challenge and resolves it when one is up. A
// failed solve is surfaced through run state, not an error, so the result
// carries the trauma signal.
func (w *Worker) checkCaptcha(ctx context.Context, run *missionRun) {
	present, _, err := run.session.ChallengePresent(ctx)
	if err != nil || !present {
		return
	}
	run.captchaFaced = true
	if w.resolver == nil {
		return
	}
	solved, err := w.resolver.Solve(ctx, run.session)
	if err != nil {
		w.logger.Error(ctx, "captcha solve errored", "mission_id", run.mission.MissionID, "err", err)
		return
	}
	run.captchaSolved = solved
}

func (r *missionRun) observeConfidence(c float64) {
	r.visionCalls++
	if c < r.minConfidence {
		r.minConfidence = c
	}
}

func appendSignal(signals []string, s string) []string {
	for _, existing := range signals {
		if existing == s {
			return signals
		}
	}
	return append(signals, s)
}
