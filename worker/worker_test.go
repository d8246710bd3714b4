package worker

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkpellow/chimera/blueprint"
	"github.com/linkpellow/chimera/browser"
	"github.com/linkpellow/chimera/captcha"
	"github.com/linkpellow/chimera/cookies"
	"github.com/linkpellow/chimera/dispatch"
	"github.com/linkpellow/chimera/guard"
	"github.com/linkpellow/chimera/proxy"
	"github.com/linkpellow/chimera/router"
	"github.com/linkpellow/chimera/stealth"
)

type fakeSession struct {
	statuses  []int
	elements  map[string]*guard.Element
	texts     map[string]string
	challenge []bool
	navigated []string
	clicks    int
	typed     []string
	closed    int
}

func (s *fakeSession) Navigate(_ context.Context, url string) (int, error) {
	s.navigated = append(s.navigated, url)
	status := 200
	if len(s.statuses) > 0 {
		status = s.statuses[0]
		s.statuses = s.statuses[1:]
	}
	return status, nil
}

func (s *fakeSession) InspectSelector(_ context.Context, selector string) (*guard.Element, error) {
	return s.elements[selector], nil
}

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (s *fakeSession) ChallengePresent(context.Context) (bool, *captcha.Rect, error) {
	if len(s.challenge) == 0 {
		return false, nil, nil
	}
	present := s.challenge[0]
	if len(s.challenge) > 1 {
		s.challenge = s.challenge[1:]
	}
	return present, nil, nil
}

func (s *fakeSession) ClickAt(context.Context, float64, float64) error {
	s.clicks++
	return nil
}

func (s *fakeSession) TypeText(_ context.Context, _, text string, _ bool) error {
	s.typed = append(s.typed, text)
	return nil
}

func (s *fakeSession) Scroll(context.Context, float64) error { return nil }

func (s *fakeSession) Evaluate(context.Context, string, any) error { return nil }

func (s *fakeSession) ExtractText(_ context.Context, selector string) (string, error) {
	return s.texts[selector], nil
}

func (s *fakeSession) SetMotion(stealth.MotionConfig) {}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type sessionScript struct {
	sessions []*fakeSession
	opened   []browser.Options
}

func (f *sessionScript) factory() SessionFactory {
	return func(_ context.Context, opts browser.Options) (browser.Session, error) {
		f.opened = append(f.opened, opts)
		s := f.sessions[0]
		if len(f.sessions) > 1 {
			f.sessions = f.sessions[1:]
		}
		return s, nil
	}
}

func testWorker(t *testing.T, sessions *sessionScript, mutate func(*Config)) (*Worker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	queue, err := dispatch.NewQueue(dispatch.QueueConfig{Redis: rdb})
	require.NoError(t, err)
	rt, err := router.New(router.Config{Redis: rdb})
	require.NoError(t, err)

	cfg := Config{
		ID:       "worker-test",
		Queue:    queue,
		Router:   rt,
		Sessions: sessions.factory(),
		Proxy:    proxy.Config{URL: "http://user:pw@gate.example.net:7000"},
		Rand:     rand.New(rand.NewPCG(1, 2)),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	require.NoError(t, err)
	return w, rdb
}

func searchBlueprint() *blueprint.Blueprint {
	return &blueprint.Blueprint{
		Domain: "thatsthem.com",
		Steps: []blueprint.Step{
			{Type: blueprint.StepGoto, URL: "https://thatsthem.com/search?q={{name}}"},
			{Type: blueprint.StepWait, WaitMS: 500},
			{Type: blueprint.StepInput, Selector: "#q", Value: "{{name}}", PressEnter: true},
			{Type: blueprint.StepExtract, Selector: ".phone", Intent: "phone"},
		},
	}
}

func testMission() dispatch.Mission {
	m := dispatch.NewMission(map[string]any{"name": "John Doe", "state": "FL"}, "ThatsThem")
	m.Blueprint = searchBlueprint()
	return m
}

func TestProcessHappyPath(t *testing.T) {
	session := &fakeSession{texts: map[string]string{".phone": "+13055550100"}}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, _ := testWorker(t, script, nil)

	res := w.Process(context.Background(), testMission())

	assert.Equal(t, dispatch.StatusCompleted, res.Status)
	assert.Equal(t, "+13055550100", res.Extracted["phone"])
	assert.Equal(t, 1.0, res.VisionConfidence)
	assert.False(t, res.CaptchaSolved)
	assert.Empty(t, res.TraumaSignals)
	// Placeholder resolved against the lead.
	require.Len(t, session.navigated, 1)
	assert.Contains(t, session.navigated[0], "q=John Doe")
	assert.Equal(t, []string{"John Doe"}, session.typed)
	assert.Equal(t, 1, session.closed)
	// Proxy session pinned to the mission id.
	require.Len(t, script.opened, 1)
	assert.Contains(t, script.opened[0].ProxyURL, "-session-")
	assert.NotEmpty(t, script.opened[0].InitScript)
}

func TestProcessRotatesOnceOn403(t *testing.T) {
	first := &fakeSession{statuses: []int{403}}
	second := &fakeSession{texts: map[string]string{".phone": "+13055550100"}}
	script := &sessionScript{sessions: []*fakeSession{first, second}}
	w, _ := testWorker(t, script, nil)

	res := w.Process(context.Background(), testMission())

	assert.Equal(t, dispatch.StatusCompleted, res.Status)
	assert.Contains(t, res.TraumaSignals, dispatch.TraumaSessionBroken)
	assert.Equal(t, 1, first.closed)
	require.Len(t, script.opened, 2)
	assert.Contains(t, script.opened[1].ProxyURL, "_r403_")
	// The burned session never retried; the fresh one did.
	require.Len(t, second.navigated, 1)
}

func TestProcessFailsOnSecond403(t *testing.T) {
	first := &fakeSession{statuses: []int{403}}
	second := &fakeSession{statuses: []int{403}}
	script := &sessionScript{sessions: []*fakeSession{first, second}}
	w, _ := testWorker(t, script, nil)

	res := w.Process(context.Background(), testMission())

	assert.Equal(t, dispatch.StatusFailed, res.Status)
	assert.Contains(t, res.TraumaSignals, dispatch.TraumaSessionBroken)
	assert.Equal(t, 1, second.closed)
}

func TestProcessCaptchaFailedEndsMission(t *testing.T) {
	session := &fakeSession{challenge: []bool{true}}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, _ := testWorker(t, script, nil)

	res := w.Process(context.Background(), testMission())

	assert.Equal(t, dispatch.StatusFailed, res.Status)
	assert.Contains(t, res.TraumaSignals, dispatch.TraumaCaptchaFailed)
	assert.False(t, res.CaptchaSolved)
	assert.Equal(t, 1, session.closed)
}

func TestProcessHoneypotBlockContinues(t *testing.T) {
	session := &fakeSession{
		elements: map[string]*guard.Element{
			"#trap": {Description: "hidden"},
		},
		texts: map[string]string{".phone": "+13055550100"},
	}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, rdb := testWorker(t, script, nil)
	w.guard = guard.New(rdb, nil, nil)

	m := testMission()
	m.Blueprint.Steps = append(m.Blueprint.Steps, blueprint.Step{
		Type: blueprint.StepClick, Selector: "#trap", Intent: "next_page",
	})

	res := w.Process(context.Background(), m)

	assert.Equal(t, dispatch.StatusCompleted, res.Status)
	assert.Contains(t, res.TraumaSignals, dispatch.TraumaHoneypot)
	assert.Zero(t, session.clicks)
}

func TestRotationPivotsCarrierAndRecordsHealth(t *testing.T) {
	first := &fakeSession{statuses: []int{403}}
	second := &fakeSession{texts: map[string]string{".phone": "+13055550100"}}
	script := &sessionScript{sessions: []*fakeSession{first, second}}
	w, rdb := testWorker(t, script, nil)

	res := w.Process(context.Background(), testMission())

	require.Equal(t, dispatch.StatusCompleted, res.Status)
	// The unpinned route took the blame and the rebuilt session pinned the
	// healthiest alternative.
	raw, err := rdb.HGet(context.Background(), "carrier_health:thatsthem.com", "default").Result()
	require.NoError(t, err)
	assert.Equal(t, "0,1", raw)
	require.Len(t, script.opened, 2)
	assert.Contains(t, script.opened[1].ProxyURL, "-carrier-")
}

func TestDangerousClickRefused(t *testing.T) {
	session := &fakeSession{
		elements: map[string]*guard.Element{
			"#close": {Description: "Close account"},
		},
		texts: map[string]string{".phone": "+13055550100"},
	}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, _ := testWorker(t, script, nil)

	m := testMission()
	m.Blueprint.Steps = append(m.Blueprint.Steps, blueprint.Step{
		Type: blueprint.StepClick, Selector: "#close", Intent: "close account button",
	})

	res := w.Process(context.Background(), m)

	assert.Equal(t, dispatch.StatusCompleted, res.Status)
	assert.Zero(t, session.clicks)
}

func TestSessionLoadsSharedCookieJar(t *testing.T) {
	session := &fakeSession{texts: map[string]string{".phone": "+13055550100"}}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, rdb := testWorker(t, script, nil)
	jar := cookies.NewStore(rdb, 0)
	w.cookieJar = jar

	require.NoError(t, jar.Save(context.Background(), "thatsthem.com", "worker-test", []cookies.Cookie{
		{Name: "auth", Value: "tok", Domain: ".thatsthem.com", Path: "/"},
	}))

	res := w.Process(context.Background(), testMission())

	require.Equal(t, dispatch.StatusCompleted, res.Status)
	require.Len(t, script.opened, 1)
	require.Len(t, script.opened[0].Cookies, 1)
	assert.Equal(t, "auth", script.opened[0].Cookies[0].Name)
}

func TestProcessUnknownStepSkipped(t *testing.T) {
	session := &fakeSession{}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, _ := testWorker(t, script, nil)

	m := testMission()
	m.Blueprint.Steps = []blueprint.Step{
		{Type: blueprint.StepGoto, URL: "https://thatsthem.com"},
		{Type: "hologram"},
	}

	res := w.Process(context.Background(), m)
	assert.Equal(t, dispatch.StatusCompleted, res.Status)
}

func TestProcessTimesOut(t *testing.T) {
	session := &fakeSession{}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, _ := testWorker(t, script, func(cfg *Config) {
		cfg.MissionCap = 50 * time.Millisecond
		cfg.Sleep = func(ctx context.Context, _ time.Duration) error {
			<-ctx.Done()
			return ctx.Err()
		}
	})

	res := w.Process(context.Background(), testMission())

	assert.Equal(t, dispatch.StatusTimedOut, res.Status)
	assert.Contains(t, res.TraumaSignals, dispatch.TraumaTimeout)
	assert.Equal(t, 1, session.closed)
}

func TestHandlePublishesExactlyOneResult(t *testing.T) {
	session := &fakeSession{texts: map[string]string{".phone": "+13055550100"}}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, rdb := testWorker(t, script, nil)

	m := testMission()
	w.Handle(context.Background(), m)

	n, err := rdb.LLen(context.Background(), "chimera:results:"+m.MissionID).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The router saw the success with the phone datatype.
	stats, err := rdb.HGetAll(context.Background(), "gps:provider:ThatsThem").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", stats["success_count"])
	dtStats, err := rdb.HGetAll(context.Background(), "gps:datatype:phone:ThatsThem").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", dtStats["count"])
}

func TestWarmupRunsBeforeTarget(t *testing.T) {
	session := &fakeSession{texts: map[string]string{".phone": "x"}}
	script := &sessionScript{sessions: []*fakeSession{session}}
	w, _ := testWorker(t, script, func(cfg *Config) {
		cfg.WarmupURLs = []string{"https://news.example.com"}
	})

	res := w.Process(context.Background(), testMission())

	assert.Equal(t, dispatch.StatusCompleted, res.Status)
	require.GreaterOrEqual(t, len(session.navigated), 2)
	assert.Equal(t, "https://news.example.com", session.navigated[0])
	assert.True(t, strings.HasPrefix(session.navigated[1], "https://thatsthem.com"))
}
