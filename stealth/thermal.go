package stealth

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

type (
	// ThermalModel approximates machine heat as a bounded exponential
	// accumulator. Hot sessions add micro-lag, mimicking a real laptop
	// slowing down mid-evening. Process-wide, mutex-guarded.
	ThermalModel struct {
		mu       sync.Mutex
		heat     float64
		lastSeen time.Time
		now      func() time.Time
	}

	// Fatigue tracks how many missions this session has run. Jitter and
	// cognitive delay grow with it, modeling a human tiring.
	Fatigue struct {
		mu       sync.Mutex
		missions int
	}
)

const (
	heatMax     = 3.0
	coolingTau  = 75.0 // seconds
	baseTempC   = 37.0
	tempPerHeat = 16.5
	tempJitterC = 0.35
	hotTempC    = 66.0
	hotSpanC    = 18.0

	fatigueJitterStep    = 0.02
	fatigueCognitiveStep = 0.015
)

// NewThermalModel creates a cold thermal model.
func NewThermalModel() *ThermalModel {
	return &ThermalModel{now: time.Now}
}

// RecordMission adds heat proportional to mission duration and intensity
// (0..1). Heat clamps at the model maximum.
func (m *ThermalModel) RecordMission(duration time.Duration, intensity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cool()
	gain := (duration.Seconds()/30)*0.85*intensity + 0.20*intensity
	m.heat = math.Min(heatMax, m.heat+gain)
}

// Temperature returns the modeled core temperature in Celsius with a small
// read jitter.
func (m *ThermalModel) Temperature() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cool()
	return baseTempC + tempPerHeat*m.heat + (rand.Float64()*2-1)*tempJitterC
}

// ExtraStepDelay returns the thermal micro-lag to add per motion step:
// zero when cool, 3-12 ms scaled by how far above the hot threshold the
// model sits.
func (m *ThermalModel) ExtraStepDelay() time.Duration {
	t := m.Temperature()
	if t <= hotTempC {
		return 0
	}
	scale := clamp((t-hotTempC)/hotSpanC, 0, 1)
	ms := 3 + rand.Float64()*9*scale
	return time.Duration(ms * float64(time.Millisecond))
}

// cool applies exponential decay since the last interaction. Callers hold
// the mutex.
func (m *ThermalModel) cool() {
	now := m.now()
	if !m.lastSeen.IsZero() {
		dt := now.Sub(m.lastSeen).Seconds()
		m.heat *= math.Exp(-dt / coolingTau)
	}
	m.lastSeen = now
}

// IncMission records one more completed mission.
func (f *Fatigue) IncMission() {
	f.mu.Lock()
	f.missions++
	f.mu.Unlock()
}

// Missions returns the session mission count.
func (f *Fatigue) Missions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.missions
}

// JitterMultiplier grows coordinate jitter with session age.
func (f *Fatigue) JitterMultiplier() float64 {
	return 1 + fatigueJitterStep*float64(f.Missions())
}

// CognitiveMultiplier grows decision delays with session age.
func (f *Fatigue) CognitiveMultiplier() float64 {
	return 1 + fatigueCognitiveStep*float64(f.Missions())
}
