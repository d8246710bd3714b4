package stealth

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed stealth.js.tmpl
var scriptTemplate string

var scriptTmpl = template.Must(template.New("stealth").Parse(scriptTemplate))

type scriptParams struct {
	GPUSeed             int32
	AudioSeed           int32
	CanvasSeed          int32
	Platform            string
	Vendor              string
	HardwareConcurrency int
	DeviceMemory        int
	MaxTouchPoints      int
	LanguagesJSON       string
	Language            string
	WebGLVendor         string
	WebGLRenderer       string
	AudioNoise          float64
	ColorDepth          int
	PixelDepth          int
	BrandsJSON          string
	Mobile              bool
	PlatformHint        string
	PlatformVersion     string
	ChromeVersion       string
	FontSmoothing       string
}

// UserAgent renders the full user-agent string for the session.
func (f Fingerprint) UserAgent() string {
	return fmt.Sprintf(f.Device.UserAgent, f.ChromeVersion)
}

// MajorVersion returns the Chrome major version used for Client Hints brands.
func (f Fingerprint) MajorVersion() string {
	if i := strings.IndexByte(f.ChromeVersion, '.'); i > 0 {
		return f.ChromeVersion[:i]
	}
	return f.ChromeVersion
}

// InitScript renders the injected init script for this fingerprint. The
// script must be applied before any site code runs; applying it twice is
// harmless because spoofed properties are non-configurable.
func (f Fingerprint) InitScript() (string, error) {
	languages, err := json.Marshal(f.Languages)
	if err != nil {
		return "", fmt.Errorf("encode languages: %w", err)
	}
	brands, err := json.Marshal(f.brands())
	if err != nil {
		return "", fmt.Errorf("encode brands: %w", err)
	}
	params := scriptParams{
		GPUSeed:             f.Seeds.GPU,
		AudioSeed:           f.Seeds.Audio,
		CanvasSeed:          f.Seeds.Canvas,
		Platform:            f.Device.Platform,
		Vendor:              f.Device.Vendor,
		HardwareConcurrency: f.Device.HardwareConcurrency,
		DeviceMemory:        f.Device.DeviceMemory,
		MaxTouchPoints:      f.Device.MaxTouchPoints,
		LanguagesJSON:       string(languages),
		Language:            f.Language,
		WebGLVendor:         f.WebGLVendor,
		WebGLRenderer:       f.WebGLRenderer,
		AudioNoise:          f.AudioNoise,
		ColorDepth:          f.ColorDepth,
		PixelDepth:          f.PixelDepth,
		BrandsJSON:          string(brands),
		Mobile:              f.Device.MaxTouchPoints > 0,
		PlatformHint:        f.platformHint(),
		PlatformVersion:     f.platformVersion(),
		ChromeVersion:       f.ChromeVersion,
		FontSmoothing:       f.fontSmoothing(),
	}
	var sb strings.Builder
	if err := scriptTmpl.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("render init script: %w", err)
	}
	return sb.String(), nil
}

type brand struct {
	Brand   string `json:"brand"`
	Version string `json:"version"`
}

// brands builds the Client Hints brand list aligned with the UA version.
// The "Not" brand entry mimics Chrome's GREASE scheme.
func (f Fingerprint) brands() []brand {
	major := f.MajorVersion()
	return []brand{
		{Brand: "Chromium", Version: major},
		{Brand: "Google Chrome", Version: major},
		{Brand: "Not=A?Brand", Version: "8"},
	}
}

func (f Fingerprint) platformHint() string {
	switch f.Device.Platform {
	case "Win32":
		return "Windows"
	case "MacIntel":
		return "macOS"
	case "Linux armv81":
		return "Android"
	default:
		return "Linux"
	}
}

func (f Fingerprint) platformVersion() string {
	switch f.platformHint() {
	case "Windows":
		return "15.0.0"
	case "macOS":
		return "14.6.1"
	case "Android":
		return "14.0.0"
	default:
		return "6.8.0"
	}
}

func (f Fingerprint) fontSmoothing() string {
	if f.platformHint() == "macOS" {
		return "subpixel-antialiased"
	}
	return "antialiased"
}

// LaunchArgs returns the browser flags every worker session launches with.
func LaunchArgs() []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-infobars",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--disable-dev-shm-usage",
	}
}
