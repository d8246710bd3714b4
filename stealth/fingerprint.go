// Package stealth builds per-session browser fingerprints and the behavioral
// timing model (mouse paths, typing, scrolling, fatigue, thermal micro-lags)
// that make automated sessions read as human.
package stealth

import (
	"math/rand/v2"
)

type (
	// Fingerprint is one session's spoofed identity. The three seeds drive
	// the deterministic RNG inside the injected script so canvas and audio
	// readouts are stable within the session but differ between sessions.
	Fingerprint struct {
		Seeds          Seeds
		Language       string
		Languages      []string
		Timezone       string
		PixelRatio     float64
		ColorDepth     int
		PixelDepth     int
		AudioNoise     float64
		WebGLVendor    string
		WebGLRenderer  string
		Device         DeviceProfile
		ChromeVersion  string
	}

	// Seeds are the per-mission 31-bit hardware entropy values, persisted so
	// a session's fingerprint is reproducible during investigation.
	Seeds struct {
		GPU    int32 `json:"gpu"`
		Audio  int32 `json:"audio"`
		Canvas int32 `json:"canvas"`
	}

	// DeviceProfile describes the advertised hardware.
	DeviceProfile struct {
		Platform            string
		Vendor              string
		HardwareConcurrency int
		DeviceMemory        int
		MaxTouchPoints      int
		ViewportWidth       int
		ViewportHeight      int
		UserAgent           string
	}

	webglPair struct {
		vendor   string
		renderer string
	}
)

// DefaultChromeVersion is advertised when CHROME_UA_VERSION is unset.
const DefaultChromeVersion = "142.0.0.0"

// webglPairs is a small calibrated list; anything exotic here is itself a
// fingerprinting signal.
var webglPairs = []webglPair{
	{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 630 (0x00003E9B) Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 (0x00002184) Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon RX 580 (0x000067DF) Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) Iris(R) Xe Graphics (0x00009A49) Direct3D11 vs_5_0 ps_5_0, D3D11)"},
}

var deviceProfiles = map[string]DeviceProfile{
	"linux": {
		Platform:            "Linux x86_64",
		Vendor:              "Google Inc.",
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		MaxTouchPoints:      0,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		UserAgent:           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
	},
	"windows": {
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		HardwareConcurrency: 12,
		DeviceMemory:        16,
		MaxTouchPoints:      0,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
	},
	"mac": {
		Platform:            "MacIntel",
		Vendor:              "Google Inc.",
		HardwareConcurrency: 10,
		DeviceMemory:        8,
		MaxTouchPoints:      0,
		ViewportWidth:       1680,
		ViewportHeight:      1050,
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
	},
	"android": {
		Platform:            "Linux armv81",
		Vendor:              "Google Inc.",
		HardwareConcurrency: 8,
		DeviceMemory:        6,
		MaxTouchPoints:      5,
		ViewportWidth:       412,
		ViewportHeight:      915,
		UserAgent:           "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Mobile Safari/537.36",
	},
}

// NewSeeds draws three fresh 31-bit entropy values.
func NewSeeds() Seeds {
	return Seeds{
		GPU:    rand.Int32(),
		Audio:  rand.Int32(),
		Canvas: rand.Int32(),
	}
}

// NewFingerprint assembles a session fingerprint for the given platform
// ("linux", "windows", "mac", "android") and Chrome version. The seeds pick
// the WebGL pair and audio noise deterministically so the persisted entropy
// reproduces the whole identity.
func NewFingerprint(platform, chromeVersion string, seeds Seeds) Fingerprint {
	if chromeVersion == "" {
		chromeVersion = DefaultChromeVersion
	}
	device, ok := deviceProfiles[platform]
	if !ok {
		device = deviceProfiles["linux"]
	}
	pair := webglPairs[int(seeds.GPU)%len(webglPairs)]
	// Audio noise amplitude in [1e-5, 1e-4), seeded.
	noise := 1e-5 * (1 + 9*float64(seeds.Audio%1000)/1000)
	return Fingerprint{
		Seeds:         seeds,
		Language:      "en-US",
		Languages:     []string{"en-US", "en"},
		Timezone:      "America/New_York",
		PixelRatio:    1,
		ColorDepth:    24,
		PixelDepth:    24,
		AudioNoise:    noise,
		WebGLVendor:   pair.vendor,
		WebGLRenderer: pair.renderer,
		Device:        device,
		ChromeVersion: chromeVersion,
	}
}
