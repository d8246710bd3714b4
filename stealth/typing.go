package stealth

import (
	"math/rand/v2"
	"time"
)

type (
	// KeyEvent is one keystroke in a simulated typing sequence.
	KeyEvent struct {
		// Rune is the character to type. Zero means backspace.
		Rune rune
		// Delay is the pause before this keystroke.
		Delay time.Duration
	}

	// TypingConfig tunes the typing simulation.
	TypingConfig struct {
		// WPM is the typing speed. Defaults to 65.
		WPM int
		// Rand overrides the randomness source for tests.
		Rand *rand.Rand
	}

	// ScrollChunk is one wheel movement in a simulated scroll.
	ScrollChunk struct {
		// DeltaY is the scroll amount in pixels, signed.
		DeltaY float64
		// Delay is the pause before this chunk.
		Delay time.Duration
	}
)

const (
	defaultWPM      = 65
	typoRate        = 0.03
	typingPauseRate = 0.10

	scrollMinChunk  = 50.0
	scrollChunkSpan = 100.0
	scrollPauseRate = 0.10
)

// adjacentKeys maps each key to its QWERTY neighbors for typo simulation.
var adjacentKeys = map[rune]string{
	'a': "sqwz", 'b': "vghn", 'c': "xdfv", 'd': "serfcx", 'e': "wsdr",
	'f': "drtgvc", 'g': "ftyhbv", 'h': "gyujnb", 'i': "ujko", 'j': "huikmn",
	'k': "jiolm", 'l': "kop", 'm': "njk", 'n': "bhjm", 'o': "iklp",
	'p': "ol", 'q': "wa", 'r': "edft", 's': "awedxz", 't': "rfgy",
	'u': "yhji", 'v': "cfgb", 'w': "qase", 'x': "zsdc", 'y': "tghu",
	'z': "asx",
}

// TypeSequence produces the keystroke sequence for text at the configured
// speed, with a 3% adjacent-key typo rate (each typo followed by a
// backspace and the correct key) and a 10% inter-burst pause chance.
func TypeSequence(text string, cfg TypingConfig) []KeyEvent {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	wpm := cfg.WPM
	if wpm <= 0 {
		wpm = defaultWPM
	}
	// Five characters per word is the WPM convention.
	base := time.Duration(60.0 / float64(wpm*5) * float64(time.Second))

	var events []KeyEvent
	for _, r := range text {
		delay := jitterDuration(rng, base)
		if rng.Float64() < typingPauseRate {
			delay += time.Duration(300+rng.IntN(400)) * time.Millisecond
		}

		if neighbors, ok := adjacentKeys[r]; ok && rng.Float64() < typoRate {
			wrong := rune(neighbors[rng.IntN(len(neighbors))])
			events = append(events,
				KeyEvent{Rune: wrong, Delay: delay},
				KeyEvent{Rune: 0, Delay: jitterDuration(rng, base*2)}, // notice, backspace
				KeyEvent{Rune: r, Delay: jitterDuration(rng, base)},
			)
			continue
		}
		events = append(events, KeyEvent{Rune: r, Delay: delay})
	}
	return events
}

// ScrollSequence breaks a scroll distance into 50-150 px chunks with a 10%
// chance per chunk of a 0.3-1.0 s reading pause.
func ScrollSequence(distance float64, rng *rand.Rand) []ScrollChunk {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	sign := 1.0
	if distance < 0 {
		sign = -1
		distance = -distance
	}

	var chunks []ScrollChunk
	for remaining := distance; remaining > 0; {
		chunk := scrollMinChunk + rng.Float64()*scrollChunkSpan
		if chunk > remaining {
			chunk = remaining
		}
		delay := time.Duration(40+rng.IntN(80)) * time.Millisecond
		if rng.Float64() < scrollPauseRate {
			delay += time.Duration(300+rng.IntN(700)) * time.Millisecond
		}
		chunks = append(chunks, ScrollChunk{DeltaY: sign * chunk, Delay: delay})
		remaining -= chunk
	}
	return chunks
}

// jitterDuration applies +/-30% uniform jitter.
func jitterDuration(rng *rand.Rand, d time.Duration) time.Duration {
	f := 0.7 + rng.Float64()*0.6
	return time.Duration(float64(d) * f)
}
