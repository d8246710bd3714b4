package captcha

import (
	"regexp"
	"strconv"
)

// Coord is one click target relative to the challenge frame.
type Coord struct {
	X float64
	Y float64
}

// coordPair tolerates "x,y", "x y", "(x, y)", "[x y]" and decimal values.
var coordPair = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*[, ]\s*(-?\d+(?:\.\d+)?)`)

// ParseCoordinates extracts coordinate pairs from free-form model output.
// Pairs the model wraps in brackets or separates with bare spaces parse the
// same as comma-separated ones.
func ParseCoordinates(text string) []Coord {
	matches := coordPair.FindAllStringSubmatch(text, -1)
	coords := make([]Coord, 0, len(matches))
	for _, m := range matches {
		x, errX := strconv.ParseFloat(m[1], 64)
		y, errY := strconv.ParseFloat(m[2], 64)
		if errX != nil || errY != nil {
			continue
		}
		coords = append(coords, Coord{X: x, Y: y})
	}
	return coords
}
