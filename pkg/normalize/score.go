package normalize

import (
	"math"
	"strconv"
	"strings"
)

// NormalizeScore maps a raw rating onto the 1.0-5.0 scale. Values already in
// [1, 5] are kept; values in [0, 100] are treated as percentages. Anything
// else is discarded. The 1-5 range is checked first so small percentages such
// as "3" are not stretched.
func NormalizeScore(raw string) (*float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, false
	}

	var score float64
	switch {
	case v >= 1 && v <= 5:
		score = v
	case v >= 0 && v <= 100:
		score = 1 + 4*(v/100)
	default:
		return nil, false
	}

	score = math.Round(score*100) / 100
	return &score, true
}
