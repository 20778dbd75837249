package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

const (
	// values above this are Unix milliseconds
	millisecondsThreshold = 10_000_000_000
	// values above this (and not above millisecondsThreshold) are Unix seconds
	secondsThreshold = 1_000_000_000
)

var (
	isoDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

	// last second of year 9999, the latest instant a DATE column accepts
	maxUnixSeconds = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC).Unix()
)

// ParseDate converts a seconds, milliseconds or ISO-8601 timestamp into a UTC
// calendar date. ok is false when the value fits none of them.
func ParseDate(raw string) (civil.Date, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "0" {
		return civil.Date{}, false
	}

	if strings.Contains(s, "-") && len(s) >= 10 {
		for _, m := range isoDatePattern.FindAllString(s, -1) {
			if d, err := civil.ParseDate(m); err == nil && d.IsValid() && inDateRange(d) {
				return d, true
			}
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return civil.Date{}, false
	}

	var t time.Time
	switch {
	case n > float64(maxUnixSeconds)*1000:
		return civil.Date{}, false
	case n > millisecondsThreshold:
		t = time.UnixMilli(int64(n))
	case n > secondsThreshold:
		t = time.Unix(int64(n), 0)
	default:
		return civil.Date{}, false
	}

	d := civil.DateOf(t.UTC())
	if !inDateRange(d) {
		return civil.Date{}, false
	}
	return d, true
}

func inDateRange(d civil.Date) bool {
	return d.Year >= 1 && d.Year <= 9999
}
