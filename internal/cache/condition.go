package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type conditionKind int

const (
	condNever conditionKind = iota
	condAlways
	condRate
)

// Condition is a per-backend admission policy for store or fetch
// operations: always, never, or a byte-rate threshold. Rate-thresholded
// backends only admit artefacts produced at or below the threshold, since
// anything produced faster is cheaper to recompute than to transfer.
type Condition struct {
	kind conditionKind
	rate float64 // bytes per second
}

// Never admits nothing. This is the zero value.
func Never() Condition { return Condition{kind: condNever} }

// Always admits everything.
func Always() Condition { return Condition{kind: condAlways} }

// RateBelow admits artefacts produced at or below the given rate.
func RateBelow(bytesPerSecond float64) Condition {
	return Condition{kind: condRate, rate: bytesPerSecond}
}

// ParseCondition reads an admission condition from its configuration
// form: "true"/"false", or a human-friendly rate such as "5MB/s",
// "1GB/h" or "512KB/30s".
func ParseCondition(raw string) (Condition, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "false", "never":
		return Never(), nil
	case "true", "always":
		return Always(), nil
	}

	dividend, divisor, ok := strings.Cut(raw, "/")
	if !ok {
		return Condition{}, fmt.Errorf(
			"invalid cache condition %q: want true, false or a rate like 5MB/s", raw)
	}
	size, err := humanize.ParseBytes(strings.TrimSpace(dividend))
	if err != nil {
		return Condition{}, fmt.Errorf("invalid cache condition %q: %w", raw, err)
	}
	span := strings.TrimSpace(divisor)
	dur, err := time.ParseDuration(span)
	if err != nil {
		// Allow bare units: "s" means "1s", "h" means "1h".
		dur, err = time.ParseDuration("1" + span)
		if err != nil {
			return Condition{}, fmt.Errorf("invalid cache condition %q: bad timespan %q", raw, span)
		}
	}
	if dur <= 0 {
		return Condition{}, fmt.Errorf("invalid cache condition %q: non-positive timespan", raw)
	}
	return RateBelow(float64(size) / dur.Seconds()), nil
}

// Admits reports whether an artefact produced at the given byte-rate may
// use this backend.
func (c Condition) Admits(bytesPerSecond float64) bool {
	switch c.kind {
	case condAlways:
		return true
	case condRate:
		return bytesPerSecond <= c.rate
	default:
		return false
	}
}

func (c Condition) String() string {
	switch c.kind {
	case condAlways:
		return "always"
	case condRate:
		return fmt.Sprintf("<=%s/s", humanize.Bytes(uint64(c.rate)))
	default:
		return "never"
	}
}

// ByteRate computes bytes per second, clamping the duration so that
// instantaneous productions do not divide by zero.
func ByteRate(size int64, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1e-9
	}
	return float64(size) / seconds
}
