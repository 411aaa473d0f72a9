// Package validate holds the stateless field checks applied to every
// candidate measurement before it is emitted, plus the mobile-hotspot
// OUI detector.
package validate

import (
	"regexp"
	"strings"
	"time"

	"github.com/skysense/scan-transformer/internal/model"
	"github.com/skysense/scan-transformer/internal/telemetry"
)

// bssidPattern matches a normalized lowercase colon-separated MAC.
var bssidPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

const (
	allZerosBSSID  = "00:00:00:00:00:00"
	broadcastBSSID = "ff:ff:ff:ff:ff:ff"

	// maxMeasurementAge bounds how old a timestamp may be (inclusive).
	maxMeasurementAge = 365 * 24 * time.Hour
)

// Limits are the configurable acceptance bounds.
type Limits struct {
	MinRSSI             int
	MaxRSSI             int
	MaxLocationAccuracy float64
}

// DefaultLimits mirrors the production defaults.
func DefaultLimits() Limits {
	return Limits{MinRSSI: -100, MaxRSSI: 0, MaxLocationAccuracy: 150}
}

// Validator applies the field checks and records a pass/fail counter per
// check. Safe for concurrent use; it carries no mutable state of its own.
type Validator struct {
	limits   Limits
	counters telemetry.Counters
}

// NewValidator builds a Validator with the given bounds.
func NewValidator(limits Limits, counters telemetry.Counters) *Validator {
	return &Validator{limits: limits, counters: counters}
}

func (v *Validator) observe(check string, ok bool) bool {
	result := "pass"
	if !ok {
		result = "fail"
	}
	v.counters.Inc("validation_checks", "check", check, "result", result)
	return ok
}

// ValidLocation accepts a present fix with on-globe coordinates whose
// accuracy (when reported) does not exceed the configured maximum.
// Accuracy exactly at the maximum is accepted.
func (v *Validator) ValidLocation(loc *model.LocationData) bool {
	ok := loc != nil &&
		loc.HasValidCoordinates() &&
		(loc.Accuracy == nil || *loc.Accuracy <= v.limits.MaxLocationAccuracy)
	return v.observe("location", ok)
}

// ValidRSSI accepts a present value within [MinRSSI, MaxRSSI], inclusive.
func (v *Validator) ValidRSSI(rssi *int) bool {
	ok := rssi != nil && *rssi >= v.limits.MinRSSI && *rssi <= v.limits.MaxRSSI
	return v.observe("rssi", ok)
}

// ValidBSSID normalizes the address and accepts it when it is a well-formed
// unicast MAC that is neither all-zeros nor broadcast. The normalized form
// is returned for use in the output record.
func (v *Validator) ValidBSSID(raw string) (string, bool) {
	normalized := NormalizeBSSID(raw)
	ok := bssidPattern.MatchString(normalized) &&
		normalized != allZerosBSSID &&
		normalized != broadcastBSSID
	return normalized, v.observe("bssid", ok)
}

// ValidTimestamp accepts epoch-millisecond values that are present
// (non-zero), not in the future, and at most one year old. Both bounds are
// inclusive.
func (v *Validator) ValidTimestamp(ms int64, now time.Time) bool {
	ok := ms > 0 &&
		ms <= now.UnixMilli() &&
		ms >= now.Add(-maxMeasurementAge).UnixMilli()
	return v.observe("timestamp", ok)
}

// NormalizeBSSID lowercases the address and converts dash separators to
// colons. It does not verify shape; ValidBSSID does.
func NormalizeBSSID(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", ":")
}

// CleanSSID strips NUL bytes and surrounding whitespace; an empty result
// becomes nil so it serializes as JSON null.
func CleanSSID(raw string) *string {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, "\x00", ""))
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
