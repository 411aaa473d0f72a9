package validate

import (
	"strings"

	"github.com/skysense/scan-transformer/internal/telemetry"
)

// HotspotAction is the configured policy for blacklisted OUIs.
type HotspotAction string

const (
	// ActionExclude drops measurements from blacklisted OUIs.
	ActionExclude HotspotAction = "EXCLUDE"
	// ActionFlag keeps the measurement but surfaces a counter.
	ActionFlag HotspotAction = "FLAG"
)

// HotspotResult is the outcome of an OUI lookup.
type HotspotResult int

const (
	// HotspotNotChecked means the feature is disabled.
	HotspotNotChecked HotspotResult = iota
	// HotspotNotDetected means the OUI is not blacklisted.
	HotspotNotDetected
	// HotspotDetected means the OUI matched the blacklist.
	HotspotDetected
)

// Detection carries the lookup outcome plus context for detected OUIs.
type Detection struct {
	Result HotspotResult
	OUI    string
	Action HotspotAction
}

// HotspotDetector looks up the vendor prefix of each BSSID against a
// configured blacklist of mobile-hotspot OUIs.
type HotspotDetector struct {
	enabled   bool
	action    HotspotAction
	blacklist map[string]struct{}
	counters  telemetry.Counters
}

// NewHotspotDetector builds a detector. Blacklist entries are expected in
// "XX:XX:XX" form; they are normalized to uppercase here so config casing
// does not matter.
func NewHotspotDetector(enabled bool, action HotspotAction, ouis []string, counters telemetry.Counters) *HotspotDetector {
	blacklist := make(map[string]struct{}, len(ouis))
	for _, oui := range ouis {
		blacklist[strings.ToUpper(strings.TrimSpace(oui))] = struct{}{}
	}
	if action != ActionFlag {
		action = ActionExclude
	}
	return &HotspotDetector{
		enabled:   enabled,
		action:    action,
		blacklist: blacklist,
		counters:  counters,
	}
}

// Detect inspects a normalized (lowercase, colon-separated) BSSID.
func (d *HotspotDetector) Detect(bssid string) Detection {
	if !d.enabled {
		return Detection{Result: HotspotNotChecked}
	}

	oui := ExtractOUI(bssid)
	if _, found := d.blacklist[oui]; !found {
		return Detection{Result: HotspotNotDetected}
	}

	switch d.action {
	case ActionFlag:
		d.counters.Inc("hotspot_flagged", "oui", oui)
	default:
		d.counters.Inc("hotspot_excluded", "oui", oui)
	}
	return Detection{Result: HotspotDetected, OUI: oui, Action: d.action}
}

// ExtractOUI returns the first three octets in uppercase "XX:XX:XX" form,
// or "" when the address is too short to carry a vendor prefix.
func ExtractOUI(bssid string) string {
	if len(bssid) < 8 {
		return ""
	}
	return strings.ToUpper(bssid[:8])
}
