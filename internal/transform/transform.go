// Package transform flattens parsed scan payloads into per-BSSID
// measurement records, applying validation, hotspot policy, and quality
// scoring along the way.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skysense/scan-transformer/internal/model"
	"github.com/skysense/scan-transformer/internal/telemetry"
	"github.com/skysense/scan-transformer/internal/validate"
)

// Weights are the configurable quality weights per record origin.
type Weights struct {
	Connected    float64
	Scan         float64
	LowLinkSpeed float64
}

// DefaultWeights mirrors the production defaults.
func DefaultWeights() Weights {
	return Weights{Connected: 2.0, Scan: 1.0, LowLinkSpeed: 0.5}
}

// Low-link-speed downgrade thresholds: an AP with strong signal but poor
// throughput is likely congested or a tethered hotspot, so its evidence
// counts for less.
const (
	lowLinkSpeedMbps  = 50
	strongSignalFloor = -70
)

// Transformer converts ScanData into measurement records. Safe for
// concurrent use.
type Transformer struct {
	validator *validate.Validator
	hotspot   *validate.HotspotDetector
	weights   Weights
	counters  telemetry.Counters
	logger    *zap.Logger
	now       func() time.Time
}

// New constructs a Transformer with the wall clock.
func New(v *validate.Validator, h *validate.HotspotDetector, w Weights, counters telemetry.Counters, logger *zap.Logger) *Transformer {
	return &Transformer{
		validator: v,
		hotspot:   h,
		weights:   w,
		counters:  counters,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the clock, for deterministic tests.
func (t *Transformer) WithClock(now func() time.Time) *Transformer {
	t.now = now
	return t
}

// Transform emits zero or more measurements for one payload. Connected
// events come first, then scan entries, each preserving input order. A
// record that fails validation (or panics while being built) is skipped;
// siblings are unaffected.
func (t *Transformer) Transform(scan *model.ScanData, batchID string) []model.Measurement {
	now := t.now()
	deviceID := DeviceID(scan)
	ingestion := model.FormatIngestionTime(now)

	out := make([]model.Measurement, 0, len(scan.ConnectedEvents)+totalEntries(scan))

	for i := range scan.ConnectedEvents {
		evt := &scan.ConnectedEvents[i]
		t.guarded("connected_event", func() {
			if m, ok := t.fromConnectedEvent(evt, scan, deviceID, ingestion, batchID, now); ok {
				out = append(out, m)
			}
		})
	}

	for i := range scan.ScanResults {
		sr := &scan.ScanResults[i]
		for j := range sr.Results {
			entry := &sr.Results[j]
			t.guarded("scan_entry", func() {
				if m, ok := t.fromScanEntry(sr, entry, scan, deviceID, ingestion, batchID, now); ok {
					out = append(out, m)
				}
			})
		}
	}

	return out
}

// guarded runs fn and converts a panic into a logged, counted skip so a
// single malformed record never aborts its siblings.
func (t *Transformer) guarded(origin string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.counters.Inc("record_panics", "origin", origin)
			t.logger.Error("record transform panicked",
				zap.String("origin", origin),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func (t *Transformer) fromConnectedEvent(
	evt *model.ConnectedEvent,
	scan *model.ScanData,
	deviceID, ingestion, batchID string,
	now time.Time,
) (model.Measurement, bool) {
	if evt.WifiInfo == nil {
		t.drop("connected", "missing_wifi_info")
		return model.Measurement{}, false
	}
	info := evt.WifiInfo

	bssid, ok := t.validator.ValidBSSID(info.BSSID)
	if !ok {
		t.drop("connected", "bssid")
		return model.Measurement{}, false
	}
	if !t.validator.ValidRSSI(info.RSSI) {
		t.drop("connected", "rssi")
		return model.Measurement{}, false
	}
	if !t.validator.ValidLocation(evt.Location) {
		t.drop("connected", "location")
		return model.Measurement{}, false
	}
	if !t.validator.ValidTimestamp(evt.Timestamp, now) {
		t.drop("connected", "timestamp")
		return model.Measurement{}, false
	}
	if det := t.hotspot.Detect(bssid); det.Result == validate.HotspotDetected && det.Action == validate.ActionExclude {
		t.drop("connected", "mobile_hotspot")
		return model.Measurement{}, false
	}

	weight := t.weights.Connected
	if info.LinkSpeed != nil && *info.LinkSpeed < lowLinkSpeedMbps &&
		info.RSSI != nil && *info.RSSI > strongSignalFloor {
		weight = t.weights.LowLinkSpeed
	}

	m := model.Measurement{
		BSSID:                bssid,
		MeasurementTimestamp: evt.Timestamp,
		EventID:              evt.EventID,
		ConnectionStatus:     model.StatusConnected,
		QualityWeight:        weight,
		QualityScore:         qualityScore(evt.Location.Accuracy, info.RSSI),
		SSID:                 validate.CleanSSID(info.SSID),
		RSSI:                 *info.RSSI,
		Frequency:            info.Frequency,
		ScanTimestamp:        evt.Timestamp,

		LinkSpeed:            info.LinkSpeed,
		ChannelWidth:         info.ChannelWidth,
		CenterFreq0:          info.CenterFreq0,
		CenterFreq1:          info.CenterFreq1,
		Capabilities:         info.Capabilities,
		Is80211mcResponder:   info.Is80211mcResponder,
		IsPasspointNetwork:   info.IsPasspointNetwork,
		OperatorFriendlyName: info.OperatorFriendlyName,
		VenueName:            info.VenueName,
		IsCaptive:            evt.IsCaptive,
		NumScanResults:       info.NumOfScanResults,
	}
	t.stampCommon(&m, scan, evt.Location, deviceID, ingestion, batchID)
	t.counters.Inc("records_emitted", "status", "connected")
	return m, true
}

func (t *Transformer) fromScanEntry(
	sr *model.ScanResult,
	entry *model.ScanResultEntry,
	scan *model.ScanData,
	deviceID, ingestion, batchID string,
	now time.Time,
) (model.Measurement, bool) {
	bssid, ok := t.validator.ValidBSSID(entry.BSSID)
	if !ok {
		t.drop("scan", "bssid")
		return model.Measurement{}, false
	}
	if !t.validator.ValidRSSI(entry.RSSI) {
		t.drop("scan", "rssi")
		return model.Measurement{}, false
	}
	if !t.validator.ValidLocation(sr.Location) {
		t.drop("scan", "location")
		return model.Measurement{}, false
	}
	if !t.validator.ValidTimestamp(sr.Timestamp, now) {
		t.drop("scan", "timestamp")
		return model.Measurement{}, false
	}
	if det := t.hotspot.Detect(bssid); det.Result == validate.HotspotDetected && det.Action == validate.ActionExclude {
		t.drop("scan", "mobile_hotspot")
		return model.Measurement{}, false
	}

	m := model.Measurement{
		BSSID:                bssid,
		MeasurementTimestamp: sr.Timestamp,
		EventID:              ScanEventID(sr.Timestamp, entry.BSSID),
		ConnectionStatus:     model.StatusScan,
		QualityWeight:        t.weights.Scan,
		QualityScore:         qualityScore(sr.Location.Accuracy, entry.RSSI),
		SSID:                 validate.CleanSSID(entry.SSID),
		RSSI:                 *entry.RSSI,
		Frequency:            entry.Frequency,
		ScanTimestamp:        entry.ScanTime,
	}
	t.stampCommon(&m, scan, sr.Location, deviceID, ingestion, batchID)
	t.counters.Inc("records_emitted", "status", "scan")
	return m, true
}

func (t *Transformer) stampCommon(
	m *model.Measurement,
	scan *model.ScanData,
	loc *model.LocationData,
	deviceID, ingestion, batchID string,
) {
	m.DeviceID = deviceID
	m.DeviceModel = scan.Model
	m.DeviceManufacturer = scan.Manufacturer
	m.OSVersion = scan.OSVersion
	m.AppVersion = scan.AppNameVersion
	m.DataVersion = scan.DataVersion

	m.Latitude = loc.Latitude
	m.Longitude = loc.Longitude
	m.Altitude = loc.Altitude
	m.LocationAccuracy = loc.Accuracy
	m.LocationTimestamp = loc.Time
	m.LocationProvider = loc.Provider
	m.LocationSource = loc.Source
	m.Speed = loc.Speed
	m.Bearing = loc.Bearing

	m.IngestionTimestamp = ingestion
	m.ProcessingBatchID = batchID
}

func (t *Transformer) drop(origin, reason string) {
	t.counters.Inc("records_dropped", "origin", origin, "reason", reason)
}

// DeviceID derives a stable pseudonymous device identifier from the
// payload's device metadata. Missing components hash as empty strings, so
// the same device always produces the same id.
func DeviceID(scan *model.ScanData) string {
	sum := sha256.Sum256([]byte(
		scan.Manufacturer + "|" + scan.Model + "|" + scan.Device + "|" + scan.OSVersion,
	))
	return hex.EncodeToString(sum[:])
}

// ScanEventID derives the synthetic event id for a scan entry. The same
// BSSID appearing twice in one snapshot produces the same id; readers are
// expected to tolerate duplicates (no de-duplication happens here).
func ScanEventID(timestamp int64, bssid string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", timestamp, bssid)))
	return hex.EncodeToString(sum[:])
}

// qualityScore blends location accuracy and signal strength into [0.5, 1.0].
// Either term is omitted when its input is missing.
func qualityScore(accuracy *float64, rssi *int) float64 {
	score := 0.5
	if accuracy != nil {
		term := 1 - *accuracy/100
		if term > 0 {
			score += 0.3 * term
		}
	}
	if rssi != nil {
		term := (float64(*rssi) + 100) / 100
		if term > 0 {
			score += 0.2 * term
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func totalEntries(scan *model.ScanData) int {
	n := 0
	for i := range scan.ScanResults {
		n += len(scan.ScanResults[i].Results)
	}
	return n
}
