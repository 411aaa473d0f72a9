package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skysense/scan-transformer/internal/model"
	"github.com/skysense/scan-transformer/internal/telemetry"
	"github.com/skysense/scan-transformer/internal/validate"
)

var (
	frozenNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	baseTS    = frozenNow.Add(-time.Hour).UnixMilli()
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func newTransformer(t *testing.T, hotspot *validate.HotspotDetector) (*Transformer, *telemetry.MemCounters) {
	t.Helper()
	counters := telemetry.NewMemCounters()
	if hotspot == nil {
		hotspot = validate.NewHotspotDetector(false, validate.ActionExclude, nil, counters)
	}
	tr := New(
		validate.NewValidator(validate.DefaultLimits(), counters),
		hotspot,
		DefaultWeights(),
		counters,
		zaptest.NewLogger(t),
	).WithClock(func() time.Time { return frozenNow })
	return tr, counters
}

func location(acc float64) *model.LocationData {
	return &model.LocationData{Latitude: 40.7128, Longitude: -74.006, Accuracy: floatPtr(acc)}
}

func connectedEvent(bssid string, rssi int) model.ConnectedEvent {
	return model.ConnectedEvent{
		Timestamp: baseTS,
		EventID:   "evt-" + bssid,
		EventType: "CONNECTED",
		WifiInfo: &model.WifiConnectedInfo{
			BSSID:     bssid,
			SSID:      "CoffeeShop",
			RSSI:      intPtr(rssi),
			LinkSpeed: intPtr(433),
			Frequency: intPtr(5180),
		},
		Location: location(10.0),
	}
}

// mixedScan reproduces the happy-path payload: two connected events plus one
// snapshot holding the same two APs and two more.
func mixedScan() *model.ScanData {
	return &model.ScanData{
		Manufacturer:   "Google",
		Model:          "Pixel 8",
		Device:         "shiba",
		OSVersion:      "14",
		AppNameVersion: "collector/3.2.1",
		DataVersion:    "7",
		ConnectedEvents: []model.ConnectedEvent{
			connectedEvent("B8:F8:53:C0:1E:FF", -58),
			connectedEvent("aa:bb:cc:dd:ee:ff", -45),
		},
		ScanResults: []model.ScanResult{
			{
				Timestamp: baseTS,
				Location:  location(10.0),
				Results: []model.ScanResultEntry{
					{BSSID: "b8:f8:53:c0:1e:ff", SSID: "CoffeeShop", ScanTime: baseTS, RSSI: intPtr(-58)},
					{BSSID: "aa:bb:cc:dd:ee:ff", SSID: "OtherNet", ScanTime: baseTS, RSSI: intPtr(-45)},
					{BSSID: "11:22:33:44:55:66", SSID: "Net3", ScanTime: baseTS, RSSI: intPtr(-72)},
					{BSSID: "99:88:77:66:55:44", SSID: "Net4", ScanTime: baseTS, RSSI: intPtr(-85)},
				},
			},
		},
	}
}

func TestTransform_MixedEventsAndScans(t *testing.T) {
	tr, _ := newTransformer(t, nil)

	out := tr.Transform(mixedScan(), "batch-1")
	require.Len(t, out, 6)

	var connected, scanned int
	for _, m := range out {
		switch m.ConnectionStatus {
		case model.StatusConnected:
			connected++
			assert.Equal(t, 2.0, m.QualityWeight)
		case model.StatusScan:
			scanned++
			assert.Equal(t, 1.0, m.QualityWeight)
		}
		assert.Regexp(t, `^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`, m.BSSID)
		assert.Equal(t, "batch-1", m.ProcessingBatchID)
		assert.Equal(t, "7", m.DataVersion)
	}
	assert.Equal(t, 2, connected)
	assert.Equal(t, 4, scanned)

	// Connected events first, then scan entries, each in input order.
	assert.Equal(t, "b8:f8:53:c0:1e:ff", out[0].BSSID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", out[1].BSSID)
	assert.Equal(t, "b8:f8:53:c0:1e:ff", out[2].BSSID)
	assert.Equal(t, "99:88:77:66:55:44", out[5].BSSID)
}

func TestTransform_InvalidRecordsDropped(t *testing.T) {
	tr, counters := newTransformer(t, nil)

	scan := &model.ScanData{
		ConnectedEvents: []model.ConnectedEvent{
			connectedEvent("ff:ff:ff:ff:ff:ff", -58), // broadcast BSSID
		},
		ScanResults: []model.ScanResult{
			{
				Timestamp: baseTS,
				Location:  location(10.0),
				Results: []model.ScanResultEntry{
					{BSSID: "11:22:33:44:55:66", ScanTime: baseTS, RSSI: intPtr(-150)}, // rssi out of range
					{BSSID: "22:33:44:55:66:77", ScanTime: baseTS, RSSI: intPtr(-60)},  // survives
				},
			},
			{
				Timestamp: baseTS,
				Location:  location(500), // accuracy over limit
				Results: []model.ScanResultEntry{
					{BSSID: "33:44:55:66:77:88", ScanTime: baseTS, RSSI: intPtr(-60)},
				},
			},
		},
	}

	out := tr.Transform(scan, "batch-1")
	require.Len(t, out, 1)
	assert.Equal(t, "22:33:44:55:66:77", out[0].BSSID)
	assert.Equal(t, int64(3), counters.Total("records_dropped"))
}

func TestTransform_HotspotExclude(t *testing.T) {
	counters := telemetry.NewMemCounters()
	hotspot := validate.NewHotspotDetector(true, validate.ActionExclude, []string{"B8:F8:53"}, counters)
	tr, _ := newTransformer(t, hotspot)

	out := tr.Transform(mixedScan(), "batch-1")

	// One connected event and one scan entry carry the blacklisted OUI.
	require.Len(t, out, 4)
	for _, m := range out {
		assert.NotEqual(t, "b8:f8:53:c0:1e:ff", m.BSSID)
	}
}

func TestTransform_HotspotFlagKeepsRecords(t *testing.T) {
	counters := telemetry.NewMemCounters()
	hotspot := validate.NewHotspotDetector(true, validate.ActionFlag, []string{"B8:F8:53"}, counters)
	tr, _ := newTransformer(t, hotspot)

	out := tr.Transform(mixedScan(), "batch-1")
	assert.Len(t, out, 6)
	assert.Equal(t, int64(2), counters.Total("hotspot_flagged"))
}

func TestTransform_LowLinkSpeedWeight(t *testing.T) {
	tr, _ := newTransformer(t, nil)

	evt := connectedEvent("aa:bb:cc:dd:ee:ff", -58) // strong signal
	evt.WifiInfo.LinkSpeed = intPtr(20)             // poor throughput

	out := tr.Transform(&model.ScanData{ConnectedEvents: []model.ConnectedEvent{evt}}, "b")
	require.Len(t, out, 1)
	assert.Equal(t, 0.5, out[0].QualityWeight)
}

func TestTransform_LowLinkSpeedNeedsStrongSignal(t *testing.T) {
	tr, _ := newTransformer(t, nil)

	evt := connectedEvent("aa:bb:cc:dd:ee:ff", -80) // weak signal
	evt.WifiInfo.LinkSpeed = intPtr(20)

	out := tr.Transform(&model.ScanData{ConnectedEvents: []model.ConnectedEvent{evt}}, "b")
	require.Len(t, out, 1)
	assert.Equal(t, 2.0, out[0].QualityWeight, "weight downgrade requires rssi above -70")
}

func TestTransform_MissingWifiInfoDropped(t *testing.T) {
	tr, counters := newTransformer(t, nil)

	scan := &model.ScanData{ConnectedEvents: []model.ConnectedEvent{{Timestamp: baseTS, EventID: "e1"}}}
	out := tr.Transform(scan, "b")
	assert.Empty(t, out)
	assert.Equal(t, int64(1), counters.Get("records_dropped|origin=connected|reason=missing_wifi_info"))
}

func TestTransform_Deterministic(t *testing.T) {
	tr, _ := newTransformer(t, nil)

	first := tr.Transform(mixedScan(), "batch-1")
	second := tr.Transform(mixedScan(), "batch-1")
	assert.Equal(t, first, second, "frozen clock and batch id imply identical output")
}

func TestTransform_ConnectedAndScanFieldShape(t *testing.T) {
	tr, _ := newTransformer(t, nil)

	out := tr.Transform(mixedScan(), "batch-1")
	require.Len(t, out, 6)

	conn := out[0]
	assert.NotNil(t, conn.LinkSpeed)
	assert.Equal(t, "evt-B8:F8:53:C0:1E:FF", conn.EventID)
	assert.Equal(t, conn.MeasurementTimestamp, conn.ScanTimestamp)

	scan := out[2]
	assert.Nil(t, scan.LinkSpeed)
	assert.Nil(t, scan.ChannelWidth)
	assert.Nil(t, scan.IsCaptive)
	assert.Equal(t, ScanEventID(baseTS, "b8:f8:53:c0:1e:ff"), scan.EventID)
}

func TestDeviceID_Deterministic(t *testing.T) {
	a := &model.ScanData{Manufacturer: "Google", Model: "Pixel 8", Device: "shiba", OSVersion: "14"}
	b := &model.ScanData{Manufacturer: "Google", Model: "Pixel 8", Device: "shiba", OSVersion: "14"}
	c := &model.ScanData{Manufacturer: "Google", Model: "Pixel 8", Device: "shiba", OSVersion: "15"}

	assert.Equal(t, DeviceID(a), DeviceID(b))
	assert.NotEqual(t, DeviceID(a), DeviceID(c))
	assert.Len(t, DeviceID(a), 64)
}

func TestQualityScore_Bounds(t *testing.T) {
	// Perfect fix and signal saturate at 1.0.
	assert.InDelta(t, 1.0, qualityScore(floatPtr(0), intPtr(0)), 1e-9)
	// Missing terms leave the base.
	assert.InDelta(t, 0.5, qualityScore(nil, nil), 1e-9)
	// Accuracy beyond 100 m contributes nothing rather than going negative.
	assert.InDelta(t, 0.5, qualityScore(floatPtr(140), intPtr(-100)), 1e-9)
	// Representative mid-range value.
	assert.InDelta(t, 0.5+0.3*0.9+0.2*0.42, qualityScore(floatPtr(10), intPtr(-58)), 1e-9)
}
