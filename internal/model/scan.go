// Package model holds the wire types for inbound scan payloads and the
// flat measurement records the pipeline emits.
//
// Inbound optionals use pointer types so that JSON null and JSON absence
// collapse to the same nil value. Unknown top-level fields are ignored by
// encoding/json's default behavior.
package model

import (
	"encoding/json"
	"fmt"
)

// ScanData is the parsed form of one uploaded scan payload.
type ScanData struct {
	OSVersion      string `json:"osVersion"`
	Model          string `json:"model"`
	Device         string `json:"device"`
	Manufacturer   string `json:"manufacturer"`
	OSName         string `json:"osName"`
	SDKInt         string `json:"sdkInt"`
	AppNameVersion string `json:"appNameVersion"`
	DataVersion    string `json:"dataVersion"`

	ConnectedEvents []ConnectedEvent `json:"wifiConnectedEvents"`
	ScanResults     []ScanResult     `json:"scanResults"`
}

// ConnectedEvent describes an active association to a single access point.
type ConnectedEvent struct {
	Timestamp int64              `json:"timestamp"`
	EventID   string             `json:"eventId"`
	EventType string             `json:"eventType"`
	IsCaptive *bool              `json:"isCaptive"`
	WifiInfo  *WifiConnectedInfo `json:"wifiConnectedInfo"`
	Location  *LocationData      `json:"location"`
}

// WifiConnectedInfo carries the radio details of the associated AP.
type WifiConnectedInfo struct {
	BSSID                string  `json:"bssid"`
	SSID                 string  `json:"ssid"`
	LinkSpeed            *int    `json:"linkSpeed"`
	Frequency            *int    `json:"frequency"`
	RSSI                 *int    `json:"rssi"`
	ChannelWidth         *int    `json:"channelWidth"`
	CenterFreq0          *int    `json:"centerFreq0"`
	CenterFreq1          *int    `json:"centerFreq1"`
	Capabilities         *string `json:"capabilities"`
	Is80211mcResponder   *bool   `json:"is80211mcResponder"`
	IsPasspointNetwork   *bool   `json:"isPasspointNetwork"`
	OperatorFriendlyName *string `json:"operatorFriendlyName"`
	VenueName            *string `json:"venueName"`
	NumOfScanResults     *int    `json:"numOfScanResults"`
}

// ScanResult is a snapshot of the access points visible at one place/time.
type ScanResult struct {
	Timestamp int64             `json:"timestamp"`
	Location  *LocationData     `json:"location"`
	Results   []ScanResultEntry `json:"results"`
}

// ScanResultEntry is a single visible AP within a ScanResult snapshot.
type ScanResultEntry struct {
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid"`
	ScanTime  int64  `json:"scantime"`
	RSSI      *int   `json:"rssi"`
	Frequency *int   `json:"frequency"`
}

// LocationData is a device position fix attached to events and snapshots.
type LocationData struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
	Accuracy  *float64 `json:"accuracy"`
	Time      *int64   `json:"time"`
	Provider  *string  `json:"provider"`
	Source    *string  `json:"source"`
	Speed     *float64 `json:"speed"`
	Bearing   *float64 `json:"bearing"`
}

// HasValidCoordinates reports whether the fix lies on the globe.
func (l *LocationData) HasValidCoordinates() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// ParseScanData parses the decoded JSON document into a ScanData value.
// Missing collections come back empty, never nil, so callers can range
// over them without guards.
func ParseScanData(doc string) (*ScanData, error) {
	var scan ScanData
	if err := json.Unmarshal([]byte(doc), &scan); err != nil {
		return nil, fmt.Errorf("parse scan payload: %w", err)
	}
	if scan.ConnectedEvents == nil {
		scan.ConnectedEvents = []ConnectedEvent{}
	}
	if scan.ScanResults == nil {
		scan.ScanResults = []ScanResult{}
	}
	return &scan, nil
}
