// Package config loads the service configuration from an optional YAML
// file, environment variables (SCAN_TRANSFORMER_ prefix), and defaults,
// in that precedence order. Credentials can optionally come from Vault.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Hotspot actions accepted by filter.mobileHotspot.action.
const (
	HotspotActionExclude = "EXCLUDE"
	HotspotActionFlag    = "FLAG"
)

// Queue configures the source work queue. Exactly one of URL and Name
// must be set; a Name is resolved to a URL at startup.
type Queue struct {
	URL             string
	Name            string
	PollWaitSeconds int32
	BatchSize       int32
}

// ObjectStore configures the S3-compatible store holding raw payloads.
// An empty Endpoint uses the SDK's default resolution; static credentials
// are optional (the default chain applies otherwise).
type ObjectStore struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Delivery configures the downstream stream and the publisher's caps.
type Delivery struct {
	StreamName         string
	MaxBatchSize       int
	MaxBatchSizeBytes  int
	MaxRecordSizeBytes int
	MaxLinger          time.Duration
	MaxInFlightBatches int
	MaxAttempts        int
}

// MobileHotspot configures OUI-blacklist detection.
type MobileHotspot struct {
	Enabled      bool
	OUIBlacklist []string
	Action       string
}

// Filter holds validation limits and quality weights.
type Filter struct {
	MinRSSI                   int
	MaxRSSI                   int
	MaxLocationAccuracy       float64
	ConnectedQualityWeight    float64
	ScanQualityWeight         float64
	LowLinkSpeedQualityWeight float64
	MobileHotspot             MobileHotspot
}

// Vault configures optional secret loading; disabled when Addr is empty.
type Vault struct {
	Addr       string
	Token      string
	SecretPath string
}

// Config is the fully resolved service configuration.
type Config struct {
	HTTPAddr    string
	Queue       Queue
	Concurrency int
	ObjectStore ObjectStore
	Delivery    Delivery
	Filter      Filter
	NATSURL     string
	GracePeriod time.Duration
	OTLP        string
	Vault       Vault
}

// Load reads configuration from the given file (optional; empty path
// means env + defaults only) and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCAN_TRANSFORMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTPAddr: v.GetString("http.addr"),
		Queue: Queue{
			URL:             v.GetString("queue.url"),
			Name:            v.GetString("queue.name"),
			PollWaitSeconds: v.GetInt32("queue.pollWaitSeconds"),
			BatchSize:       v.GetInt32("queue.batchSize"),
		},
		Concurrency: v.GetInt("workers.concurrency"),
		ObjectStore: ObjectStore{
			Endpoint:        v.GetString("objectStore.endpoint"),
			Region:          v.GetString("objectStore.region"),
			AccessKeyID:     v.GetString("objectStore.accessKeyId"),
			SecretAccessKey: v.GetString("objectStore.secretAccessKey"),
		},
		Delivery: Delivery{
			StreamName:         v.GetString("delivery.streamName"),
			MaxBatchSize:       v.GetInt("delivery.maxBatchSize"),
			MaxBatchSizeBytes:  v.GetInt("delivery.maxBatchSizeBytes"),
			MaxRecordSizeBytes: v.GetInt("delivery.maxRecordSizeBytes"),
			MaxLinger:          time.Duration(v.GetInt("delivery.maxLingerMs")) * time.Millisecond,
			MaxInFlightBatches: v.GetInt("delivery.maxInFlightBatches"),
			MaxAttempts:        v.GetInt("delivery.maxAttempts"),
		},
		Filter: Filter{
			MinRSSI:                   v.GetInt("filter.minRssi"),
			MaxRSSI:                   v.GetInt("filter.maxRssi"),
			MaxLocationAccuracy:       v.GetFloat64("filter.maxLocationAccuracy"),
			ConnectedQualityWeight:    v.GetFloat64("filter.connectedQualityWeight"),
			ScanQualityWeight:         v.GetFloat64("filter.scanQualityWeight"),
			LowLinkSpeedQualityWeight: v.GetFloat64("filter.lowLinkSpeedQualityWeight"),
			MobileHotspot: MobileHotspot{
				Enabled:      v.GetBool("filter.mobileHotspot.enabled"),
				OUIBlacklist: v.GetStringSlice("filter.mobileHotspot.ouiBlacklist"),
				Action:       strings.ToUpper(v.GetString("filter.mobileHotspot.action")),
			},
		},
		NATSURL:     v.GetString("nats.url"),
		GracePeriod: time.Duration(v.GetInt("shutdown.gracePeriodSeconds")) * time.Second,
		OTLP:        v.GetString("telemetry.otlpEndpoint"),
		Vault: Vault{
			Addr:       v.GetString("vault.addr"),
			Token:      v.GetString("vault.token"),
			SecretPath: v.GetString("vault.secretPath"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("queue.pollWaitSeconds", 20)
	v.SetDefault("queue.batchSize", 10)
	v.SetDefault("workers.concurrency", 0) // 0 = number of cores
	v.SetDefault("objectStore.region", "us-east-1")
	v.SetDefault("delivery.maxBatchSize", 500)
	v.SetDefault("delivery.maxBatchSizeBytes", 4_000_000)
	v.SetDefault("delivery.maxRecordSizeBytes", 1_000_000)
	v.SetDefault("delivery.maxLingerMs", 200)
	v.SetDefault("delivery.maxInFlightBatches", 8)
	v.SetDefault("delivery.maxAttempts", 3)
	v.SetDefault("filter.minRssi", -100)
	v.SetDefault("filter.maxRssi", 0)
	v.SetDefault("filter.maxLocationAccuracy", 150)
	v.SetDefault("filter.connectedQualityWeight", 2.0)
	v.SetDefault("filter.scanQualityWeight", 1.0)
	v.SetDefault("filter.lowLinkSpeedQualityWeight", 0.5)
	v.SetDefault("filter.mobileHotspot.enabled", false)
	v.SetDefault("filter.mobileHotspot.action", HotspotActionExclude)
	v.SetDefault("shutdown.gracePeriodSeconds", 30)
	v.SetDefault("vault.secretPath", "secret/data/skysense/scan-transformer")
}

func (c *Config) validate() error {
	var errs []error

	if (c.Queue.URL == "") == (c.Queue.Name == "") {
		errs = append(errs, errors.New("exactly one of queue.url and queue.name must be set"))
	}
	if c.Delivery.StreamName == "" {
		errs = append(errs, errors.New("delivery.streamName is required"))
	}
	switch c.Filter.MobileHotspot.Action {
	case HotspotActionExclude, HotspotActionFlag:
	default:
		errs = append(errs, fmt.Errorf("filter.mobileHotspot.action must be %s or %s, got %q",
			HotspotActionExclude, HotspotActionFlag, c.Filter.MobileHotspot.Action))
	}
	if c.Filter.MinRSSI > c.Filter.MaxRSSI {
		errs = append(errs, errors.New("filter.minRssi must not exceed filter.maxRssi"))
	}

	return errors.Join(errs...)
}
