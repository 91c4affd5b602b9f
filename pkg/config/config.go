// Package config loads the configuration of a thingbridge process from a YAML
// file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/illmade-knight/go-thingbridge/pkg/bqstore"
	"github.com/illmade-knight/go-thingbridge/pkg/bridge"
	"github.com/illmade-knight/go-thingbridge/pkg/cache"
	"github.com/illmade-knight/go-thingbridge/pkg/connection"
	"github.com/illmade-knight/go-thingbridge/pkg/icestore"
	"github.com/illmade-knight/go-thingbridge/pkg/kafkaconverter"
	"github.com/illmade-knight/go-thingbridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-thingbridge/pkg/microservice"
	"github.com/illmade-knight/go-thingbridge/pkg/mqttconverter"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvHTTPPort  = "THINGBRIDGE_HTTP_PORT"
	EnvLogLevel  = "THINGBRIDGE_LOG_LEVEL"
	EnvLogFormat = "THINGBRIDGE_LOG_FORMAT"
	EnvProjectID = "THINGBRIDGE_PROJECT_ID"
	EnvRedisAddr = "REDIS_ADDR"
)

// Connection types select the transport of a connection.
const (
	TypeMQTT   = "mqtt"
	TypeKafka  = "kafka"
	TypePubSub = "pubsub"
)

// Presence backends.
const (
	PresenceMemory    = "memory"
	PresenceRedis     = "redis"
	PresenceFirestore = "firestore"
)

// Config is the configuration of a thingbridge process.
type Config struct {
	Service          microservice.BaseConfig `yaml:"service"`
	MetricsNamespace string                  `yaml:"metrics_namespace"`

	Bridge   bridge.Config                          `yaml:"bridge"`
	Pipeline messagepipeline.StreamingServiceConfig `yaml:"pipeline"`
	// MaxPayloadSize drops inbound messages larger than this many bytes; 0 disables the limit.
	MaxPayloadSize int `yaml:"max_payload_size"`

	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Presence   PresenceConfig   `yaml:"presence"`

	MQTT   mqttconverter.MQTTClientConfig `yaml:"mqtt"`
	Kafka  kafkaconverter.Config          `yaml:"kafka"`
	PubSub PubSubConfig                   `yaml:"pubsub"`

	Archive     ArchiveConfig     `yaml:"archive"`
	DeliveryLog DeliveryLogConfig `yaml:"delivery_log"`

	Connections []connection.Connection `yaml:"connections"`
}

// Enrichment sources.
const (
	EnrichmentNone      = "none"
	EnrichmentFirestore = "firestore"
)

// EnrichmentConfig selects where thing snapshots come from and how they are cached.
type EnrichmentConfig struct {
	Source    string                `yaml:"source"`
	Cache     cache.Config          `yaml:"cache"`
	Firestore cache.FirestoreConfig `yaml:"firestore"`
}

// PresenceConfig selects where connection presence is recorded.
type PresenceConfig struct {
	Backend    string            `yaml:"backend"`
	Redis      cache.RedisConfig `yaml:"redis"`
	Collection string            `yaml:"collection"`
}

// PubSubConfig configures Google Pub/Sub connections.
type PubSubConfig struct {
	Publisher              messagepipeline.GooglePubsubPublisherConfig `yaml:"publisher"`
	MaxOutstandingMessages int                                         `yaml:"max_outstanding_messages"`
	NumGoroutines          int                                         `yaml:"num_goroutines"`
}

// ArchiveConfig enables the GCS archive of published messages.
type ArchiveConfig struct {
	Enabled  bool                            `yaml:"enabled"`
	Uploader icestore.GCSBatchUploaderConfig `yaml:"uploader"`
	Batcher  icestore.BatcherConfig          `yaml:"batcher"`
}

// DeliveryLogConfig enables the BigQuery delivery log.
type DeliveryLogConfig struct {
	Enabled bool                          `yaml:"enabled"`
	Dataset bqstore.BigQueryDatasetConfig `yaml:"dataset"`
	Batch   bqstore.BatchInserterConfig   `yaml:"batch"`
}

// Defaults returns a configuration that runs without cloud services.
func Defaults() *Config {
	pubsubDefaults := messagepipeline.NewGooglePubsubConsumerDefaults("")
	return &Config{
		Service: microservice.BaseConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			HTTPPort:    ":8080",
			ServiceName: "thingbridge",
		},
		MetricsNamespace: "thingbridge",
		Bridge: bridge.Config{
			InboundWorkers:    4,
			OutboundWorkers:   4,
			QueueSize:         100,
			EnrichmentTimeout: 5 * time.Second,
		},
		Pipeline: messagepipeline.StreamingServiceConfig{
			NumWorkers:     4,
			ProcessTimeout: 30 * time.Second,
		},
		MaxPayloadSize: 256 * 1024,
		Enrichment: EnrichmentConfig{
			Source:    EnrichmentNone,
			Cache:     cache.Config{Strategy: cache.StrategyLRU, MaxEntries: 10000},
			Firestore: cache.FirestoreConfig{CollectionName: "things"},
		},
		Presence: PresenceConfig{
			Backend:    PresenceMemory,
			Collection: "connections",
		},
		MQTT: mqttconverter.MQTTClientConfig{
			ClientIDPrefix:   "thingbridge-",
			KeepAlive:        60 * time.Second,
			ConnectTimeout:   10 * time.Second,
			ReconnectWaitMax: 120 * time.Second,
		},
		Kafka: kafkaconverter.Config{GroupID: "thingbridge", BufferSize: 100},
		PubSub: PubSubConfig{
			Publisher:              *messagepipeline.NewGooglePubsubPublisherDefaults(),
			MaxOutstandingMessages: pubsubDefaults.MaxOutstandingMessages,
			NumGoroutines:          pubsubDefaults.NumGoroutines,
		},
		Archive: ArchiveConfig{
			Uploader: icestore.GCSBatchUploaderConfig{ObjectPrefix: "thingbridge"},
			Batcher:  icestore.BatcherConfig{BatchSize: 100, FlushInterval: time.Minute, UploadTimeout: 30 * time.Second},
		},
		DeliveryLog: DeliveryLogConfig{
			Dataset: bqstore.BigQueryDatasetConfig{DatasetID: "thingbridge", TableID: "deliveries"},
			Batch:   bqstore.BatchInserterConfig{BatchSize: 500, FlushInterval: 10 * time.Second, InsertTimeout: 30 * time.Second},
		},
	}
}

// Load reads the YAML file at path over the defaults, applies the
// environment overrides and validates the result. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the configuration with the environment variables that are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvHTTPPort); v != "" {
		c.Service.HTTPPort = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Service.LogLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Service.LogFormat = v
	}
	if v := os.Getenv(EnvProjectID); v != "" {
		c.Service.ProjectID = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Enrichment.Cache.Redis.Addr = v
		c.Presence.Redis.Addr = v
	}
	mqttconverter.ApplyEnv(&c.MQTT)
	kafkaconverter.ApplyEnv(&c.Kafka)
	c.DeliveryLog.Dataset.ApplyEnv()

	if c.Enrichment.Firestore.ProjectID == "" {
		c.Enrichment.Firestore.ProjectID = c.Service.ProjectID
	}
	if c.PubSub.Publisher.ProjectID == "" {
		c.PubSub.Publisher.ProjectID = c.Service.ProjectID
	}
	if c.DeliveryLog.Dataset.ProjectID == "" {
		c.DeliveryLog.Dataset.ProjectID = c.Service.ProjectID
	}
}

// Validate checks the connections and the settings the enabled features need.
func (c *Config) Validate() error {
	if len(c.Connections) == 0 {
		return errors.New("at least one connection is required")
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if seen[conn.ID] {
			return fmt.Errorf("duplicate connection id '%s'", conn.ID)
		}
		seen[conn.ID] = true
		switch conn.Type {
		case TypeMQTT, TypeKafka, TypePubSub:
		default:
			return fmt.Errorf("connection '%s': unknown type '%s'", conn.ID, conn.Type)
		}
		if err := conn.Validate(); err != nil {
			return fmt.Errorf("connection '%s': %w", conn.ID, err)
		}
	}
	switch c.Enrichment.Source {
	case EnrichmentNone, EnrichmentFirestore, "":
	default:
		return fmt.Errorf("unknown enrichment source '%s'", c.Enrichment.Source)
	}
	switch c.Presence.Backend {
	case PresenceMemory, PresenceRedis, PresenceFirestore, "":
	default:
		return fmt.Errorf("unknown presence backend '%s'", c.Presence.Backend)
	}
	if c.Archive.Enabled && c.Archive.Uploader.BucketName == "" {
		return errors.New("archive is enabled but no bucket name is configured")
	}
	if c.DeliveryLog.Enabled {
		if err := c.DeliveryLog.Dataset.Validate(); err != nil {
			return fmt.Errorf("delivery log: %w", err)
		}
	}
	return nil
}

// NeedsProject reports whether any enabled component talks to Google Cloud.
func (c *Config) NeedsProject() bool {
	if c.Archive.Enabled || c.DeliveryLog.Enabled ||
		c.Presence.Backend == PresenceFirestore || c.Enrichment.Source == EnrichmentFirestore {
		return true
	}
	for _, conn := range c.Connections {
		if conn.Type == TypePubSub {
			return true
		}
	}
	return false
}
