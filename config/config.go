// Package config loads runtime configuration from the environment with an
// optional YAML overlay. Configuration is resolved once in main and injected
// by reference; packages never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shipsec/shipsec/runtime/fault"
)

// Environment names the deployment tier. Production tightens policies that
// are relaxed for local development (webhook signature bypass, Remote runner
// fall-through).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// DevInternalToken stands in for INTERNAL_SERVICE_TOKEN outside production so
// local stacks come up without secrets. Production validation refuses to
// start without the real token.
const DevInternalToken = "dev-internal-token"

// Config carries every setting consumed by the worker and gateway processes.
type Config struct {
	Environment Environment `yaml:"environment"`
	// Instance scopes stream names, consumer group ids and client ids when
	// several deployments share the same Redis and Temporal backends.
	Instance int `yaml:"instance"`

	Temporal TemporalConfig `yaml:"temporal"`
	Redis    RedisConfig    `yaml:"redis"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Gateway  GatewayConfig  `yaml:"gateway"`

	// SecretStoreMasterKey decrypts stored secrets. Must be 32 bytes.
	SecretStoreMasterKey []byte `yaml:"-"`
	// InternalServiceToken authenticates internal endpoints such as MCP
	// token minting.
	InternalServiceToken string `yaml:"-"`
	// SessionTokenSecret signs MCP session tokens. Defaults to the internal
	// service token when unset.
	SessionTokenSecret string `yaml:"-"`

	// SkipContainerCleanup leaves per-run scratch directories behind for
	// debugging. Never enable in production.
	SkipContainerCleanup bool `yaml:"skip_container_cleanup"`

	// GitHubWebhookSecret verifies webhook HMAC signatures. Empty enables
	// dev-mode pass-through outside production.
	GitHubWebhookSecret string `yaml:"-"`
}

// TemporalConfig locates the orchestrator.
type TemporalConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// RedisConfig locates the terminal pub/sub and telemetry stream backend.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// MongoConfig locates the search/store backend for audit logs, node IO
// records and the discovery cache.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// IngestConfig names the telemetry streams and consumer identities. Group
// and client ids default to instance-scoped names when left empty.
type IngestConfig struct {
	LogTopic    string `yaml:"log_topic"`
	EventTopic  string `yaml:"event_topic"`
	NodeIOTopic string `yaml:"node_io_topic"`
	GroupID     string `yaml:"group_id"`
	ClientID    string `yaml:"client_id"`
}

// GatewayConfig locates the gateway's internal HTTP surface as seen from the
// worker, used to release run-scoped state at workflow completion.
type GatewayConfig struct {
	InternalURL string `yaml:"internal_url"`
}

// Load resolves configuration from the environment, applying the YAML file
// named by SHIPSEC_CONFIG first when present. Environment variables always
// win over file values.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: EnvDevelopment,
		Temporal: TemporalConfig{
			Address:   "localhost:7233",
			Namespace: "default",
			TaskQueue: "shipsec-core",
		},
		Redis:   RedisConfig{URL: "redis://localhost:6379"},
		Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "shipsec"},
		Gateway: GatewayConfig{InternalURL: "http://localhost:8080"},
	}

	if path := os.Getenv("SHIPSEC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("SHIPSEC_ENV"); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := os.Getenv("SHIPSEC_INSTANCE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fault.Newf(fault.KindConfiguration, "SHIPSEC_INSTANCE must be an integer, got %q", v)
		}
		cfg.Instance = n
	}
	if v := os.Getenv("TEMPORAL_ADDRESS"); v != "" {
		cfg.Temporal.Address = v
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		cfg.Temporal.Namespace = v
	}
	if v := os.Getenv("TEMPORAL_TASK_QUEUE"); v != "" {
		cfg.Temporal.TaskQueue = v
	}
	if v := os.Getenv("TERMINAL_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("LOG_KAFKA_TOPIC"); v != "" {
		cfg.Ingest.LogTopic = v
	}
	if v := os.Getenv("EVENT_KAFKA_TOPIC"); v != "" {
		cfg.Ingest.EventTopic = v
	}
	if v := os.Getenv("NODE_IO_KAFKA_TOPIC"); v != "" {
		cfg.Ingest.NodeIOTopic = v
	}
	if v := os.Getenv("INGEST_KAFKA_GROUP_ID"); v != "" {
		cfg.Ingest.GroupID = v
	}
	if v := os.Getenv("INGEST_KAFKA_CLIENT_ID"); v != "" {
		cfg.Ingest.ClientID = v
	}
	if v := os.Getenv("GATEWAY_INTERNAL_URL"); v != "" {
		cfg.Gateway.InternalURL = v
	}
	if v := os.Getenv("SECRET_STORE_MASTER_KEY"); v != "" {
		cfg.SecretStoreMasterKey = []byte(v)
	}
	cfg.InternalServiceToken = os.Getenv("INTERNAL_SERVICE_TOKEN")
	cfg.SessionTokenSecret = os.Getenv("MCP_SESSION_TOKEN_SECRET")
	if cfg.SessionTokenSecret == "" {
		cfg.SessionTokenSecret = cfg.InternalServiceToken
	}
	cfg.GitHubWebhookSecret = os.Getenv("GITHUB_WEBHOOK_SECRET")
	if v := os.Getenv("SKIP_CONTAINER_CLEANUP"); v != "" {
		cfg.SkipContainerCleanup = v == "true" || v == "1"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.SecretStoreMasterKey) > 0 && len(c.SecretStoreMasterKey) != 32 {
		return fault.Newf(fault.KindConfiguration, "SECRET_STORE_MASTER_KEY must be exactly 32 bytes, got %d", len(c.SecretStoreMasterKey))
	}
	if c.Production() {
		if len(c.SecretStoreMasterKey) == 0 {
			return fault.New(fault.KindConfiguration, "SECRET_STORE_MASTER_KEY is required in production")
		}
		if c.InternalServiceToken == "" {
			return fault.New(fault.KindConfiguration, "INTERNAL_SERVICE_TOKEN is required in production")
		}
	}
	return nil
}

// Production reports whether the deployment runs with production policies.
func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// InstanceSuffix returns "-<n>" for non-zero instances, empty otherwise.
// Stream, group and client names embed it so co-located deployments never
// share consumers.
func (c *Config) InstanceSuffix() string {
	if c.Instance == 0 {
		return ""
	}
	return "-" + strconv.Itoa(c.Instance)
}

// IngestGroupID returns the consumer group id for the given ingestor kind,
// honoring the configured override.
func (c *Config) IngestGroupID(kind string) string {
	if c.Ingest.GroupID != "" {
		return c.Ingest.GroupID
	}
	return "shipsec-" + kind + "-ingestor" + c.InstanceSuffix()
}

// IngestClientID returns the name ingest connections present to the stream
// backend, honoring the configured override. Role distinguishes the worker
// and gateway processes sharing one deployment.
func (c *Config) IngestClientID(role string) string {
	if c.Ingest.ClientID != "" {
		return c.Ingest.ClientID
	}
	return "shipsec-" + role + "-ingest" + c.InstanceSuffix()
}

// IngestTopic returns the stream name for the given ingestor kind, honoring
// per-kind overrides and instance scoping.
func (c *Config) IngestTopic(kind string) string {
	switch kind {
	case "log":
		if c.Ingest.LogTopic != "" {
			return c.Ingest.LogTopic
		}
	case "event":
		if c.Ingest.EventTopic != "" {
			return c.Ingest.EventTopic
		}
	case "node-io":
		if c.Ingest.NodeIOTopic != "" {
			return c.Ingest.NodeIOTopic
		}
	}
	return "shipsec." + kind + c.InstanceSuffix()
}

// ShutdownTimeout bounds graceful shutdown of HTTP servers and workers.
const ShutdownTimeout = 30 * time.Second
