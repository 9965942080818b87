// Package config loads the settings shared by the lookup server and the enricher.
//
// Values come from built-in defaults, an optional TOML/YAML/JSON file and the
// environment, in increasing order of precedence. Environment keys use the ENRICH_
// prefix with dots replaced by underscores (ENRICH_PIPELINE_MAX_IN_FLIGHT); the lookup
// endpoint additionally honours LOOKUP_HOST and LOOKUP_PORT. Positional command line
// arguments are applied last with ApplyLookupArgs and ApplyServerArgs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"enrichment/internal/feed"
	"enrichment/internal/lookup"
	"enrichment/internal/pipeline"
	"enrichment/internal/service"
	"enrichment/internal/sink"
	"enrichment/internal/utils"
)

// ErrInvalidArgument marks configuration the process cannot start with.
var ErrInvalidArgument = errors.New("invalid argument")

const envPrefix = "ENRICH"

// Config is the complete process configuration.
type Config struct {
	Lookup   LookupConfig   `mapstructure:"lookup"`
	Server   ServerConfig   `mapstructure:"server"`
	Source   SourceConfig   `mapstructure:"source"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LookupConfig is the enricher's view of the lookup server.
type LookupConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`

	RequestTimeout       time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
	MaxAttempts          uint          `mapstructure:"max_attempts" validate:"gte=1"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" validate:"gte=0"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval" validate:"gte=0"`

	QueueWhileConnecting bool          `mapstructure:"queue_while_connecting"`
	Reconnect            bool          `mapstructure:"reconnect"`
	ReconnectInitial     time.Duration `mapstructure:"reconnect_initial" validate:"gte=0"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max" validate:"gte=0"`
	ReconnectMaxElapsed  time.Duration `mapstructure:"reconnect_max_elapsed" validate:"gte=0"`
}

// Address returns host:port for dialing.
func (c LookupConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerConfig configures the lookup server.
type ServerConfig struct {
	Port                   int           `mapstructure:"port" validate:"min=1,max=65535"`
	ProductsFile           string        `mapstructure:"products_file" validate:"required"`
	BrokersFile            string        `mapstructure:"brokers_file" validate:"required"`
	MaxConcurrentPerStream int           `mapstructure:"max_concurrent_per_stream" validate:"gte=0"`
	MaxJitter              time.Duration `mapstructure:"max_jitter" validate:"gte=0"`
}

// SourceConfig selects where trades come from.
type SourceConfig struct {
	Kind      string        `mapstructure:"kind" validate:"oneof=embedded feed"`
	FeedURL   string        `mapstructure:"feed_url" validate:"omitempty,url"`
	BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	Reconnect bool          `mapstructure:"reconnect"`
}

// SinkConfig selects where enriched records go.
type SinkConfig struct {
	Kind         string        `mapstructure:"kind" validate:"oneof=log kafka"`
	Brokers      []string      `mapstructure:"brokers" validate:"omitempty,dive,required"`
	Topic        string        `mapstructure:"topic" validate:"required_if=Kind kafka"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gte=0"`
	StreamKey    string        `mapstructure:"stream_key"`
}

// PipelineConfig bounds the enrichment pipeline.
type PipelineConfig struct {
	MaxInFlight int `mapstructure:"max_in_flight" validate:"gt=0"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lookup.host", "localhost")
	v.SetDefault("lookup.port", 50051)
	v.SetDefault("lookup.request_timeout", 5*time.Second)
	v.SetDefault("lookup.max_attempts", 3)
	v.SetDefault("lookup.retry_initial_interval", 50*time.Millisecond)
	v.SetDefault("lookup.retry_max_interval", time.Second)
	v.SetDefault("lookup.queue_while_connecting", true)
	v.SetDefault("lookup.reconnect", true)
	v.SetDefault("lookup.reconnect_initial", 100*time.Millisecond)
	v.SetDefault("lookup.reconnect_max", 5*time.Second)
	v.SetDefault("lookup.reconnect_max_elapsed", time.Duration(0))

	v.SetDefault("server.port", 50051)
	v.SetDefault("server.products_file", "data/products.txt")
	v.SetDefault("server.brokers_file", "data/brokers.txt")
	v.SetDefault("server.max_concurrent_per_stream", 64)
	v.SetDefault("server.max_jitter", time.Duration(0))

	v.SetDefault("source.kind", "embedded")
	v.SetDefault("source.feed_url", "")
	v.SetDefault("source.batch_size", 100)
	v.SetDefault("source.interval", 50*time.Millisecond)
	v.SetDefault("source.reconnect", true)

	v.SetDefault("sink.kind", "log")
	v.SetDefault("sink.brokers", []string{})
	v.SetDefault("sink.topic", "enriched-trades")
	v.SetDefault("sink.batch_timeout", 10*time.Millisecond)
	v.SetDefault("sink.stream_key", sink.DefaultStreamKey)

	v.SetDefault("pipeline.max_in_flight", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.addr", "")
}

// Load builds the configuration from defaults, the file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the lookup endpoint keeps its short names for compatibility with deployment scripts
	for _, key := range []string{"host", "port"} {
		if err := v.BindEnv("lookup."+key, envPrefix+"_LOOKUP_"+strings.ToUpper(key), "LOOKUP_"+strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind lookup.%s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config %s: %v", ErrInvalidArgument, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section against its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if c.Source.Kind == "feed" && c.Source.FeedURL == "" {
		return fmt.Errorf("%w: source.feed_url is required for the feed source", ErrInvalidArgument)
	}
	if c.Sink.Kind == "kafka" && len(c.Sink.Brokers) == 0 {
		return fmt.Errorf("%w: sink.brokers is required for the kafka sink", ErrInvalidArgument)
	}
	return nil
}

// ApplyLookupArgs overrides the lookup endpoint with the enricher's positional
// <host> <port> arguments.
func (c *Config) ApplyLookupArgs(host, port string) error {
	if err := utils.ValidateHost(host); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	p, err := utils.ParsePort(port)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	c.Lookup.Host = strings.TrimSpace(host)
	c.Lookup.Port = p
	return nil
}

// ApplyServerArgs overrides the listen port with the server's positional <port> argument.
func (c *Config) ApplyServerArgs(port string) error {
	p, err := utils.ParsePort(port)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	c.Server.Port = p
	return nil
}

// ProductClient returns the unary client settings.
func (c LookupConfig) ProductClient() lookup.ProductClientConfig {
	return lookup.ProductClientConfig{
		RequestTimeout:       c.RequestTimeout,
		MaxAttempts:          c.MaxAttempts,
		RetryInitialInterval: c.RetryInitialInterval,
		RetryMaxInterval:     c.RetryMaxInterval,
	}
}

// BrokerClient returns the streaming client settings.
func (c LookupConfig) BrokerClient() lookup.BrokerClientConfig {
	return lookup.BrokerClientConfig{
		QueueWhileConnecting:     c.QueueWhileConnecting,
		RequestTimeout:           c.RequestTimeout,
		Reconnect:                c.Reconnect,
		ReconnectInitialInterval: c.ReconnectInitial,
		ReconnectMaxInterval:     c.ReconnectMax,
		ReconnectMaxElapsed:      c.ReconnectMaxElapsed,
	}
}

// BrokerService returns the streaming service settings.
func (c ServerConfig) BrokerService() service.BrokerServiceConfig {
	return service.BrokerServiceConfig{
		MaxConcurrentPerStream: c.MaxConcurrentPerStream,
		MaxJitter:              c.MaxJitter,
	}
}

// Connector returns the remote feed settings.
func (c SourceConfig) Connector() feed.ConnectorConfig {
	return feed.ConnectorConfig{
		URL:       c.FeedURL,
		Reconnect: c.Reconnect,
	}
}

// Kafka returns the Kafka sink settings.
func (c SinkConfig) Kafka() sink.KafkaConfig {
	return sink.KafkaConfig{
		Brokers:      c.Brokers,
		Topic:        c.Topic,
		BatchTimeout: c.BatchTimeout,
		StreamKey:    c.StreamKey,
	}
}

// Pipeline returns the pipeline settings.
func (c PipelineConfig) Pipeline() pipeline.Config {
	return pipeline.Config{MaxInFlight: c.MaxInFlight}
}
