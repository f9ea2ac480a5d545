// Package config provides configuration loading and validation for prouterd.
// Supports YAML files with environment variable overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "PROUTER_CONFIG"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all configuration for a prouterd controller.
type Config struct {
	Controller    ControllerConfig    `yaml:"controller"`
	Remote        RemoteConfig        `yaml:"remote"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Filters       FiltersConfig       `yaml:"filters"`
	Journal       JournalConfig       `yaml:"journal"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ControllerConfig struct {
	RetryDelay time.Duration `yaml:"retryDelay" env:"PROUTER_RETRY_DELAY"`
	RPCTimeout time.Duration `yaml:"rpcTimeout" env:"PROUTER_RPC_TIMEOUT"`
	// InstanceID is generated at startup when empty.
	InstanceID string `yaml:"instanceId" env:"PROUTER_INSTANCE_ID"`
}

type RemoteConfig struct {
	Address           string `yaml:"address" env:"PROUTER_REMOTE_ADDR"`
	Service           string `yaml:"service" env:"PROUTER_REMOTE_SERVICE"`
	DomainRoute       string `yaml:"domainRoute" env:"PROUTER_REMOTE_DOMAIN_ROUTE"`
	LocalParticipant  string `yaml:"localParticipant" env:"PROUTER_LOCAL_PARTICIPANT"`
	RemoteParticipant string `yaml:"remoteParticipant" env:"PROUTER_REMOTE_PARTICIPANT"`
}

type DiscoveryConfig struct {
	OxiaEndpoint   string        `yaml:"oxiaEndpoint" env:"PROUTER_OXIA_ENDPOINT"`
	Namespace      string        `yaml:"namespace" env:"PROUTER_OXIA_NAMESPACE"`
	Prefix         string        `yaml:"prefix" env:"PROUTER_DISCOVERY_PREFIX"`
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"PROUTER_OXIA_REQUEST_TIMEOUT"`
	SessionTimeout time.Duration `yaml:"sessionTimeout" env:"PROUTER_OXIA_SESSION_TIMEOUT"`
}

type FiltersConfig struct {
	IgnoreTopicPrefixes []string `yaml:"ignoreTopicPrefixes,omitempty" env:"PROUTER_IGNORE_TOPIC_PREFIXES"`
	IgnorePartitions    []string `yaml:"ignorePartitions,omitempty" env:"PROUTER_IGNORE_PARTITIONS"`
	IgnoreTopicPattern  string   `yaml:"ignoreTopicPattern" env:"PROUTER_IGNORE_TOPIC_PATTERN"`
}

type JournalConfig struct {
	Enabled bool     `yaml:"enabled" env:"PROUTER_JOURNAL_ENABLED"`
	Brokers []string `yaml:"brokers,omitempty" env:"PROUTER_JOURNAL_BROKERS"`
	Topic   string   `yaml:"topic" env:"PROUTER_JOURNAL_TOPIC"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"PROUTER_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"PROUTER_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"PROUTER_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			RetryDelay: 5 * time.Second,
			RPCTimeout: 10 * time.Second,
		},
		Remote: RemoteConfig{
			Address:           "localhost:7400",
			Service:           "prouter",
			DomainRoute:       "wan",
			LocalParticipant:  "local",
			RemoteParticipant: "remote",
		},
		Discovery: DiscoveryConfig{
			OxiaEndpoint:   "localhost:6648",
			Namespace:      "default",
			Prefix:         "/prouter/participants",
			RequestTimeout: 30 * time.Second,
			SessionTimeout: 15 * time.Second,
		},
		Filters: FiltersConfig{
			IgnoreTopicPrefixes: []string{"rti/", "DCPS"},
		},
		Journal: JournalConfig{
			Topic: "prouter.lifecycle",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the file named by PROUTER_CONFIG, or starts from the defaults
// when it is unset, then applies environment overrides and validates.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file over the defaults, then applies environment
// overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration for values the controller cannot run
// with.
func (c *Config) Validate() error {
	var problems []string
	if c.Controller.RetryDelay <= 0 {
		problems = append(problems, "controller.retryDelay must be positive")
	}
	if c.Controller.RPCTimeout <= 0 {
		problems = append(problems, "controller.rpcTimeout must be positive")
	}
	if c.Remote.Address == "" {
		problems = append(problems, "remote.address is required")
	}
	if c.Remote.Service == "" {
		problems = append(problems, "remote.service is required")
	}
	if c.Remote.DomainRoute == "" {
		problems = append(problems, "remote.domainRoute is required")
	}
	if c.Discovery.OxiaEndpoint == "" {
		problems = append(problems, "discovery.oxiaEndpoint is required")
	}
	if c.Discovery.Namespace == "" {
		problems = append(problems, "discovery.namespace is required")
	}
	if !strings.HasPrefix(c.Discovery.Prefix, "/") {
		problems = append(problems, "discovery.prefix must start with '/'")
	}
	if c.Discovery.SessionTimeout != 0 && c.Discovery.SessionTimeout < 5*time.Second {
		problems = append(problems, "discovery.sessionTimeout must be at least 5s")
	}
	if c.Filters.IgnoreTopicPattern != "" {
		if _, err := regexp.Compile(c.Filters.IgnoreTopicPattern); err != nil {
			problems = append(problems, fmt.Sprintf("filters.ignoreTopicPattern: %v", err))
		}
	}
	if c.Journal.Enabled && len(c.Journal.Brokers) == 0 {
		problems = append(problems, "journal.brokers is required when the journal is enabled")
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("observability.logLevel %q is not one of debug, info, warn, error", c.Observability.LogLevel))
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("observability.logFormat %q is not json or text", c.Observability.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// applyEnv overwrites fields whose env tag names a set variable.
func (c *Config) applyEnv() error {
	return applyEnv(reflect.ValueOf(c).Elem())
}

func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if sf.Type.Kind() == reflect.Struct && sf.Type != durationType {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: %s=%q: %w", name, raw, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
