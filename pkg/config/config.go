// Package config loads the threatguard YAML configuration, fills defaults,
// applies THREATGUARD_* environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/threatguard/pkg/detectors"
	"github.com/hed1ad/threatguard/pkg/logger"
	"github.com/hed1ad/threatguard/pkg/threat"
	"github.com/hed1ad/threatguard/pkg/transport/natsio"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "THREATGUARD_"

var validate = validator.New()

type Config struct {
	Environment string          `yaml:"environment" default:"development" validate:"oneof=development staging production"`
	Server      ServerConfig    `yaml:"server"`
	Logging     logger.Config   `yaml:"logging"`
	Detection   DetectionConfig `yaml:"detection"`
	Storage     StorageConfig   `yaml:"storage"`
	NATS        NATSConfig      `yaml:"nats"`
	Alerting    AlertingConfig  `yaml:"alerting"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" default:":8000" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	// MaxBodyBytes caps request bodies on /detect, /train and /signatures.
	MaxBodyBytes int64 `yaml:"max_body_bytes" default:"10485760" validate:"gt=0"`
}

type DetectionConfig struct {
	Anomaly    detectors.Config `yaml:"anomaly"`
	Classifier detectors.Config `yaml:"classifier"`
	// SignatureFile is loaded at startup; Watch re-applies it on change.
	SignatureFile   string `yaml:"signature_file"`
	WatchSignatures bool   `yaml:"watch_signatures" default:"true"`
	// Datasets trained at startup when no stored model exists.
	AnomalyDataset    string `yaml:"anomaly_dataset"`
	ClassifierDataset string `yaml:"classifier_dataset"`
}

type StorageConfig struct {
	ModelDB     string `yaml:"model_db" default:"threatguard.db"`
	LoadOnStart bool   `yaml:"load_on_start" default:"true"`
	SaveOnTrain bool   `yaml:"save_on_train" default:"true"`
}

type NATSConfig struct {
	Enabled       bool `yaml:"enabled"`
	natsio.Config `yaml:",inline"`
}

type ChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

type AlertingConfig struct {
	MinSeverity string        `yaml:"min_severity" default:"LOW" validate:"oneof=LOW MEDIUM HIGH CRITICAL low medium high critical"`
	DedupSize   int           `yaml:"dedup_size" default:"10000" validate:"gte=1"`
	DedupWindow time.Duration `yaml:"dedup_window" default:"1m" validate:"gte=0"`
	Log         ChannelConfig `yaml:"log" default:"{\"enabled\": true}"`
	NATS        ChannelConfig `yaml:"nats"`
}

// Severity returns MinSeverity parsed.
func (a AlertingConfig) Severity() threat.Severity {
	s, err := threat.ParseSeverity(a.MinSeverity)
	if err != nil {
		return threat.SeverityLow
	}
	return s
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" default:"true"`
	Path      string `yaml:"path" default:"/metrics" validate:"startswith=/"`
	Namespace string `yaml:"namespace" default:"threatguard" validate:"required"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	return &c
}

// Load reads and parses a YAML configuration file. An empty path yields the
// defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(b, c); err != nil {
			return nil, err
		}
	}

	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Parse decodes YAML over c; keys missing from data keep their current value.
func Parse(data []byte, c *Config) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Alerting.NATS.Enabled && !c.NATS.Enabled {
		return errors.New("alerting.nats.enabled requires nats.enabled")
	}
	if !c.NATS.Enabled {
		return nil
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats.url is required unless nats.embedded is set")
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from THREATGUARD_<SECTION>_<KEY> variables,
// where the name is the YAML path in upper case.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, o := range c.overrides() {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}

type override struct {
	key string
	set func(string) error
}

func (c *Config) overrides() []override {
	return []override{
		{"ENVIRONMENT", str(&c.Environment)},
		{"SERVER_ADDR", str(&c.Server.Addr)},
		{"SERVER_READ_TIMEOUT", duration(&c.Server.ReadTimeout)},
		{"SERVER_WRITE_TIMEOUT", duration(&c.Server.WriteTimeout)},
		{"SERVER_SHUTDOWN_TIMEOUT", duration(&c.Server.ShutdownTimeout)},
		{"LOGGING_LEVEL", str(&c.Logging.Level)},
		{"LOGGING_FORMAT", str(&c.Logging.Format)},
		{"LOGGING_OUTPUT", str(&c.Logging.Output)},
		{"DETECTION_ANOMALY_CONTAMINATION", float(&c.Detection.Anomaly.Contamination)},
		{"DETECTION_ANOMALY_TREES", integer(&c.Detection.Anomaly.Trees)},
		{"DETECTION_CLASSIFIER_TREES", integer(&c.Detection.Classifier.Trees)},
		{"DETECTION_SIGNATURE_FILE", str(&c.Detection.SignatureFile)},
		{"DETECTION_WATCH_SIGNATURES", boolean(&c.Detection.WatchSignatures)},
		{"DETECTION_ANOMALY_DATASET", str(&c.Detection.AnomalyDataset)},
		{"DETECTION_CLASSIFIER_DATASET", str(&c.Detection.ClassifierDataset)},
		{"STORAGE_MODEL_DB", str(&c.Storage.ModelDB)},
		{"STORAGE_LOAD_ON_START", boolean(&c.Storage.LoadOnStart)},
		{"STORAGE_SAVE_ON_TRAIN", boolean(&c.Storage.SaveOnTrain)},
		{"NATS_ENABLED", boolean(&c.NATS.Enabled)},
		{"NATS_URL", str(&c.NATS.URL)},
		{"NATS_EMBEDDED", boolean(&c.NATS.Embedded)},
		{"NATS_PORT", integer(&c.NATS.Port)},
		{"ALERTING_MIN_SEVERITY", str(&c.Alerting.MinSeverity)},
		{"ALERTING_DEDUP_WINDOW", duration(&c.Alerting.DedupWindow)},
		{"ALERTING_LOG_ENABLED", boolean(&c.Alerting.Log.Enabled)},
		{"ALERTING_NATS_ENABLED", boolean(&c.Alerting.NATS.Enabled)},
		{"METRICS_ENABLED", boolean(&c.Metrics.Enabled)},
		{"METRICS_PATH", str(&c.Metrics.Path)},
	}
}

func str(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func boolean(p *bool) func(string) error {
	return func(v string) error {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*p = true
		case "0", "false", "no", "off", "":
			*p = false
		default:
			return fmt.Errorf("invalid bool %q", v)
		}
		return nil
	}
}

func integer(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func float(p *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*p = f
		return nil
	}
}

func duration(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}
