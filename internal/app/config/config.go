package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/JupiterMack/jupiter-scada/internal/adapters/opcua"
	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
	"gopkg.in/yaml.v3"
)

const DefaultPollingIntervalMS = 1000

type Config struct {
	DefaultPollingIntervalMS int         `yaml:"default_polling_interval_ms"`
	Tags                     []TagConfig `yaml:"tags"`

	Policy  ports.Policy  `yaml:"policy"`
	OPCUA   opcua.Config  `yaml:"opcua"`
	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Log     LogConfig     `yaml:"log"`
}

type TagConfig struct {
	Name              string `yaml:"name"`
	NodeID            string `yaml:"node_id"`
	PollingIntervalMS *int   `yaml:"polling_interval_ms"`
	Description       string `yaml:"description"`
}

type APIConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	PushInterval time.Duration `yaml:"push_interval"`
}

// Addr is the host:port the snapshot API listens on.
func (a APIConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// MirrorConfig enables the PostgreSQL latest-value mirror when ConnString is set.
type MirrorConfig struct {
	ConnString string        `yaml:"conn_string"`
	Table      string        `yaml:"table"`
	Interval   time.Duration `yaml:"interval"`
}

func (m MirrorConfig) Enabled() bool { return m.ConnString != "" }

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. All problems are reported together.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw, os.Getenv)
}

// Parse decodes raw strictly: unknown fields are rejected. getenv supplies
// process overrides and may be nil.
func Parse(raw []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &domain.ConfigError{Msg: err.Error()}
	}

	if getenv != nil {
		if err := cfg.applyEnv(getenv); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("OPCUA_SERVER_URL"); v != "" {
		c.OPCUA.Endpoint = v
	}
	if v := getenv("OPCUA_USERNAME"); v != "" {
		c.OPCUA.Username = v
	}
	if v := getenv("OPCUA_PASSWORD"); v != "" {
		c.OPCUA.Password = v
	}
	if v := getenv("API_HOST"); v != "" {
		c.API.Host = v
	}
	if v := getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigError{Field: "API_PORT", Msg: fmt.Sprintf("not a number: %q", v)}
		}
		c.API.Port = port
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DefaultPollingIntervalMS == 0 {
		c.DefaultPollingIntervalMS = DefaultPollingIntervalMS
	}

	if c.Policy.ReadTimeout == 0 {
		c.Policy.ReadTimeout = 2 * time.Second
	}
	if c.Policy.MaxConsecutiveTimeouts == 0 {
		c.Policy.MaxConsecutiveTimeouts = 3
	}
	if c.Policy.ShutdownGrace == 0 {
		c.Policy.ShutdownGrace = 3 * time.Second
	}
	if c.Policy.Reconnect.InitialDelay == 0 {
		c.Policy.Reconnect.InitialDelay = 500 * time.Millisecond
	}
	if c.Policy.Reconnect.MaxDelay == 0 {
		c.Policy.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Policy.Reconnect.Multiplier == 0 {
		c.Policy.Reconnect.Multiplier = 2
	}
	if c.Policy.Reconnect.Jitter == 0 {
		c.Policy.Reconnect.Jitter = 0.2
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if c.API.PushInterval == 0 {
		c.API.PushInterval = time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Mirror.Table == "" {
		c.Mirror.Table = "tag_readings"
	}
	if c.Mirror.Interval == 0 {
		c.Mirror.Interval = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	c.OPCUA.ApplyDefaults()
}

func (c *Config) validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, &domain.ConfigError{Field: field, Msg: msg})
	}

	if c.DefaultPollingIntervalMS < 0 {
		add("default_polling_interval_ms", "must be positive")
	}
	if len(c.Tags) == 0 {
		add("tags", "at least one tag must be configured")
	}

	seen := make(map[string]int, len(c.Tags))
	for i, t := range c.Tags {
		field := fmt.Sprintf("tags[%d]", i)
		switch {
		case t.Name == "":
			add(field+".name", "is required")
		case strings.ContainsFunc(t.Name, unicode.IsSpace):
			add(field+".name", fmt.Sprintf("%q must not contain whitespace", t.Name))
		default:
			if first, dup := seen[t.Name]; dup {
				add(field+".name", fmt.Sprintf("duplicate tag %q (first defined at tags[%d])", t.Name, first))
			} else {
				seen[t.Name] = i
			}
		}
		if strings.TrimSpace(t.NodeID) == "" {
			add(field+".node_id", "is required")
		}
		if t.PollingIntervalMS != nil && *t.PollingIntervalMS <= 0 {
			add(field+".polling_interval_ms", "must be positive")
		}
	}

	if c.Policy.ReadTimeout < 0 {
		add("policy.read_timeout", "must not be negative")
	}
	if c.Policy.MaxConsecutiveTimeouts < 0 {
		add("policy.max_consecutive_timeouts", "must not be negative")
	}
	if c.Policy.Reconnect.MaxDelay < c.Policy.Reconnect.InitialDelay {
		add("policy.reconnect.max_delay", "must not be below initial_delay")
	}
	if c.Policy.Reconnect.Multiplier < 1 {
		add("policy.reconnect.multiplier", "must be at least 1")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		add("api.port", fmt.Sprintf("%d out of range", c.API.Port))
	}
	if c.API.PushInterval < 0 {
		add("api.push_interval", "must not be negative")
	}
	if c.Mirror.Enabled() && !validIdent(c.Mirror.Table) {
		add("mirror.table", fmt.Sprintf("%q is not a plain SQL identifier", c.Mirror.Table))
	}
	if c.Mirror.Interval < 0 {
		add("mirror.interval", "must not be negative")
	}
	if !ValidLogLevel(c.Log.Level) {
		add("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	if err := c.OPCUA.Validate(); err != nil {
		add("opcua", err.Error())
	}

	return errors.Join(errs...)
}

// Catalog builds the immutable tag list in declaration order.
func (c *Config) Catalog() []domain.Tag {
	tags := make([]domain.Tag, 0, len(c.Tags))
	for _, t := range c.Tags {
		ms := c.DefaultPollingIntervalMS
		if t.PollingIntervalMS != nil {
			ms = *t.PollingIntervalMS
		}
		tags = append(tags, domain.Tag{
			Name:        t.Name,
			NodeID:      t.NodeID,
			Interval:    time.Duration(ms) * time.Millisecond,
			Description: t.Description,
		})
	}
	return tags
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '.':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// ValidLogLevel reports whether level names a supported log level. Case is
// ignored.
func ValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
