package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                = 2083
	DefaultTimeout             = 15
	DefaultRecordTTL           = 60
	DefaultDNSPort             = "53"
	DefaultPropagationTimeout  = 2 * time.Minute
	DefaultPropagationInterval = 10 * time.Second
	DefaultListenAddr          = ":8081"
)

// DefaultFallbackResolvers are queried when no authoritative name server of
// the zone could be resolved.
func DefaultFallbackResolvers() []string {
	return []string{"8.8.8.8:53", "1.1.1.1:53"}
}

// TimeoutPolicy decides what a propagation timeout means for the caller.
type TimeoutPolicy string

const (
	// PolicyWarn logs the timeout and reports success, the provider
	// already accepted the record.
	PolicyWarn TimeoutPolicy = "warn"
	// PolicyFail turns the timeout into a failed run.
	PolicyFail TimeoutPolicy = "fail"
	// PolicySkip does not wait for propagation at all.
	PolicySkip TimeoutPolicy = "skip"
)

func (p *TimeoutPolicy) UnmarshalText(text []byte) error {
	switch v := TimeoutPolicy(strings.ToLower(strings.TrimSpace(string(text)))); v {
	case PolicyWarn, PolicyFail, PolicySkip:
		*p = v
		return nil
	case "":
		*p = PolicyWarn
		return nil
	default:
		return fmt.Errorf("unknown propagation policy %q", string(text))
	}
}

type Config struct {
	Host     string `env:"CPANEL_HOST" yaml:"host"`
	Username string `env:"CPANEL_USER" yaml:"user"`
	Token    string `env:"CPANEL_TOKEN" yaml:"token"`
	Domain   string `env:"CPANEL_DOMAIN" yaml:"domain"`
	Port     int    `env:"CPANEL_PORT" yaml:"port"`
	BaseURL  string `env:"CPANEL_BASE_URL" yaml:"base_url"`
	Insecure bool   `env:"CPANEL_INSECURE" yaml:"insecure_skip_verify"`
	Timeout  int    `env:"CPANEL_TIMEOUT" yaml:"timeout"`

	RecordTTL  int    `env:"RECORD_TTL" yaml:"record_ttl"`
	ScratchDir string `env:"SCRATCH_DIR" yaml:"scratch_dir"`

	PropagationTimeout  time.Duration `env:"PROPAGATION_TIMEOUT" yaml:"propagation_timeout"`
	PropagationInterval time.Duration `env:"PROPAGATION_INTERVAL" yaml:"propagation_interval"`
	PropagationPolicy   TimeoutPolicy `env:"PROPAGATION_POLICY" yaml:"propagation_policy"`
	BootstrapResolvers  []string      `env:"BOOTSTRAP_RESOLVERS" yaml:"bootstrap_resolvers"`
	FallbackResolvers   []string      `env:"FALLBACK_RESOLVERS" yaml:"fallback_resolvers"`
	DNSPort             string        `env:"DNS_PORT" yaml:"dns_port"`

	ListenAddr      string `env:"LISTEN_ADDR" yaml:"listen_addr"`
	HTTPReqUsername string `env:"HTTPREQ_USERNAME" yaml:"httpreq_username"`
	HTTPReqPassword string `env:"HTTPREQ_PASSWORD" yaml:"httpreq_password"`

	Debug bool `env:"DEBUG" yaml:"debug"`
}

// Load reads the optional YAML file at path, overlays the environment and
// fills in defaults. It does not validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(c.Domain), "."))
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BaseURL == "" && c.Host != "" {
		c.BaseURL = "https://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = DefaultRecordTTL
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	if c.PropagationTimeout <= 0 {
		c.PropagationTimeout = DefaultPropagationTimeout
	}
	if c.PropagationInterval <= 0 {
		c.PropagationInterval = DefaultPropagationInterval
	}
	if c.PropagationPolicy == "" {
		c.PropagationPolicy = PolicyWarn
	}
	if len(c.FallbackResolvers) == 0 {
		c.FallbackResolvers = DefaultFallbackResolvers()
	}
	c.BootstrapResolvers = withPort(c.BootstrapResolvers, DefaultDNSPort)
	c.FallbackResolvers = withPort(c.FallbackResolvers, DefaultDNSPort)
	if c.DNSPort == "" {
		c.DNSPort = DefaultDNSPort
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

// withPort appends port to every resolver address that lacks one.
func withPort(servers []string, port string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), port)
		}
		out = append(out, s)
	}
	return out
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" && c.BaseURL == "" {
		errs = append(errs, errors.New("cpanel host is required (CPANEL_HOST)"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("cpanel user is required (CPANEL_USER)"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("cpanel api token is required (CPANEL_TOKEN)"))
	}
	if c.Domain == "" {
		errs = append(errs, errors.New("cpanel domain is required (CPANEL_DOMAIN)"))
	}
	if c.PropagationInterval > c.PropagationTimeout {
		errs = append(errs, fmt.Errorf("propagation interval %s exceeds timeout %s",
			c.PropagationInterval, c.PropagationTimeout))
	}
	if (c.HTTPReqUsername == "") != (c.HTTPReqPassword == "") {
		errs = append(errs, errors.New("httpreq username and password must be set together"))
	}
	return errors.Join(errs...)
}
