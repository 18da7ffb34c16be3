package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults mirror the cadence the monitor was tuned for in production:
// 30s rounds, 5s per-probe timeout, 3min-equivalent confirmation via
// suspect+confirm thresholds, 2h reminders.
const (
	DefaultListenAddr      = ":8051"
	DefaultAnchorURL       = "https://www.google.com"
	DefaultProbeInterval   = 30 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultGossipTimeout   = 3 * time.Second
	DefaultRetryBackoff    = 2 * time.Second
	DefaultWarmup          = 5 * time.Second
	DefaultReminderEvery   = 2 * time.Hour
	DefaultMinAlertGap     = time.Minute
	DefaultSuspectRounds   = 2
	DefaultConfirmRounds   = 2
	DefaultGossipSample    = 3
	DefaultMinQuorum       = 1
	DefaultDiscoveryTTLSec = 10
)

// Peer is a statically configured mesh member.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Duration wraps time.Duration so YAML values can be written as "30s", "2h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the node configuration. Loaded once at startup; any
// validation failure is fatal before monitoring begins.
type Config struct {
	ServerID   string `yaml:"server_id"`
	ListenAddr string `yaml:"listen_addr"`
	// AdvertiseAddr is the address peers should reach this node on;
	// defaults to listen_addr.
	AdvertiseAddr string `yaml:"advertise_addr"`
	Peers         []Peer `yaml:"peers"`

	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	ProbeRetries  int      `yaml:"probe_retries"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
	Warmup        Duration `yaml:"warmup"`

	SuspectThreshold int      `yaml:"suspect_threshold"`
	ConfirmThreshold int      `yaml:"confirm_threshold"`
	GossipSampleSize int      `yaml:"gossip_sample_size"`
	MinQuorum        int      `yaml:"min_quorum"`
	GossipTimeout    Duration `yaml:"gossip_timeout"`

	AnchorURL string `yaml:"anchor_url"`

	WebhookURLs      []string `yaml:"webhook_urls"`
	ReminderInterval Duration `yaml:"reminder_interval"`
	MinAlertDuration Duration `yaml:"min_alert_duration"`

	MongoURI      string   `yaml:"mongo_uri"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
}

// Load reads the YAML file at path (optional: pass "" to configure purely
// from the environment), applies env overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_ID"); v != "" {
		c.ServerID = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("ADVERTISE_ADDR"); v != "" {
		c.AdvertiseAddr = v
	}
	if v := os.Getenv("ANCHOR_URL"); v != "" {
		c.AnchorURL = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.MongoURI = v
	}
	if v := os.Getenv("WEBHOOK_URLS"); v != "" {
		c.WebhookURLs = splitAndTrim(v)
	}
	if v := os.Getenv("TARGETS"); v != "" {
		c.Peers = ParseTargets(v)
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.AnchorURL == "" {
		c.AnchorURL = DefaultAnchorURL
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.ListenAddr
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = Duration(DefaultProbeInterval)
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = Duration(DefaultRetryBackoff)
	}
	if c.Warmup == 0 {
		c.Warmup = Duration(DefaultWarmup)
	}
	if c.GossipTimeout == 0 {
		c.GossipTimeout = Duration(DefaultGossipTimeout)
	}
	if c.SuspectThreshold == 0 {
		c.SuspectThreshold = DefaultSuspectRounds
	}
	if c.ConfirmThreshold == 0 {
		c.ConfirmThreshold = DefaultConfirmRounds
	}
	if c.GossipSampleSize == 0 {
		c.GossipSampleSize = DefaultGossipSample
	}
	if c.MinQuorum == 0 {
		c.MinQuorum = DefaultMinQuorum
	}
	if c.ReminderInterval == 0 {
		c.ReminderInterval = Duration(DefaultReminderEvery)
	}
	if c.MinAlertDuration == 0 {
		c.MinAlertDuration = Duration(DefaultMinAlertGap)
	}
}

// Validate checks the loaded configuration. Any error returned here must
// halt the process before the first monitoring round.
func (c *Config) Validate() error {
	if c.ServerID == "" {
		return errors.New("server_id is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.SuspectThreshold < 1 {
		return errors.Errorf("suspect_threshold must be >= 1, got %d", c.SuspectThreshold)
	}
	if c.ConfirmThreshold < 1 {
		return errors.Errorf("confirm_threshold must be >= 1, got %d", c.ConfirmThreshold)
	}
	if c.GossipSampleSize < 1 {
		return errors.Errorf("gossip_sample_size must be >= 1, got %d", c.GossipSampleSize)
	}
	if c.MinQuorum < 1 {
		return errors.Errorf("min_quorum must be >= 1, got %d", c.MinQuorum)
	}
	if c.GossipTimeout.Std() >= c.ProbeInterval.Std() {
		return errors.New("gossip_timeout must be shorter than probe_interval")
	}
	if _, err := url.Parse(c.AnchorURL); err != nil {
		return errors.Wrapf(err, "invalid anchor_url %q", c.AnchorURL)
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.Addr == "" {
			return errors.Errorf("peer ID and address cannot be empty: %+v", p)
		}
		if p.ID == c.ServerID {
			continue // self in peer list is tolerated, skipped at wiring time
		}
		if seen[p.ID] {
			return errors.Errorf("duplicate peer ID %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// ParseTargets parses the legacy TARGETS env format:
// "ip|name,ip2|name2" -> peers named by the label, addressed by the ip.
// Entries without a label get a generated placeholder name.
func ParseTargets(raw string) []Peer {
	peers := make([]Peer, 0)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if ip, name, ok := strings.Cut(item, "|"); ok {
			peers = append(peers, Peer{ID: strings.TrimSpace(name), Addr: strings.TrimSpace(ip)})
		} else {
			peers = append(peers, Peer{ID: "Unknown-GPU", Addr: item})
		}
	}
	return peers
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
