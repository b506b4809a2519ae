package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"xpledger/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for awardd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	PauseOnStart  bool         `yaml:"pause"`
	JournalPath   string       `yaml:"journal"`
	Node          NodeConfig   `yaml:"node"`
	Signer        SignerConfig `yaml:"signer"`
	Audit         AuditConfig  `yaml:"audit"`
	Batch         BatchConfig  `yaml:"batch"`
	Submit        SubmitConfig `yaml:"submit"`
	Poll          PollConfig   `yaml:"poll"`
	Admin         AdminConfig  `yaml:"admin"`
}

// NodeConfig locates the ledger node's RPC endpoint.
type NodeConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AuthToken    string `yaml:"auth_token"`
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// SignerConfig supplies the engine's signing key. Exactly one source is
// required; key material never appears in logs.
type SignerConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
	KeyEnv  string `yaml:"key_env"`
}

// AuditConfig locates the relational audit store.
type AuditConfig struct {
	DSN       string `yaml:"dsn"`
	ExportDir string `yaml:"export_dir"`
}

// BatchConfig names the award batch and lists its targets.
type BatchConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Targets     []Target `yaml:"targets"`
}

// Target is one award to drive to completion.
type Target struct {
	Address     string `yaml:"address"`
	Amount      uint64 `yaml:"amount"`
	Description string `yaml:"description"`
}

// SubmitConfig tunes the transport retry budget and fee escalation.
type SubmitConfig struct {
	Fee              uint64   `yaml:"fee"`
	EscalationFactor uint64   `yaml:"escalation_factor"`
	Attempts         int      `yaml:"attempts"`
	Backoff          Duration `yaml:"backoff"`
}

// PollConfig tunes confirmation polling. Cooldown mirrors the chain's
// global write gap; lowering it only makes the engine rediscover the
// rejection the hard way.
type PollConfig struct {
	Interval        Duration `yaml:"interval"`
	Checks          int      `yaml:"checks"`
	EscalatedChecks int      `yaml:"escalated_checks"`
	Cooldown        Duration `yaml:"cooldown"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretEnv  string `yaml:"jwt_secret_env"`
	JWTSecretFile string `yaml:"jwt_secret_file"`
	Issuer        string `yaml:"issuer"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer: %w", err)
	}
	if err := cfg.Node.normalise(); err != nil {
		return cfg, fmt.Errorf("node: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7425"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "awardd.journal"
	}
	if cfg.Audit.DSN == "" {
		cfg.Audit.DSN = "awardd.db"
	}
	if cfg.Audit.ExportDir == "" {
		cfg.Audit.ExportDir = "."
	}
	if cfg.Submit.Fee == 0 {
		cfg.Submit.Fee = 10
	}
	if cfg.Submit.EscalationFactor == 0 {
		cfg.Submit.EscalationFactor = 2
	}
	if cfg.Submit.Attempts <= 0 {
		cfg.Submit.Attempts = 3
	}
	if cfg.Submit.Backoff.Duration == 0 {
		cfg.Submit.Backoff.Duration = 500 * time.Millisecond
	}
	if cfg.Poll.Interval.Duration == 0 {
		cfg.Poll.Interval.Duration = 5 * time.Second
	}
	if cfg.Poll.Checks <= 0 {
		cfg.Poll.Checks = 15
	}
	if cfg.Poll.EscalatedChecks <= 0 {
		cfg.Poll.EscalatedChecks = 5
	}
	if cfg.Poll.Cooldown.Duration == 0 {
		cfg.Poll.Cooldown.Duration = 30 * time.Second
	}
	for i := range cfg.Batch.Targets {
		if cfg.Batch.Targets[i].Description == "" {
			cfg.Batch.Targets[i].Description = cfg.Batch.Description
		}
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Node.Endpoint) == "" {
		return fmt.Errorf("node endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Signer.Key) == "" {
		return fmt.Errorf("signer key must be configured")
	}
	if strings.TrimSpace(cfg.Batch.Name) == "" {
		return fmt.Errorf("batch name must be configured")
	}
	if cfg.Submit.EscalationFactor < 2 {
		return fmt.Errorf("escalation_factor must be at least 2")
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin jwt secret must be configured")
	}
	for i, target := range cfg.Batch.Targets {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(target.Address)); err != nil {
			return fmt.Errorf("target %d: %w", i, err)
		}
		if target.Amount == 0 {
			return fmt.Errorf("target %d: amount must be positive", i)
		}
	}
	return nil
}

func (s *SignerConfig) normalise() error {
	if s == nil {
		return fmt.Errorf("signer configuration missing")
	}
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	if s.Key != "" {
		return nil
	}
	switch {
	case s.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", s.KeyEnv)
		}
		s.Key = value
	case s.KeyFile != "":
		contents, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		s.Key = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("key is required")
	}
	return nil
}

func (n *NodeConfig) normalise() error {
	if n == nil {
		return fmt.Errorf("node configuration missing")
	}
	n.Endpoint = strings.TrimSpace(n.Endpoint)
	n.AuthToken = strings.TrimSpace(n.AuthToken)
	if env := strings.TrimSpace(n.AuthTokenEnv); n.AuthToken == "" && env != "" {
		n.AuthToken = strings.TrimSpace(os.Getenv(env))
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	secret := strings.TrimSpace(a.JWTSecret)
	if secret == "" {
		if env := strings.TrimSpace(a.JWTSecretEnv); env != "" {
			secret = strings.TrimSpace(os.Getenv(env))
		}
	}
	if secret == "" {
		if path := strings.TrimSpace(a.JWTSecretFile); path != "" {
			contents, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read jwt_secret_file: %w", err)
			}
			secret = strings.TrimSpace(string(contents))
		}
	}
	a.JWTSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	return nil
}
