package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration loaded at startup. Decoding is strict:
// unknown fields are rejected.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Certs struct {
		RotationThresholdDays int    `yaml:"rotation_threshold_days"`
		CheckInterval         string `yaml:"check_interval"`
		ValidityDays          int    `yaml:"validity_days"`
		CARetryMaxAttempts    int    `yaml:"ca_retry_max_attempts"`
		CARetryBaseDelay      string `yaml:"ca_retry_base_delay"`
	} `yaml:"certs"`

	MTLS struct {
		Mandatory         bool     `yaml:"mandatory"`
		CertID            string   `yaml:"cert_id"`
		AllowedIdentities []string `yaml:"allowed_identities"`
	} `yaml:"mtls"`

	RBAC struct {
		RolesFile string `yaml:"roles_file"`
	} `yaml:"rbac"`

	ABAC struct {
		PoliciesFile string `yaml:"policies_file"`
		Strict       bool   `yaml:"strict"`
	} `yaml:"abac"`

	Threat struct {
		QueueSize           int     `yaml:"queue_size"`
		BruteForceThreshold int     `yaml:"brute_force_threshold"`
		BruteForceWindow    string  `yaml:"brute_force_window"`
		MaxTravelSpeedKMH   float64 `yaml:"max_travel_speed_kmh"`
		DecayHalfLife       string  `yaml:"decay_half_life"`
		SuspiciousScore     float64 `yaml:"suspicious_score"`
		ConfirmedScore      float64 `yaml:"confirmed_score"`
		Cooldown            string  `yaml:"cooldown"`
		AssessmentTTL       string  `yaml:"assessment_ttl"`
	} `yaml:"threat"`

	Pipeline struct {
		StageTimeout   string  `yaml:"stage_timeout"`
		ThrottleRate   float64 `yaml:"throttle_rate"`
		ThrottleBurst  int     `yaml:"throttle_burst"`
		ListenAddr     string  `yaml:"listen_addr"`
		MetricsAddr    string  `yaml:"metrics_addr"`
		AuditLogFile   string  `yaml:"audit_log_file"`
		SealPassphrase string  `yaml:"seal_passphrase"`
	} `yaml:"pipeline"`
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = "/var/lib/bastion"
	cfg.Log.Level = "info"
	cfg.Certs.RotationThresholdDays = 30
	cfg.Certs.CheckInterval = "1h"
	cfg.Certs.ValidityDays = 90
	cfg.Certs.CARetryMaxAttempts = 5
	cfg.Certs.CARetryBaseDelay = "500ms"
	cfg.MTLS.CertID = "bastion-server"
	cfg.Threat.QueueSize = 1024
	cfg.Threat.BruteForceThreshold = 5
	cfg.Threat.BruteForceWindow = "60s"
	cfg.Threat.MaxTravelSpeedKMH = 900
	cfg.Threat.DecayHalfLife = "5m"
	cfg.Threat.SuspiciousScore = 40
	cfg.Threat.ConfirmedScore = 70
	cfg.Threat.Cooldown = "5m"
	cfg.Threat.AssessmentTTL = "15m"
	cfg.Pipeline.StageTimeout = "100ms"
	cfg.Pipeline.ThrottleRate = 1
	cfg.Pipeline.ThrottleBurst = 3
	cfg.Pipeline.ListenAddr = ":8443"
	cfg.Pipeline.MetricsAddr = ":9443"
	cfg.Pipeline.AuditLogFile = "/var/log/bastion/audit.jsonl"
	return cfg
}

// Load reads and strictly decodes the config file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse strictly decodes configuration data over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	durations := map[string]string{
		"certs.check_interval":      c.Certs.CheckInterval,
		"certs.ca_retry_base_delay": c.Certs.CARetryBaseDelay,
		"threat.brute_force_window": c.Threat.BruteForceWindow,
		"threat.decay_half_life":    c.Threat.DecayHalfLife,
		"threat.cooldown":           c.Threat.Cooldown,
		"threat.assessment_ttl":     c.Threat.AssessmentTTL,
		"pipeline.stage_timeout":    c.Pipeline.StageTimeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", field, value, err)
		}
	}

	if c.Certs.RotationThresholdDays <= 0 {
		return fmt.Errorf("certs.rotation_threshold_days must be positive")
	}
	if c.Threat.ConfirmedScore <= c.Threat.SuspiciousScore {
		return fmt.Errorf("threat.confirmed_score must exceed threat.suspicious_score")
	}
	return nil
}

// Duration parses a duration field that validate already checked
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
