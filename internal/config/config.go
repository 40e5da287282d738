// Package config loads the MME's static configuration: PLMN/MME identity,
// uplink bind address, collaborator URLs, NAS timer durations, security
// algorithm preference order, and the optional ClickHouse audit sink.
// Configuration is read-only after process start (spec.md §5).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level MME configuration.
type Config struct {
	NF            NFConfig            `yaml:"nf"`
	SBI           SBIConfig           `yaml:"sbi"`
	PLMN          PLMNConfig          `yaml:"plmn"`
	HSS           HSSConfig           `yaml:"hss"`
	Timers        TimersConfig        `yaml:"timers"`
	Security      SecurityConfig      `yaml:"security"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// NFConfig names this MME instance.
type NFConfig struct {
	Name       string `yaml:"name"`
	InstanceID string `yaml:"instance_id"`
}

// SBIConfig is the uplink HTTP surface's bind configuration.
type SBIConfig struct {
	BindAddress string    `yaml:"bind_address"`
	Port        int       `yaml:"port"`
	TLS         TLSConfig `yaml:"tls"`
}

// TLSConfig optionally terminates the uplink surface in TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// PLMNConfig is the serving PLMN and MME group/code (spec.md §6's GUTI
// allocation needs all three).
type PLMNConfig struct {
	MCC        string `yaml:"mcc"`
	MNC        string `yaml:"mnc"`
	MMEGroupID uint16 `yaml:"mme_group_id"`
	MMECode    uint8  `yaml:"mme_code"`
}

// HSSConfig addresses the HSS/S6a collaborator.
type HSSConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	Deterministic bool       `yaml:"deterministic"`
}

// TimersConfig overrides spec.md §6's NAS timer defaults.
type TimersConfig struct {
	T3450 time.Duration `yaml:"t3450"`
	T3460 time.Duration `yaml:"t3460"`
	T3470 time.Duration `yaml:"t3470"`
	T3402 time.Duration `yaml:"t3402"`
}

// SecurityConfig is the MME's preferred NAS security algorithms, strongest
// first.
type SecurityConfig struct {
	IntegrityAlgorithms []string `yaml:"integrity_algorithms"`
	CipheringAlgorithms []string `yaml:"ciphering_algorithms"`
	EmergencyAttach     bool     `yaml:"emergency_attach_supported"`
}

// AuditConfig configures the optional ClickHouse attach-event sink.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// ObservabilityConfig mirrors the teacher's metrics/tracing/logging triad.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns sane development defaults; Load starts from these
// and overlays whatever the YAML file sets.
func DefaultConfig() Config {
	return Config{
		NF: NFConfig{Name: "mme", InstanceID: "mme-1"},
		SBI: SBIConfig{
			BindAddress: "0.0.0.0",
			Port:        8080,
		},
		PLMN: PLMNConfig{MCC: "001", MNC: "01", MMEGroupID: 1, MMECode: 1},
		HSS: HSSConfig{
			Timeout:       5 * time.Second,
			Deterministic: true,
		},
		Timers: TimersConfig{
			T3450: 6 * time.Second,
			T3460: 6 * time.Second,
			T3470: 6 * time.Second,
			T3402: 12 * time.Minute,
		},
		Security: SecurityConfig{
			IntegrityAlgorithms: []string{"EIA2", "EIA1"},
			CipheringAlgorithms: []string{"EEA2", "EEA0"},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true, Port: 9090},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
	}
}

// Load reads and validates a YAML config file, overlaying it onto
// DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NF.InstanceID == "" {
		return fmt.Errorf("nf.instance_id is required")
	}
	if c.SBI.Port <= 0 || c.SBI.Port > 65535 {
		return fmt.Errorf("invalid sbi.port: %d", c.SBI.Port)
	}
	if c.PLMN.MCC == "" || c.PLMN.MNC == "" {
		return fmt.Errorf("plmn.mcc and plmn.mnc are required")
	}
	if c.PLMN.MMECode == 0 {
		return fmt.Errorf("plmn.mme_code is required")
	}
	if !c.HSS.Deterministic && c.HSS.URL == "" {
		return fmt.Errorf("hss.url is required unless hss.deterministic is true")
	}
	if len(c.Security.IntegrityAlgorithms) == 0 {
		return fmt.Errorf("security.integrity_algorithms must list at least one algorithm")
	}
	if len(c.Security.CipheringAlgorithms) == 0 {
		return fmt.Errorf("security.ciphering_algorithms must list at least one algorithm")
	}
	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit.enabled is true")
	}
	return nil
}

// BindAddress returns the host:port the uplink HTTP surface listens on.
func (c *Config) BindAddress() string {
	return fmt.Sprintf("%s:%d", c.SBI.BindAddress, c.SBI.Port)
}
