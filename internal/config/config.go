// Package config loads and validates the switch's static configuration:
// the set of bridges/datapath-ids to run, the controllers to dial out to,
// TLS material, and the tunables the forwarding and updater packages
// expose as Config structs, via plain YAML-plus-struct-tags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"fuchsia.googlesource.com/ofswitch/internal/bridge"
	"fuchsia.googlesource.com/ofswitch/internal/forwarding/pipeline"
	"fuchsia.googlesource.com/ofswitch/internal/metrics"
	"fuchsia.googlesource.com/ofswitch/internal/updater"
)

// Config is the top-level configuration document, loaded from a single
// YAML file.
type Config struct {
	// Controllers lists the controller endpoints every bridge dials,
	// per spec.md §4.4's switch-initiates-connection model. An entry is an
	// auxiliary connection only when it sets auxiliary (with its
	// auxiliary_id); every other entry is registered as the primary.
	Controllers []ControllerConfig `yaml:"controllers" validate:"required,min=1,dive"`

	// TLS names optional TLS material. A non-nil TLS marks each controller
	// channel as ProtocolTLS; the dialer connects over plain TCP either
	// way, so no TLS handshake takes place.
	TLS *TLSConfig `yaml:"tls,omitempty" validate:"omitempty"`

	// UpdaterPeriod is how often the single updater thread (spec.md §4.8)
	// sweeps every bridge's MAC table and RIB.
	UpdaterPeriod time.Duration `yaml:"updater_period" validate:"omitempty,gt=0"`

	// Bridges lists every datapath this process owns, keyed by name.
	Bridges []BridgeConfig `yaml:"bridges" validate:"required,min=1,dive"`
}

// ControllerConfig names one controller endpoint a bridge's channel
// manager dials out to.
type ControllerConfig struct {
	Address     string `yaml:"address" validate:"required,hostname_port"`
	Auxiliary   bool   `yaml:"auxiliary,omitempty"`
	AuxiliaryID uint8  `yaml:"auxiliary_id,omitempty"`
}

// TLSConfig names the certificate/key/CA material used for a TLS
// connection: plain file-path fields rather than an embedded PEM blob.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" validate:"required,file"`
	KeyFile  string `yaml:"key_file" validate:"required,file"`
	CAFile   string `yaml:"ca_file,omitempty" validate:"omitempty,file"`
}

// BridgeConfig configures one owned datapath: its identity, its ports, and
// the tunables of the MAC table / RIB / forwarding pipelines it owns.
type BridgeConfig struct {
	Name       string `yaml:"name" validate:"required"`
	DatapathID uint64 `yaml:"datapath_id" validate:"required"`

	Ports []PortConfig `yaml:"ports" validate:"omitempty,dive"`

	NumWorkers    int           `yaml:"num_workers" validate:"omitempty,gt=0"`
	MaxMACEntries int           `yaml:"max_mac_entries" validate:"omitempty,gt=0"`
	AgeingTime    time.Duration `yaml:"ageing_time" validate:"omitempty,gt=0"`

	// FailMode is the policy applied once this datapath loses every
	// controller channel, per spec.md §4.1: "secure" (default) drops
	// table-miss traffic, "standalone" falls back to normal L2 learning.
	FailMode string `yaml:"fail_mode,omitempty" validate:"omitempty,oneof=secure standalone"`

	Pipeline PipelineConfig `yaml:"pipeline"`
}

// PortConfig names one of a bridge's ports by number, interface name, and
// hardware address (parsed from its usual colon-hex string form).
type PortConfig struct {
	Number uint32 `yaml:"number" validate:"required"`
	Name   string `yaml:"name" validate:"required"`
	HWAddr string `yaml:"hwaddr" validate:"required,mac"`
}

// PipelineConfig configures the batch/queue sizes of a bridge's L2 and L3
// forwarding pipelines (spec.md §4.7's configuration constants).
type PipelineConfig struct {
	BatchSize   int `yaml:"batch_size" validate:"omitempty,gt=0"`
	QueueLength int `yaml:"queue_length" validate:"omitempty,gt=0"`
}

var validate = validator.New()

// Load reads, parses, and validates the configuration document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", path, err)
	}
	for i := range cfg.Bridges {
		if len(cfg.Bridges[i].Ports) > 0 {
			if err := validate.Var(cfg.Bridges[i].Ports, "dive"); err != nil {
				return nil, fmt.Errorf("validating bridge %q ports: %w", cfg.Bridges[i].Name, err)
			}
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.UpdaterPeriod <= 0 {
		cfg.UpdaterPeriod = updater.DefaultPeriod
	}
	for i := range cfg.Bridges {
		b := &cfg.Bridges[i]
		if b.NumWorkers <= 0 {
			b.NumWorkers = 2
		}
		if b.MaxMACEntries <= 0 {
			b.MaxMACEntries = 8192
		}
		if b.AgeingTime <= 0 {
			b.AgeingTime = 300 * time.Second
		}
		if b.Pipeline.BatchSize <= 0 {
			b.Pipeline.BatchSize = pipeline.DefaultBatchSize
		}
		if b.Pipeline.QueueLength <= 0 {
			b.Pipeline.QueueLength = pipeline.DefaultQueueLength
		}
	}
}

// BridgeTableConfig converts a BridgeConfig into the bridge.Config the
// bridge package's constructor expects. stats may be nil.
func (b BridgeConfig) BridgeTableConfig(stats *metrics.ForwardingStats) bridge.Config {
	failMode := bridge.Secure
	if b.FailMode == "standalone" {
		failMode = bridge.Standalone
	}
	return bridge.Config{
		NumWorkers:    b.NumWorkers,
		MaxMACEntries: b.MaxMACEntries,
		AgeingTime:    b.AgeingTime,
		FailMode:      failMode,
		Pipeline: pipeline.Config{
			BatchSize:   b.Pipeline.BatchSize,
			QueueLength: b.Pipeline.QueueLength,
		},
		Stats: stats,
	}
}

// ParseHWAddr parses a PortConfig's colon-hex hardware address string into
// the [6]byte form the bridge/forwarding packages operate on.
func ParseHWAddr(s string) ([6]byte, error) {
	var out [6]byte
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return out, fmt.Errorf("invalid hardware address %q", s)
	}
	for i, v := range b {
		out[i] = byte(v)
	}
	return out, nil
}
