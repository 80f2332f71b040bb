// Package config loads the optional YAML file that overrides protocol
// timeouts, the default proposed PDU length, the dispatcher queue
// multiplier, and registry extensions. Absence of the file is not an
// error; DefaultConfig covers every field.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/flatmapit/dicomsend/internal/registry"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Timeouts           TimeoutConfig     `yaml:"timeouts"`
	ProposedPDULength  uint32            `yaml:"proposed_pdu_length"`
	QueueMultiplier    int               `yaml:"queue_multiplier"`
	RegistryExtensions RegistryExtension `yaml:"registry_extensions"`
}

// TimeoutConfig mirrors assoc.Timeouts in YAML-friendly seconds.
type TimeoutConfig struct {
	ConnectSeconds       int `yaml:"connect_seconds"`
	AssociationSeconds   int `yaml:"association_seconds"`
	DIMSEResponseSeconds int `yaml:"dimse_response_seconds"`
}

// RegistryExtension describes extra SOP class or transfer syntax rows
// to register at startup.
type RegistryExtension struct {
	SOPClasses       []SOPClassEntry       `yaml:"sop_classes"`
	TransferSyntaxes []TransferSyntaxEntry `yaml:"transfer_syntaxes"`
}

// SOPClassEntry is one registry_extensions.sop_classes row.
type SOPClassEntry struct {
	UID         string `yaml:"uid"`
	DisplayName string `yaml:"display_name"`
	Category    string `yaml:"category"`
}

// TransferSyntaxEntry is one registry_extensions.transfer_syntaxes row.
type TransferSyntaxEntry struct {
	UID            string `yaml:"uid"`
	DisplayName    string `yaml:"display_name"`
	Endian         string `yaml:"endian"`
	VR             string `yaml:"vr"`
	Encapsulated   bool   `yaml:"encapsulated"`
	EncodingFamily string `yaml:"encoding_family"`
	Lossless       bool   `yaml:"lossless"`
}

// LoadConfig loads configuration from configPath. An empty path
// returns DefaultConfig without touching the filesystem; a non-empty
// path that cannot be read or parsed is an error.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.validateAndSetDefaults()
	return config, nil
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeouts: TimeoutConfig{
			ConnectSeconds:       10,
			AssociationSeconds:   30,
			DIMSEResponseSeconds: 30,
		},
		ProposedPDULength: 16384,
		QueueMultiplier:   4,
	}
}

// validateAndSetDefaults fills in any zero-valued field left blank by
// a partial config file.
func (c *Config) validateAndSetDefaults() {
	if c.Timeouts.ConnectSeconds == 0 {
		c.Timeouts.ConnectSeconds = 10
	}
	if c.Timeouts.AssociationSeconds == 0 {
		c.Timeouts.AssociationSeconds = 30
	}
	if c.Timeouts.DIMSEResponseSeconds == 0 {
		c.Timeouts.DIMSEResponseSeconds = 30
	}
	if c.ProposedPDULength == 0 {
		c.ProposedPDULength = 16384
	}
	if c.QueueMultiplier == 0 {
		c.QueueMultiplier = 4
	}
}

// ConnectTimeout returns the configured TCP connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectSeconds) * time.Second
}

// AssociationTimeout returns the configured association setup/release
// timeout.
func (c *Config) AssociationTimeout() time.Duration {
	return time.Duration(c.Timeouts.AssociationSeconds) * time.Second
}

// DIMSEResponseTimeout returns the configured per-instance DIMSE
// response await timeout.
func (c *Config) DIMSEResponseTimeout() time.Duration {
	return time.Duration(c.Timeouts.DIMSEResponseSeconds) * time.Second
}

// ApplyRegistryExtensions registers every row named in the config's
// registry_extensions block, extending the built-in SOP class and
// transfer syntax tables at startup.
func (c *Config) ApplyRegistryExtensions() {
	for _, sc := range c.RegistryExtensions.SOPClasses {
		registry.RegisterSOPClass(sc.UID, sc.DisplayName, registry.Category(sc.Category))
	}
	for _, ts := range c.RegistryExtensions.TransferSyntaxes {
		registry.RegisterTransferSyntax(registry.TransferSyntax{
			UID:            ts.UID,
			DisplayName:    ts.DisplayName,
			Endian:         registry.Endian(ts.Endian),
			VR:             registry.VRMode(ts.VR),
			Encapsulated:   ts.Encapsulated,
			EncodingFamily: registry.EncodingFamily(ts.EncodingFamily),
			Lossless:       ts.Lossless,
		})
	}
}
