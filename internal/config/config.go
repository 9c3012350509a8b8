// Package config loads the demo CLI's YAML configuration: which PC/SC
// reader to use, the MRZ fields BAC keys are derived from, and which Data
// Groups to read. It follows the same decode-strict/validate-after-resolve
// shape the rest of this family of tools uses for its own config file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML document.
type Config struct {
	Reader ReaderConfig `yaml:"reader"`
	MRZ    MRZConfig    `yaml:"mrz"`
	Read   ReadConfig   `yaml:"read"`
}

// ReaderConfig selects which PC/SC reader to connect through.
type ReaderConfig struct {
	Index *int `yaml:"index"`
}

// MRZConfig holds the three printed MRZ fields the BAC key seed is derived
// from. They are optional in the file as a group: when none is given the
// CLI prompts interactively for all three (§4.9); Validate rejects a file
// that gives only some of them.
type MRZConfig struct {
	DocumentNumber string `yaml:"document_number"`
	DateOfBirth    string `yaml:"date_of_birth"`
	DateOfExpiry   string `yaml:"date_of_expiry"`
}

// ReadConfig selects which Data Groups to dump and the log verbosity.
type ReadConfig struct {
	DataGroups []int `yaml:"data_groups"`
	Verbose    *bool `yaml:"verbose"`
}

var mrzDateRE = regexp.MustCompile(`^[0-9]{6}$`)

// Load reads, strictly decodes, and validates the config file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields Load cannot leave to interactive prompting:
// reader selection and, when any MRZ field is given, that all three are
// given and well-formed.
func (c *Config) Validate() error {
	if c.Reader.Index == nil {
		return fmt.Errorf("config.reader.index is required")
	}
	if *c.Reader.Index < 0 {
		return fmt.Errorf("config.reader.index must be >= 0")
	}

	if err := c.MRZ.validate(); err != nil {
		return err
	}

	for _, dg := range c.Read.DataGroups {
		if dg < 1 || dg > 16 {
			return fmt.Errorf("config.read.data_groups: %d out of range 1..16", dg)
		}
	}
	return nil
}

// HasMRZ reports whether all three MRZ fields were supplied in the file,
// so the CLI knows whether it still needs to prompt.
func (c *Config) HasMRZ() bool {
	return c.MRZ.DocumentNumber != "" && c.MRZ.DateOfBirth != "" && c.MRZ.DateOfExpiry != ""
}

func (m *MRZConfig) validate() error {
	given := 0
	if m.DocumentNumber != "" {
		given++
	}
	if m.DateOfBirth != "" {
		given++
	}
	if m.DateOfExpiry != "" {
		given++
	}
	if given == 0 {
		return nil
	}
	if given != 3 {
		return fmt.Errorf("config.mrz: document_number, date_of_birth and date_of_expiry must all be set together, or all omitted")
	}
	if strings.TrimSpace(m.DocumentNumber) == "" {
		return fmt.Errorf("config.mrz.document_number must not be blank")
	}
	if !mrzDateRE.MatchString(m.DateOfBirth) {
		return fmt.Errorf("config.mrz.date_of_birth must be 6 digits (YYMMDD)")
	}
	if !mrzDateRE.MatchString(m.DateOfExpiry) {
		return fmt.Errorf("config.mrz.date_of_expiry must be 6 digits (YYMMDD)")
	}
	return nil
}
