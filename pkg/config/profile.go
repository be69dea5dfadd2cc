package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportProfile is a saved set of export options, typically one per
// recurring report.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ExportProfile struct {
	Name        string   `yaml:"name" json:"name"`
	Periodicity string   `yaml:"periodicity" json:"periodicity"`
	Mode        string   `yaml:"mode" json:"mode"`
	ProductIDs  []string `yaml:"product_ids,omitempty" json:"product_ids,omitempty"`
	Format      string   `yaml:"format" json:"format"` // "xlsx" or "csv"
	Windows1252 bool     `yaml:"windows1252,omitempty" json:"windows1252,omitempty"`
	RulesPath   string   `yaml:"rules_path,omitempty" json:"rules_path,omitempty"`
	CatalogPath string   `yaml:"catalog_path,omitempty" json:"catalog_path,omitempty"`
	OutputName  string   `yaml:"output_name,omitempty" json:"output_name,omitempty"`
	Concurrency int      `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// LoadProfile reads an export profile. The name defaults to the file name
// and the format to xlsx.
func LoadProfile(path string) (*ExportProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	var p ExportProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	p.Format = strings.ToLower(strings.TrimSpace(p.Format))
	switch p.Format {
	case "":
		p.Format = "xlsx"
	case "xlsx", "csv":
	default:
		return nil, fmt.Errorf("profile %s: unknown format %q", p.Name, p.Format)
	}
	return &p, nil
}

// Apply overlays the profile's paths and limits on c.
func (p *ExportProfile) Apply(c *Config) {
	if p.RulesPath != "" {
		c.RulesPath = p.RulesPath
	}
	if p.CatalogPath != "" {
		c.CatalogPath = p.CatalogPath
	}
	if p.Concurrency > 0 {
		c.Concurrency = p.Concurrency
	}
}
