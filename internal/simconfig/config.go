// Package simconfig loads the declarative YAML document describing a
// fleet of simulations (spec §6), following the same shape the teacher
// uses for its collector fleet config (internal/collector/config.go):
// a Defaults block plus an ordered list of per-simulation entries.
package simconfig

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"modbus-simulator/internal/regsim/schema"
)

// Defaults carries the fallback ip/port/slave_id applied to any
// simulation entry that omits them (spec §6).
type Defaults struct {
	IP      string `yaml:"ip"`
	Port    int    `yaml:"port"`
	SlaveID int    `yaml:"slave_id"`
}

// Register mirrors schema.RegisterConfig in its YAML-facing form.
type Register struct {
	Name         string   `yaml:"name"`
	Address      uint16   `yaml:"address"`
	Type         string   `yaml:"type"`
	Scale        float64  `yaml:"scale"`
	Role         string   `yaml:"role"`
	BaseValue    float64  `yaml:"base_value"`
	Fluctuation  float64  `yaml:"fluctuation"`
	Source       string   `yaml:"source"`
	Expression   string   `yaml:"expression"`
	VariableName string   `yaml:"variable_name"`
	MinValue     *float64 `yaml:"min_value"`
	MaxValue     *float64 `yaml:"max_value"`
	Description  string   `yaml:"description"`
}

// Simulation describes one (ip, port, slave_id) endpoint and its
// registers.
type Simulation struct {
	Name      string        `yaml:"name"`
	IP        string        `yaml:"ip"`
	Port      int           `yaml:"port"`
	SlaveID   int           `yaml:"slave_id"`
	Interval  time.Duration `yaml:"interval"`
	Registers []Register    `yaml:"registers"`
}

// Document is the top-level YAML document: a Defaults block and an
// ordered list of simulations.
type Document struct {
	Defaults    Defaults     `yaml:"defaults"`
	Simulations []Simulation `yaml:"simulations"`
}

// Load reads and parses path, applying defaults.ip/port/slave_id to any
// simulation entry that doesn't set its own, and rejecting unknown
// fields (spec §6 "Unknown fields are rejected").
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if doc.Defaults.IP == "" {
		doc.Defaults.IP = "0.0.0.0"
	}
	if doc.Defaults.Port == 0 {
		doc.Defaults.Port = 1502
	}
	if doc.Defaults.SlaveID == 0 {
		doc.Defaults.SlaveID = 1
	}
	if len(doc.Simulations) == 0 {
		return nil, fmt.Errorf("config %s: at least one simulation must be configured", path)
	}

	for i := range doc.Simulations {
		sim := &doc.Simulations[i]
		if sim.IP == "" {
			sim.IP = doc.Defaults.IP
		}
		if sim.Port == 0 {
			sim.Port = doc.Defaults.Port
		}
		if sim.SlaveID == 0 {
			sim.SlaveID = doc.Defaults.SlaveID
		}
		if sim.Name == "" {
			return nil, fmt.Errorf("config %s: simulation at index %d is missing a name", path, i)
		}
		if sim.Port < 1 || sim.Port > 65535 {
			return nil, fmt.Errorf("config %s: simulation %s: port %d out of range", path, sim.Name, sim.Port)
		}
		if sim.SlaveID < 1 || sim.SlaveID > 247 {
			return nil, fmt.Errorf("config %s: simulation %s: slave_id %d out of range", path, sim.Name, sim.SlaveID)
		}
	}
	return &doc, nil
}

// RegisterConfigs converts a parsed Simulation's registers into the
// schema package's validation input.
func (s Simulation) RegisterConfigs() []schema.RegisterConfig {
	out := make([]schema.RegisterConfig, len(s.Registers))
	for i, r := range s.Registers {
		out[i] = schema.RegisterConfig{
			Name:         r.Name,
			Address:      r.Address,
			Type:         r.Type,
			Scale:        r.Scale,
			Role:         r.Role,
			BaseValue:    r.BaseValue,
			Fluctuation:  r.Fluctuation,
			Source:       r.Source,
			Expression:   r.Expression,
			VariableName: r.VariableName,
			MinValue:     r.MinValue,
			MaxValue:     r.MaxValue,
			Description:  r.Description,
		}
	}
	return out
}
