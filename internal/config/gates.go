package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// GatesDocument is the on-disk shape of quality-gates.yaml, edited by
// hand and reloaded independently of the main server config (§9).
type GatesDocument struct {
	Settings GatesSettings  `yaml:"settings"`
	Required []GateSpec     `yaml:"required"`
	Optional []GateSpec     `yaml:"optional"`
	Custom   []GateSpec     `yaml:"custom"`
}

// GatesSettings controls how the whole required+optional+custom set runs.
type GatesSettings struct {
	RunInParallel      bool `yaml:"runInParallel"`
	StopOnFirstFailure bool `yaml:"stopOnFirstFailure"`
	TimeoutMS          int  `yaml:"timeout"`
}

// GateSpec is one declarative gate entry.
type GateSpec struct {
	Name          string            `yaml:"name"`
	Command       string            `yaml:"command"`
	TimeoutMS     int               `yaml:"timeout"`
	Description   string            `yaml:"description"`
	Required      *bool             `yaml:"required"`
	AllowFailure  bool              `yaml:"allowFailure"`
	Env           map[string]string `yaml:"env"`
	RunOnBranches []string          `yaml:"runOnBranches"`
}

// LoadGates reads and parses quality-gates.yaml at path.
func LoadGates(path string) (GatesDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GatesDocument{}, err
	}
	return LoadGatesFromBytes(data)
}

// LoadGatesFromBytes parses quality-gates.yaml content, with
// environment-variable expansion applied first.
func LoadGatesFromBytes(data []byte) (GatesDocument, error) {
	var d GatesDocument
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &d); err != nil {
		return d, err
	}
	return d, nil
}

// GateConfig adapts the document into the core model type consumed by
// quality.Runner. Required entries default to Required=true, Optional
// entries to Required=false, Custom entries to Required=false — each
// overridable with an explicit `required:` key.
func (d GatesDocument) GateConfig() model.GateConfig {
	return model.GateConfig{
		Settings: model.GateRunSettings{
			Parallel:           d.Settings.RunInParallel,
			StopOnFirstFailure: d.Settings.StopOnFirstFailure,
			TotalTimeoutMS:     d.Settings.TimeoutMS,
		},
		Required: toGates(d.Required, true),
		Optional: toGates(d.Optional, false),
		Custom:   toGates(d.Custom, false),
	}
}

func toGates(specs []GateSpec, defaultRequired bool) []model.QualityGate {
	gates := make([]model.QualityGate, 0, len(specs))
	for _, s := range specs {
		required := defaultRequired
		if s.Required != nil {
			required = *s.Required
		}
		gates = append(gates, model.QualityGate{
			Name:          s.Name,
			Command:       s.Command,
			TimeoutMS:     s.TimeoutMS,
			Required:      required,
			AllowFailure:  s.AllowFailure,
			Env:           s.Env,
			RunOnBranches: s.RunOnBranches,
		})
	}
	return gates
}
