package variables

import (
	"encoding/json"
	"fmt"
	"os"
)

// DerivedRadial marks an input computed as the Euclidean norm of two
// measured spread PVs instead of a direct read.
const DerivedRadial = "radial"

// Source describes where one model variable's value comes from, or where a
// prediction goes. Exactly one of PV, Constant or Derived is set for inputs;
// outputs always use PV.
type Source struct {
	PV       string   `json:"pv,omitempty"`
	Constant *float64 `json:"constant,omitempty"`
	Derived  string   `json:"derived,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

// Mapping binds the model variable schema to concrete control-system
// endpoints. Input iteration follows the order of InputVariables, not map
// order.
type Mapping struct {
	Inputs  map[string]Source `json:"inputs"`
	Outputs map[string]Source `json:"outputs"`
}

// LoadMapping reads and validates a PV mapping file.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read mapping: %w", err)
	}

	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("could not parse mapping: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the mapping against the canonical variable schema.
func (m *Mapping) Validate() error {
	for _, v := range InputVariables() {
		src, ok := m.Inputs[v.Name]
		if !ok {
			return fmt.Errorf("input %q has no source", v.Name)
		}
		if err := src.validateInput(v.Name); err != nil {
			return err
		}
	}
	for _, v := range OutputVariables() {
		dst, ok := m.Outputs[v.Name]
		if !ok {
			return fmt.Errorf("output %q has no destination", v.Name)
		}
		if dst.PV == "" {
			return fmt.Errorf("output %q: empty destination PV", v.Name)
		}
	}
	return nil
}

func (s Source) validateInput(name string) error {
	set := 0
	if s.PV != "" {
		set++
	}
	if s.Constant != nil {
		set++
	}
	if s.Derived != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("input %q: exactly one of pv, constant or derived must be set", name)
	}
	if s.Derived != "" {
		if s.Derived != DerivedRadial {
			return fmt.Errorf("input %q: unknown derived kind %q", name, s.Derived)
		}
		if len(s.Sources) != 2 {
			return fmt.Errorf("input %q: derived radial needs exactly 2 source PVs, got %d", name, len(s.Sources))
		}
		for _, pv := range s.Sources {
			if pv == "" {
				return fmt.Errorf("input %q: empty source PV", name)
			}
		}
	}
	return nil
}

// SourcePVs lists every live PV the mapping reads, in schema order. Used by
// watch mode to know what to monitor.
func (m *Mapping) SourcePVs() []string {
	var pvs []string
	for _, v := range InputVariables() {
		src := m.Inputs[v.Name]
		switch {
		case src.PV != "":
			pvs = append(pvs, src.PV)
		case src.Derived != "":
			pvs = append(pvs, src.Sources...)
		}
	}
	return pvs
}
