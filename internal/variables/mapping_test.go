package variables

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validMapping() *Mapping {
	constant := func(v float64) Source {
		return Source{Constant: &v}
	}

	m := &Mapping{
		Inputs: map[string]Source{
			"distgen:r_dist:sigma_xy:value": {Derived: DerivedRadial, Sources: []string{"CAMR:IN20:186:XRMS", "CAMR:IN20:186:YRMS"}},
			"distgen:t_dist:length:value":   constant(PulseLength),
			"distgen:total_charge:value":    {PV: "FBCK:BCI0:1:CHRG"},
			"SOL1:solenoid_field_scale":     {PV: "SOLN:IN20:121:BACT"},
			"CQ01:b1_gradient":              {PV: "QUAD:IN20:121:BACT"},
			"SQ01:b1_gradient":              {PV: "QUAD:IN20:122:BACT"},
			"L0A_phase:dtheta0_deg":         {PV: "ACCL:IN20:300:L0A_PDES"},
			"L0A_scale:voltage":             {PV: "ACCL:IN20:300:L0A_ADES"},
			"end_mean_z":                    constant(4.6147),
		},
		Outputs: map[string]Source{
			"sigma_x": {PV: "SIOC:IN20:ML00:AO352"},
			"sigma_y": {PV: "SIOC:IN20:ML00:AO353"},
		},
	}
	return m
}

func TestValidateOK(t *testing.T) {
	if err := validMapping().Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Mapping)
		wantErr string
	}{
		{
			"missing input",
			func(m *Mapping) { delete(m.Inputs, "SOL1:solenoid_field_scale") },
			"no source",
		},
		{
			"missing output",
			func(m *Mapping) { delete(m.Outputs, "sigma_y") },
			"no destination",
		},
		{
			"empty output pv",
			func(m *Mapping) { m.Outputs["sigma_x"] = Source{} },
			"empty destination",
		},
		{
			"derived with one source",
			func(m *Mapping) {
				m.Inputs["distgen:r_dist:sigma_xy:value"] = Source{Derived: DerivedRadial, Sources: []string{"CAMR:IN20:186:XRMS"}}
			},
			"exactly 2 source PVs",
		},
		{
			"unknown derived kind",
			func(m *Mapping) {
				m.Inputs["distgen:r_dist:sigma_xy:value"] = Source{Derived: "quadrature", Sources: []string{"a", "b"}}
			},
			"unknown derived kind",
		},
		{
			"multiple sources set",
			func(m *Mapping) {
				v := 1.0
				m.Inputs["distgen:total_charge:value"] = Source{PV: "FBCK:BCI0:1:CHRG", Constant: &v}
			},
			"exactly one of",
		},
		{
			"no source set",
			func(m *Mapping) { m.Inputs["distgen:total_charge:value"] = Source{} },
			"exactly one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMapping()
			tt.mutate(m)
			err := m.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pv_mapping.json")

	data, err := json.Marshal(validMapping())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("LoadMapping failed: %v", err)
	}
	if len(m.Inputs) != len(InputVariables()) {
		t.Errorf("Expected %d inputs, got %d", len(InputVariables()), len(m.Inputs))
	}
}

func TestLoadMappingMissingFile(t *testing.T) {
	if _, err := LoadMapping(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestSourcePVs(t *testing.T) {
	pvs := validMapping().SourcePVs()

	// 2 derived sources + 6 direct PVs; constants contribute nothing.
	if len(pvs) != 8 {
		t.Fatalf("Expected 8 source PVs, got %d: %v", len(pvs), pvs)
	}
	if pvs[0] != "CAMR:IN20:186:XRMS" || pvs[1] != "CAMR:IN20:186:YRMS" {
		t.Errorf("Expected derived sources first, got %v", pvs[:2])
	}
}

func TestSchemaShape(t *testing.T) {
	if got := len(InputVariables()); got != 9 {
		t.Errorf("Expected 9 input variables, got %d", got)
	}
	if got := len(OutputVariables()); got != 2 {
		t.Errorf("Expected 2 output variables, got %d", got)
	}
}
