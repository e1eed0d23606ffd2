package variables

// InputVariable describes one model input: its schema name, the default used
// when no live value is available, and the range the model was trained on.
type InputVariable struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Units   string  `json:"units,omitempty"`
}

// OutputVariable describes one model output.
type OutputVariable struct {
	Name  string `json:"name"`
	Units string `json:"units,omitempty"`
}

// PulseLength is the fixed laser pulse length input. The surrogate was
// trained at this operating point, so it is injected as a constant rather
// than read from the machine.
const PulseLength = 1.8550514181818183

// InputVariables returns the canonical injector input schema in model column
// order.
func InputVariables() []InputVariable {
	return []InputVariable{
		{Name: "distgen:r_dist:sigma_xy:value", Default: 0.4130, Min: 0.05, Max: 1.0, Units: "mm"},
		{Name: "distgen:t_dist:length:value", Default: PulseLength, Min: PulseLength, Max: PulseLength, Units: "ps"},
		{Name: "distgen:total_charge:value", Default: 250.0, Min: 10.0, Max: 300.0, Units: "pC"},
		{Name: "SOL1:solenoid_field_scale", Default: 0.4780, Min: 0.37, Max: 0.55, Units: "T"},
		{Name: "CQ01:b1_gradient", Default: -0.0074, Min: -0.021, Max: 0.021, Units: "T/m"},
		{Name: "SQ01:b1_gradient", Default: -0.0066, Min: -0.021, Max: 0.021, Units: "T/m"},
		{Name: "L0A_phase:dtheta0_deg", Default: -8.8997, Min: -25.0, Max: 10.0, Units: "deg"},
		{Name: "L0A_scale:voltage", Default: 58.0e6, Min: 32.0e6, Max: 70.0e6, Units: "V"},
		{Name: "end_mean_z", Default: 4.6147, Min: 4.6147, Max: 4.6147, Units: "m"},
	}
}

// OutputVariables returns the two predicted beam sizes at the injector exit.
func OutputVariables() []OutputVariable {
	return []OutputVariable{
		{Name: "sigma_x", Units: "mm"},
		{Name: "sigma_y", Units: "mm"},
	}
}
