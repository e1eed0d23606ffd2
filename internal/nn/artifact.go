package nn

import (
	"encoding/json"
	"fmt"
	"os"
)

// Layer is one dense layer of the surrogate network. Weights are stored
// row-major as [inputs][outputs].
type Layer struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// Artifact is the packaged description of an externally-trained surrogate:
// architecture, weights, feature scalers and the variable schema binding.
type Artifact struct {
	Name       string    `json:"name"`
	InputOrder []string  `json:"input_order"`
	Outputs    []string  `json:"outputs"`
	InputMin   []float64 `json:"input_min"`
	InputMax   []float64 `json:"input_max"`
	OutputMin  []float64 `json:"output_min"`
	OutputMax  []float64 `json:"output_max"`
	Layers     []Layer   `json:"layers"`
}

// LoadArtifact reads and validates a model artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read model artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("could not parse model artifact: %w", err)
	}

	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", path, err)
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	if len(a.InputOrder) == 0 {
		return fmt.Errorf("empty input_order")
	}
	if len(a.Outputs) == 0 {
		return fmt.Errorf("empty outputs")
	}
	if len(a.Layers) == 0 {
		return fmt.Errorf("no layers")
	}
	if len(a.InputMin) != len(a.InputOrder) || len(a.InputMax) != len(a.InputOrder) {
		return fmt.Errorf("input scaler length %d/%d does not match %d inputs",
			len(a.InputMin), len(a.InputMax), len(a.InputOrder))
	}
	if len(a.OutputMin) != len(a.Outputs) || len(a.OutputMax) != len(a.Outputs) {
		return fmt.Errorf("output scaler length %d/%d does not match %d outputs",
			len(a.OutputMin), len(a.OutputMax), len(a.Outputs))
	}

	dim := len(a.InputOrder)
	for i, layer := range a.Layers {
		if len(layer.Weights) != dim {
			return fmt.Errorf("layer %d: %d weight rows, expected %d", i, len(layer.Weights), dim)
		}
		if len(layer.Weights[0]) == 0 {
			return fmt.Errorf("layer %d: empty weight rows", i)
		}
		cols := len(layer.Weights[0])
		for r, row := range layer.Weights {
			if len(row) != cols {
				return fmt.Errorf("layer %d: ragged weight row %d", i, r)
			}
		}
		if len(layer.Bias) != cols {
			return fmt.Errorf("layer %d: bias length %d, expected %d", i, len(layer.Bias), cols)
		}
		switch layer.Activation {
		case "tanh", "relu", "linear", "":
		default:
			return fmt.Errorf("layer %d: unknown activation %q", i, layer.Activation)
		}
		dim = cols
	}

	if dim != len(a.Outputs) {
		return fmt.Errorf("final layer width %d does not match %d outputs", dim, len(a.Outputs))
	}
	return nil
}

// flatten returns the layer weights as a row-major backing slice.
func (l *Layer) flatten() []float64 {
	cols := len(l.Weights[0])
	backing := make([]float64, 0, len(l.Weights)*cols)
	for _, row := range l.Weights {
		backing = append(backing, row...)
	}
	return backing
}
