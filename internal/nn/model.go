package nn

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// SurrogateModel wraps a trained feed-forward network loaded from a model
// artifact. It performs inference only; training happens upstream in the
// framework that produced the artifact.
//
// Predict builds a fresh graph per call, so a loaded model is safe for
// concurrent use.
type SurrogateModel struct {
	artifact *Artifact
}

// Load reads a model artifact and returns a ready-to-evaluate model.
func Load(path string) (*SurrogateModel, error) {
	artifact, err := LoadArtifact(path)
	if err != nil {
		return nil, err
	}
	return &SurrogateModel{artifact: artifact}, nil
}

// Name returns the artifact's model name.
func (m *SurrogateModel) Name() string { return m.artifact.Name }

// InputOrder returns the fixed column order of the input vector.
func (m *SurrogateModel) InputOrder() []string { return m.artifact.InputOrder }

// OutputNames returns the output vector's element names in order.
func (m *SurrogateModel) OutputNames() []string { return m.artifact.Outputs }

// InputDim returns the width of the input vector.
func (m *SurrogateModel) InputDim() int { return len(m.artifact.InputOrder) }

// OutputDim returns the width of the prediction vector.
func (m *SurrogateModel) OutputDim() int { return len(m.artifact.Outputs) }

// Info returns artifact metadata for the info endpoint.
func (m *SurrogateModel) Info() map[string]interface{} {
	return map[string]interface{}{
		"name":        m.artifact.Name,
		"input_dim":   m.InputDim(),
		"output_dim":  m.OutputDim(),
		"num_layers":  len(m.artifact.Layers),
		"input_order": m.artifact.InputOrder,
		"outputs":     m.artifact.Outputs,
	}
}

// Predict runs one forward pass. The input slice must follow InputOrder; the
// result follows OutputNames and always has OutputDim elements.
func (m *SurrogateModel) Predict(inputs []float64) ([]float64, error) {
	if len(inputs) != m.InputDim() {
		return nil, fmt.Errorf("input length %d, model expects %d", len(inputs), m.InputDim())
	}

	scaled := make([]float64, len(inputs))
	for i, v := range inputs {
		scaled[i] = scale(v, m.artifact.InputMin[i], m.artifact.InputMax[i])
	}

	output, g, err := m.forward(scaled)
	if err != nil {
		return nil, err
	}

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()

	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("vm run failed: %w", err)
	}

	outVal := output.Value()
	if outVal == nil {
		return nil, fmt.Errorf("no output value")
	}

	data := outVal.Data().([]float64)
	result := make([]float64, len(data))
	for i, v := range data {
		result[i] = unscale(v, m.artifact.OutputMin[i], m.artifact.OutputMax[i])
	}
	return result, nil
}

// forward builds the inference graph for a single scaled input row. No loss
// or gradient nodes are added; the graph only ever runs forward.
func (m *SurrogateModel) forward(scaled []float64) (*gorgonia.Node, *gorgonia.ExprGraph, error) {
	g := gorgonia.NewGraph()
	inDim := m.InputDim()

	inputT := tensor.New(
		tensor.WithShape(1, inDim),
		tensor.WithBacking(scaled),
	)
	hidden := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(1, inDim),
		gorgonia.WithName("input"),
		gorgonia.WithValue(inputT),
	)

	dim := inDim
	var err error
	for i, layer := range m.artifact.Layers {
		cols := len(layer.Bias)

		wT := tensor.New(
			tensor.WithShape(dim, cols),
			tensor.WithBacking(layer.flatten()),
		)
		w := gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(dim, cols),
			gorgonia.WithName(fmt.Sprintf("w%d", i)),
			gorgonia.WithValue(wT),
		)

		bT := tensor.New(
			tensor.WithShape(cols),
			tensor.WithBacking(append([]float64(nil), layer.Bias...)),
		)
		b := gorgonia.NewVector(g, tensor.Float64,
			gorgonia.WithShape(cols),
			gorgonia.WithName(fmt.Sprintf("b%d", i)),
			gorgonia.WithValue(bT),
		)

		hidden, err = gorgonia.Mul(hidden, w)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d mul: %w", i, err)
		}

		hidden, err = gorgonia.BroadcastAdd(hidden, b, nil, []byte{0})
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d bias: %w", i, err)
		}

		switch layer.Activation {
		case "tanh":
			hidden, err = gorgonia.Tanh(hidden)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %d tanh: %w", i, err)
			}
		case "relu":
			hidden, err = gorgonia.Rectify(hidden)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %d relu: %w", i, err)
			}
		}

		dim = cols
	}

	return hidden, g, nil
}

// scale maps a raw value into the unit range the network was trained on.
// A degenerate range marks a constant feature and maps to zero.
func scale(v, min, max float64) float64 {
	span := max - min
	if span == 0 {
		return 0
	}
	return (v - min) / span
}

// unscale maps a network output back to engineering units.
func unscale(v, min, max float64) float64 {
	return min + v*(max-min)
}
