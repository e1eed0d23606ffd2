// Package flow runs the injector surrogate workflow: acquire live inputs
// from the control system, evaluate the model, publish the predictions.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/epics"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/nn"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/variables"
)

// ErrNotImplemented is returned by template hooks that this flow does not
// fill in.
var ErrNotImplemented = errors.New("flow: hook not implemented")

// Result is the record of one completed run.
type Result struct {
	RunID      string             `json:"run_id"`
	Model      string             `json:"model"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Inputs     map[string]float64 `json:"inputs"`
	Outputs    map[string]float64 `json:"outputs"`
}

// Recorder persists finished runs. The archive store implements it; a nil
// recorder disables persistence.
type Recorder interface {
	Record(r *Result) error
}

// Flow wires the control-system client, the surrogate model and the PV
// mapping into a single straight-line run. There is no retry and no partial
// completion: the first failed task fails the run.
type Flow struct {
	Client     epics.Client
	Model      *nn.SurrogateModel
	Mapping    *variables.Mapping
	Recorder   Recorder
	GetTimeout time.Duration
	PutTimeout time.Duration
}

// New creates a flow with the given collaborators and default timeouts.
func New(client epics.Client, model *nn.SurrogateModel, mapping *variables.Mapping) *Flow {
	return &Flow{
		Client:     client,
		Model:      model,
		Mapping:    mapping,
		GetTimeout: 5 * time.Second,
		PutTimeout: 5 * time.Second,
	}
}

// Run executes one acquire -> assemble -> evaluate -> publish pass.
func (f *Flow) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	started := time.Now().UTC()
	log.Printf("run %s: starting flow", runID)

	inputs, err := f.acquireInputs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: acquire inputs: %w", runID, err)
	}

	vector, err := f.assembleVector(inputs)
	if err != nil {
		return nil, fmt.Errorf("run %s: assemble input vector: %w", runID, err)
	}

	predictions, err := f.Model.Predict(vector)
	if err != nil {
		return nil, fmt.Errorf("run %s: evaluate: %w", runID, err)
	}

	outputs, err := f.publishOutputs(ctx, runID, predictions)
	if err != nil {
		return nil, fmt.Errorf("run %s: publish outputs: %w", runID, err)
	}

	result := &Result{
		RunID:      runID,
		Model:      f.Model.Name(),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Inputs:     inputs,
		Outputs:    outputs,
	}

	if f.Recorder != nil {
		if err := f.Recorder.Record(result); err != nil {
			log.Printf("Warning: run %s: could not archive result: %v", runID, err)
		}
	}

	log.Printf("run %s: flow finished in %s", runID, result.FinishedAt.Sub(started).Round(time.Millisecond))
	return result, nil
}

// acquireInputs resolves every input variable from its mapped source in
// schema order. A failed or timed-out read fails the whole acquisition.
func (f *Flow) acquireInputs(ctx context.Context, runID string) (map[string]float64, error) {
	inputs := make(map[string]float64, len(variables.InputVariables()))

	for _, v := range variables.InputVariables() {
		src, ok := f.Mapping.Inputs[v.Name]
		if !ok {
			return nil, fmt.Errorf("input %q has no source", v.Name)
		}

		var value float64
		switch {
		case src.Constant != nil:
			value = *src.Constant

		case src.Derived == variables.DerivedRadial:
			a, err := f.read(ctx, src.Sources[0])
			if err != nil {
				return nil, err
			}
			b, err := f.read(ctx, src.Sources[1])
			if err != nil {
				return nil, err
			}
			value = math.Hypot(a, b)

		default:
			var err error
			value, err = f.read(ctx, src.PV)
			if err != nil {
				return nil, err
			}
		}

		log.Printf("run %s: loaded %s = %g", runID, v.Name, value)
		inputs[v.Name] = value
	}

	return inputs, nil
}

// read performs one PV get under the flow's read timeout.
func (f *Flow) read(ctx context.Context, pv string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.GetTimeout)
	defer cancel()

	value, err := f.Client.Get(ctx, pv)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", pv, err)
	}
	return value, nil
}

// assembleVector orders the acquired values into the model's fixed column
// order.
func (f *Flow) assembleVector(inputs map[string]float64) ([]float64, error) {
	order := f.Model.InputOrder()
	if len(order) != len(inputs) {
		return nil, fmt.Errorf("model expects %d inputs, acquired %d", len(order), len(inputs))
	}

	vector := make([]float64, len(order))
	for i, name := range order {
		value, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("model input %q was not acquired", name)
		}
		vector[i] = value
	}
	return vector, nil
}

// publishOutputs writes each prediction scalar to its mapped PV.
func (f *Flow) publishOutputs(ctx context.Context, runID string, predictions []float64) (map[string]float64, error) {
	outs := variables.OutputVariables()
	if len(predictions) != len(outs) {
		return nil, fmt.Errorf("model produced %d outputs, expected %d", len(predictions), len(outs))
	}

	outputs := make(map[string]float64, len(outs))
	for i, v := range outs {
		dst := f.Mapping.Outputs[v.Name]

		putCtx, cancel := context.WithTimeout(ctx, f.PutTimeout)
		err := f.Client.Put(putCtx, dst.PV, predictions[i])
		cancel()
		if err != nil {
			return nil, fmt.Errorf("write %s to %s: %w", v.Name, dst.PV, err)
		}

		log.Printf("run %s: wrote %s = %g to %s", runID, v.Name, predictions[i], dst.PV)
		outputs[v.Name] = predictions[i]
	}
	return outputs, nil
}

// Preprocess is the template hook for scaling or reshaping acquired inputs
// before evaluation. This model needs none, so the hook is left unfilled.
func (f *Flow) Preprocess(inputs map[string]float64, settings map[string]interface{}) error {
	return ErrNotImplemented
}

// FormatFile is the template hook for rendering outputs into a saveable file
// payload. This model needs none, so the hook is left unfilled.
func (f *Flow) FormatFile(outputs map[string]float64) (string, error) {
	return "", ErrNotImplemented
}
