package flow

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/epics"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/nn"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/variables"
)

// fakeClient serves canned PV values and records writes in order.
type fakeClient struct {
	values map[string]float64
	errs   map[string]error
	puts   []fakePut
}

type fakePut struct {
	pv    string
	value float64
}

func (c *fakeClient) Get(ctx context.Context, pv string) (float64, error) {
	if err, ok := c.errs[pv]; ok {
		return 0, err
	}
	v, ok := c.values[pv]
	if !ok {
		return 0, epics.ErrNoValue
	}
	return v, nil
}

func (c *fakeClient) Put(ctx context.Context, pv string, value float64) error {
	c.puts = append(c.puts, fakePut{pv: pv, value: value})
	return nil
}

// blockingClient never answers a read before the context expires.
type blockingClient struct{}

func (blockingClient) Get(ctx context.Context, pv string) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (blockingClient) Put(ctx context.Context, pv string, value float64) error { return nil }

func newFakeClient() *fakeClient {
	return &fakeClient{
		values: map[string]float64{
			"CAMR:IN20:186:XRMS":     0.3,
			"CAMR:IN20:186:YRMS":     0.4,
			"FBCK:BCI0:1:CHRG":       250.0,
			"SOLN:IN20:121:BACT":     0.478,
			"QUAD:IN20:121:BACT":     -0.0074,
			"QUAD:IN20:122:BACT":     -0.0066,
			"ACCL:IN20:300:L0A_PDES": -8.9,
			"ACCL:IN20:300:L0A_ADES": 58.0e6,
		},
	}
}

func testMapping() *variables.Mapping {
	constant := func(v float64) variables.Source {
		return variables.Source{Constant: &v}
	}
	return &variables.Mapping{
		Inputs: map[string]variables.Source{
			"distgen:r_dist:sigma_xy:value": {Derived: variables.DerivedRadial, Sources: []string{"CAMR:IN20:186:XRMS", "CAMR:IN20:186:YRMS"}},
			"distgen:t_dist:length:value":   constant(variables.PulseLength),
			"distgen:total_charge:value":    {PV: "FBCK:BCI0:1:CHRG"},
			"SOL1:solenoid_field_scale":     {PV: "SOLN:IN20:121:BACT"},
			"CQ01:b1_gradient":              {PV: "QUAD:IN20:121:BACT"},
			"SQ01:b1_gradient":              {PV: "QUAD:IN20:122:BACT"},
			"L0A_phase:dtheta0_deg":         {PV: "ACCL:IN20:300:L0A_PDES"},
			"L0A_scale:voltage":             {PV: "ACCL:IN20:300:L0A_ADES"},
			"end_mean_z":                    constant(4.6147),
		},
		Outputs: map[string]variables.Source{
			"sigma_x": {PV: "SIOC:IN20:ML00:AO352"},
			"sigma_y": {PV: "SIOC:IN20:ML00:AO353"},
		},
	}
}

// passthroughModel builds a single linear layer whose first output copies
// the column named by col0 and whose second copies col1, with identity
// scalers, so predictions equal selected raw inputs.
func passthroughModel(t *testing.T, order []string, col0, col1 string, outputs int) *nn.SurrogateModel {
	t.Helper()

	n := len(order)
	weights := make([][]float64, n)
	for i := range weights {
		weights[i] = make([]float64, outputs)
		if order[i] == col0 {
			weights[i][0] = 1
		}
		if outputs > 1 && order[i] == col1 {
			weights[i][1] = 1
		}
	}

	outNames := make([]string, outputs)
	for i := range outNames {
		outNames[i] = string(rune('x' + i))
	}

	a := nn.Artifact{
		Name:       "passthrough",
		InputOrder: order,
		Outputs:    outNames,
		InputMin:   make([]float64, n),
		InputMax:   ones(n),
		OutputMin:  make([]float64, outputs),
		OutputMax:  ones(outputs),
		Layers: []nn.Layer{
			{Weights: weights, Bias: make([]float64, outputs), Activation: "linear"},
		},
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	model, err := nn.Load(path)
	if err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	return model
}

func ones(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func schemaOrder() []string {
	vars := variables.InputVariables()
	order := make([]string, len(vars))
	for i, v := range vars {
		order[i] = v.Name
	}
	return order
}

func TestRunPublishesTwoOutputs(t *testing.T) {
	client := newFakeClient()
	model := passthroughModel(t, schemaOrder(),
		"distgen:r_dist:sigma_xy:value", "distgen:t_dist:length:value", 2)

	f := New(client, model, testMapping())
	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.RunID == "" {
		t.Error("Expected non-empty run ID")
	}
	if len(result.Outputs) != 2 {
		t.Fatalf("Expected exactly 2 outputs, got %d", len(result.Outputs))
	}
	if len(client.puts) != 2 {
		t.Fatalf("Expected exactly 2 PV writes, got %d", len(client.puts))
	}

	// Outputs go to their designated endpoints in schema order.
	if client.puts[0].pv != "SIOC:IN20:ML00:AO352" {
		t.Errorf("Expected sigma_x write to AO352, got %s", client.puts[0].pv)
	}
	if client.puts[1].pv != "SIOC:IN20:ML00:AO353" {
		t.Errorf("Expected sigma_y write to AO353, got %s", client.puts[1].pv)
	}
}

func TestRunComputesRadialSpread(t *testing.T) {
	client := newFakeClient()
	model := passthroughModel(t, schemaOrder(),
		"distgen:r_dist:sigma_xy:value", "distgen:t_dist:length:value", 2)

	f := New(client, model, testMapping())
	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// hypot(0.3, 0.4) = 0.5
	want := math.Hypot(0.3, 0.4)
	got := result.Inputs["distgen:r_dist:sigma_xy:value"]
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected radial spread %g, got %g", want, got)
	}

	// The passthrough model copies the radial column to the first output.
	if math.Abs(client.puts[0].value-want) > 1e-9 {
		t.Errorf("Expected sigma_x write %g, got %g", want, client.puts[0].value)
	}
}

func TestRunPreservesModelColumnOrder(t *testing.T) {
	client := newFakeClient()

	// Reverse the schema order in the artifact; assembly must follow the
	// artifact, not the schema listing.
	order := schemaOrder()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	model := passthroughModel(t, order,
		"distgen:total_charge:value", "distgen:t_dist:length:value", 2)

	f := New(client, model, testMapping())
	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if math.Abs(result.Outputs["sigma_x"]-250.0) > 1e-9 {
		t.Errorf("Expected charge column 250 in output, got %g", result.Outputs["sigma_x"])
	}
	if math.Abs(result.Outputs["sigma_y"]-variables.PulseLength) > 1e-9 {
		t.Errorf("Expected pulse length column %g in output, got %g",
			variables.PulseLength, result.Outputs["sigma_y"])
	}
}

func TestRunFailsOnReadError(t *testing.T) {
	client := newFakeClient()
	client.errs = map[string]error{"SOLN:IN20:121:BACT": errors.New("channel disconnected")}
	model := passthroughModel(t, schemaOrder(),
		"distgen:r_dist:sigma_xy:value", "distgen:t_dist:length:value", 2)

	f := New(client, model, testMapping())
	if _, err := f.Run(context.Background()); err == nil {
		t.Fatal("Expected run failure on read error")
	}

	// No partial publishes on failure.
	if len(client.puts) != 0 {
		t.Errorf("Expected no PV writes after failed acquire, got %d", len(client.puts))
	}
}

func TestRunFailsOnMissingValue(t *testing.T) {
	client := newFakeClient()
	delete(client.values, "FBCK:BCI0:1:CHRG")
	model := passthroughModel(t, schemaOrder(),
		"distgen:r_dist:sigma_xy:value", "distgen:t_dist:length:value", 2)

	f := New(client, model, testMapping())
	_, err := f.Run(context.Background())
	if !errors.Is(err, epics.ErrNoValue) {
		t.Fatalf("Expected ErrNoValue, got %v", err)
	}
}

func TestRunFailsOnReadTimeout(t *testing.T) {
	model := passthroughModel(t, schemaOrder(),
		"distgen:r_dist:sigma_xy:value", "distgen:t_dist:length:value", 2)

	f := New(blockingClient{}, model, testMapping())
	f.GetTimeout = 10 * time.Millisecond

	_, err := f.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestRunFailsOnOutputCountMismatch(t *testing.T) {
	client := newFakeClient()
	model := passthroughModel(t, schemaOrder(),
		"distgen:r_dist:sigma_xy:value", "distgen:t_dist:length:value", 3)

	f := New(client, model, testMapping())
	if _, err := f.Run(context.Background()); err == nil {
		t.Fatal("Expected run failure when model output width is not 2")
	}
	if len(client.puts) != 0 {
		t.Errorf("Expected no PV writes on mismatch, got %d", len(client.puts))
	}
}

type fakeRecorder struct {
	recorded []*Result
}

func (r *fakeRecorder) Record(res *Result) error {
	r.recorded = append(r.recorded, res)
	return nil
}

func TestRunRecordsResult(t *testing.T) {
	client := newFakeClient()
	model := passthroughModel(t, schemaOrder(),
		"distgen:r_dist:sigma_xy:value", "distgen:t_dist:length:value", 2)

	rec := &fakeRecorder{}
	f := New(client, model, testMapping())
	f.Recorder = rec

	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rec.recorded) != 1 || rec.recorded[0].RunID != result.RunID {
		t.Errorf("Expected result recorded once, got %d", len(rec.recorded))
	}
}

func TestTemplateHooksNotImplemented(t *testing.T) {
	f := New(nil, nil, nil)

	if err := f.Preprocess(nil, nil); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("Preprocess: expected ErrNotImplemented, got %v", err)
	}
	if _, err := f.FormatFile(nil); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("FormatFile: expected ErrNotImplemented, got %v", err)
	}
}
