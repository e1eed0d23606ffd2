package epics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Gateway is a Client backed by a PV gateway's REST API.
type Gateway struct {
	BaseURL string       // gateway base URL, no trailing slash
	Client  *http.Client // falls back to http.DefaultClient
}

// NewGateway creates a gateway client. A nil httpClient falls back to
// http.DefaultClient at call time.
func NewGateway(baseURL string, httpClient *http.Client) *Gateway {
	return &Gateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  httpClient,
	}
}

func (g *Gateway) httpClient() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return http.DefaultClient
}

func (g *Gateway) pvURL(pv string) string {
	return g.BaseURL + "/pv/" + url.PathEscape(pv)
}

// pvReading is the gateway's representation of a live channel.
type pvReading struct {
	Name      string   `json:"name"`
	Value     *float64 `json:"value"`
	Timestamp string   `json:"timestamp,omitempty"`
	Severity  string   `json:"severity,omitempty"`
}

// Get reads the current scalar value of a PV.
func (g *Gateway) Get(ctx context.Context, pv string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.pvURL(pv), nil)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", pv, err)
	}

	resp, err := g.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", pv, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("get %s: %w", pv, ErrNoValue)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("get %s: gateway returned %d: %s", pv, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var reading pvReading
	if err := json.NewDecoder(resp.Body).Decode(&reading); err != nil {
		return 0, fmt.Errorf("get %s: decode response: %w", pv, err)
	}
	if reading.Value == nil {
		return 0, fmt.Errorf("get %s: %w", pv, ErrNoValue)
	}
	return *reading.Value, nil
}

// Put writes a scalar value to a PV.
func (g *Gateway) Put(ctx context.Context, pv string, value float64) error {
	body, err := json.Marshal(map[string]float64{"value": value})
	if err != nil {
		return fmt.Errorf("put %s: %w", pv, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.pvURL(pv), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("put %s: %w", pv, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", pv, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("put %s: gateway returned %d: %s", pv, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
