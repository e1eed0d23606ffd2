package models

// RunResponse is the API representation of one flow run
type RunResponse struct {
	RunID      string             `json:"run_id"`
	Model      string             `json:"model"`
	StartedAt  string             `json:"started_at"`
	FinishedAt string             `json:"finished_at"`
	Inputs     map[string]float64 `json:"inputs"`
	Outputs    map[string]float64 `json:"outputs"`
}

// RunListResponse wraps a page of archived runs
type RunListResponse struct {
	Runs  []RunResponse `json:"runs"`
	Count int           `json:"count"`
}

// BundleStatusResponse reports the installed model bundle
type BundleStatusResponse struct {
	Installed   bool   `json:"installed"`
	Path        string `json:"path,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BundleInstallRequest asks the server to install a model bundle zip
type BundleInstallRequest struct {
	Path string `json:"path"`
}
