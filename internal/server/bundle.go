package server

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/config"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/httputil"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/models"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/nn"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/variables"
)

// ModelFileName and MappingFileName are the files every model bundle must
// carry at its root.
const (
	ModelFileName   = "model.json"
	MappingFileName = "pv_mapping.json"
)

// errIncompleteBundle marks an archive that lacks one of the required files.
var errIncompleteBundle = errors.New("incomplete bundle")

// bundleManifest describes the contents of a model bundle zip
type bundleManifest struct {
	Format      string `json:"format"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Created     string `json:"created"`
}

// handleBundleStatus returns the current model bundle status
func (s *Server) handleBundleStatus(w http.ResponseWriter, r *http.Request) {
	settings, err := config.LoadSettings()
	if err != nil {
		httputil.RespondJSON(w, http.StatusOK, models.BundleStatusResponse{Error: err.Error()})
		return
	}

	if settings.BundlePath == "" {
		httputil.RespondJSON(w, http.StatusOK, models.BundleStatusResponse{})
		return
	}

	// Check if path still exists
	if _, err := os.Stat(settings.BundlePath); err != nil {
		httputil.RespondJSON(w, http.StatusOK, models.BundleStatusResponse{
			Error: "bundle path no longer exists",
		})
		return
	}

	// Try to read manifest
	var manifest bundleManifest
	manifestPath := filepath.Join(settings.BundlePath, "manifest.json")
	if data, err := os.ReadFile(manifestPath); err == nil {
		json.Unmarshal(data, &manifest)
	}

	httputil.RespondJSON(w, http.StatusOK, models.BundleStatusResponse{
		Installed:   true,
		Path:        settings.BundlePath,
		Version:     manifest.Version,
		Description: manifest.Description,
	})
}

// handleBundleInstall extracts a model bundle zip and loads it
func (s *Server) handleBundleInstall(w http.ResponseWriter, r *http.Request) {
	var req models.BundleInstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Path == "" {
		httputil.RespondError(w, http.StatusBadRequest, "path is required")
		return
	}

	// Validate file exists and is a zip
	if _, err := os.Stat(req.Path); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, fmt.Sprintf("file not found: %s", req.Path))
		return
	}
	if !strings.HasSuffix(strings.ToLower(req.Path), ".zip") {
		httputil.RespondError(w, http.StatusBadRequest, "file must be a .zip archive")
		return
	}

	// Determine extraction target
	storeDir, err := config.DataStoreDir()
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("could not determine data directory: %v", err))
		return
	}
	extractDir := filepath.Join(storeDir, "bundles")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("could not create directory: %v", err))
		return
	}

	// Extract zip
	bundleDir, err := extractBundle(req.Path, extractDir)
	if errors.Is(err, errIncompleteBundle) {
		httputil.RespondError(w, http.StatusBadRequest, fmt.Sprintf("invalid bundle: %v", err))
		return
	}
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("extraction failed: %v", err))
		return
	}

	// Load the bundle before committing to it
	if err := s.reloadFromBundle(bundleDir); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, fmt.Sprintf("bundle rejected: %v", err))
		return
	}

	// Save settings
	settings, _ := config.LoadSettings()
	settings.BundlePath = bundleDir
	if err := config.SaveSettings(settings); err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("could not save settings: %v", err))
		return
	}

	log.Printf("Model bundle installed: %s", bundleDir)
	httputil.RespondJSON(w, http.StatusOK, models.BundleStatusResponse{
		Installed: true,
		Path:      bundleDir,
	})
}

// reloadFromBundle loads the model and mapping from a bundle directory and
// swaps them into the running flow.
func (s *Server) reloadFromBundle(bundleDir string) error {
	modelPath := filepath.Join(bundleDir, ModelFileName)
	mappingPath := filepath.Join(bundleDir, MappingFileName)

	model, err := nn.Load(modelPath)
	if err != nil {
		return err
	}
	mapping, err := variables.LoadMapping(mappingPath)
	if err != nil {
		return err
	}

	s.flow.Model = model
	s.flow.Mapping = mapping

	s.cfg.ModelPath = modelPath
	s.cfg.MappingPath = mappingPath
	return nil
}

// extractBundle unzips a model bundle archive into the target directory.
// The archive must carry the model artifact and PV mapping under its root
// directory; incomplete archives are rejected before anything is written.
// Returns the path to the extracted bundle root directory.
func extractBundle(zipPath, targetDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("could not open zip: %w", err)
	}
	defer r.Close()

	// Find the common root directory name from the zip
	var rootDir string
	for _, f := range r.File {
		parts := strings.SplitN(f.Name, "/", 2)
		if len(parts) > 0 {
			rootDir = parts[0]
			break
		}
	}
	if rootDir == "" {
		return "", fmt.Errorf("empty zip archive")
	}

	for _, name := range []string{ModelFileName, MappingFileName} {
		found := false
		for _, f := range r.File {
			if f.Name == rootDir+"/"+name {
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("%w: missing %s", errIncompleteBundle, name)
		}
	}

	bundleDir := filepath.Join(targetDir, rootDir)

	// Remove existing extraction if present
	os.RemoveAll(bundleDir)

	for _, f := range r.File {
		// Sanitize path to prevent zip slip
		destPath := filepath.Join(targetDir, f.Name)
		if !strings.HasPrefix(destPath, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return "", fmt.Errorf("illegal file path in zip: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			os.MkdirAll(destPath, 0o755)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return "", fmt.Errorf("could not create directory: %w", err)
		}

		outFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return "", fmt.Errorf("could not create file: %w", err)
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return "", fmt.Errorf("could not open zip entry: %w", err)
		}

		_, err = io.Copy(outFile, rc)
		rc.Close()
		outFile.Close()
		if err != nil {
			return "", fmt.Errorf("could not extract file: %w", err)
		}
	}

	return bundleDir, nil
}
