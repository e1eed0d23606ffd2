package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings are persisted across runs in the user's config directory.
type Settings struct {
	// BundlePath is the root of the installed model bundle, if any.
	BundlePath string `json:"bundlePath"`
}

// DataStoreDir returns the directory used for persisted settings and
// installed model bundles, creating it if needed.
func DataStoreDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	dir := filepath.Join(base, "lcls-cu-inj-nn")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create data directory: %w", err)
	}
	return dir, nil
}

func settingsPath() (string, error) {
	dir, err := DataStoreDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// LoadSettings reads persisted settings. A missing settings file yields
// zero-value settings, not an error.
func LoadSettings() (Settings, error) {
	var s Settings

	path, err := settingsPath()
	if err != nil {
		return s, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("could not read settings: %w", err)
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("could not parse settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes settings to the user's config directory.
func SaveSettings(s Settings) error {
	path, err := settingsPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write settings: %w", err)
	}
	return nil
}
