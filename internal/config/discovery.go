package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "SHERPA_GW_CONFIG"

// Discover finds the config file by checking standard locations.
// Priority order: --config flag, $SHERPA_GW_CONFIG, ~/.config/sherpa-gw/config.yaml,
// /etc/sherpa-gw/config.yaml. An empty path with nil error means none exist.
func Discover(flagPath string) (string, error) {
	if flagPath != "" {
		if _, err := os.Stat(flagPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", flagPath, err)
		}
		return flagPath, nil
	}

	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$%s points at %s: %w", EnvConfigPath, p, err)
		}
		return p, nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "sherpa-gw", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	p := "/etc/sherpa-gw/config.yaml"
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return "", nil
}
