package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// LockPath returns the sidecar file that pins the hash of configPath.
func LockPath(configPath string) string {
	return configPath + ".b3"
}

// Lock writes the BLAKE3 hash of configPath to its sidecar and returns it.
func Lock(configPath string) (string, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", err
	}
	line := fmt.Sprintf("%s  %s\n", hash, filepath.Base(configPath))
	if err := os.WriteFile(LockPath(configPath), []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", LockPath(configPath), err)
	}
	return hash, nil
}

// VerifyLock checks configPath against its sidecar hash. A missing sidecar
// means the file is unlocked and passes.
func VerifyLock(configPath string) error {
	data, err := os.ReadFile(LockPath(configPath))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", LockPath(configPath), err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return fmt.Errorf("%s is empty; run 'sherpa-gw config lock'", LockPath(configPath))
	}
	actual, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != fields[0] {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s; run 'sherpa-gw config lock' after reviewing changes",
			filepath.Base(configPath), fields[0], actual)
	}
	return nil
}
