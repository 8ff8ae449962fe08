package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads variables from a .env file in the working directory
// without overriding ones already set. A missing file is not an error.
func LoadEnvFile() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - QK_CONFIG_PATH: config file location (default: ~/.config/quotekeeper.toml)
//   - QK_HOME: base directory for quotekeeper data (default: ~/.local/share/quotekeeper)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking QK_CONFIG_PATH env var first,
// then falling back to the default ~/.config/quotekeeper.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("QK_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "quotekeeper.toml"), nil
}

// getBaseDir returns the base directory for quotekeeper data, checking QK_HOME env var first,
// then falling back to the XDG default ~/.local/share/quotekeeper.
func getBaseDir() (string, error) {
	if path := os.Getenv("QK_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "quotekeeper"), nil
}
