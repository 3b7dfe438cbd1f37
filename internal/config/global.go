package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// GlobalConfigDir is the directory for global newsrag config
	GlobalConfigDir = ".newsrag"
	// GlobalConfigFile is the global config filename
	GlobalConfigFile = "config.yaml"
)

// GetGlobalConfigDir returns the path to ~/.newsrag/
func GetGlobalConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, GlobalConfigDir), nil
}

// GetGlobalConfigPath returns the path to ~/.newsrag/config.yaml
func GetGlobalConfigPath() (string, error) {
	dir, err := GetGlobalConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, GlobalConfigFile), nil
}

// GlobalConfigExists checks if the global config file exists
func GlobalConfigExists() bool {
	path, err := GetGlobalConfigPath()
	if err != nil {
		return false
	}
	return fileExists(path)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	return path
}

// FindProjectRoot searches upwards from the working directory for a .newsrag
// directory. When none exists the working directory is the project root.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root, ok := FindProjectRootFrom(dir); ok {
		return root, nil
	}
	return dir, nil
}

// FindProjectRootFrom searches for a project root starting from the given directory
func FindProjectRootFrom(startDir string) (string, bool) {
	dir := startDir
	home, _ := os.UserHomeDir()

	for {
		// ~/.newsrag is the global config dir, not a project marker
		if dir != home {
			if info, err := os.Stat(filepath.Join(dir, DefaultDataDir)); err == nil && info.IsDir() {
				return dir, true
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
