package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "keyrelay"

// PlatformConfigDir returns the directory holding config.toml.
//
// Platform paths:
//   - macOS: ~/Library/Application Support/keyrelay/
//   - Linux: $XDG_CONFIG_HOME/keyrelay/ or ~/.config/keyrelay/
func PlatformConfigDir() string {
	if runtime.GOOS == "darwin" {
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	return filepath.Join(homeDir(), ".config", appName)
}

// PlatformLogDir returns the default directory for daemon log files.
func PlatformLogDir() string {
	if runtime.GOOS == "darwin" {
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	return filepath.Join(homeDir(), ".local", "state", appName)
}

// PlatformRuntimeDir returns the directory for the socket and pidfile.
//
// Platform paths:
//   - Linux: $XDG_RUNTIME_DIR/keyrelay/ or /tmp/keyrelay-$UID/
//   - other: /tmp/keyrelay-$UID/
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// DefaultPaths returns all default paths for a platform.
type DefaultPaths struct {
	ConfigDir  string
	LogDir     string
	RuntimeDir string

	ConfigFile string
	SocketPath string
	PIDFile    string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	configDir := PlatformConfigDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		ConfigDir:  configDir,
		LogDir:     PlatformLogDir(),
		RuntimeDir: runtimeDir,

		ConfigFile: filepath.Join(configDir, "config.toml"),
		SocketPath: filepath.Join(runtimeDir, appName+".sock"),
		PIDFile:    filepath.Join(runtimeDir, appName+"d.pid"),
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory, then the config
// directory, for config.<ext>. It returns "" when none exists.
func FindConfigFile() string {
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
