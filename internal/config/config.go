// Package config loads layered YAML configuration: built-in defaults, an
// optional default file, the global file and the project file, with
// FLUXSWEEP_ environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var ErrUnknownKey = errors.New("unknown config key")

// Paths captures the config files used during LoadConfig.
type Paths struct {
	Default string
	Global  string
	Project string
}

var (
	mu            sync.RWMutex
	currentConfig *viper.Viper
	currentPaths  Paths
)

// Keys below these prefixes are free-form backend inputs.
var openSections = []string{"benchmark.extra", "generation.extra"}

var secretSuffixes = []string{"api_key", "api_token", "password", "webhook"}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FLUXSWEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	applyDefaults(v)
	return v
}

// LoadConfig merges the default, global and project files over the built-in
// defaults, later layers winning.
func LoadConfig(projectDir string) (Paths, error) {
	v := newViper()
	paths := Paths{
		Default: defaultConfigPath(),
		Global:  globalConfigPath(),
		Project: projectConfigPath(projectDir),
	}

	layers := []struct{ name, path string }{
		{"default", paths.Default},
		{"global", paths.Global},
		{"project", paths.Project},
	}
	for _, layer := range layers {
		if !fileExists(layer.path) {
			continue
		}
		v.SetConfigFile(layer.path)
		if err := v.MergeInConfig(); err != nil {
			return paths, fmt.Errorf("read %s config %s: %w", layer.name, layer.path, err)
		}
	}

	mu.Lock()
	currentConfig = v
	currentPaths = paths
	mu.Unlock()

	return paths, nil
}

// CurrentPaths returns the files used by the last LoadConfig.
func CurrentPaths() Paths {
	mu.RLock()
	defer mu.RUnlock()
	return currentPaths
}

// GetConfig returns a config value as a string with env overrides applied.
func GetConfig(key string) (string, bool) {
	key = normalizeKey(key)
	if key == "" {
		return "", false
	}

	if env, ok := legacyEnvOverrides()[key]; ok {
		if value, found := os.LookupEnv(env); found {
			return legacyValue(key, value), true
		}
	}

	mu.RLock()
	defer mu.RUnlock()
	if currentConfig == nil || !currentConfig.IsSet(key) {
		return "", false
	}
	return valueToString(currentConfig.Get(key)), true
}

// SetConfig validates value and writes it to the global config file. Bare
// numbers for timeout keys are stored as seconds.
func SetConfig(key, value string) error {
	path := globalConfigPath()
	if path == "" {
		return errors.New("global config path is not available")
	}
	return writeValue(path, key, value)
}

// SetProjectConfig validates value and writes it to projectDir's config file.
func SetProjectConfig(projectDir, key, value string) error {
	path := projectConfigPath(projectDir)
	if path == "" {
		return fmt.Errorf("project directory not found: %s", projectDir)
	}
	return writeValue(path, key, value)
}

// ValidateValue reports whether value is accepted for key by the typed
// settings.
func ValidateValue(key, value string) error {
	key = normalizeKey(key)
	if !KnownKey(key) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	v := viper.New()
	applyDefaults(v)
	v.Set(key, legacyValue(key, value))
	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// KnownKey reports whether key names a built-in setting or an entry of a
// backend input map.
func KnownKey(key string) bool {
	key = normalizeKey(key)
	if key == "" {
		return false
	}
	for _, section := range openSections {
		if strings.HasPrefix(key, section+".") {
			return true
		}
	}
	v := viper.New()
	applyDefaults(v)
	return v.IsSet(key)
}

// IsSecret reports whether key holds a credential that should be masked
// when printed.
func IsSecret(key string) bool {
	key = normalizeKey(key)
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// Redact masks all but the last four characters of long secrets.
func Redact(value string) string {
	switch {
	case value == "":
		return ""
	case len(value) <= 8:
		return "****"
	default:
		return "****" + value[len(value)-4:]
	}
}

// ListConfig returns every key of the current configuration with env and
// legacy overrides applied.
func ListConfig() (map[string]string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if currentConfig == nil {
		return nil, ErrNotLoaded
	}

	items := map[string]string{}
	for _, key := range currentConfig.AllKeys() {
		items[key] = valueToString(currentConfig.Get(key))
	}
	for key, env := range legacyEnvOverrides() {
		if value, ok := os.LookupEnv(env); ok {
			items[key] = legacyValue(key, value)
		}
	}
	return items, nil
}

func writeValue(path, key, value string) error {
	key = normalizeKey(key)
	if err := ValidateValue(key, value); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if fileExists(path) {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	value = legacyValue(key, value)
	v.Set(key, value)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}

	mu.Lock()
	if currentConfig != nil {
		currentConfig.Set(key, value)
	}
	mu.Unlock()
	return nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func defaultConfigPath() string {
	if path := os.Getenv("FLUXSWEEP_DEFAULT_CONFIG"); path != "" {
		return path
	}

	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe), filepath.Join(filepath.Dir(exe), ".."))
	}
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if dir := configDir(); dir != "" {
		dirs = append(dirs, dir)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, "config", "default.yaml")
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func globalConfigPath() string {
	if path := os.Getenv("FLUXSWEEP_GLOBAL_CONFIG"); path != "" {
		return path
	}
	if dir := configDir(); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	return ""
}

func projectConfigPath(projectDir string) string {
	if projectDir == "" {
		return ""
	}
	if info, err := os.Stat(projectDir); err != nil || !info.IsDir() {
		return ""
	}
	name := os.Getenv("FLUXSWEEP_PROJECT_CONFIG_NAME")
	if name == "" {
		name = ".fluxsweep.yaml"
	}
	return filepath.Join(projectDir, name)
}

func configDir() string {
	if path := os.Getenv("FLUXSWEEP_CONFIG_DIR"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fluxsweep")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// legacyEnvOverrides maps keys to the unprefixed variables older
// deployments set.
func legacyEnvOverrides() map[string]string {
	return map[string]string{
		"replicate.api_token":      "REPLICATE_API_TOKEN",
		"openai.api_key":           "OPENAI_API_KEY",
		"bfl.api_key":              "BFL_API_KEY",
		"image.max_retries":        "MAX_RETRIES",
		"image.request_timeout":    "TIMEOUT",
		"image.max_wait":           "MAX_WAIT_TIME",
		"benchmark.max_iterations": "MAX_BENCHMARK_ITERATIONS",
	}
}

func valueToString(value any) string {
	switch typed := value.(type) {
	case []string:
		return strings.Join(typed, ",")
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	case []float64:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(value)
	}
}
