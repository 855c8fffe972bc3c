package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"editoragent/internal/config"
	"editoragent/internal/domain"
)

// ConfigOptions holds options for the config command.
type ConfigOptions struct {
	ConfigPath string // config file; .yaml/.yml are YAML, anything else JSON
	Action     string // "get", "set", "unset", "allow" or "disallow"
	Path       string // dot notation key (e.g. "gateway.port") or a sandbox prefix for allow/disallow
	Value      string // value to set (for set action)
}

// RunConfig runs the config subcommand: non-interactive get/set/unset on
// dot-notation keys, and allow/disallow on the sandbox prefix list.
// Returns exit code (0 for success, 1 for error).
func RunConfig(opts ConfigOptions, stdout, stderr io.Writer) int {
	if _, err := os.Stat(opts.ConfigPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "Error: no configuration found at %s\n", opts.ConfigPath)
		fmt.Fprintf(stderr, "Run 'editoragent check --fix' first to create one.\n")
		return 1
	}

	switch opts.Action {
	case "allow", "disallow":
		return runConfigPrefix(opts, stdout, stderr)
	case "get", "set", "unset":
	default:
		fmt.Fprintf(stderr, "Error: unknown action %q (use 'get', 'set', 'unset', 'allow' or 'disallow')\n", opts.Action)
		return 1
	}

	cfg, err := readConfigMap(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch opts.Action {
	case "get":
		return runConfigGet(cfg, opts.Path, stdout, stderr)
	case "set":
		return runConfigSet(cfg, opts.Path, opts.Value, opts.ConfigPath, stdout, stderr)
	default:
		return runConfigUnset(cfg, opts.Path, opts.ConfigPath, stdout, stderr)
	}
}

// runConfigPrefix edits sandbox.allowedPrefixes through the typed config so
// prefixes are validated and normalized.
func runConfigPrefix(opts ConfigOptions, stdout, stderr io.Writer) int {
	cfg, err := configLoad(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if opts.Action == "allow" {
		if err := config.AddAllowedPrefix(cfg, opts.Path); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		config.RemoveAllowedPrefix(cfg, opts.Path)
	}
	if err := configSave(opts.ConfigPath, cfg); err != nil {
		fmt.Fprintf(stderr, "Error: failed to save config: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, strings.Join(cfg.Sandbox.AllowedPrefixes, "\n"))
	return 0
}

// runConfigGet retrieves a value from the config using dot notation path.
func runConfigGet(cfg map[string]any, path string, stdout, stderr io.Writer) int {
	value := getValueAtPath(cfg, strings.Split(path, "."))
	if value == nil {
		fmt.Fprintf(stderr, "Error: path %q not found in config\n", path)
		return 1
	}

	switch v := value.(type) {
	case string:
		fmt.Fprintln(stdout, v)
	case float64:
		if v == float64(int64(v)) {
			fmt.Fprintf(stdout, "%d\n", int64(v))
		} else {
			fmt.Fprintf(stdout, "%g\n", v)
		}
	case int:
		fmt.Fprintf(stdout, "%d\n", v)
	case bool:
		fmt.Fprintf(stdout, "%t\n", v)
	default:
		jsonBytes, _ := json.Marshal(v)
		fmt.Fprintln(stdout, string(jsonBytes))
	}
	return 0
}

// runConfigSet sets a value in the config using dot notation path. The result
// must still decode as a valid config before it is written.
func runConfigSet(cfg map[string]any, path, value, configPath string, stdout, stderr io.Writer) int {
	if err := setValueAtPathFn(cfg, strings.Split(path, "."), parseValue(value)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeConfigMap(configPath, cfg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "ok\n")
	return 0
}

// runConfigUnset removes a value from the config using dot notation path.
func runConfigUnset(cfg map[string]any, path, configPath string, stdout, stderr io.Writer) int {
	if err := unsetValueAtPath(cfg, strings.Split(path, ".")); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeConfigMap(configPath, cfg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "ok\n")
	return 0
}

// parseValue reads value as an integer, float or bool, else keeps the string.
func parseValue(value string) any {
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

func readConfigMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := map[string]any{}
	if isYAMLPath(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// writeConfigMap encodes cfg in the file's format after checking that it
// still decodes into a domain.Config.
func writeConfigMap(path string, cfg map[string]any) error {
	var (
		data []byte
		err  error
	)
	if isYAMLPath(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var typed domain.Config
	if isYAMLPath(path) {
		err = yaml.Unmarshal(data, &typed)
	} else {
		err = json.Unmarshal(data, &typed)
	}
	if err != nil {
		return fmt.Errorf("invalid config value: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// getValueAtPath retrieves a value from a nested map using a path.
func getValueAtPath(data map[string]any, path []string) any {
	if len(path) == 0 {
		return nil
	}
	value, exists := data[path[0]]
	if !exists {
		return nil
	}
	if len(path) == 1 {
		return value
	}
	nextMap, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return getValueAtPath(nextMap, path[1:])
}

// setValueAtPath sets a value in a nested map, creating intermediate objects.
func setValueAtPath(data map[string]any, path []string, value any) error {
	if len(path) == 0 || path[0] == "" {
		return fmt.Errorf("empty path")
	}
	if len(path) == 1 {
		data[path[0]] = value
		return nil
	}
	nextMap, ok := data[path[0]].(map[string]any)
	if !ok {
		nextMap = make(map[string]any)
		data[path[0]] = nextMap
	}
	return setValueAtPath(nextMap, path[1:], value)
}

// unsetValueAtPath removes a value from a nested map using a path.
func unsetValueAtPath(data map[string]any, path []string) error {
	if len(path) == 0 || path[0] == "" {
		return fmt.Errorf("empty path")
	}
	if len(path) == 1 {
		delete(data, path[0])
		return nil
	}
	nextValue, exists := data[path[0]]
	if !exists {
		return fmt.Errorf("path %q not found", strings.Join(path, "."))
	}
	nextMap, ok := nextValue.(map[string]any)
	if !ok {
		return fmt.Errorf("path %q is not an object", strings.Join(path[:len(path)-1], "."))
	}
	return unsetValueAtPath(nextMap, path[1:])
}
