// Package config is the layered runtime configuration: builtin defaults,
// config.yaml over them, and environment overrides at lookup time.
//
// Keys use dot notation ("stt.model"). The environment override for a key
// is its upper-cased path with dots as underscores, prefixed JARVIS_
// (stt.model → JARVIS_STT_MODEL). Environment values win over everything.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds the merged configuration tree. Safe for concurrent use.
type Config struct {
	mu   sync.RWMutex
	path string
	data map[string]any
}

// Load reads the configuration file at path over the builtin defaults. A
// missing file is fine (defaults only); an unparsable one is an error.
func Load(path string) (*Config, error) {
	c := &Config{path: path, data: defaults()}
	if err := c.loadFile(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file, discarding runtime Set values.
func (c *Config) Reload() error {
	c.mu.Lock()
	c.data = defaults()
	c.mu.Unlock()
	return c.loadFile()
}

// Path returns the configuration file path.
func (c *Config) Path() string { return c.path }

func (c *Config) loadFile() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		log.Printf("[CONFIG] config file not found: %s", c.path)
		return nil
	}
	var file map[string]any
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config %s: %w", c.path, err)
	}
	c.mu.Lock()
	merge(c.data, file)
	c.mu.Unlock()
	log.Printf("[CONFIG] loaded config from %s", c.path)
	return nil
}

// merge lays src over dst, recursing into sections so a file that sets one
// key keeps the sibling defaults.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				merge(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// Get returns the value for a dot-notation key. An environment override is
// returned verbatim as a string.
func (c *Config) Get(key string) (any, bool) {
	if env, ok := os.LookupEnv(envKey(key)); ok {
		return env, true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var value any = c.data
	for _, part := range strings.Split(key, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// GetString returns the key's value as a string, or def when absent.
func (c *Config) GetString(key, def string) string {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// GetInt returns the key's value as an int, or def when absent or not a
// number.
func (c *Config) GetInt(key string, def int) int {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

// GetFloat returns the key's value as a float64, or def when absent or not
// a number.
func (c *Config) GetFloat(key string, def float64) float64 {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed
		}
	}
	return def
}

// GetBool returns the key's value as a bool, or def when absent or not a
// bool.
func (c *Config) GetBool(key string, def bool) bool {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// GetStringSlice returns the key's value as strings. Environment overrides
// are comma-separated.
func (c *Config) GetStringSlice(key string) []string {
	v, ok := c.Get(key)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		parts := strings.Split(list, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return nil
}

// GetSection returns a copy of a top-level section. Environment overrides
// do not apply; they are per-key.
func (c *Config) GetSection(name string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	section, ok := c.data[name].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return copyMap(section)
}

// Set assigns a dot-notation key at runtime. Not persisted; intermediate
// sections are created as needed.
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := strings.Split(key, ".")
	m := c.data
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func envKey(key string) string {
	return "JARVIS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = copyMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}

// defaults is the full configuration tree a bare install runs with.
func defaults() map[string]any {
	return map[string]any{
		"audio": map[string]any{
			"sample_rate": 16000,
			"channels":    1,
			"dtype":       "float32",
		},
		"stt": map[string]any{
			"model":                "medium",
			"language":             "en",
			"beam_size":            5,
			"confidence_threshold": 0.6,
			"device":               "auto",
		},
		"commands": map[string]any{
			"registry_path": "commands/command_map.yaml",
		},
		"security": map[string]any{
			"default_policy": "deny",
			"blocked_paths": []any{
				"/etc", "/var", "/usr", "/bin", "/sbin",
				"/System", "/Library", "/private",
				".ssh", ".gnupg", ".aws", ".config",
			},
			"allowed_apps": []any{
				"safari", "chrome", "firefox", "terminal", "finder",
				"spotify", "notes", "calendar", "calculator", "textedit",
			},
		},
		"planner": map[string]any{
			"mode": "rules",
		},
		"database": map[string]any{
			"path": "jarvis.db",
		},
		"scheduler": map[string]any{
			"legacy_tasks_file": "tasks.json",
		},
	}
}
