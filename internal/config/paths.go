package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultBaseDir = ".docchat"

// Paths holds resolved filesystem paths for docchat data.
type Paths struct {
	Base    string // ~/.docchat
	Config  string // ~/.docchat/config.yaml
	Env     string // ~/.docchat/.env
	Data    string // ~/.docchat/data
	DB      string // ~/.docchat/data/docchat.db
	Logs    string // ~/.docchat/logs
	LogFile string // ~/.docchat/logs/docchat.log
	Uploads string // ~/.docchat/uploads
}

// ResolvePaths computes all standard paths from the home directory.
// If DOCCHAT_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("DOCCHAT_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	data := filepath.Join(base, "data")
	logs := filepath.Join(base, "logs")
	return Paths{
		Base:    base,
		Config:  filepath.Join(base, "config.yaml"),
		Env:     filepath.Join(base, ".env"),
		Data:    data,
		DB:      filepath.Join(data, "docchat.db"),
		Logs:    logs,
		LogFile: filepath.Join(logs, "docchat.log"),
		Uploads: filepath.Join(base, "uploads"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Data, p.Logs, p.Uploads} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// segmentPattern matches one key of a dotted config path, as written in the
// yaml file.
var segmentPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ParseConfigPath splits a dotted config path such as "search.topK" into
// its keys.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &ConfigError{Message: "config path contains empty segment"}
		}
		if !segmentPattern.MatchString(p) {
			return nil, &ConfigError{Message: "invalid config key: " + p}
		}
	}
	return parts, nil
}

// secretKeys are leaf keys whose values are credentials.
var secretKeys = map[string]bool{
	"apiKey":   true,
	"token":    true,
	"password": true,
	"dsn":      true,
}

// IsSecretPath reports whether path ends in a credential.
func IsSecretPath(path []string) bool {
	return len(path) > 0 && secretKeys[path[len(path)-1]]
}

// GetValueAtPath traverses a nested map using the given path segments.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	current := any(root)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetValueAtPath sets a value in a nested map, creating intermediate maps as needed.
func SetValueAtPath(root map[string]any, path []string, value any) {
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key]
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		m, ok := next.(map[string]any)
		if !ok {
			m = map[string]any{}
			current[key] = m
		}
		current = m
	}
	current[path[len(path)-1]] = value
}

// UnsetValueAtPath removes a value at the given path. Returns true if removed.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key]
		if !ok {
			return false
		}
		m, ok := next.(map[string]any)
		if !ok {
			return false
		}
		current = m
	}
	last := path[len(path)-1]
	if _, ok := current[last]; !ok {
		return false
	}
	delete(current, last)
	return true
}
