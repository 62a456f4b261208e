package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"intercom-orchestrator/internal/bridge"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value (e.g. "2s", "25s") of the
// environment variable named by key, or fallback if unset or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// bridgesFile is the YAML shape of the bridge instance set:
//
//	bridges:
//	  - name: smb-1
//	    url: http://smb-1:8080
//	    apiKey: secret
//	    weight: 2
type bridgesFile struct {
	Bridges []bridge.InstanceConfig `yaml:"bridges"`
}

// LoadBridges reads the bridge instance set from a YAML file. An empty set
// is a configuration error: the orchestrator cannot run without a bridge.
func LoadBridges(path string) ([]bridge.InstanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bridge config: %w", err)
	}
	var f bridgesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bridge config: %w", err)
	}
	if len(f.Bridges) == 0 {
		return nil, fmt.Errorf("bridge config %s lists no bridges", path)
	}
	for i, b := range f.Bridges {
		if b.Name == "" || b.URL == "" {
			return nil, fmt.Errorf("bridge config %s: entry %d needs name and url", path, i)
		}
	}
	return f.Bridges, nil
}
