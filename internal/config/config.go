// Package config loads the bridge's runtime configuration: process
// environment plus an optional .env file, the api_config.json descriptor
// file path, and the machine-kind mapping file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"okuma-bridge/internal/ospapi"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	OPCUA struct {
		ServerURL               string
		Username                string
		Password                string
		SecurityPolicy          string
		SecurityMode            string
		ReconnectInterval       time.Duration
		PublishingInterval      time.Duration
		DefaultSamplingInterval time.Duration
		MaxReconnectAttempts    int
		DetailedLogging         bool
	}

	EventHub struct {
		Enabled          bool
		ConnectionString string
		Name             string
	}

	// MacManExtractInterval is the scheduler period; zero disables it.
	MacManExtractInterval time.Duration

	// APIConfigPath is where api_config.json is read from.
	APIConfigPath string

	// MachineKindsPath is where the optional machine-kind mapping is read
	// from; when the file is missing every machine resolves to the
	// machining-center kind.
	MachineKindsPath string

	// CertDir is the root of the certificates/{own,trusted,rejected} tree.
	CertDir string

	// StagingRoot is the program-management staging directory root.
	StagingRoot string
}

// LoadEnvFile locates and loads the .env file. Lookup order: sibling
// config/.env of the project root (found by walking up from the working
// directory for a go.mod), config/.env under the working directory,
// ../../../config/.env, then ./.env. The first file found wins; absence of
// all four is not an error.
func LoadEnvFile(logger *zap.Logger) {
	for _, candidate := range envFileCandidates() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			logger.Warn("config: .env load failed", zap.String("path", candidate), zap.Error(err))
			return
		}
		logger.Info("config: loaded .env", zap.String("path", candidate))
		return
	}
	logger.Debug("config: no .env file found, using process environment only")
}

func envFileCandidates() []string {
	var candidates []string
	if root, ok := projectRoot(); ok {
		candidates = append(candidates, filepath.Join(root, "config", ".env"))
	}
	candidates = append(candidates,
		filepath.Join("config", ".env"),
		filepath.Join("..", "..", "..", "config", ".env"),
		".env",
	)
	return candidates
}

// projectRoot walks up from the working directory looking for a go.mod.
func projectRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// FromEnv resolves a Config from the process environment, applying the
// documented defaults for every unset variable.
func FromEnv() Config {
	var cfg Config

	cfg.OPCUA.ServerURL = envString("OPCUA_SERVER_URL", "opc.tcp://localhost:4840/AAE/MachineServer")
	cfg.OPCUA.Username = envString("OPCUA_USERNAME", "")
	cfg.OPCUA.Password = envString("OPCUA_PASSWORD", "")
	cfg.OPCUA.SecurityPolicy = envString("OPCUA_SECURITY_POLICY", "None")
	cfg.OPCUA.SecurityMode = envString("OPCUA_SECURITY_MODE", "None")
	cfg.OPCUA.ReconnectInterval = time.Duration(envInt("OPCUA_RECONNECT_INTERVAL_SECONDS", 10)) * time.Second
	cfg.OPCUA.PublishingInterval = time.Duration(envInt("OPCUA_PUBLISHING_INTERVAL_MS", 1000)) * time.Millisecond
	cfg.OPCUA.DefaultSamplingInterval = time.Duration(envInt("OPCUA_DEFAULT_SAMPLING_INTERVAL_MS", 1000)) * time.Millisecond
	cfg.OPCUA.MaxReconnectAttempts = envInt("OPCUA_MAX_RECONNECT_ATTEMPTS", 0)
	cfg.OPCUA.DetailedLogging = envBool("OPCUA_ENABLE_DETAILED_LOGGING", true)

	cfg.EventHub.Enabled = envBool("EVENTHUB_ENABLED", false)
	cfg.EventHub.ConnectionString = envString("EVENTHUB_CONNECTION_STRING", "")
	cfg.EventHub.Name = envString("EVENTHUB_NAME", "")

	cfg.MacManExtractInterval = time.Duration(envInt("MACMAN_EXTRACT_INTERVAL_MINUTES", 1)) * time.Minute

	cfg.APIConfigPath = envString("API_CONFIG_PATH", "api_config.json")
	cfg.MachineKindsPath = envString("MACHINE_KINDS_PATH", "machine_kinds.yaml")
	cfg.CertDir = envString("CERT_DIR", "certificates")
	cfg.StagingRoot = envString("PROGRAM_STAGING_ROOT", `C:\temp`)

	return cfg
}

func envString(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// MachineKinds maps machine-name (or MachineId) substrings to native kinds,
// loaded from machine_kinds.yaml:
//
//	kinds:
//	  - match: "LB3000"
//	    kind: lathe
//	  - match: "MULTUS"
//	    kind: machining-center
//	default: machining-center
type MachineKinds struct {
	Kinds []struct {
		Match string `yaml:"match"`
		Kind  string `yaml:"kind"`
	} `yaml:"kinds"`
	Default string `yaml:"default"`
}

// LoadMachineKinds parses path. A missing file returns an empty mapping and
// no error; every machine then resolves to machining-center.
func LoadMachineKinds(path string) (*MachineKinds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &MachineKinds{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var mk MachineKinds
	if err := yaml.Unmarshal(data, &mk); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &mk, nil
}

// Resolve maps a machine name and id to a kind: first matching substring
// rule wins, then the file's default, then machining-center.
func (mk *MachineKinds) Resolve(machineName, machineId string) ospapi.MachineKind {
	for _, rule := range mk.Kinds {
		if rule.Match == "" {
			continue
		}
		if strings.Contains(strings.ToLower(machineName), strings.ToLower(rule.Match)) ||
			strings.Contains(strings.ToLower(machineId), strings.ToLower(rule.Match)) {
			return normalizeKind(rule.Kind)
		}
	}
	if mk.Default != "" {
		return normalizeKind(mk.Default)
	}
	return ospapi.KindMachiningCenter
}

func normalizeKind(s string) ospapi.MachineKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lathe":
		return ospapi.KindLathe
	case "grinder":
		return ospapi.KindGrinder
	default:
		return ospapi.KindMachiningCenter
	}
}
