// Package config loads gateway configuration from a YAML file and then
// the environment, with environment variables taking precedence over
// file values. There is no command-line flag layer.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the gateway's static configuration.
type Config struct {
	DataDir           string `yaml:"data_dir"`
	DBURL             string `yaml:"db_url"`
	SSHListenPort     int    `yaml:"ssh_listen_port"`
	RDPListenPort     int    `yaml:"rdp_listen_port"`
	TranscodeWorkers  int    `yaml:"transcode_workers"`
	TranscodeQueueMax int    `yaml:"transcode_queue_max"`
	// TranscodeMaxCPUSeconds and TranscodeMaxMemoryMB are the per-job
	// resource ceiling spec.md §4.8 requires; a job that breaches either
	// is killed and marked failed with resource_exceeded.
	TranscodeMaxCPUSeconds int `yaml:"transcode_max_cpu_seconds"`
	TranscodeMaxMemoryMB   int `yaml:"transcode_max_memory_mb"`

	ProxyIPs []string `yaml:"proxy_ips"`
}

// Default returns a Config with the defaults spec.md §6 names.
func Default() Config {
	return Config{
		SSHListenPort:          22,
		RDPListenPort:          3389,
		TranscodeWorkers:       2,
		TranscodeQueueMax:      10,
		TranscodeMaxCPUSeconds: 600,
		TranscodeMaxMemoryMB:   1024,
	}
}

// Load reads a YAML config file, substituting ${VAR} references from the
// environment the way internal/fleet.LoadConfig did in the teacher, then
// applies environment-variable overrides for the fields spec.md §6 names.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}

		content := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
			varName := match[2 : len(match)-1]
			if value := os.Getenv(varName); value != "" {
				return value
			}
			return match
		})

		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DB_URL"); v != "" {
		cfg.DBURL = v
	}
	if v := os.Getenv("SSH_LISTEN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SSHListenPort = p
		}
	}
	if v := os.Getenv("RDP_LISTEN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RDPListenPort = p
		}
	}
	if v := os.Getenv("TRANSCODE_WORKERS"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.TranscodeWorkers = p
		}
	}
	if v := os.Getenv("TRANSCODE_QUEUE_MAX"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.TranscodeQueueMax = p
		}
	}
	if v := os.Getenv("TRANSCODE_MAX_CPU_SECONDS"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.TranscodeMaxCPUSeconds = p
		}
	}
	if v := os.Getenv("TRANSCODE_MAX_MEMORY_MB"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.TranscodeMaxMemoryMB = p
		}
	}
}

// Validate checks that required fields are present, returning a plain
// error naming the first missing one.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	return nil
}
