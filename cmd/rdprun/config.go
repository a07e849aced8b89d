package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the .rdprunrc structure.
type fileConfig struct {
	Host           *string `yaml:"host"`
	Port           *int    `yaml:"port"`
	Frontend       *string `yaml:"frontend"`
	Jobs           *int    `yaml:"jobs"`
	Watchdog       *string `yaml:"watchdog"` // duration string, e.g. "10s"
	Output         *string `yaml:"output"`
	Filter         *string `yaml:"filter"`
	LogLevel       *string `yaml:"log_level"`
	MaxSendRetries *int    `yaml:"max_send_retries"`
}

// configPaths lists candidate config files, CWD first, then home.
func configPaths() []string {
	paths := []string{filepath.Join(".", ".rdprunrc")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".rdprunrc"))
	}
	return paths
}

// loadConfigFile applies the first readable file in paths to cfg.
func loadConfigFile(cfg *Config, paths []string) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			continue // silently skip malformed config
		}
		applyFileConfig(cfg, &fc)
		return
	}
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.Host != nil {
		cfg.Host = *fc.Host
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.Frontend != nil {
		cfg.FrontendURL = *fc.Frontend
	}
	if fc.Jobs != nil {
		cfg.Jobs = *fc.Jobs
	}
	if fc.Watchdog != nil {
		if d, err := time.ParseDuration(*fc.Watchdog); err == nil {
			cfg.Watchdog = d
		}
	}
	if fc.Output != nil {
		cfg.Output = *fc.Output
	}
	if fc.Filter != nil {
		cfg.Filter = *fc.Filter
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.MaxSendRetries != nil {
		cfg.MaxSendRetries = *fc.MaxSendRetries
	}
}

// applyEnvVars applies environment variables to cfg, but only for fields
// not already set by explicit CLI flags.
func applyEnvVars(cfg *Config, explicit map[string]bool) {
	if !explicit["host"] {
		if v := os.Getenv("RDPRUN_HOST"); v != "" {
			cfg.Host = v
		}
	}
	if !explicit["port"] {
		if v := os.Getenv("RDPRUN_PORT"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				cfg.Port = i
			}
		}
	}
	if !explicit["frontend"] {
		if v := os.Getenv("RDPRUN_FRONTEND"); v != "" {
			cfg.FrontendURL = v
		}
	}
	if !explicit["jobs"] {
		if v := os.Getenv("RDPRUN_JOBS"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				cfg.Jobs = i
			}
		}
	}
}

// reapplyExplicitFlags re-applies flag values that were explicitly set on
// the command line, since the config file may have overwritten them.
func reapplyExplicitFlags(cfg *Config, fv *flagValues, explicit map[string]bool) {
	if explicit["host"] {
		cfg.Host = fv.host
	}
	if explicit["port"] {
		cfg.Port = fv.port
	}
	if explicit["frontend"] {
		cfg.FrontendURL = fv.frontend
	}
	if explicit["jobs"] {
		cfg.Jobs = fv.jobs
	}
	if explicit["watchdog"] {
		cfg.Watchdog = fv.watchdog
	}
	if explicit["output"] {
		cfg.Output = fv.output
	}
	if explicit["filter"] {
		cfg.Filter = fv.filter
	}
	if explicit["launch"] {
		cfg.Launch = fv.launch
	}
	if explicit["chrome"] {
		cfg.ChromePath = fv.chrome
	}
	if explicit["close-existing"] {
		cfg.CloseExisting = fv.closeExisting
	}
	if explicit["metrics-addr"] {
		cfg.MetricsAddr = fv.metricsAddr
	}
	if explicit["log-level"] {
		cfg.LogLevel = fv.logLevel
	}
	if explicit["log-json"] {
		cfg.LogJSON = fv.logJSON
	}
	if explicit["max-send-retries"] {
		cfg.MaxSendRetries = fv.maxSendRetries
	}
	if explicit["quiet"] {
		cfg.Quiet = fv.quiet
	}
}
