package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML configuration file. Values here seed the
// defaults; environment variables and flags override them in that order.
type fileConfig struct {
	Listen        string   `yaml:"listen"`
	WSPath        string   `yaml:"ws_path"`
	APIBase       string   `yaml:"api_base"`
	AppURL        string   `yaml:"app_url"`
	DataDir       string   `yaml:"data_dir"`
	Username      string   `yaml:"username"`
	Origins       []string `yaml:"origins"`
	AllowNoOrigin *bool    `yaml:"allow_no_origin"`
	TrustLocal    *bool    `yaml:"trust_local"`
	MaxConns      int      `yaml:"max_conns"`
	MetricsListen string   `yaml:"metrics_listen"`

	Relay struct {
		URL    string `yaml:"url"`
		HostID string `yaml:"host_id"`
		Key    string `yaml:"key"`
	} `yaml:"relay"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
}

// loadConfigFile reads and strictly decodes a YAML config file.
func loadConfigFile(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	cfg := &fileConfig{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// configPathFromArgs pre-scans args for --config so the file can seed the
// flag defaults before the flag set parses.
func configPathFromArgs(args []string, envValue string) string {
	path := envValue
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				path = args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			path = strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			path = strings.TrimPrefix(a, "-config=")
		}
	}
	return path
}
