package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// duration decodes Go duration strings ("30s", "1m") from YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// fileConfig is the optional YAML configuration file. Values here seed the
// defaults; environment variables and flags override them in that order.
type fileConfig struct {
	Listen        string   `yaml:"listen"`
	AgentPath     string   `yaml:"agent_path"`
	ClientPath    string   `yaml:"client_path"`
	AgentKey      string   `yaml:"agent_key"`
	Origins       []string `yaml:"origins"`
	AllowNoOrigin *bool    `yaml:"allow_no_origin"`
	MaxConns      int      `yaml:"max_conns"`
	MaxFrameBytes int64    `yaml:"max_frame_bytes"`
	PairTimeout   duration `yaml:"pair_timeout"`
	WriteTimeout  duration `yaml:"write_timeout"`
	MetricsListen string   `yaml:"metrics_listen"`

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
