// Package config loads the director's YAML configuration: the set of
// enabled connectors and their per-connector option blocks (spec §6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConnectorConfig is one entry under `connectors:` — the name a connector
// registers under plus its free-form option object.
type ConnectorConfig struct {
	Name    string                 `yaml:"name"`
	Type    string                 `yaml:"type"`
	Options map[string]interface{} `yaml:"options"`
}

// UserConfig is one entry under `users:` — the static user table consumed
// by mediator.StaticAuthenticator, the reference stand-in for the
// external authentication backend (spec §1).
type UserConfig struct {
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Sudo       bool     `yaml:"sudo"`
	AccessTags []string `yaml:"access_tags"`
}

// Config is the top-level director configuration document.
type Config struct {
	DataDir      string            `yaml:"data_dir"`
	MediatorAddr string            `yaml:"mediator_addr"`
	GatewayAddr  string            `yaml:"gateway_addr"`
	RaftAddr     string            `yaml:"raft_addr"`
	RaftJoin     string            `yaml:"raft_join"`
	Registry     string            `yaml:"registry"`
	Connectors   []ConnectorConfig `yaml:"connectors"`
	Users        []UserConfig      `yaml:"users"`
}

// Load reads and parses the YAML config at path. Unknown options on the
// command line are handled by the cobra layer; a missing or unparsable
// config file here is a fatal init failure, per spec §6 exit codes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Connectors) == 0 {
		return nil, fmt.Errorf("config: no connectors configured")
	}
	return &cfg, nil
}
