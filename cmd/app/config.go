package main

import (
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// serverConfig comes from a YAML file; command-line flags override
// individual fields.
type serverConfig struct {
	Addr      string `yaml:"addr"`
	RPCSocket string `yaml:"rpc_socket"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Addr:      ":8080",
		RPCSocket: "/tmp/traceflow.sock",
		DBPath:    "traceflow.db",
		LogLevel:  "info",
	}
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return serverConfig{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}

func resolveServerConfig(c *cli.Command) (serverConfig, error) {
	cfg, err := loadServerConfig(c.String("config"))
	if err != nil {
		return serverConfig{}, err
	}
	if v := c.String("addr"); v != "" {
		cfg.Addr = v
	}
	if v := c.String("rpc-socket"); v != "" {
		cfg.RPCSocket = v
	}
	if v := c.String("db-path"); v != "" {
		cfg.DBPath = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}
