package config

// Package config provides a reusable loader for the Whiteflag API core's
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/whiteflagprotocol/whiteflag-api-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Whiteflag API core
// process. It mirrors the structure of the YAML files Load reads from
// cmd/config or config.
type Config struct {
	State struct {
		MasterKeyHex string `mapstructure:"master_key_hex" json:"master_key_hex"`
		Encryption   bool   `mapstructure:"encryption" json:"encryption"`
		FileMirror   string `mapstructure:"file_mirror" json:"file_mirror"`
	} `mapstructure:"state" json:"state"`

	Listener struct {
		Interval   string `mapstructure:"interval" json:"interval"`
		Restart    uint64 `mapstructure:"restart" json:"restart"`
		MaxRetries int    `mapstructure:"max_retries" json:"max_retries"`
		BatchSize  int    `mapstructure:"batch_size" json:"batch_size"`
		RPCTimeout string `mapstructure:"rpc_timeout" json:"rpc_timeout"`
		TraceRaw   bool   `mapstructure:"trace_raw" json:"trace_raw"`
	} `mapstructure:"listener" json:"listener"`

	Auth struct {
		ValidDomains []string `mapstructure:"valid_domains" json:"valid_domains"`
	} `mapstructure:"auth" json:"auth"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // also consult process environment variables; no .env file is read

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the WFAPI_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("WFAPI_ENV", ""))
}
