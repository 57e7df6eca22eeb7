// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	cfgKeyLocalRoot = "local_root"
	cfgKeyServerURL = "server_url"
	cfgKeyToken     = "access_token"
)

const defaultConfigYAML = `# notifierd configuration

# Directory the local sync state is kept in.
local_root: .notifierd

# Base URL of the sync server the admin feed reports to.
server_url: ""

# Access token presented to the sync server.
access_token: ""
`

// loadConfig reads config.yaml from configDir using Viper, creating a
// default one on first run. A missing config file is not an error: every
// key also has a flag/env override.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(configDir, configFileExt)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("notifierd")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return v, nil
}
