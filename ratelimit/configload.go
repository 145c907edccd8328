/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Supported configuration data types.
const (
	DataTypeYAML = "yaml"
	DataTypeJSON = "json"
)

// LoadConfigFromReader loads and validates configuration from the reader.
// dataType should be one of DataTypeYAML or DataTypeJSON.
func LoadConfigFromReader(r io.Reader, dataType string) (*Config, error) {
	vpr := viper.New()
	vpr.SetConfigType(dataType)
	if err := vpr.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := vpr.Unmarshal(&cfg, viper.DecodeHook(MapstructureDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromFile loads and validates configuration from the file.
// The data type is detected by the file extension (.yml, .yaml or .json).
func LoadConfigFromFile(path string) (*Config, error) {
	dataType, err := dataTypeFromFileExt(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	return LoadConfigFromReader(f, dataType)
}

func dataTypeFromFileExt(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return DataTypeYAML, nil
	case ".json":
		return DataTypeJSON, nil
	}
	return "", fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
}
