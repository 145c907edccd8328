/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package log

import "fmt"

// Default and restriction values.
const (
	DefaultFileRotationMaxSizeBytes = 1024 * 1024 * 250
	MinFileRotationMaxSizeBytes     = 1024 * 1024

	DefaultFileRotationMaxBackups = 10
	MinFileRotationMaxBackups     = 1
)

// Level defines possible values for log levels.
type Level string

// Logging levels.
const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Format defines possible values for log formats.
type Format string

// Logging formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Output defines possible values for log outputs.
type Output string

// Logging outputs.
const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

// Config represents a set of configuration parameters for logging.
// Configuration can be loaded in different formats (YAML, JSON) using viper
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Level   Level            `mapstructure:"level" yaml:"level" json:"level"`
	Format  Format           `mapstructure:"format" yaml:"format" json:"format"`
	Output  Output           `mapstructure:"output" yaml:"output" json:"output"`
	NoColor bool             `mapstructure:"nocolor" yaml:"nocolor" json:"nocolor"`
	File    FileOutputConfig `mapstructure:"file" yaml:"file" json:"file"`

	// AddCaller determines whether the caller (in package/file:line format)
	// will be added to each logged message.
	AddCaller bool `mapstructure:"addCaller" yaml:"addCaller" json:"addCaller"`
}

// FileOutputConfig is a configuration for file log output.
type FileOutputConfig struct {
	Path     string             `mapstructure:"path" yaml:"path" json:"path"`
	Rotation FileRotationConfig `mapstructure:"rotation" yaml:"rotation" json:"rotation"`
}

// FileRotationConfig is a configuration for file log rotation.
type FileRotationConfig struct {
	Compress         bool  `mapstructure:"compress" yaml:"compress" json:"compress"`
	MaxSizeBytes     int64 `mapstructure:"maxSizeBytes" yaml:"maxSizeBytes" json:"maxSizeBytes"`
	MaxBackups       int   `mapstructure:"maxBackups" yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays       int   `mapstructure:"maxAgeDays" yaml:"maxAgeDays" json:"maxAgeDays"`
	LocalTimeInNames bool  `mapstructure:"localTimeInNames" yaml:"localTimeInNames" json:"localTimeInNames"`
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: OutputStdout,
		File: FileOutputConfig{
			Rotation: FileRotationConfig{
				MaxSizeBytes: DefaultFileRotationMaxSizeBytes,
				MaxBackups:   DefaultFileRotationMaxBackups,
			},
		},
	}
}

// Validate validates configuration.
func (c *Config) Validate() error {
	switch c.Level {
	case "", LevelError, LevelWarn, LevelInfo, LevelDebug:
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch c.Format {
	case "", FormatJSON, FormatText:
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	switch c.Output {
	case "", OutputStdout, OutputStderr:
	case OutputFile:
		if c.File.Path == "" {
			return fmt.Errorf("file path cannot be empty when %q output is used", OutputFile)
		}
		if c.File.Rotation.MaxSizeBytes != 0 && c.File.Rotation.MaxSizeBytes < MinFileRotationMaxSizeBytes {
			return fmt.Errorf("file rotation max size should be >= %d bytes", MinFileRotationMaxSizeBytes)
		}
		if c.File.Rotation.MaxBackups != 0 && c.File.Rotation.MaxBackups < MinFileRotationMaxBackups {
			return fmt.Errorf("file rotation max backups should be >= %d", MinFileRotationMaxBackups)
		}
		if c.File.Rotation.MaxAgeDays < 0 {
			return fmt.Errorf("file rotation max age days should be >= 0")
		}
	default:
		return fmt.Errorf("unknown log output %q", c.Output)
	}
	return nil
}
