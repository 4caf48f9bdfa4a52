package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the server section of config.yaml.
//
//	server:
//	  src_dir: ./pages
//	  port: 8080
//	  trigger_mode: 3
//	  timeout: 60000
//	  opt_linger: false
//	  thread:
//	    count: 8
type Config struct {
	SrcDir      string       `yaml:"src_dir"`
	Port        int          `yaml:"port"`
	TriggerMode int          `yaml:"trigger_mode"`
	Timeout     int          `yaml:"timeout"` // idle timeout in ms; 0 disables
	OptLinger   bool         `yaml:"opt_linger"`
	Thread      ThreadConfig `yaml:"thread"`
}

type ThreadConfig struct {
	Count int `yaml:"count"`
}

type configFile struct {
	Server Config `yaml:"server"`
}

func DefaultConfig() *Config {
	return &Config{
		SrcDir:      "./pages",
		Port:        8080,
		TriggerMode: 3,
		Timeout:     60000,
		OptLinger:   false,
		Thread:      ThreadConfig{Count: 8},
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	file := configFile{Server: *DefaultConfig()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c := file.Server
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range [1024, 65535]", c.Port)
	}
	if c.SrcDir == "" {
		return fmt.Errorf("src_dir is empty")
	}
	if c.TriggerMode < 0 || c.TriggerMode > 3 {
		return fmt.Errorf("trigger_mode %d out of range [0, 3]", c.TriggerMode)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout %d is negative", c.Timeout)
	}
	if c.Thread.Count <= 0 {
		c.Thread.Count = DefaultConfig().Thread.Count
	}
	return nil
}
