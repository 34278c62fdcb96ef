// Package config loads the YAML configuration of the vehicle controller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/uavctl/internal/command"
	"github.com/roman-kulish/uavctl/internal/estimator"
	"github.com/roman-kulish/uavctl/internal/logging"
	"github.com/roman-kulish/uavctl/internal/vehicle/service"
	"github.com/roman-kulish/uavctl/internal/vehicle/service/mqttbridge"
	"github.com/roman-kulish/uavctl/internal/vehicle/sim"
)

const (
	BackendService = "service"
	BackendSim     = "sim"
)

// Config represents the main application configuration
type Config struct {
	Settings  Settings        `yaml:"settings" json:"settings"`
	Backend   BackendConfig   `yaml:"backend" json:"backend"`
	Command   CommandConfig   `yaml:"command" json:"command"`
	Estimator EstimatorConfig `yaml:"estimator" json:"estimator"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Checkout  CheckoutConfig  `yaml:"checkout" json:"checkout"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel  string `yaml:"logLevel" json:"logLevel"`
	LogFormat string `yaml:"logFormat" json:"logFormat"` // text or json
}

// BackendConfig selects and configures the vehicle backend
type BackendConfig struct {
	Type        string        `yaml:"type" json:"type"` // service or sim
	VehicleName string        `yaml:"vehicleName" json:"vehicleName"`
	Service     ServiceConfig `yaml:"service" json:"service"`
	Sim         SimConfig     `yaml:"sim" json:"sim"`
}

// ServiceConfig configures the middleware backend and its MQTT bridge
type ServiceConfig struct {
	Broker       string   `yaml:"broker" json:"broker"`
	ClientID     string   `yaml:"clientId" json:"clientId"`
	Username     string   `yaml:"username" json:"username"`
	Password     string   `yaml:"password" json:"-"`
	TopicPrefix  string   `yaml:"topicPrefix" json:"topicPrefix"`
	CallTimeout  Duration `yaml:"callTimeout" json:"callTimeout"`
	ReadyTimeout Duration `yaml:"readyTimeout" json:"readyTimeout"`
}

// SimConfig configures the direct simulator backend
type SimConfig struct {
	URL              string   `yaml:"url" json:"url"`
	VelocityDuration Duration `yaml:"velocityDuration" json:"velocityDuration"`
}

// CommandConfig configures command confirmation
type CommandConfig struct {
	PollInterval Duration `yaml:"pollInterval" json:"pollInterval"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
}

// EstimatorConfig configures estimator resets. An empty variant disables them.
type EstimatorConfig struct {
	Variant      string   `yaml:"variant" json:"variant"`
	BinDir       string   `yaml:"binDir" json:"binDir"`
	PollInterval Duration `yaml:"pollInterval" json:"pollInterval"`
	MaxWait      Duration `yaml:"maxWait" json:"maxWait"`
}

// StorageConfig represents storage settings. An empty directory disables
// the flight recorder.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory" json:"dataDirectory"`
}

// MetricsConfig configures the metrics endpoint. An empty address disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// CheckoutConfig configures the checkout flight
type CheckoutConfig struct {
	Altitude  float64  `yaml:"altitude" json:"altitude"`
	Hover     Duration `yaml:"hover" json:"hover"`
	Camera    int      `yaml:"camera" json:"camera"`
	OutputDir string   `yaml:"outputDir" json:"outputDir"`
}

// Default returns the configuration used for any value the file leaves unset
func Default() Config {
	return Config{
		Settings: Settings{
			LogLevel:  "info",
			LogFormat: logging.FormatText,
		},
		Backend: BackendConfig{
			Service: ServiceConfig{
				CallTimeout:  NewDuration(mqttbridge.DefaultCallTimeout),
				ReadyTimeout: NewDuration(service.DefaultReadyTimeout),
			},
			Sim: SimConfig{
				VelocityDuration: NewDuration(sim.DefaultVelocityDuration),
			},
		},
		Command: CommandConfig{
			PollInterval: NewDuration(command.DefaultPollInterval),
			Timeout:      NewDuration(command.DefaultTimeout),
		},
		Estimator: EstimatorConfig{
			PollInterval: NewDuration(estimator.DefaultPollInterval),
			MaxWait:      NewDuration(estimator.DefaultMaxWait),
		},
		Checkout: CheckoutConfig{
			Altitude: 2,
			Hover:    NewDuration(3 * time.Second),
		},
	}
}

// Load reads the configuration file at path on top of Default and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of Default and validates it
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Settings.LogLevel); err != nil {
		return fmt.Errorf("config.Settings: %w", err)
	}
	if f := c.Settings.LogFormat; f != logging.FormatText && f != logging.FormatJSON {
		return fmt.Errorf("config.Settings: invalid log format: %s", f)
	}

	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if err := c.Command.Validate(); err != nil {
		return err
	}
	if err := c.Estimator.Validate(); err != nil {
		return err
	}
	return c.Checkout.Validate()
}

func (c *BackendConfig) Validate() error {
	if c.VehicleName == "" {
		return errors.New("config.Backend: vehicle name is required")
	}

	switch c.Type {
	case BackendService:
		if c.Service.Broker == "" {
			return errors.New("config.Backend: service broker is required")
		}
		if err := c.Service.CallTimeout.Validate(); err != nil {
			return fmt.Errorf("config.Backend: invalid call timeout: %w", err)
		}
		if err := c.Service.ReadyTimeout.Validate(); err != nil {
			return fmt.Errorf("config.Backend: invalid ready timeout: %w", err)
		}

	case BackendSim:
		if c.Sim.URL == "" {
			return errors.New("config.Backend: sim url is required")
		}
		if err := c.Sim.VelocityDuration.Validate(); err != nil {
			return fmt.Errorf("config.Backend: invalid velocity duration: %w", err)
		}

	default:
		return fmt.Errorf("config.Backend: invalid backend type: '%s' (allowed: %s, %s)", c.Type, BackendService, BackendSim)
	}

	return nil
}

func (c *CommandConfig) Validate() error {
	if err := c.PollInterval.Validate(); err != nil {
		return fmt.Errorf("config.Command: invalid poll interval: %w", err)
	}
	if err := c.Timeout.Validate(); err != nil {
		return fmt.Errorf("config.Command: invalid timeout: %w", err)
	}
	if c.PollInterval > c.Timeout {
		return fmt.Errorf("config.Command: poll interval %s exceeds timeout %s", c.PollInterval, c.Timeout)
	}
	return nil
}

func (c *EstimatorConfig) Validate() error {
	if c.Variant == "" {
		return nil
	}
	if _, err := estimator.Runtime(c.Variant); err != nil {
		return fmt.Errorf("config.Estimator: %w", err)
	}
	if err := c.PollInterval.Validate(); err != nil {
		return fmt.Errorf("config.Estimator: invalid poll interval: %w", err)
	}
	if err := c.MaxWait.Validate(); err != nil {
		return fmt.Errorf("config.Estimator: invalid max wait: %w", err)
	}
	return nil
}

func (c *CheckoutConfig) Validate() error {
	if c.Altitude <= 0 {
		return fmt.Errorf("config.Checkout: altitude must be positive: %0.2f given", c.Altitude)
	}
	if c.Camera < 0 {
		return fmt.Errorf("config.Checkout: camera index must not be negative: %d given", c.Camera)
	}
	return nil
}
