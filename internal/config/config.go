package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. BRAIN_DRIVER=sim.
const EnvPrefix = "BRAIN"

type PowerCfg struct {
	WhiteCap float64 `yaml:"white_cap" envconfig:"WHITE_CAP"`
	ChanMA   float64 `yaml:"chan_ma" envconfig:"CHAN_MA"`
	BudgetMA float64 `yaml:"budget_ma" envconfig:"BUDGET_MA"`
	Knee     float64 `yaml:"knee" envconfig:"KNEE"`
}

type SPI struct {
	Dev     string `yaml:"dev" envconfig:"DEV"` // periph port name, "" for the first one
	SpeedHz int    `yaml:"speed_hz" envconfig:"SPEED_HZ"`
}

type OTA struct {
	Target     string `yaml:"target" envconfig:"TARGET"`
	StagingDir string `yaml:"staging_dir" envconfig:"STAGING_DIR"`
	MaxBytes   int64  `yaml:"max_bytes" envconfig:"MAX_BYTES"`
}

type Config struct {
	BrainID   string `yaml:"brain_id" envconfig:"ID"`
	PanelName string `yaml:"panel_name" envconfig:"PANEL_NAME"`

	Interface         string `yaml:"interface" envconfig:"INTERFACE"`
	ListenPort        int    `yaml:"listen_port" envconfig:"LISTEN_PORT"`
	ControllerPort    int    `yaml:"controller_port" envconfig:"CONTROLLER_PORT"`
	LivenessTimeoutMS int    `yaml:"liveness_timeout_ms" envconfig:"LIVENESS_TIMEOUT_MS"`

	Driver     string `yaml:"driver" envconfig:"DRIVER"` // "nrz" | "console" | "sim"
	ColorOrder string `yaml:"color_order" envconfig:"COLOR_ORDER"`
	MaxLEDs    int    `yaml:"max_leds" envconfig:"MAX_LEDS"`
	FPS        int    `yaml:"fps" envconfig:"FPS"`

	Power PowerCfg `yaml:"power" envconfig:"POWER"`
	SPI   SPI      `yaml:"spi,omitempty" envconfig:"SPI"`
	OTA   OTA      `yaml:"ota,omitempty" envconfig:"OTA"`

	HTTPAddr string `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	SelfTest string `yaml:"selftest,omitempty" envconfig:"SELFTEST"`
}

// Default is the configuration of a stock node. nrzled reorders to the
// strip's GRB itself, so the output stage passes RGB through.
func Default() *Config {
	return &Config{
		ListenPort:        8003,
		ControllerPort:    8002,
		LivenessTimeoutMS: 5000,
		Driver:            "nrz",
		ColorOrder:        "RGB",
		MaxLEDs:           2048,
		FPS:               60,
		Power:             PowerCfg{ChanMA: 20, Knee: 0.9},
		SPI:               SPI{SpeedHz: 2500000},
		HTTPAddr:          ":8080",
		LogLevel:          "info",
	}
}

func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutMS) * time.Millisecond
}

// Load reads a yaml file over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// ApplyEnv loads envFile into the process environment if it exists, then
// applies BRAIN_* variables on top of c. Variables already set win over the file.
func ApplyEnv(c *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.MaxLEDs <= 0 {
		errs = append(errs, fmt.Errorf("max_leds must be positive, got %d", c.MaxLEDs))
	}
	if c.FPS <= 0 {
		errs = append(errs, fmt.Errorf("fps must be positive, got %d", c.FPS))
	}
	if c.LivenessTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("liveness_timeout_ms must be positive, got %d", c.LivenessTimeoutMS))
	}
	for name, p := range map[string]int{"listen_port": c.ListenPort, "controller_port": c.ControllerPort} {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, p))
		}
	}
	switch c.Driver {
	case "nrz", "console", "sim":
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Driver))
	}
	return errors.Join(errs...)
}
