// Package config loads the dispenser TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/spiretf/dispenser/internal/cloud"
	"github.com/spiretf/dispenser/internal/schedule"
)

// Validation failures are fatal at startup.
var (
	ErrNoProvider       = errors.New("config: no cloud provider configured")
	ErrMultipleProvider = errors.New("config: multiple cloud providers configured")
)

// Config is the immutable runtime configuration, loaded once at startup.
type Config struct {
	Server       Server    `mapstructure:"server"`
	Vultr        *Provider `mapstructure:"vultr"`
	DigitalOcean *Provider `mapstructure:"digital_ocean"`
	DynDns       *DynDns   `mapstructure:"dyndns"`
	Schedule     Schedule  `mapstructure:"schedule"`
	Metrics      Metrics   `mapstructure:"metrics"`
}

// Server holds the game server settings.
type Server struct {
	Rcon       string   `mapstructure:"rcon"`
	Password   string   `mapstructure:"password"`
	Image      string   `mapstructure:"image"`
	DemostfKey string   `mapstructure:"demostf_key"`
	LogstfKey  string   `mapstructure:"logstf_key"`
	League     string   `mapstructure:"config_league"`
	Mode       string   `mapstructure:"config_mode"`
	Name       string   `mapstructure:"name"`
	TvName     string   `mapstructure:"tv_name"`
	ExtraCfg   string   `mapstructure:"extra_cfg"`
	SSHKeys    []string `mapstructure:"ssh_keys"`

	// ManageExisting relaxes the start failsafe: an untagged running
	// instance is adopted instead of blocking the start.
	ManageExisting bool `mapstructure:"manage_existing"`

	// SetupKey is a path to an SSH private key. When set, the bootstrap
	// script is pushed over SSH after boot instead of riding along as
	// provider user data.
	SetupKey string `mapstructure:"setup_key"`

	// StopOnProbeFailure controls what a stop cycle does when the RCON
	// player-count probe itself fails: proceed with the teardown (true) or
	// abstain and retry next cycle (false, the default).
	StopOnProbeFailure bool `mapstructure:"stop_on_probe_failure"`

	RconPort int `mapstructure:"rcon_port"`
}

// Provider holds the credentials and placement for one cloud provider.
// Exactly one provider section may be present.
type Provider struct {
	APIKey string `mapstructure:"api_key"`
	Region string `mapstructure:"region"`
	Plan   string `mapstructure:"plan"`
}

// DynDns holds the optional dyndns2 endpoint settings.
type DynDns struct {
	UpdateURL string `mapstructure:"update_url"`
	Hostname  string `mapstructure:"hostname"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// Schedule holds the start/stop cron expressions (six fields, UTC) and the
// lifecycle timing knobs.
type Schedule struct {
	Start string `mapstructure:"start"`
	Stop  string `mapstructure:"stop"`

	// StopGraceTime bounds how long connected players can hold off a stop,
	// in seconds. 0 waits indefinitely.
	StopGraceTime int `mapstructure:"stop_grace_time"`

	// PollInterval is the daemon tick interval in seconds.
	PollInterval int `mapstructure:"poll_interval"`

	// BootTimeout bounds provisioning readiness in seconds.
	BootTimeout int `mapstructure:"boot_timeout"`
}

// Metrics configures the optional prometheus endpoint in daemon mode.
type Metrics struct {
	Listen string `mapstructure:"listen"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("server.image", "spiretf/docker-spire-server")
	v.SetDefault("server.name", "Spire")
	v.SetDefault("server.tv_name", "SpireTV")
	v.SetDefault("server.config_league", "etf2l")
	v.SetDefault("server.config_mode", "6v6")
	v.SetDefault("server.rcon_port", 27015)
	v.SetDefault("schedule.poll_interval", 20)
	v.SetDefault("schedule.boot_timeout", 300)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if cfg.Vultr != nil && cfg.Vultr.Plan == "" {
		cfg.Vultr.Plan = "vc2-1c-2gb"
	}
	if cfg.DigitalOcean != nil && cfg.DigitalOcean.Plan == "" {
		cfg.DigitalOcean.Plan = "s-2vcpu-2gb"
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Cloud builds the configured provider.
func (c *Config) Cloud() (cloud.Provider, error) {
	switch {
	case c.Vultr != nil && c.DigitalOcean != nil:
		return nil, ErrMultipleProvider
	case c.Vultr != nil:
		return cloud.NewVultr(c.Vultr.APIKey, c.Vultr.Region, c.Vultr.Plan), nil
	case c.DigitalOcean != nil:
		return cloud.NewDigitalOcean(c.DigitalOcean.APIKey, c.DigitalOcean.Region, c.DigitalOcean.Plan), nil
	default:
		return nil, ErrNoProvider
	}
}

func (c *Config) validate() error {
	if c.Vultr == nil && c.DigitalOcean == nil {
		return ErrNoProvider
	}
	if c.Vultr != nil && c.DigitalOcean != nil {
		return ErrMultipleProvider
	}
	provider := c.Vultr
	if provider == nil {
		provider = c.DigitalOcean
	}
	if provider.APIKey == "" {
		return errors.New("config: provider api_key is required")
	}
	if provider.Region == "" {
		return errors.New("config: provider region is required")
	}

	if c.Server.Rcon == "" {
		return errors.New("config: server.rcon is required")
	}
	if c.Server.Password == "" {
		return errors.New("config: server.password is required")
	}

	if c.Schedule.Start == "" || c.Schedule.Stop == "" {
		return errors.New("config: schedule.start and schedule.stop are required")
	}
	if _, err := schedule.ParseCron(c.Schedule.Start); err != nil {
		return err
	}
	if _, err := schedule.ParseCron(c.Schedule.Stop); err != nil {
		return err
	}

	if c.DynDns != nil && c.DynDns.UpdateURL != "" {
		if c.DynDns.Hostname == "" {
			return errors.New("config: dyndns.hostname is required")
		}
	} else {
		c.DynDns = nil
	}

	return nil
}

// resolveSecrets replaces designated secret fields that hold an absolute
// filesystem path with the trimmed contents of that file.
func (c *Config) resolveSecrets() error {
	secrets := []*string{
		&c.Server.Rcon,
		&c.Server.Password,
		&c.Server.DemostfKey,
		&c.Server.LogstfKey,
	}
	if c.Vultr != nil {
		secrets = append(secrets, &c.Vultr.APIKey)
	}
	if c.DigitalOcean != nil {
		secrets = append(secrets, &c.DigitalOcean.APIKey)
	}
	if c.DynDns != nil {
		secrets = append(secrets, &c.DynDns.Password)
	}

	for _, field := range secrets {
		value, err := loadSecret(*field)
		if err != nil {
			return err
		}
		*field = value
	}
	return nil
}

func loadSecret(raw string) (string, error) {
	if !strings.HasPrefix(raw, "/") {
		return raw, nil
	}
	if _, err := os.Stat(raw); err != nil {
		// an absolute path that does not exist is taken literally
		return raw, nil
	}
	data, err := os.ReadFile(raw)
	if err != nil {
		return "", fmt.Errorf("config: read secret %q: %w", raw, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// PollInterval returns the daemon tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Schedule.PollInterval) * time.Second
}

// BootTimeout returns the provisioning readiness deadline.
func (c *Config) BootTimeout() time.Duration {
	return time.Duration(c.Schedule.BootTimeout) * time.Second
}

// StopGraceTime returns how long players can hold off a stop, 0 for no cap.
func (c *Config) StopGraceTime() time.Duration {
	return time.Duration(c.Schedule.StopGraceTime) * time.Second
}
