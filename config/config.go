package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"capium/capability"
)

// Global validator instance
var validate = validator.New()

// Environment variables folded into the capability overrides when the
// matching key is not already set.
var credentialEnv = map[string]string{
	capability.KeySauceUser:        "SAUCE_USERNAME",
	capability.KeySauceKey:         "SAUCE_ACCESS_KEY",
	capability.KeyBrowserStackUser: "BROWSERSTACK_USERNAME",
	capability.KeyBrowserStackKey:  "BROWSERSTACK_ACCESS_KEY",
}

// BasicAuth holds HTTP basic auth credentials embedded into a page URL.
type BasicAuth struct {
	User string `mapstructure:"user" yaml:"user" validate:"required"`
	Key  string `mapstructure:"key" yaml:"key" validate:"required"`
}

// Page represents configuration for a single URL to capture
type Page struct {
	URL         string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	BasicAuth   *BasicAuth    `mapstructure:"basic_auth" yaml:"basic_auth" validate:"omitempty"`
	Script      string        `mapstructure:"script" yaml:"script"`
	AsyncScript string        `mapstructure:"async_script" yaml:"async_script"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay" validate:"min=0"`
}

// Viewport represents browser window dimensions
type Viewport struct {
	Width  int `mapstructure:"width" validate:"min=1"`
	Height int `mapstructure:"height" validate:"min=1"`
}

// Timeouts groups every wait the capture chain performs.
type Timeouts struct {
	Implicit       time.Duration `mapstructure:"implicit" validate:"min=0"`
	Script         time.Duration `mapstructure:"script" validate:"min=0"`
	PageLoad       time.Duration `mapstructure:"page_load" validate:"min=0"`
	Unbind         time.Duration `mapstructure:"unbind" validate:"gt=0"`
	UnbindPoll     time.Duration `mapstructure:"unbind_poll" validate:"gt=0"`
	DismissWarning time.Duration `mapstructure:"dismiss_warning" validate:"gt=0"`
	Settle         time.Duration `mapstructure:"settle" validate:"min=0"`
	Target         time.Duration `mapstructure:"target" validate:"gt=0"`
}

// LocalConfig tunes how local browsers are started.
type LocalConfig struct {
	// Backend forces a driver for local sessions: auto, chromedp, playwright or webdriver.
	Backend      string `mapstructure:"backend" validate:"oneof=auto chromedp playwright webdriver"`
	Headless     bool   `mapstructure:"headless"`
	ChromePath   string `mapstructure:"chrome_path"`
	Docker       bool   `mapstructure:"docker"`
	DockerImage  string `mapstructure:"docker_image"`
	WebDriverURL string `mapstructure:"webdriver_url" validate:"omitempty,url"`
}

// ReportConfig controls cloud job status reporting.
type ReportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	JobName string `mapstructure:"job_name"`
	Retries uint64 `mapstructure:"retries"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format      string `mapstructure:"format" validate:"oneof=console json"`
	ServiceName string `mapstructure:"service_name"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// Config represents the application configuration
type Config struct {
	Targets     []string     `mapstructure:"targets" validate:"required,min=1,dive,required"`
	Pages       []Page       `mapstructure:"pages" validate:"required,min=1,dive"`
	URLList     []string     `mapstructure:"url_list"` // Simple list of URLs
	Source      string       `mapstructure:"source"`
	Provider    string       `mapstructure:"provider" validate:"oneof=auto local saucelabs browserstack"`
	OutputDir   string       `mapstructure:"output_dir" validate:"required"`
	Concurrency int          `mapstructure:"concurrency" validate:"min=1"`
	Viewport    Viewport     `mapstructure:"viewport"`
	Timeouts    Timeouts     `mapstructure:"timeouts"`
	Local       LocalConfig  `mapstructure:"local"`
	Report      ReportConfig `mapstructure:"report"`
	Logger      LoggerConfig `mapstructure:"logger"`
	MetricsFile string       `mapstructure:"metrics_file"`

	// Caps are user capability overrides. Capability keys are case sensitive
	// and may contain dots, so they are decoded outside viper.
	Caps capability.Set `mapstructure:"-"`
}

// SetDefaults registers default values for every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("targets", []string{"chrome/windows"})
	v.SetDefault("provider", "auto")
	v.SetDefault("output_dir", "./output")
	v.SetDefault("concurrency", 2)

	v.SetDefault("viewport.width", 1200)
	v.SetDefault("viewport.height", 800)

	v.SetDefault("timeouts.implicit", time.Hour)
	v.SetDefault("timeouts.script", time.Hour)
	v.SetDefault("timeouts.page_load", time.Hour)
	v.SetDefault("timeouts.unbind", 60*time.Second)
	v.SetDefault("timeouts.unbind_poll", 250*time.Millisecond)
	v.SetDefault("timeouts.dismiss_warning", 10*time.Second)
	v.SetDefault("timeouts.settle", time.Second)
	v.SetDefault("timeouts.target", 2*time.Hour)

	v.SetDefault("local.backend", "auto")
	v.SetDefault("local.headless", true)
	v.SetDefault("local.docker", true)
	v.SetDefault("local.docker_image", "browserless/chrome")

	v.SetDefault("report.enabled", true)
	v.SetDefault("report.job_name", "Get Screenshots")
	v.SetDefault("report.retries", 3)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "capium")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
}

// New creates a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("CAPIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile points v at path, or at ./capium.{yaml,json} when path is empty.
// A missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("capium")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && path == "" {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Load builds the Config from v. Caps come from the config file's caps
// block, then the environment, then the given overrides.
func Load(v *viper.Viper, overrides map[string]string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	caps, err := readCaps(v.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	applyCredentialEnv(caps)
	for k, val := range overrides {
		caps[k] = val
	}
	cfg.Caps = caps

	if cfg.Source != "" {
		pages, err := LoadPageList(cfg.Source)
		if err != nil {
			return nil, err
		}
		cfg.Pages = append(cfg.Pages, pages...)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	// Ensure output directory exists
	if err := ensureOutputDir(cfg.OutputDir); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig validates configuration and sets defaults
func validateConfig(cfg *Config) error {
	// Convert URLList into pages
	for _, url := range cfg.URLList {
		if url = strings.TrimSpace(url); url == "" {
			continue
		}
		cfg.Pages = append(cfg.Pages, Page{URL: url})
	}

	if len(cfg.Pages) == 0 {
		return fmt.Errorf("no URLs specified in configuration")
	}

	for i, t := range cfg.Targets {
		if _, err := capability.ParseTarget(t); err != nil {
			return fmt.Errorf("target #%d: %w", i+1, err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ParsedTargets returns the configured targets. Targets are checked during
// Load, so parse errors cannot occur on a loaded Config.
func (c *Config) ParsedTargets() []capability.Target {
	out := make([]capability.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		target, err := capability.ParseTarget(t)
		if err != nil {
			continue
		}
		out = append(out, target)
	}
	return out
}

// readCaps decodes the caps block of the config file, keeping key case.
func readCaps(path string) (capability.Set, error) {
	caps := capability.Set{}
	if path == "" {
		return caps, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// YAML is a superset of JSON, so this covers both config formats.
	var raw struct {
		Caps capability.Set `yaml:"caps"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing caps: %w", err)
	}
	for k, v := range raw.Caps {
		caps[k] = v
	}
	return caps, nil
}

func applyCredentialEnv(caps capability.Set) {
	for key, env := range credentialEnv {
		if caps.String(key) != "" {
			continue
		}
		if val := os.Getenv(env); val != "" {
			caps[key] = val
		}
	}
}

// ensureOutputDir ensures the output directory exists
func ensureOutputDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
