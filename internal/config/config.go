package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config models lbot.yml.
type Config struct {
	// Timezone is the canonical zone for every calendar-day comparison.
	Timezone string `yaml:"timezone"`
	Checker  struct {
		TomorrowRemindAt     string        `yaml:"tomorrow_remind_at"`
		TomorrowCheckAt      string        `yaml:"tomorrow_check_at"`
		SoonWindow           time.Duration `yaml:"soon_window"`
		JobTTL               time.Duration `yaml:"job_ttl"`
		OverdueTaskRetention time.Duration `yaml:"overdue_task_retention"`
		LockFile             string        `yaml:"lock_file"`
	} `yaml:"checker"`
	Commands struct {
		Triggers      []string `yaml:"triggers"`
		MaxItemLength int      `yaml:"max_item_length"`
	} `yaml:"commands"`
	Notify struct {
		WebhookURL string        `yaml:"webhook_url"`
		Secret     string        `yaml:"secret"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"notify"`
	Chat struct {
		MaxVocabulary int `yaml:"max_vocabulary"`
	} `yaml:"chat"`
}

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the instant of c on the local day of t.
func (c Clock) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, t.Location())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Location resolves Timezone. Besides IANA names it accepts fixed offsets such as "+09:00".
func (c *Config) Location() (*time.Location, error) {
	return LoadLocation(c.Timezone)
}

func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimezone
	}
	if strings.HasPrefix(name, "+") || strings.HasPrefix(name, "-") {
		t, err := time.Parse("-07:00", name)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone offset %q", name)
		}
		_, off := t.Zone()
		return time.FixedZone(name, off), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", name, err)
	}
	return loc, nil
}

func (c *Config) RemindAt() Clock {
	clk, _ := ParseClock(c.Checker.TomorrowRemindAt)
	return clk
}

func (c *Config) CheckAt() Clock {
	clk, _ := ParseClock(c.Checker.TomorrowCheckAt)
	return clk
}

// LockPath resolves the checker lock file relative to workspace.
func (c *Config) LockPath(workspace string) string {
	p := c.Checker.LockFile
	if filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.timezone: %w", err)
	}
	if _, err := ParseClock(c.Checker.TomorrowRemindAt); err != nil {
		return fmt.Errorf("config.checker.tomorrow_remind_at: %w", err)
	}
	if _, err := ParseClock(c.Checker.TomorrowCheckAt); err != nil {
		return fmt.Errorf("config.checker.tomorrow_check_at: %w", err)
	}
	if c.Checker.SoonWindow <= 0 {
		return fmt.Errorf("config.checker.soon_window must be positive")
	}
	if c.Checker.JobTTL <= 0 {
		return fmt.Errorf("config.checker.job_ttl must be positive")
	}
	if c.Checker.OverdueTaskRetention < 0 {
		return fmt.Errorf("config.checker.overdue_task_retention must not be negative")
	}
	if strings.TrimSpace(c.Checker.LockFile) == "" {
		return fmt.Errorf("config.checker.lock_file is required")
	}
	if len(c.Commands.Triggers) == 0 {
		return fmt.Errorf("config.commands.triggers is required")
	}
	for _, tr := range c.Commands.Triggers {
		if tr == "" {
			return fmt.Errorf("config.commands.triggers contains an empty trigger")
		}
	}
	if c.Commands.MaxItemLength <= 0 {
		return fmt.Errorf("config.commands.max_item_length must be positive")
	}
	if c.Notify.Timeout < 0 {
		return fmt.Errorf("config.notify.timeout must not be negative")
	}
	if c.Chat.MaxVocabulary < 0 {
		return fmt.Errorf("config.chat.max_vocabulary must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lbot.yml")
}

// Load reads the workspace config, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const DefaultTimezone = "Asia/Tokyo"

const defaultTemplate = `timezone: Asia/Tokyo

checker:
  # tomorrow's tasks are reminded once the local time passes this
  tomorrow_remind_at: "21:00"
  # tomorrow's important tasks get a confirmation round after this
  tomorrow_check_at: "12:00"
  soon_window: 3h
  job_ttl: 12h
  # overdue tasks older than this are deleted by the purge; 0s keeps them
  overdue_task_retention: 168h
  lock_file: .lbot/checker.lock

commands:
  triggers: ["#", "＃"]
  max_item_length: 64

notify:
  webhook_url: ""
  secret: ""
  timeout: 5s

chat:
  max_vocabulary: 100
`
