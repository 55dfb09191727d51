// Package config loads harness configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	envSMTPHost     = "MAILPROBE_SMTP_HOST"
	envSMTPPort     = "MAILPROBE_SMTP_PORT"
	envIMAPHost     = "MAILPROBE_IMAP_HOST"
	envIMAPPort     = "MAILPROBE_IMAP_PORT"
	envIMAPUser     = "MAILPROBE_IMAP_USER"
	envIMAPPass     = "MAILPROBE_IMAP_PASS"
	envMaildirRoots = "MAILPROBE_MAILDIR_ROOTS"
)

// Endpoint is one host:port listener of the stack under test.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr renders the endpoint as host:port.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Credentials authenticate the IMAP retrieval session.
type Credentials struct {
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// Message configures the test submission envelope.
type Message struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	// AuthProbeTo receives the Authentication-Results probe.
	AuthProbeTo string `yaml:"auth_probe_to"`
}

// Maildir configures on-disk mailbox inspection.
type Maildir struct {
	// Roots are tried in order. Secondary entries exist for local
	// development layouts only.
	Roots []string `yaml:"roots"`
}

// Timeouts are duration strings ("500ms", "10s").
type Timeouts struct {
	Receive  string `yaml:"receive"`
	Exchange string `yaml:"exchange"`
	Scenario string `yaml:"scenario"`
}

// Config is the full harness configuration.
type Config struct {
	SMTP     Endpoint    `yaml:"smtp"`
	IMAP     Endpoint    `yaml:"imap"`
	Login    Credentials `yaml:"login"`
	Message  Message     `yaml:"message"`
	Maildir  Maildir     `yaml:"maildir"`
	Timeouts Timeouts    `yaml:"timeouts"`
}

// Default returns the dev-deployment defaults the stack under test ships
// with: non-standard ports on localhost.
func Default() Config {
	return Config{
		SMTP:  Endpoint{Host: "localhost", Port: 2525},
		IMAP:  Endpoint{Host: "localhost", Port: 1993},
		Login: Credentials{User: "test@example.com", Pass: "password123"},
		Message: Message{
			From:        "sender@example.com",
			To:          "test@example.com",
			AuthProbeTo: "admin@delfour.co",
		},
		Maildir: Maildir{
			Roots: []string{"data/maildir", "mail-rs/data/maildir"},
		},
		Timeouts: Timeouts{
			Receive:  "500ms",
			Exchange: "10s",
			Scenario: "2m",
		},
	}
}

// Load reads configuration from a YAML file, starting from defaults. An
// empty path returns the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}

// FromEnv applies MAILPROBE_* environment overrides on top of cfg.
func FromEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv(envSMTPHost)); v != "" {
		cfg.SMTP.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(envIMAPHost)); v != "" {
		cfg.IMAP.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(envIMAPUser)); v != "" {
		cfg.Login.User = v
	}
	if v := strings.TrimSpace(os.Getenv(envIMAPPass)); v != "" {
		cfg.Login.Pass = v
	}
	if v := strings.TrimSpace(os.Getenv(envMaildirRoots)); v != "" {
		cfg.Maildir.Roots = splitRoots(v)
	}

	var err error
	if cfg.SMTP.Port, err = portOverride(envSMTPPort, cfg.SMTP.Port); err != nil {
		return Config{}, err
	}
	if cfg.IMAP.Port, err = portOverride(envIMAPPort, cfg.IMAP.Port); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration is complete enough to run scenarios.
func Validate(cfg Config) error {
	missing := []string{}
	if strings.TrimSpace(cfg.SMTP.Host) == "" {
		missing = append(missing, "smtp.host")
	}
	if strings.TrimSpace(cfg.IMAP.Host) == "" {
		missing = append(missing, "imap.host")
	}
	if strings.TrimSpace(cfg.Login.User) == "" {
		missing = append(missing, "login.user")
	}
	if strings.TrimSpace(cfg.Login.Pass) == "" {
		missing = append(missing, "login.pass")
	}
	if strings.TrimSpace(cfg.Message.From) == "" {
		missing = append(missing, "message.from")
	}
	if strings.TrimSpace(cfg.Message.To) == "" {
		missing = append(missing, "message.to")
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
		return errors.Errorf("invalid smtp.port %d", cfg.SMTP.Port)
	}
	if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
		return errors.Errorf("invalid imap.port %d", cfg.IMAP.Port)
	}
	if len(cfg.Maildir.Roots) == 0 {
		return errors.New("maildir.roots must list at least one directory")
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"timeouts.receive", cfg.Timeouts.Receive},
		{"timeouts.exchange", cfg.Timeouts.Exchange},
		{"timeouts.scenario", cfg.Timeouts.Scenario},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return errors.Wrapf(err, "invalid %s", field.name)
		}
	}
	return nil
}

// ReceiveTimeout returns the per-receive wait.
func (c Config) ReceiveTimeout() time.Duration {
	return durationOr(c.Timeouts.Receive, 500*time.Millisecond)
}

// ExchangeTimeout returns the per-command budget.
func (c Config) ExchangeTimeout() time.Duration {
	return durationOr(c.Timeouts.Exchange, 10*time.Second)
}

// ScenarioTimeout returns the whole-scenario deadline.
func (c Config) ScenarioTimeout() time.Duration {
	return durationOr(c.Timeouts.Scenario, 2*time.Minute)
}

// Summary returns a concise human-readable configuration overview.
func Summary(cfg Config) string {
	return fmt.Sprintf(
		"Config summary\n"+
			"- smtp endpoint: %s\n"+
			"- imap endpoint: %s\n"+
			"- imap user: %s\n"+
			"- submission: %s -> %s\n"+
			"- auth probe recipient: %s\n"+
			"- maildir roots: %s",
		cfg.SMTP.Addr(),
		cfg.IMAP.Addr(),
		cfg.Login.User,
		cfg.Message.From, cfg.Message.To,
		cfg.Message.AuthProbeTo,
		strings.Join(cfg.Maildir.Roots, ", "),
	)
}

func portOverride(name string, current int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return current, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return port, nil
}

func splitRoots(value string) []string {
	parts := strings.Split(value, ",")
	roots := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			roots = append(roots, trimmed)
		}
	}
	return roots
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
