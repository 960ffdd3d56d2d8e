package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultScheduleMinutes applies when the document omits schedule_minutes.
const DefaultScheduleMinutes = 30

// IMAP holds the connection parameters of one account.
type IMAP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Account describes one mailbox to poll. The user is the account's
// identity for single-flight admission control.
type Account struct {
	IMAP              IMAP     `yaml:"imap"`
	FilterFrom        []string `yaml:"filter_from"`
	SearchLastDays    int      `yaml:"search_last_days"`
	SaveEMLTo         string   `yaml:"save_eml_to"`
	SaveAttachmentsTo string   `yaml:"save_attachments_to"`
}

// Config is the full configuration document.
type Config struct {
	NotificationsEnabled *bool     `yaml:"notifications_enabled"`
	NotifyURL            string    `yaml:"notify_url"`
	PDFPasswords         []string  `yaml:"pdf_passwords"`
	ScheduleMinutes      int       `yaml:"schedule_minutes"`
	Accounts             []Account `yaml:"accounts"`
}

// NotifyEnabled reports whether notifications are on; the default is on.
func (c Config) NotifyEnabled() bool {
	if c.NotificationsEnabled == nil {
		return true
	}
	return *c.NotificationsEnabled
}

// Load reads and validates the YAML configuration document at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ScheduleMinutes <= 0 {
		cfg.ScheduleMinutes = DefaultScheduleMinutes
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("config has no accounts")
	}

	for i, acct := range cfg.Accounts {
		if acct.IMAP.Host == "" {
			return fmt.Errorf("account %d: imap.host is required", i)
		}
		if acct.IMAP.User == "" {
			return fmt.Errorf("account %d: imap.user is required", i)
		}
		if acct.IMAP.Password == "" {
			return fmt.Errorf("account %d (%s): imap.password is required", i, acct.IMAP.User)
		}
		if acct.IMAP.Port <= 0 || acct.IMAP.Port > 65535 {
			return fmt.Errorf("account %d (%s): imap.port must be between 1 and 65535", i, acct.IMAP.User)
		}
		if acct.SaveEMLTo == "" {
			return fmt.Errorf("account %d (%s): save_eml_to is required", i, acct.IMAP.User)
		}
		if acct.SaveAttachmentsTo == "" {
			return fmt.Errorf("account %d (%s): save_attachments_to is required", i, acct.IMAP.User)
		}
		if acct.SearchLastDays < 0 {
			return fmt.Errorf("account %d (%s): search_last_days must not be negative", i, acct.IMAP.User)
		}
	}

	return nil
}
