package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/vskurikhin/go-pq-debugscan/logger"
)

type Config struct {
	Logger    LoggerConfig `json:"logger" yaml:"logger"`
	Host      string       `json:"host" yaml:"host"`
	Username  string       `json:"username" yaml:"username"`
	Password  string       `json:"password" yaml:"password"`
	Database  string       `json:"database" yaml:"database"`
	Port      int          `json:"port" yaml:"port"`
	Metric    MetricConfig `json:"metric" yaml:"metric"`
	Scan      ScanConfig   `json:"scan" yaml:"scan"`
	DebugMode bool         `json:"debugMode" yaml:"debugMode"`
}

type MetricConfig struct {
	Port int `json:"port" yaml:"port"`
}

type LoggerConfig struct {
	Logger   logger.Logger `json:"-" yaml:"-"`         // custom logger
	LogLevel slog.Level    `json:"level" yaml:"level"` // if custom logger is nil, set the slog log level
}

// ScanConfig tunes how heap pages are read. Pointers distinguish "unset" from false.
type ScanConfig struct {
	Detoast          *bool         `json:"detoast,omitempty" yaml:"detoast,omitempty"`
	ReadOnly         *bool         `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
	StatementTimeout time.Duration `json:"statementTimeout" yaml:"statementTimeout"`
}

func (s ScanConfig) DetoastEnabled() bool {
	return s.Detoast == nil || *s.Detoast
}

func (s ScanConfig) ReadOnlyEnabled() bool {
	return s.ReadOnly == nil || *s.ReadOnly
}

func (c *Config) DSN() string {
	// URL-encode username and password to handle special characters
	encodedUsername := url.QueryEscape(c.Username)
	encodedPassword := url.QueryEscape(c.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", encodedUsername, encodedPassword, c.Host, c.Port, c.Database)
}

func (c *Config) SetDefault() {
	if c.Port == 0 {
		c.Port = 5432
	}

	if c.Metric.Port == 0 {
		c.Metric.Port = 8081
	}

	if c.Scan.Detoast == nil {
		detoast := true
		c.Scan.Detoast = &detoast
	}

	if c.Scan.ReadOnly == nil {
		readOnly := true
		c.Scan.ReadOnly = &readOnly
	}

	if c.Logger.Logger == nil {
		c.Logger.Logger = logger.NewSlog(c.Logger.LogLevel)
	}
}

func (c *Config) Validate() error {
	var err error
	if isEmpty(c.Host) {
		err = errors.Join(err, errors.New("host cannot be empty"))
	}

	if isEmpty(c.Username) {
		err = errors.Join(err, errors.New("username cannot be empty"))
	}

	if isEmpty(c.Database) {
		err = errors.Join(err, errors.New("database cannot be empty"))
	}

	if c.Port < 0 || c.Port > 65535 {
		err = errors.Join(err, fmt.Errorf("port %d is out of range", c.Port))
	}

	if c.Scan.StatementTimeout < 0 {
		err = errors.Join(err, errors.New("scan statement timeout cannot be negative"))
	}

	return err
}

func (c *Config) Print() {
	cfg := *c
	cfg.Password = "*******"
	b, _ := json.Marshal(cfg)
	fmt.Println("used config: " + string(b))
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
