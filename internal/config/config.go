// Package config provides configuration loading for the mail router: an
// optional YAML file as the base layer, overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Rule store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

// Config holds the complete application configuration.
type Config struct {
	Environment string        `yaml:"environment" env:"ENVIRONMENT"`
	AWS         AWSConfig     `yaml:"aws"`
	Rules       RulesConfig   `yaml:"rules"`
	Storage     StorageConfig `yaml:"storage"`
	Routing     RoutingConfig `yaml:"routing"`
	Queues      QueuesConfig  `yaml:"queues"`
	Gmail       GmailConfig   `yaml:"gmail"`
	JMAP        JMAPConfig    `yaml:"jmap"`
	Canary      CanaryConfig  `yaml:"canary"`
	Bounce      BounceConfig  `yaml:"bounce"`
	HTTP        HTTPConfig    `yaml:"http"`
	Logging     LoggingConfig `yaml:"logging"`
}

// AWSConfig holds AWS SDK settings. Empty keys use the default credential
// chain.
type AWSConfig struct {
	Region          string `yaml:"region" env:"AWS_REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	EndpointURL     string `yaml:"endpoint_url" env:"AWS_ENDPOINT_URL"`
}

// RulesConfig selects the rule store.
type RulesConfig struct {
	Backend    string `yaml:"backend" env:"RULES_BACKEND"`
	Table      string `yaml:"table" env:"DYNAMODB_TABLE_NAME"`
	SQLitePath string `yaml:"sqlite_path" env:"RULES_SQLITE_PATH"`
}

// StorageConfig locates raw messages written by the SES receipt rule.
type StorageConfig struct {
	Bucket string `yaml:"bucket" env:"EMAIL_BUCKET"`
	Prefix string `yaml:"prefix" env:"EMAIL_PREFIX"`
}

// RoutingConfig holds routing engine settings.
type RoutingConfig struct {
	BypassToken  string `yaml:"bypass_token" env:"SECURITY_BYPASS_TOKEN"`
	BypassHeader string `yaml:"bypass_header" env:"SECURITY_BYPASS_HEADER"`
	Parallelism  int    `yaml:"parallelism" env:"ROUTING_PARALLELISM"`
}

// QueuesConfig holds the SQS queue URLs of the dispatch and retry channels.
type QueuesConfig struct {
	Forward string `yaml:"forward" env:"GMAIL_FORWARDER_QUEUE_URL"`
	JMAP    string `yaml:"jmap" env:"JMAP_DELIVERER_QUEUE_URL"`
	Canary  string `yaml:"canary" env:"CANARY_MONITOR_QUEUE_URL"`
	Bounce  string `yaml:"bounce" env:"BOUNCER_QUEUE_URL"`
	Store   string `yaml:"store" env:"STORE_QUEUE_URL"`
	Retry   string `yaml:"retry" env:"GMAIL_RETRY_QUEUE_URL"`
}

// GmailConfig holds Gmail import settings. Secrets live in SSM.
type GmailConfig struct {
	RefreshTokenParameter      string   `yaml:"refresh_token_parameter" env:"GMAIL_REFRESH_TOKEN_PARAMETER"`
	ClientCredentialsParameter string   `yaml:"client_credentials_parameter" env:"GMAIL_CLIENT_CREDENTIALS_PARAMETER"`
	Labels                     []string `yaml:"labels" env:"GMAIL_LABELS" envSeparator:","`
}

// JMAPConfig locates the IAM-authenticated JMAP API. APIURL wins over
// APIURLParameter, which names an SSM parameter holding the URL.
type JMAPConfig struct {
	APIURL          string `yaml:"api_url" env:"JMAP_API_URL"`
	APIURLParameter string `yaml:"api_url_parameter" env:"JMAP_API_URL_PARAMETER"`
}

// CanaryConfig addresses the synthetic end-to-end test. Canary items share
// the rules table.
type CanaryConfig struct {
	Domain  string `yaml:"domain" env:"DOMAIN"`
	Address string `yaml:"address" env:"CANARY_EMAIL"`
}

// BounceConfig holds bounce notification settings.
type BounceConfig struct {
	Sender           string `yaml:"sender" env:"BOUNCE_SENDER"`
	ConfigurationSet string `yaml:"configuration_set" env:"SES_CONFIGURATION_SET"`
}

// HTTPConfig holds the invocation server settings.
type HTTPConfig struct {
	Listen          string        `yaml:"listen" env:"HTTP_LISTEN"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig enables HTTPS on the invocation server. With no files and
// SelfSigned unset the server speaks plain HTTP.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile    string `yaml:"key_file" env:"TLS_KEY_FILE"`
	SelfSigned bool   `yaml:"self_signed" env:"TLS_SELF_SIGNED"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.Rules.Backend {
	case BackendDynamoDB:
		if c.Rules.Table == "" {
			errs = append(errs, errors.New("rules.table is required for the dynamodb backend"))
		}
	case BackendSQLite:
		if c.Rules.SQLitePath == "" {
			errs = append(errs, errors.New("rules.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rules backend %q", c.Rules.Backend))
	}

	if (c.HTTP.TLS.CertFile == "") != (c.HTTP.TLS.KeyFile == "") {
		errs = append(errs, errors.New("http.tls.cert_file and http.tls.key_file must be set together"))
	}

	if c.Routing.Parallelism < 1 {
		errs = append(errs, errors.New("routing.parallelism must be positive"))
	}

	return errors.Join(errs...)
}

// GmailConfigured returns true if everything the Gmail forwarder needs is set.
func (c *Config) GmailConfigured() bool {
	return c.Gmail.RefreshTokenParameter != "" &&
		c.Gmail.ClientCredentialsParameter != "" &&
		c.Queues.Retry != ""
}

// TLSEnabled returns true if the invocation server should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.HTTP.TLS.CertFile != "" || c.HTTP.TLS.SelfSigned
}

// JMAPConfigured returns true if the JMAP deliverer can locate its API.
func (c *Config) JMAPConfigured() bool {
	return c.JMAP.APIURL != "" || c.JMAP.APIURLParameter != ""
}

// CanaryMonitorEnabled returns true if canary completions have a table to
// go to.
func (c *Config) CanaryMonitorEnabled() bool {
	return c.Rules.Backend == BackendDynamoDB && c.Rules.Table != ""
}

// SESConfigured returns true if bounce notifications should go through SES.
func (c *Config) SESConfigured() bool {
	return c.Bounce.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Environment = "dev"
	c.Rules.Backend = BackendDynamoDB
	c.Storage.Prefix = "emails/"
	c.Routing.BypassHeader = "X-Mail-Router-Bypass"
	c.Routing.Parallelism = 8
	c.Gmail.Labels = []string{"INBOX", "UNREAD"}
	c.HTTP.Listen = ":8080"
	c.HTTP.ShutdownTimeout = 10 * time.Second
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if err := env.ParseWithOptions(c, env.Options{Environment: nonEmptyEnviron()}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Rules.Backend = strings.ToLower(c.Rules.Backend)
	return nil
}

// nonEmptyEnviron returns the process environment without empty variables.
func nonEmptyEnviron() map[string]string {
	vars := env.ToMap(os.Environ())
	for k, v := range vars {
		if v == "" {
			delete(vars, k)
		}
	}
	return vars
}
