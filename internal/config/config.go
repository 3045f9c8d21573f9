package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/ag-db-move/internal/retry"
	"github.com/johndauphine/ag-db-move/internal/sqlserver"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for a database move
type Config struct {
	Source      EndpointConfig `yaml:"source"`
	Destination EndpointConfig `yaml:"destination"`
	Move        MoveConfig     `yaml:"move"`
	Slack       SlackConfig    `yaml:"slack"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// EndpointConfig describes one end of a move: an availability group
// listener (or standalone server) and the database name on it.
type EndpointConfig struct {
	Host            string `yaml:"host"`     // Listener or server name; may carry ",port" or "\instance"
	Port            int    `yaml:"port"`     // 0 uses the default port or the instance suffix
	Instance        string `yaml:"instance"` // Named instance (alternative to port)
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	TrustServerCert bool   `yaml:"trust_server_cert"` // Trust server certificate (default: false)
	Encrypt         string `yaml:"encrypt"`           // disable, false, true (default: true)
	// Kerberos authentication (alternative to user/password)
	Auth     string `yaml:"auth"`      // "password" (default) or "kerberos"
	Krb5Conf string `yaml:"krb5_conf"` // Path to krb5.conf (optional, uses system default)
	Keytab   string `yaml:"keytab"`    // Path to keytab file (optional, uses credential cache)
	Realm    string `yaml:"realm"`     // Kerberos realm (optional, auto-detected)
	SPN      string `yaml:"spn"`       // Service Principal Name (optional)

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	BackupPathTemplate string        `yaml:"backup_path_template"` // {database}, {server}, {timestamp}, {extension}
	BackupPathQuery    string        `yaml:"backup_path_query"`    // Query returning a backup directory
}

// RelocationRule rewrites physical file names with a regular expression.
type RelocationRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// RetryConfig paces retries of transient failures.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`       // Per coordinator step (default 6)
	StatementAttempts int           `yaml:"statement_attempts"` // Per statement on a replica (default 4)
	JoinAttempts      int           `yaml:"join_attempts"`      // Per secondary join (default 6)
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	Multiplier        float64       `yaml:"multiplier"`
}

// MoveConfig holds move behavior settings
type MoveConfig struct {
	Overwrite        bool             `yaml:"overwrite"`     // Delete an existing destination first
	Finalize         *bool            `yaml:"finalize"`      // Recover and join the group (default true)
	CopyLogins       *bool            `yaml:"copy_logins"`   // Copy associated logins on finalize (default true)
	DeleteSource     bool             `yaml:"delete_source"` // Delete the source after a finalized move
	FileRelocation   []RelocationRule `yaml:"file_relocation"`
	Retry            RetryConfig      `yaml:"retry"`
	RestoreTimeout   time.Duration    `yaml:"restore_timeout"`   // Per RESTORE statement (default 24h)
	InitializingWait time.Duration    `yaml:"initializing_wait"` // Wait for seeding before a drop (default 60s)
	MaxConnections   int              `yaml:"max_connections"`   // Per instance (default 4)
	DataDir          string           `yaml:"data_dir"`
}

// ShouldFinalize reports whether a one-shot move finalizes.
func (m MoveConfig) ShouldFinalize() bool { return m.Finalize == nil || *m.Finalize }

// ShouldCopyLogins reports whether finalization copies logins.
func (m MoveConfig) ShouldCopyLogins() bool { return m.CopyLogins == nil || *m.CopyLogins }

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	warn := func(path, kind string) {
		if warning := checkFilePermissions(path, kind); warning != "" && !opts.SuppressWarnings {
			fmt.Fprint(os.Stderr, warning)
		}
	}
	warn(path, "Config file")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}
	for _, e := range []EndpointConfig{cfg.Source, cfg.Destination} {
		if e.Auth == "kerberos" && e.Keytab != "" {
			warn(e.Keytab, "Keytab")
		}
	}
	return cfg, nil
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand ${env:VAR}, ${VAR} and ${file:path} after parsing so secret
	// values never pass through the YAML parser
	if err := cfg.expandSecrets(); err != nil {
		return nil, fmt.Errorf("expanding config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

var (
	templatePattern = regexp.MustCompile(`\$\{([^}]*)\}`)
	envNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// expandTemplateValue replaces ${file:path}, ${env:NAME} and ${NAME} in s.
// Anything else, including invalid variable names, is kept literally.
func expandTemplateValue(s string) (string, error) {
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		inner := m[2 : len(m)-1]
		switch {
		case strings.HasPrefix(inner, "file:"):
			path := inner[len("file:"):]
			if path == "" {
				return m
			}
			data, err := os.ReadFile(expandTilde(path))
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("reading secret file: %w", err)
				}
				return ""
			}
			return strings.TrimSpace(string(data))
		case strings.HasPrefix(inner, "env:"):
			name := inner[len("env:"):]
			if !envNamePattern.MatchString(name) {
				return m
			}
			return os.Getenv(name)
		case envNamePattern.MatchString(inner):
			return os.Getenv(inner)
		default:
			return m
		}
	})
	return out, firstErr
}

func (c *Config) expandSecrets() error {
	fields := []*string{&c.Slack.WebhookURL, &c.Slack.Channel, &c.Move.DataDir}
	for _, e := range []*EndpointConfig{&c.Source, &c.Destination} {
		fields = append(fields, &e.Host, &e.Instance, &e.Database, &e.User, &e.Password,
			&e.Krb5Conf, &e.Keytab, &e.Realm, &e.SPN, &e.BackupPathTemplate)
	}
	for _, f := range fields {
		v, err := expandTemplateValue(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".ag-db-move")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (e *EndpointConfig) applyDefaults() {
	if e.Encrypt == "" {
		e.Encrypt = "true" // Secure default
	}
	if e.Auth == "" {
		e.Auth = "password"
	}
	if e.DialTimeout == 0 {
		e.DialTimeout = 30 * time.Second
	}
}

func (c *Config) applyDefaults() {
	c.Source.applyDefaults()
	c.Destination.applyDefaults()

	r := &c.Move.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 6
	}
	if r.StatementAttempts == 0 {
		r.StatementAttempts = sqlserver.DefaultStatementAttempts
	}
	if r.JoinAttempts == 0 {
		r.JoinAttempts = sqlserver.DefaultJoinAttempts
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = time.Second
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = time.Minute
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}
	if c.Move.RestoreTimeout == 0 {
		c.Move.RestoreTimeout = sqlserver.DefaultRestoreTimeout
	}
	if c.Move.InitializingWait == 0 {
		c.Move.InitializingWait = sqlserver.DefaultInitializingWait
	}
	if c.Move.MaxConnections == 0 {
		c.Move.MaxConnections = 4
	}
	if c.Move.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Move.DataDir = filepath.Join(home, ".ag-db-move")
	} else {
		c.Move.DataDir = expandTilde(c.Move.DataDir)
	}
}

func (e *EndpointConfig) validate(section string) error {
	if e.Host == "" {
		return fmt.Errorf("%s.host is required", section)
	}
	if e.Database == "" {
		return fmt.Errorf("%s.database is required", section)
	}
	if e.Auth != "password" && e.Auth != "kerberos" {
		return fmt.Errorf("%s.auth must be 'password' or 'kerberos', got '%s'", section, e.Auth)
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("%s.port out of range: %d", section, e.Port)
	}
	if e.Port != 0 && e.Instance != "" {
		return fmt.Errorf("%s: set either port or instance, not both", section)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Destination.validate("destination"); err != nil {
		return err
	}

	// A move onto itself would drop the source
	if strings.EqualFold(c.Source.DataSource(), c.Destination.DataSource()) &&
		strings.EqualFold(c.Source.Database, c.Destination.Database) {
		return fmt.Errorf("source and destination are the same database: %s/%s", c.Source.DataSource(), c.Source.Database)
	}

	if c.Move.Retry.Multiplier < 1 {
		return fmt.Errorf("move.retry.multiplier must be at least 1")
	}
	if c.Move.Retry.MaxAttempts < 0 || c.Move.Retry.StatementAttempts < 0 || c.Move.Retry.JoinAttempts < 0 {
		return fmt.Errorf("move.retry attempts must not be negative")
	}
	if _, err := c.FileRelocator(); err != nil {
		return err
	}
	if c.Move.DeleteSource && !c.Move.ShouldFinalize() {
		return fmt.Errorf("move.delete_source requires move.finalize")
	}
	return nil
}

// ConnInfo converts the endpoint into connection settings.
func (e EndpointConfig) ConnInfo() sqlserver.ConnInfo {
	return sqlserver.ConnInfo{
		Host:            e.Host,
		Port:            e.Port,
		Instance:        e.Instance,
		Database:        e.Database,
		User:            e.User,
		Password:        e.Password,
		Auth:            e.Auth,
		Krb5Conf:        e.Krb5Conf,
		Keytab:          e.Keytab,
		Realm:           e.Realm,
		SPN:             e.SPN,
		Encrypt:         e.Encrypt,
		TrustServerCert: e.TrustServerCert,
		DialTimeout:     e.DialTimeout,
	}
}

// DataSource renders the endpoint as host[,port] or host\instance.
func (e EndpointConfig) DataSource() string {
	return e.ConnInfo().DataSource()
}

// ServerOptions returns the statement settings used on the endpoint's instances.
func (c *Config) ServerOptions(e EndpointConfig) sqlserver.Options {
	return sqlserver.Options{
		BackupPathTemplate: e.BackupPathTemplate,
		BackupPathQuery:    e.BackupPathQuery,
		RestoreTimeout:     c.Move.RestoreTimeout,
		StatementAttempts:  c.Move.Retry.StatementAttempts,
		JoinAttempts:       c.Move.Retry.JoinAttempts,
		InitializingWait:   c.Move.InitializingWait,
		Backoff:            c.RetryBackoff(),
		MaxOpenConns:       c.Move.MaxConnections,
	}
}

// RetryBackoff returns the exponential backoff described by move.retry.
func (c *Config) RetryBackoff() retry.Backoff {
	r := c.Move.Retry
	return retry.Exponential(r.InitialBackoff, r.MaxBackoff, r.Multiplier)
}

// FileRelocator compiles move.file_relocation into a function applying
// every rule in order. Without rules it returns nil, keeping file names.
func (c *Config) FileRelocator() (func(string) string, error) {
	if len(c.Move.FileRelocation) == 0 {
		return nil, nil
	}
	type rule struct {
		re   *regexp.Regexp
		repl string
	}
	rules := make([]rule, 0, len(c.Move.FileRelocation))
	for i, r := range c.Move.FileRelocation {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("move.file_relocation[%d]: %w", i, err)
		}
		rules = append(rules, rule{re: re, repl: r.Replacement})
	}
	return func(name string) string {
		for _, r := range rules {
			name = r.re.ReplaceAllString(name, r.repl)
		}
		return name
	}, nil
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Source.Password != "" {
		sanitized.Source.Password = "[REDACTED]"
	}
	if sanitized.Destination.Password != "" {
		sanitized.Destination.Password = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
