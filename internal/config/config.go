package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Placeholder is the value committed to sample configuration files in place
// of a real secret. It is treated as unset.
const Placeholder = "[Stored in User Secrets]"

type Config struct {
	HTTP    HTTPConfig   `mapstructure:"http"`
	IMAP    IMAPConfig   `mapstructure:"imap"`
	SMTP    SMTPConfig   `mapstructure:"smtp"`
	MongoDB MongoConfig  `mapstructure:"mongodb"`
	Redis   RedisConfig  `mapstructure:"redis"`
	Ingest  IngestConfig `mapstructure:"ingest"`
	Limits  LimitsConfig `mapstructure:"ratelimit"`
	Admin   AdminConfig  `mapstructure:"admin"`
	Log     LogConfig    `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// IMAPConfig describes the mailbox the reconciliation pass reads from.
type IMAPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Security        string        `mapstructure:"security"`
	SkipVerify      bool          `mapstructure:"skip_verify"`
	Folder          string        `mapstructure:"folder"`
	OnlyUnseen      bool          `mapstructure:"only_unseen"`
	MarkSeen        bool          `mapstructure:"mark_seen"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Security    string        `mapstructure:"security"`
	SkipVerify  bool          `mapstructure:"skip_verify"`
	FromName    string        `mapstructure:"from_name"`
	FromAddress string        `mapstructure:"from_address"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type MongoConfig struct {
	URI                string        `mapstructure:"uri"`
	Database           string        `mapstructure:"database"`
	SentCollection     string        `mapstructure:"sent_collection"`
	ReceivedCollection string        `mapstructure:"received_collection"`
	Timeout            time.Duration `mapstructure:"timeout"`
	ConnectAttempts    int           `mapstructure:"connect_attempts"`
}

// RedisConfig is optional. With an empty URL the gateway rate limits in
// process and runs without the UID ledger.
type RedisConfig struct {
	URL    string        `mapstructure:"url"`
	UIDTTL time.Duration `mapstructure:"uid_ttl"`
}

type IngestConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LimitsConfig struct {
	SendPerMin int `mapstructure:"send_per_min"`
	ListPerMin int `mapstructure:"list_per_min"`
}

type AdminConfig struct {
	Password  string        `mapstructure:"password"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.security", "tls")
	v.SetDefault("imap.skip_verify", false)
	v.SetDefault("imap.folder", "INBOX")
	v.SetDefault("imap.only_unseen", true)
	v.SetDefault("imap.mark_seen", true)
	v.SetDefault("imap.max_message_bytes", 5242880) // 5MB
	v.SetDefault("imap.timeout", 30*time.Second)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.security", "starttls")
	v.SetDefault("smtp.skip_verify", false)
	v.SetDefault("smtp.from_name", "Mail Gateway")
	v.SetDefault("smtp.from_address", "")
	v.SetDefault("smtp.timeout", 30*time.Second)

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "mailgateway")
	v.SetDefault("mongodb.sent_collection", "sent_emails")
	v.SetDefault("mongodb.received_collection", "received_emails")
	v.SetDefault("mongodb.timeout", 10*time.Second)
	v.SetDefault("mongodb.connect_attempts", 5)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.uid_ttl", 30*24*time.Hour)

	v.SetDefault("ingest.poll_interval", time.Minute)

	v.SetDefault("ratelimit.send_per_min", 10)
	v.SetDefault("ratelimit.list_per_min", 60)

	v.SetDefault("admin.password", "")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, an optional YAML file, a local
// .env file and the environment, in increasing order of precedence.
// Environment keys are the upper-cased dotted keys with "_" separators,
// e.g. IMAP_HOST or MONGODB_URI. An explicit path must exist.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing or malformed setting the gateway needs to
// serve requests.
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		key, value string
	}{
		{"imap.host", c.IMAP.Host},
		{"imap.username", c.IMAP.Username},
		{"imap.password", c.IMAP.Password},
		{"imap.folder", c.IMAP.Folder},
		{"smtp.host", c.SMTP.Host},
		{"smtp.from_address", c.SMTP.FromAddress},
		{"mongodb.uri", c.MongoDB.URI},
		{"mongodb.database", c.MongoDB.Database},
		{"mongodb.sent_collection", c.MongoDB.SentCollection},
		{"mongodb.received_collection", c.MongoDB.ReceivedCollection},
	}
	for _, r := range required {
		if isUnset(r.value) {
			errs = append(errs, fmt.Errorf("%s is not configured", r.key))
		}
	}

	// Credentials are optional for SMTP relays, but a placeholder means
	// someone forgot to provide them.
	if c.SMTP.Username == Placeholder || c.SMTP.Password == Placeholder {
		errs = append(errs, errors.New("smtp credentials are set to the placeholder value"))
	}

	if !validSecurity(c.IMAP.Security) {
		errs = append(errs, fmt.Errorf("imap.security %q must be one of tls, starttls, auto, none", c.IMAP.Security))
	}
	if !validSecurity(c.SMTP.Security) {
		errs = append(errs, fmt.Errorf("smtp.security %q must be one of tls, starttls, auto, none", c.SMTP.Security))
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		errs = append(errs, fmt.Errorf("imap.port %d is out of range", c.IMAP.Port))
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port %d is out of range", c.SMTP.Port))
	}
	if c.MongoDB.SentCollection != "" && c.MongoDB.SentCollection == c.MongoDB.ReceivedCollection {
		errs = append(errs, errors.New("mongodb sent and received collections must differ"))
	}

	return errors.Join(errs...)
}

// AuthEnabled reports whether admin routes and destructive endpoints are
// protected.
func (c *Config) AuthEnabled() bool {
	return !isUnset(c.Admin.Password)
}

func isUnset(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == Placeholder
}

func validSecurity(mode string) bool {
	switch mode {
	case "tls", "starttls", "auto", "none":
		return true
	}
	return false
}
