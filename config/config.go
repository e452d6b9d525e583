package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RELAYCHAT_PORT.
const EnvPrefix = "RELAYCHAT"

// Keys
const (
	KeyHost         = "host"
	KeyPort         = "port"
	KeyBufferSize   = "buffer_size"
	KeyTimeout      = "timeout"
	KeyMaxRetries   = "max_retries"
	KeyBackoffUnit  = "backoff_unit"
	KeyBackoffCap   = "backoff_cap"
	KeyStorage      = "storage"
	KeyDataDir      = "data_dir"
	KeyUsersFile    = "users_file"
	KeyMessagesFile = "messages_file"
	KeySQLiteFile   = "sqlite_file"
	KeyLogLevel     = "log_level"
	KeyServer       = "server"
	KeyLocalPort    = "local_port"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Host         string
	Port         int
	BufferSize   int
	Timeout      time.Duration
	MaxRetries   int
	BackoffUnit  time.Duration
	BackoffCap   time.Duration
	Storage      string
	DataDir      string
	UsersFile    string
	MessagesFile string
	SQLiteFile   string
	LogLevel     string

	// Client side
	Server    string
	LocalPort int
}

// New returns a viper instance holding the defaults and reading RELAYCHAT_*
// environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyHost, "")
	v.SetDefault(KeyPort, 12000)
	v.SetDefault(KeyBufferSize, 2048)
	v.SetDefault(KeyTimeout, 5*time.Second)
	v.SetDefault(KeyMaxRetries, 3)
	v.SetDefault(KeyBackoffUnit, time.Second)
	v.SetDefault(KeyBackoffCap, 10*time.Second)
	v.SetDefault(KeyStorage, "json")
	v.SetDefault(KeyDataDir, ".")
	v.SetDefault(KeyUsersFile, "users.txt")
	v.SetDefault(KeyMessagesFile, "messages.txt")
	v.SetDefault(KeySQLiteFile, "relaychat.db")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyServer, "localhost:12000")
	v.SetDefault(KeyLocalPort, 0)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrap(err, "read config file failed")
	}
	return nil
}

// BindFlags lets every set flag in flags override the key of the same name.
// Flag names use dashes where keys use underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		err = v.BindPFlag(key, f)
	})
	return errors.Wrap(err, "bind flags failed")
}

// Load resolves v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:         v.GetString(KeyHost),
		Port:         v.GetInt(KeyPort),
		BufferSize:   v.GetInt(KeyBufferSize),
		Timeout:      v.GetDuration(KeyTimeout),
		MaxRetries:   v.GetInt(KeyMaxRetries),
		BackoffUnit:  v.GetDuration(KeyBackoffUnit),
		BackoffCap:   v.GetDuration(KeyBackoffCap),
		Storage:      v.GetString(KeyStorage),
		DataDir:      v.GetString(KeyDataDir),
		UsersFile:    v.GetString(KeyUsersFile),
		MessagesFile: v.GetString(KeyMessagesFile),
		SQLiteFile:   v.GetString(KeySQLiteFile),
		LogLevel:     v.GetString(KeyLogLevel),
		Server:       v.GetString(KeyServer),
		LocalPort:    v.GetInt(KeyLocalPort),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return errors.Wrapf(ErrInvalidConfig, "port %d out of range", c.Port)
	case c.LocalPort < 0 || c.LocalPort > 65535:
		return errors.Wrapf(ErrInvalidConfig, "local port %d out of range", c.LocalPort)
	case c.BufferSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "buffer size must be positive")
	case c.Timeout <= 0:
		return errors.Wrap(ErrInvalidConfig, "timeout must be positive")
	case c.MaxRetries < 1:
		return errors.Wrap(ErrInvalidConfig, "max retries must be at least 1")
	case c.BackoffUnit < 0 || c.BackoffCap < 0:
		return errors.Wrap(ErrInvalidConfig, "backoff must not be negative")
	}
	return nil
}
