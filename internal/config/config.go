// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix LECODER_)
//  3. Config file (config.json in the per-user config dir, or -c PATH)
//  4. Compiled defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ConfigOption struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

const (
	KeyAuthClientID     = "auth.client_id"
	KeyAuthClientSecret = "auth.client_secret"
	KeyAuthTokenURL     = "auth.token_url"
)

const (
	KeyColabAPIURL = "colab.api_url"
	KeyColabAgent  = "colab.agent"
)

const (
	KeyStateDir = "state.dir"
)

const (
	KeyConnectReadyTimeout          = "connect.ready_timeout"
	KeyConnectReconnectReadyTimeout = "connect.reconnect_ready_timeout"
	KeyConnectMaxReconnectAttempts  = "connect.max_reconnect_attempts"
	KeyConnectKernelName            = "connect.kernel_name"
)

const (
	KeyHistoryLimit = "history.limit"
)

var Options = []ConfigOption{
	{Key: KeyAuthClientID, Flag: flag(KeyAuthClientID), Default: "", Description: "OAuth client id"},
	{Key: KeyAuthClientSecret, Flag: flag(KeyAuthClientSecret), Default: "", Description: "OAuth client secret"},
	{Key: KeyAuthTokenURL, Flag: flag(KeyAuthTokenURL), Default: "https://oauth2.googleapis.com/token", Description: "OAuth token endpoint"},
	{Key: KeyColabAPIURL, Flag: flag(KeyColabAPIURL), Default: "https://colab.research.google.com", Description: "Colab API host url"},
	{Key: KeyColabAgent, Flag: flag(KeyColabAgent), Default: "lecoder", Description: "Client agent identifier"},
	{Key: KeyStateDir, Flag: flag(KeyStateDir), Default: "", Description: "State directory (defaults to the per-user config dir)"},
	{Key: KeyConnectReadyTimeout, Flag: flag(KeyConnectReadyTimeout), Default: 60 * time.Second, Description: "Kernel readiness timeout on first connect"},
	{Key: KeyConnectReconnectReadyTimeout, Flag: flag(KeyConnectReconnectReadyTimeout), Default: 30 * time.Second, Description: "Kernel readiness timeout on reconnect"},
	{Key: KeyConnectMaxReconnectAttempts, Flag: flag(KeyConnectMaxReconnectAttempts), Default: 5, Description: "Maximum reconnect attempts before failing"},
	{Key: KeyConnectKernelName, Flag: flag(KeyConnectKernelName), Default: "python3", Description: "Jupyter kernel name"},
	{Key: KeyHistoryLimit, Flag: flag(KeyHistoryLimit), Default: 20, Description: "Default number of history entries shown"},
}

type Config struct {
	v *viper.Viper
}

// New loads configuration from the optional explicit file path, the
// per-user config dir, environment variables, and compiled defaults.
func New(file string) (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		if dir, err := DefaultDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if file != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("LECODER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// SetFile re-reads configuration from an explicit file, keeping flag
// and environment bindings intact. Used for the -c flag, whose value
// is only known after flag parsing.
func (c *Config) SetFile(path string) error {
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// DefaultDir is the per-user configuration directory for the tool.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "lecoder"), nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []ConfigOption) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) AuthClientID() string {
	return c.v.GetString(KeyAuthClientID) // LECODER_AUTH_CLIENT_ID
}

func (c *Config) AuthClientSecret() string {
	return c.v.GetString(KeyAuthClientSecret) // LECODER_AUTH_CLIENT_SECRET
}

func (c *Config) AuthTokenURL() string {
	return c.v.GetString(KeyAuthTokenURL) // LECODER_AUTH_TOKEN_URL
}

func (c *Config) ColabAPIURL() string {
	return c.v.GetString(KeyColabAPIURL) // LECODER_COLAB_API_URL
}

func (c *Config) ColabAgent() string {
	return c.v.GetString(KeyColabAgent) // LECODER_COLAB_AGENT
}

// StateDir resolves the state directory, falling back to
// <user config dir>/lecoder/state.
func (c *Config) StateDir() (string, error) {
	if dir := c.v.GetString(KeyStateDir); dir != "" { // LECODER_STATE_DIR
		return dir, nil
	}
	base, err := DefaultDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	return filepath.Join(base, "state"), nil
}

func (c *Config) ConnectReadyTimeout() time.Duration {
	return c.v.GetDuration(KeyConnectReadyTimeout) // LECODER_CONNECT_READY_TIMEOUT
}

func (c *Config) ConnectReconnectReadyTimeout() time.Duration {
	return c.v.GetDuration(KeyConnectReconnectReadyTimeout) // LECODER_CONNECT_RECONNECT_READY_TIMEOUT
}

func (c *Config) ConnectMaxReconnectAttempts() int {
	return c.v.GetInt(KeyConnectMaxReconnectAttempts) // LECODER_CONNECT_MAX_RECONNECT_ATTEMPTS
}

func (c *Config) ConnectKernelName() string {
	return c.v.GetString(KeyConnectKernelName) // LECODER_CONNECT_KERNEL_NAME
}

func (c *Config) HistoryLimit() int {
	return c.v.GetInt(KeyHistoryLimit) // LECODER_HISTORY_LIMIT
}

func flag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}
