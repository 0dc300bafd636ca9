package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables, e.g. GALENE_STREAM_PASSWORD.
const EnvPrefix = "GALENE_STREAM"

// Config holds the application configuration.
type Config struct {
	Inputs           []string      `mapstructure:"input"`
	Output           string        `mapstructure:"output"`
	Bitrate          int           `mapstructure:"bitrate"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	Insecure         bool          `mapstructure:"insecure"`
	Debug            bool          `mapstructure:"debug"`
	JoinTimeout      time.Duration `mapstructure:"join_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// NewFlagSet declares the command-line flags understood by Load.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringSliceP("input", "i", nil, `media input, repeatable: udp://host:port?codec=vp8|vp9|h264|opus, file.ivf or file.ogg`)
	fs.StringP("output", "o", "", "group URL, of the form https://galene.example.org/group/public/")
	fs.IntP("bitrate", "b", 1048576, "video bitrate announced to the server in bit/s")
	fs.StringP("username", "u", "", "group username")
	fs.StringP("password", "p", "", "group password")
	fs.Bool("insecure", false, "don't check server certificate")
	fs.Bool("debug", false, "debug mode: show debug messages")
	fs.Duration("join-timeout", 30*time.Second, "maximum time to wait for the join response, 0 waits forever")
	fs.Duration("ping-interval", 0, "WebSocket ping interval, 0 disables pings")
	fs.Duration("handshake-timeout", 10*time.Second, "WebSocket handshake timeout")
	fs.String("config", "", "optional YAML configuration file")
	return fs
}

// Load merges defaults, an optional config file, a .env file, environment
// variables and flags, in increasing order of precedence.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("bitrate", 1048576)
	v.SetDefault("join_timeout", "30s")
	v.SetDefault("ping_interval", "0s")
	v.SetDefault("handshake_timeout", "10s")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Inputs) == 0 {
		errs = append(errs, errors.New("at least one input is required"))
	}
	switch {
	case c.Output == "":
		errs = append(errs, errors.New("output is required"))
	case strings.HasPrefix(c.Output, "ws"):
		errs = append(errs, errors.New("output must be a group URL of the form https://galene.example.org/group/public/"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Bitrate <= 0 {
		errs = append(errs, fmt.Errorf("bitrate must be positive, got %d", c.Bitrate))
	}
	if c.JoinTimeout < 0 {
		errs = append(errs, errors.New("join timeout must not be negative"))
	}
	return errors.Join(errs...)
}
