// Package config loads the daemon's settings in layers: built-in defaults,
// an optional YAML file, LOGUPLOAD_* environment variables, then command-line
// flags the user actually set. Each layer overrides the one before it.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"logupload/internal/arena"
	"logupload/internal/codec"
	"logupload/internal/home"
	"logupload/internal/hostinfo"
	"logupload/internal/logging"
	"logupload/internal/source"
	"logupload/internal/transport"
)

const (
	// EnvPrefix prefixes every environment override, e.g. LOGUPLOAD_SERVER.
	EnvPrefix = "LOGUPLOAD_"

	// ConfigPathEnvVar names a config file when --config is not given.
	ConfigPathEnvVar = EnvPrefix + "CONFIG"

	DefaultServer = "https://diag.cpe.gfsvc.com"
	DefaultTarget = "dmesg"

	// MinLogSize is the smallest accepted capture buffer: two full kernel
	// records.
	MinLogSize = 16 * 1024
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Server  string `koanf:"server"`
	All     bool   `koanf:"all"`
	LogType string `koanf:"logtype"`

	// Freq is the mean number of seconds between cycles. Zero runs once.
	Freq int `koanf:"freq"`

	Stdout bool `koanf:"stdout"`

	// Stdin, when set, reads from standard input and names the upload.
	Stdin string `koanf:"stdin"`

	StateDir    string `koanf:"state_dir"`
	Codec       string `koanf:"codec"`
	LogLevel    string `koanf:"log_level"`
	MetricsAddr string `koanf:"metrics_addr"`

	// WakeLimit caps accepted SIGUSR1 wakes per second. Zero accepts all.
	WakeLimit float64 `koanf:"wake_limit"`

	MaxLogSize       int           `koanf:"max_log_size"`
	CompressionSlack int           `koanf:"compression_slack"`
	Timeout          time.Duration `koanf:"timeout"`

	KmsgPath     string   `koanf:"kmsg_path"`
	PlatformPath string   `koanf:"platform_path"`
	SerialPath   string   `koanf:"serial_path"`
	Interfaces   []string `koanf:"interfaces"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server:           DefaultServer,
		StateDir:         home.DefaultRoot,
		Codec:            codec.DefaultName,
		LogLevel:         "info",
		MaxLogSize:       arena.DefaultMaxPayload,
		CompressionSlack: arena.DefaultSlack,
		Timeout:          transport.DefaultTimeout,
		KmsgPath:         source.DefaultKmsgPath,
		PlatformPath:     hostinfo.DefaultPlatformPath,
		SerialPath:       hostinfo.DefaultSerialPath,
		Interfaces:       slices.Clone(hostinfo.DefaultInterfaces),
	}
}

// Interval returns Freq as a duration.
func (c *Config) Interval() time.Duration { return time.Duration(c.Freq) * time.Second }

// Target returns the upload target: the stdin name, or dmesg.
func (c *Config) Target() string {
	if c.Stdin != "" {
		return c.Stdin
	}
	return DefaultTarget
}

// Validate checks the configuration for values no cycle could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Freq < 0 {
		errs = append(errs, fmt.Errorf("freq must be >= 0, got %d", c.Freq))
	}
	if _, err := codec.Lookup(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Server == "" && !c.Stdout {
		errs = append(errs, errors.New("server is required unless printing to stdout"))
	}
	if c.MaxLogSize < MinLogSize {
		errs = append(errs, fmt.Errorf("max_log_size must be >= %d, got %d", MinLogSize, c.MaxLogSize))
	}
	if c.CompressionSlack < 0 {
		errs = append(errs, fmt.Errorf("compression_slack must be >= 0, got %d", c.CompressionSlack))
	}
	if c.WakeLimit < 0 {
		errs = append(errs, fmt.Errorf("wake_limit must be >= 0, got %g", c.WakeLimit))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// BindFlags registers one flag per setting on fs, defaulted from Defaults.
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "YAML configuration file (env "+ConfigPathEnvVar+")")
	fs.String("server", d.Server, "collector URL; the scheme selects the transport")
	fs.Bool("all", false, "upload the entire ring buffer every cycle, not just new records")
	fs.String("logtype", "", "log category reported to the collector")
	fs.Int("freq", 0, "repeat every SECS seconds, jittered by 1/12 (0 runs once)")
	fs.Bool("stdout", false, "print captured logs to stdout instead of uploading")
	fs.String("stdin", "", "read from stdin instead of /dev/kmsg and upload as `NAME`")
	fs.String("state-dir", d.StateDir, "directory holding the watermark and completion marker")
	fs.String("codec", d.Codec, "compression codec: "+strings.Join(codec.Names(), ", "))
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.String("metrics-addr", "", "serve prometheus metrics on `ADDR`")
	fs.Float64("wake-limit", 0, "accept at most N SIGUSR1 wakes per second (0 accepts all)")
	fs.Int("max-log-size", d.MaxLogSize, "maximum bytes captured per cycle")
	fs.Duration("timeout", d.Timeout, "upload timeout")
}

// Load builds the configuration. path names an optional YAML file; when empty
// the LOGUPLOAD_CONFIG variable is consulted. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKeyValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if fs != nil {
		// Flags left at their defaults do not override the layers above.
		flags := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			if f.Name == "config" || f.Name == "help" {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
		})
		if err := k.Load(flags, nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyValue maps LOGUPLOAD_STATE_DIR to state_dir and splits list values on
// commas.
func envKeyValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return "", nil
	}
	if key == "interfaces" {
		var out []string
		for p := range strings.SplitSeq(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return key, out
	}
	return key, value
}
