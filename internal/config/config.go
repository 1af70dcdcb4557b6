// Package config loads and validates the holepunchd server
// configuration.
//
// Sources are layered, later wins:
//
//  1. /etc/holepunch/<name> (any format viper understands)
//  2. <name> in the working directory, or an explicit --config path
//  3. environment variables prefixed HOLEPUNCH_ with "." replaced by
//     "_" (e.g. HOLEPUNCH_CORE_BIND_ADDR)
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Core holds the control-channel and authentication settings.
type Core struct {
	// Debug raises the default log level to debug.
	Debug bool `mapstructure:"debug"`

	// BindAddr is the listen address of the gRPC control channel
	// (e.g. "0.0.0.0:8422"). Required.
	BindAddr string `mapstructure:"bind_addr"`

	// AuthMethod selects how Login authenticates: "token" (shared
	// secrets from the tokens table) or "oidc" (reserved, not yet
	// implemented). Defaults to "token".
	AuthMethod string `mapstructure:"auth_method"`

	// AllowPorts is the "<lo>-<hi>" TCP port range handed out to TCP
	// tunnels; lo is inclusive, hi exclusive. Required when TCP
	// tunnels are used.
	AllowPorts string `mapstructure:"allow_ports"`
}

// HTTP holds the public HTTP front-end settings.
type HTTP struct {
	// BindAddr is the listen address of the public HTTP entrypoint
	// (e.g. "0.0.0.0:8080"). Required.
	BindAddr string `mapstructure:"bind_addr"`

	// DefaultDomain is the suffix under which vhosts are created
	// (e.g. "example.test" yields "<subdomain>.example.test").
	// Required.
	DefaultDomain string `mapstructure:"default_domain"`
}

// Config is the top-level holepunchd configuration.
type Config struct {
	Core Core `mapstructure:"core"`
	HTTP HTTP `mapstructure:"http"`

	// Tokens maps username -> shared secret. A login token is matched
	// against the values; the first matching entry's key becomes the
	// session username.
	Tokens map[string]string `mapstructure:"tokens"`
}

// Auth method values accepted in core.auth_method.
const (
	AuthMethodToken = "token"
	AuthMethodOIDC  = "oidc"
)

// Load reads the layered configuration. name is the config file base
// name or path supplied on the command line; it may be empty, in which
// case only /etc/holepunch and the environment are consulted.
func Load(name string) (*Config, error) {
	v := viper.New()
	v.SetDefault("core.debug", false)
	v.SetDefault("core.auth_method", AuthMethodToken)

	// Base layer: the system-wide file, optional.
	v.SetConfigName("holepunchd")
	v.AddConfigPath("/etc/holepunch")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read /etc/holepunch: %w", err)
		}
	}

	// Override layer: the named file, optional as well so that a pure
	// environment-driven deployment works.
	if name != "" {
		ov := viper.New()
		if strings.ContainsAny(name, "/.") {
			ov.SetConfigFile(name)
		} else {
			ov.SetConfigName(name)
			ov.AddConfigPath(".")
		}
		if err := ov.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read %s: %w", name, err)
			}
		} else if err := v.MergeConfigMap(ov.AllSettings()); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", name, err)
		}
	}

	// Environment layer wins over both files.
	v.SetEnvPrefix("HOLEPUNCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for the fields the daemon
// cannot run without.
func (c *Config) Validate() error {
	if c.Core.BindAddr == "" {
		return errors.New("config: core.bind_addr is required")
	}
	if c.HTTP.BindAddr == "" {
		return errors.New("config: http.bind_addr is required")
	}
	if c.HTTP.DefaultDomain == "" {
		return errors.New("config: http.default_domain is required")
	}
	switch c.Core.AuthMethod {
	case AuthMethodToken, AuthMethodOIDC:
	default:
		return fmt.Errorf("config: core.auth_method must be %q or %q, got %q",
			AuthMethodToken, AuthMethodOIDC, c.Core.AuthMethod)
	}
	if c.Core.AllowPorts != "" {
		if _, _, err := c.PortRange(); err != nil {
			return err
		}
	}
	return nil
}

// PortRange parses core.allow_ports into its inclusive low and
// exclusive high bounds.
func (c *Config) PortRange() (lo, hi int, err error) {
	lostr, histr, ok := strings.Cut(c.Core.AllowPorts, "-")
	if !ok {
		return 0, 0, fmt.Errorf("config: core.allow_ports %q is not of the form <lo>-<hi>", c.Core.AllowPorts)
	}
	lo, err = strconv.Atoi(strings.TrimSpace(lostr))
	if err != nil {
		return 0, 0, fmt.Errorf("config: core.allow_ports low bound: %w", err)
	}
	hi, err = strconv.Atoi(strings.TrimSpace(histr))
	if err != nil {
		return 0, 0, fmt.Errorf("config: core.allow_ports high bound: %w", err)
	}
	if lo <= 0 || hi <= lo || hi > 65536 {
		return 0, 0, fmt.Errorf("config: core.allow_ports %q: bounds out of range", c.Core.AllowPorts)
	}
	return lo, hi, nil
}
