package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultCloudEndpoint is offered as the endpoint default during
// interactive setup.
const DefaultCloudEndpoint = "http://localhost:8422"

// Config is what the client needs to reach a holepunchd: the control
// channel URL and the shared-secret token.
type Config struct {
	Endpoint string
	Token    string
}

// ConfigPath returns the default config location,
// <user config dir>/holepunch/config.ini.
func ConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("client: resolve config dir: %w", err)
	}
	return filepath.Join(base, "holepunch", "config.ini"), nil
}

// LoadConfig reads the default config file, then merges the named file
// over it when one is given. A missing default file is only an error if
// no named file supplied the values either.
func LoadConfig(name string) (*Config, error) {
	v := viper.New()

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("client: read %s: %w", path, err)
	}

	if name != "" {
		ov := viper.New()
		if strings.ContainsAny(name, "/.") {
			ov.SetConfigFile(name)
		} else {
			ov.SetConfigName(name)
			ov.SetConfigType("ini")
			ov.AddConfigPath(".")
		}
		if err := ov.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("client: read %s: %w", name, err)
		}
		if err := v.MergeConfigMap(ov.AllSettings()); err != nil {
			return nil, fmt.Errorf("client: merge %s: %w", name, err)
		}
	}

	cfg := &Config{
		Endpoint: iniString(v, "endpoint"),
		Token:    iniString(v, "token"),
	}
	if cfg.Endpoint == "" || cfg.Token == "" {
		return nil, errors.New("client: endpoint and token are not configured; run `holepunch config` first")
	}
	return cfg, nil
}

// iniString reads key whether or not the ini parser filed it under the
// implicit "default" section.
func iniString(v *viper.Viper, key string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return v.GetString("default." + key)
}

// Setup interactively collects endpoint and token and writes them to
// the default config path. in and out are parameters so tests can
// drive the prompts.
func Setup(in io.Reader, out io.Writer) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	r := bufio.NewReader(in)

	fmt.Fprintf(out, "server endpoint? [%s] ", DefaultCloudEndpoint)
	ep, err := readLine(r)
	if err != nil {
		return err
	}
	if ep == "" {
		ep = DefaultCloudEndpoint
	}

	var token string
	for token == "" {
		fmt.Fprint(out, "authorization token? ")
		token, err = readLine(r)
		if err != nil {
			return err
		}
		if token == "" {
			fmt.Fprintln(out, "token required")
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("client: create config dir: %w", err)
	}
	content := fmt.Sprintf("endpoint=%s\ntoken=%s\n", ep, token)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("client: write %s: %w", path, err)
	}
	fmt.Fprintf(out, "config saved at %s\n", path)
	return nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("client: read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
