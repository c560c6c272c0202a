package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. AVISTA_BROKER_URL
const EnvPrefix = "AVISTA"

// Loader reads the configuration file with environment overrides and
// writes it back
type Loader struct {
	path string
}

// NewLoader creates a loader for the file at path
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath
	}
	return &Loader{path: path}
}

// Path returns the configuration file path
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies AVISTA_* environment overrides on top and
// validates the result. A missing file is not an error; the defaults and
// environment still apply.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigFile(l.path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", l.path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", l.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML. The file is replaced atomically so a crash
// never leaves a truncated configuration behind.
func (l *Loader) Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return l.write(data)
}

// SaveState replaces only the state block of the file on disk. Every other
// key stays as written, so values taken from the environment are never
// persisted.
func (l *Loader) SaveState(state StateConfig) error {
	var doc yaml.Node
	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", l.path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("failed to read %s: %w", l.path, err)
	}

	if doc.Kind == 0 || len(doc.Content) == 0 || doc.Content[0].Tag == "!!null" {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: %s does not hold a mapping", ErrInvalidConfig, l.path)
	}

	value := &yaml.Node{}
	if err := value.Encode(state); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "state" {
			root.Content[i+1] = value
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "state"}, value)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return l.write(out)
}

// write replaces the file with data through a rename
func (l *Loader) write(data []byte) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yml")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", l.path, err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override keys the
// file does not mention
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.host", d.Service.Host)
	v.SetDefault("service.port", d.Service.Port)
	v.SetDefault("service.periodicity", d.Service.Periodicity)
	v.SetDefault("service.scheme", d.Service.Scheme)

	v.SetDefault("broker.url", d.Broker.URL)
	v.SetDefault("broker.exchange", d.Broker.Exchange)
	v.SetDefault("broker.work_queue", d.Broker.WorkQueue)
	v.SetDefault("broker.routing_key", d.Broker.RoutingKey)
	v.SetDefault("broker.prefetch", d.Broker.Prefetch)
	v.SetDefault("broker.reconnect_delay", d.Broker.ReconnectDelay)
	v.SetDefault("broker.dial_timeout", d.Broker.DialTimeout)
	v.SetDefault("broker.call_timeout", d.Broker.CallTimeout)
	v.SetDefault("broker.handler_timeout", d.Broker.HandlerTimeout)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("state.watermark", d.State.Watermark)
}
