package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides of node properties,
// e.g. HTTPAUTH_SYSTEM_PROXY_HOST for system.proxy.host.
const EnvPrefix = "HTTPAUTH"

// ErrEmptyResource is returned when a resource definition has no content.
var ErrEmptyResource = errors.New("resource definition is empty")

// LoadResource reads a resource definition from a YAML or JSON file.
func LoadResource(path string) (*Resource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("resource path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resource file: %w", err)
	}
	res, err := DecodeResource(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("resource file %q: %w", path, err)
	}
	return res, nil
}

// DecodeResource decodes a resource definition. Unknown fields are rejected and
// the header list keeps its declared order.
func DecodeResource(r io.Reader) (*Resource, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var res Resource
	if err := dec.Decode(&res); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyResource
		}
		return nil, err
	}

	res.URL = strings.TrimSpace(res.URL)
	res.Method = Method(strings.ToUpper(strings.TrimSpace(string(res.Method))))
	for i := range res.Headers {
		res.Headers[i].Name = strings.TrimSpace(res.Headers[i].Name)
	}
	return &res, nil
}

// NewProperties builds the node property source. Values come from the optional
// config file and are overridden by HTTPAUTH_* environment variables.
func NewProperties(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	path = strings.TrimSpace(path)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("node config: %w", err)
		}
	}
	return v, nil
}

// Node holds the hosting node settings read from the property source.
type Node struct {
	ID      string
	Name    string
	Version string
	Tracing TracingConfig
}

// TracingConfig configures export of probe spans.
type TracingConfig struct {
	Endpoint    string
	Protocol    string
	ServiceName string
	SampleRate  float64
	Insecure    bool
	Propagate   *bool
}

// Enabled reports whether an exporter endpoint is configured.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate defaults to true once tracing is enabled.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// LoadNode extracts node settings from a property source.
func LoadNode(v *viper.Viper) (Node, error) {
	node := Node{
		Name:    "httpauth",
		Version: "dev",
		Tracing: TracingConfig{SampleRate: 1.0},
	}
	if v == nil {
		return node, nil
	}

	if raw := v.Get("node"); raw != nil {
		settings, err := toStringKeyMap(raw)
		if err != nil {
			return Node{}, fmt.Errorf("node: %w", err)
		}
		if err := applyNodeSettings(&node, settings); err != nil {
			return Node{}, err
		}
	}
	if id := v.GetString("node.id"); id != "" {
		node.ID = id
	}

	if raw := v.Get("tracing"); raw != nil {
		settings, err := toStringKeyMap(raw)
		if err != nil {
			return Node{}, fmt.Errorf("tracing: %w", err)
		}
		tracing, err := buildTracingConfig(settings)
		if err != nil {
			return Node{}, err
		}
		node.Tracing = tracing
	}
	return node, nil
}

func applyNodeSettings(node *Node, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "id"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("node.id: %w", err)
		}
		node.ID = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("node.name: %w", err)
		}
		if val = strings.TrimSpace(val); val != "" {
			node.Name = val
		}
	}
	if raw, ok := lookupSetting(settings, "version"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("node.version: %w", err)
		}
		if val = strings.TrimSpace(val); val != "" {
			node.Version = val
		}
	}
	return nil
}

func buildTracingConfig(settings map[string]interface{}) (TracingConfig, error) {
	cfg := TracingConfig{SampleRate: 1.0}

	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return cfg, fmt.Errorf("tracing.endpoint: %w", err)
		}
		cfg.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return cfg, fmt.Errorf("tracing.protocol: %w", err)
		}
		cfg.Protocol = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "servicename", "service_name", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return cfg, fmt.Errorf("tracing.service_name: %w", err)
		}
		cfg.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "samplerate", "sample_rate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return cfg, fmt.Errorf("tracing.sample_rate: %w", err)
		}
		cfg.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return cfg, fmt.Errorf("tracing.insecure: %w", err)
		}
		cfg.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return cfg, fmt.Errorf("tracing.propagate: %w", err)
		}
		cfg.Propagate = &val
	}
	return cfg, nil
}
