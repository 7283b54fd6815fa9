package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// EnvPrefix is the leaf-override prefix walked by ApplyEnvOverrides.
const EnvPrefix = "GATEWAY_"

// Loader parses a raw YAML document into a validated, defaulted Config. It
// is kept distinct from Config itself so secret resolution and env overrides
// happen once, at startup, against a single mutable working copy.
type Loader struct {
	Secrets *SecretRegistry
}

// NewLoader builds a Loader with the env and file secret providers registered.
func NewLoader() *Loader {
	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})
	reg.Register(&FileProvider{})
	return &Loader{Secrets: reg}
}

// LoadFile reads path, decodes it as YAML, resolves ${scheme:ref} secret
// references, applies GATEWAY_-prefixed environment overrides, defaults and
// validates the result.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return l.LoadBytes(data)
}

// LoadBytes decodes raw YAML bytes into a validated Config.
func (l *Loader) LoadBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if l.Secrets != nil {
		if err := resolveSecretRefs(&cfg, l.Secrets, context.Background()); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(&cfg, EnvPrefix)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyEnvOverrides walks every leaf string/int/bool/duration field of cfg
// and, for any whose dotted path (joined with underscores, upper-cased) has
// a matching `<prefix><PATH>` environment variable set, overrides the field
// with the parsed env value. Example: GATEWAY_SERVER_ADDRESS overrides
// Config.Server.Address.
func ApplyEnvOverrides(cfg *Config, prefix string) {
	walkLeaves(reflect.ValueOf(cfg).Elem(), "", func(field reflect.Value, path string) {
		envKey := prefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
		val, ok := os.LookupEnv(envKey)
		if !ok {
			return
		}
		setLeaf(field, val)
	})
}

func walkLeaves(v reflect.Value, path string, fn func(field reflect.Value, path string)) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		walkLeaves(v.Elem(), path, fn)
	case reflect.Struct:
		if v.Type() == reflect.TypeOf(time.Duration(0)) {
			fn(v, path)
			return
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := v.Field(i)
			if !f.CanSet() {
				continue
			}
			name := t.Field(i).Name
			fieldPath := name
			if path != "" {
				fieldPath = path + "." + name
			}
			walkLeaves(f, fieldPath, fn)
		}
	case reflect.String, reflect.Int, reflect.Int64, reflect.Bool, reflect.Float64:
		fn(v, path)
	}
}

func setLeaf(field reflect.Value, val string) {
	switch {
	case field.Type() == reflect.TypeOf(time.Duration(0)):
		if d, err := time.ParseDuration(val); err == nil {
			field.SetInt(int64(d))
		}
	case field.Kind() == reflect.String:
		field.SetString(val)
	case field.Kind() == reflect.Int || field.Kind() == reflect.Int64:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(n)
		}
	case field.Kind() == reflect.Bool:
		if b, err := strconv.ParseBool(val); err == nil {
			field.SetBool(b)
		}
	case field.Kind() == reflect.Float64:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			field.SetFloat(f)
		}
	}
}
