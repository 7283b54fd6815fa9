package config

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// SecretProvider turns one scheme's ${scheme:ref} references into their
// secret values at load time.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry routes each reference scheme to its provider.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry builds a registry with no providers registered.
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{providers: make(map[string]SecretProvider)}
}

// Register installs p, replacing any provider already bound to its scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Clone copies the provider table so a single parse can add providers
// without touching the shared base registry.
func (r *SecretRegistry) Clone() *SecretRegistry {
	c := &SecretRegistry{providers: make(map[string]SecretProvider, len(r.providers))}
	for k, v := range r.providers {
		c.providers[k] = v
	}
	return c
}

// Resolve dispatches reference to the provider registered for scheme.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// Close shuts down every provider that holds external resources.
func (r *SecretRegistry) Close() error {
	var errs []string
	for _, p := range r.providers {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing secret providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// secretRefPattern recognizes a whole-value ${scheme:reference} secret
// reference; schemes are lowercase alphanumeric starting with a letter.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs replaces every ${scheme:ref} string in the config tree
// with its resolved secret, in place.
func resolveSecretRefs(cfg any, registry *SecretRegistry, ctx context.Context) error {
	var resolveErr error
	walkStructStrings(reflect.ValueOf(cfg), "", func(field reflect.Value, path string, _ reflect.StructTag) {
		if resolveErr != nil {
			return
		}
		val := field.String()
		if val == "" {
			return
		}
		m := secretRefPattern.FindStringSubmatch(val)
		if m == nil {
			return
		}
		scheme, ref := m[1], m[2]
		resolved, err := registry.Resolve(ctx, scheme, ref)
		if err != nil {
			resolveErr = fmt.Errorf("secret resolution failed for %s (${%s:%s}): %w", path, scheme, ref, err)
			return
		}
		field.SetString(resolved)
	})
	return resolveErr
}

// walkStructStrings visits every settable string reachable from v, handing
// fn the field, its dotted path, and its struct tag. Both secret resolution
// and admin redaction ride this one walker.
func walkStructStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		walkStructStrings(v.Elem(), path, fn)

	case reflect.Struct:
		// Skip types that should not be traversed.
		t := v.Type()
		if t == reflect.TypeOf(yaml.RawMessage{}) {
			return
		}
		for i := 0; i < t.NumField(); i++ {
			f := v.Field(i)
			sf := t.Field(i)
			if !f.CanSet() {
				continue
			}
			fieldPath := sf.Name
			if path != "" {
				fieldPath = path + "." + sf.Name
			}

			switch f.Kind() {
			case reflect.String:
				fn(f, fieldPath, sf.Tag)
			case reflect.Struct:
				walkStructStrings(f, fieldPath, fn)
			case reflect.Ptr:
				walkStructStrings(f, fieldPath, fn)
			case reflect.Slice:
				walkSliceStrings(f, fieldPath, fn)
			case reflect.Map:
				walkMapStrings(f, fieldPath, fn)
			}
		}
	}
}

func walkSliceStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	if v.IsNil() {
		return
	}
	elemType := v.Type().Elem()
	// Only recurse into slices of structs or pointers-to-structs.
	switch elemType.Kind() {
	case reflect.Struct:
		if elemType == reflect.TypeOf(yaml.RawMessage{}) {
			return
		}
		// Skip []byte ([]uint8)
		if elemType == reflect.TypeOf(byte(0)) {
			return
		}
		for i := 0; i < v.Len(); i++ {
			walkStructStrings(v.Index(i).Addr(), fmt.Sprintf("%s[%d]", path, i), fn)
		}
	case reflect.Ptr:
		for i := 0; i < v.Len(); i++ {
			walkStructStrings(v.Index(i), fmt.Sprintf("%s[%d]", path, i), fn)
		}
	}
}

func walkMapStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	if v.IsNil() {
		return
	}
	elemType := v.Type().Elem()
	// Only recurse into maps with struct-typed values (not map[string]string, yaml.RawMessage, etc.)
	switch elemType.Kind() {
	case reflect.Struct:
		if elemType == reflect.TypeOf(yaml.RawMessage{}) {
			return
		}
		for _, key := range v.MapKeys() {
			// Map values are not addressable, so copy → walk → set back.
			elem := v.MapIndex(key)
			cp := reflect.New(elemType).Elem()
			cp.Set(elem)
			walkStructStrings(cp.Addr(), fmt.Sprintf("%s[%s]", path, key.String()), fn)
			v.SetMapIndex(key, cp)
		}
	case reflect.Ptr:
		for _, key := range v.MapKeys() {
			walkStructStrings(v.MapIndex(key), fmt.Sprintf("%s[%s]", path, key.String()), fn)
		}
	}
}
