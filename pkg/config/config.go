// Package config persists per-jail configuration as a YAML document inside
// the jail's root dataset. The store exposes flat key access so callers can
// read and write properties without knowing which keys are structural and
// which are free-form, and delegates resource-limit keys to their grammar.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
	"github.com/jailfleet/jailfleet/pkg/rlimit"
)

// FileName is the configuration file name inside a jail's root dataset.
const FileName = "config.yml"

// CurrentVersion is the configuration format version written by this
// release. Files without a version marker are legacy-format.
const CurrentVersion = 1

// JailConfig is the on-disk jail configuration document.
type JailConfig struct {
	Version    int               `yaml:"config_version"`
	Name       string            `yaml:"name" validate:"required,jailname"`
	ID         string            `yaml:"id,omitempty"`
	Tag        string            `yaml:"tag,omitempty"`
	Release    string            `yaml:"release,omitempty"`
	Template   bool              `yaml:"template"`
	Boot       bool              `yaml:"boot"`
	Priority   int               `yaml:"priority"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidName reports whether name is acceptable as a jail name.
func ValidName(name string) bool {
	return len(name) <= 255 && nameRe.MatchString(name)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("jailname", func(fl validator.FieldLevel) bool {
		return ValidName(fl.Field().String())
	})
	return v
}

// Store binds a JailConfig to its file path.
type Store struct {
	path string
	cfg  JailConfig
}

// New creates a store for a fresh, current-format configuration. Nothing is
// written until Save.
func New(path, name string) *Store {
	return &Store{
		path: path,
		cfg: JailConfig{
			Version:    CurrentVersion,
			Name:       name,
			Properties: make(map[string]string),
		},
	}
}

// Load reads the configuration at path. A missing file is a NotFound error.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errdefs.NotFound(fmt.Sprintf("no configuration at %s", path))
	}
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	s := &Store{path: path}
	if err := yaml.Unmarshal(data, &s.cfg); err != nil {
		return nil, errdefs.InvalidSyntax(fmt.Sprintf("malformed configuration at %s: %v", path, err))
	}
	if s.cfg.Properties == nil {
		s.cfg.Properties = make(map[string]string)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// SetPath repoints the store, e.g. after the owning dataset was renamed.
func (s *Store) SetPath(path string) {
	s.path = path
}

// Config returns the live configuration document.
func (s *Store) Config() *JailConfig {
	return &s.cfg
}

// Legacy reports whether the configuration predates the current format.
func (s *Store) Legacy() bool {
	return s.cfg.Version < CurrentVersion
}

// Tag returns the legacy tag field.
func (s *Store) Tag() string {
	return s.cfg.Tag
}

// Get returns the value of a configuration key. Structural keys map to
// their fields; everything else is looked up in the free-form properties.
func (s *Store) Get(key string) (string, error) {
	switch key {
	case "name":
		return s.cfg.Name, nil
	case "id":
		return s.cfg.ID, nil
	case "tag":
		return s.cfg.Tag, nil
	case "release":
		return s.cfg.Release, nil
	case "template":
		return formatBool(s.cfg.Template), nil
	case "boot":
		return formatBool(s.cfg.Boot), nil
	case "priority":
		return strconv.Itoa(s.cfg.Priority), nil
	}
	if value, ok := s.cfg.Properties[key]; ok {
		return value, nil
	}
	return "", errdefs.NotFound(fmt.Sprintf("property %s is not set", key))
}

// Set assigns a configuration key and reports whether the stored value
// changed. Resource-limit keys are validated through their grammar before
// being stored in serialized form.
func (s *Store) Set(key, value string) (bool, error) {
	switch key {
	case "name":
		if !ValidName(value) {
			return false, errdefs.InvalidSyntax(fmt.Sprintf("invalid jail name %q", value))
		}
		return assign(&s.cfg.Name, value), nil
	case "id":
		return assign(&s.cfg.ID, value), nil
	case "tag":
		return assign(&s.cfg.Tag, value), nil
	case "release":
		return assign(&s.cfg.Release, value), nil
	case "template":
		b, err := parseBool(key, value)
		if err != nil {
			return false, err
		}
		return assign(&s.cfg.Template, b), nil
	case "boot":
		b, err := parseBool(key, value)
		if err != nil {
			return false, err
		}
		return assign(&s.cfg.Boot, b), nil
	case "priority":
		p, err := strconv.Atoi(value)
		if err != nil {
			return false, errdefs.InvalidSyntax(fmt.Sprintf("priority must be an integer, got %q", value))
		}
		return assign(&s.cfg.Priority, p), nil
	}

	if rlimit.IsProperty(key) {
		prop, err := rlimit.NewProperty(key, s.cfg.Properties)
		if err != nil {
			return false, err
		}
		before := s.cfg.Properties[key]
		if err := prop.Set(value); err != nil {
			return false, err
		}
		return s.cfg.Properties[key] != before, nil
	}

	before, had := s.cfg.Properties[key]
	s.cfg.Properties[key] = value
	return !had || before != value, nil
}

// Delete removes a key. Structural keys are reset to their zero value.
func (s *Store) Delete(key string) error {
	switch key {
	case "name":
		return errdefs.InvalidSyntax("the name property cannot be deleted")
	case "id":
		s.cfg.ID = ""
	case "tag":
		s.cfg.Tag = ""
	case "release":
		s.cfg.Release = ""
	case "template":
		s.cfg.Template = false
	case "boot":
		s.cfg.Boot = false
	case "priority":
		s.cfg.Priority = 0
	default:
		delete(s.cfg.Properties, key)
	}
	return nil
}

// Validate checks the document against its structural rules.
func (s *Store) Validate() error {
	if err := validate.Struct(&s.cfg); err != nil {
		return errdefs.InvalidSyntax(fmt.Sprintf("invalid configuration: %v", err))
	}
	return nil
}

// Save validates and writes the configuration to its path.
func (s *Store) Save() error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(&s.cfg)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("writing configuration: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing configuration: %w", err)
	}
	return nil
}

func assign[T comparable](dst *T, value T) bool {
	changed := *dst != value
	*dst = value
	return changed
}

func formatBool(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func parseBool(key, value string) (bool, error) {
	switch value {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	}
	return false, errdefs.InvalidSyntax(fmt.Sprintf("%s must be on or off, got %q", key, value))
}
