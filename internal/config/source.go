package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ConfigSource describes the YAML file behind the current settings.
type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := runtimeSource.load(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeSource.phase,
		Path:   runtimeSource.path,
		Loaded: runtimeSource.loaded,
	}, nil
}

// fileSource is the optional YAML layer under the environment. Nested keys
// are flattened to env-style names: escrow.fee_bps becomes ESCROW_FEE_BPS.
type fileSource struct {
	once   sync.Once
	err    error
	values map[string]string
	phase  string
	path   string
	loaded bool
}

var runtimeSource = &fileSource{}

func (s *fileSource) load() error {
	s.once.Do(s.read)
	return s.err
}

// read loads CONFIG_FILE, or config/config-<CONFIG_PHASE>.yaml when unset. A
// missing default file is not an error; a missing explicit one is.
func (s *fileSource) read() {
	s.phase = strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
	if s.phase == "" {
		s.phase = "local"
	}
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	explicit := path != ""
	if !explicit {
		path = filepath.Join("config", "config-"+s.phase+".yaml")
	}

	body, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return
		}
		s.err = fmt.Errorf("read config file %q: %w", path, err)
		return
	}
	var raw map[string]any
	if err := yaml.Unmarshal(body, &raw); err != nil {
		s.err = fmt.Errorf("parse config file %q: %w", path, err)
		return
	}
	values, err := flattenConfig(raw)
	if err != nil {
		s.err = fmt.Errorf("flatten config file %q: %w", path, err)
		return
	}

	s.values = values
	s.loaded = true
	s.path = path
	if abs, err := filepath.Abs(path); err == nil {
		s.path = abs
	}
}

// valueForKey returns the environment value for key, then the file value.
func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if runtimeSource.load() != nil {
		return ""
	}
	return strings.TrimSpace(runtimeSource.values[key])
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		if err := flattenInto(out, normalizeKeySegment(key), value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenInto(out map[string]string, key string, value any) error {
	if key == "" {
		return nil
	}
	switch typed := value.(type) {
	case nil:
		return nil
	case map[string]any:
		for child, v := range typed {
			if err := flattenInto(out, joinKey(key, child), v); err != nil {
				return err
			}
		}
	case map[any]any:
		for child, v := range typed {
			name, ok := child.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", child, key)
			}
			if err := flattenInto(out, joinKey(key, name), v); err != nil {
				return err
			}
		}
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			switch item.(type) {
			case nil:
				continue
			case map[string]any, map[any]any, []any:
				return fmt.Errorf("unsupported list item type %T under %q", item, key)
			}
			if text := strings.TrimSpace(fmt.Sprint(item)); text != "" {
				items = append(items, text)
			}
		}
		out[key] = strings.Join(items, ",")
	default:
		out[key] = fmt.Sprint(typed)
	}
	return nil
}

func joinKey(prefix, child string) string {
	segment := normalizeKeySegment(child)
	if segment == "" {
		return ""
	}
	return prefix + "_" + segment
}

// normalizeKeySegment upper-cases a YAML key and joins its alphanumeric runs
// with underscores.
func normalizeKeySegment(raw string) string {
	words := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.ToUpper(strings.Join(words, "_"))
}
