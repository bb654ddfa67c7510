package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "drinkwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "drinkwatch-data"
	}
	return filepath.Join(home, ".local", "share", "drinkwatch")
}

// ConfigFilePath is the YAML file `config set` writes, overridable with
// DRINKS_CONFIG_FILE.
func ConfigFilePath() string {
	if p := os.Getenv("DRINKS_CONFIG_FILE"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "drinkwatch", "config.yaml")
}

// yamlFile keeps config in a YAML document with one mapping per section:
//
//	capture:
//	  rate: 30
//	  autostart: true
type yamlFile struct {
	path     string
	sections map[string]map[string]any
}

// openYAMLFile reads path. A missing file is an empty config; a file that
// cannot be parsed is reported and treated the same way.
func openYAMLFile(path string) *yamlFile {
	f := &yamlFile{path: path, sections: make(map[string]map[string]any)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return f
	}
	if err := yaml.Unmarshal(data, &f.sections); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
		f.sections = make(map[string]map[string]any)
	}
	if f.sections == nil {
		f.sections = make(map[string]map[string]any)
	}
	return f
}

func (f *yamlFile) Lookup(key string) (any, bool, error) {
	section, field, err := splitKey(key)
	if err != nil {
		return nil, false, err
	}
	v, ok := f.sections[section][field]
	return v, ok, nil
}

func (f *yamlFile) Set(key string, val any) error {
	section, field, err := splitKey(key)
	if err != nil {
		return err
	}
	if f.sections[section] == nil {
		f.sections[section] = make(map[string]any)
	}
	f.sections[section][field] = val
	return f.save()
}

func (f *yamlFile) Delete(key string) error {
	section, field, err := splitKey(key)
	if err != nil {
		return err
	}
	fields, ok := f.sections[section]
	if !ok {
		return nil
	}
	delete(fields, field)
	if len(fields) == 0 {
		delete(f.sections, section)
	}
	return f.save()
}

func (f *yamlFile) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(f.sections)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(f.path, data, 0o600)
}
