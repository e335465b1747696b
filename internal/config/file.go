package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Path returns the default config file location,
// $XDG_CONFIG_HOME/docrag/config.toml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "docrag", "config.toml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docrag-data"
		}
	}
	return filepath.Join(dir, "docrag")
}

// tomlFile is the config file viewed as nested tables, so that a single key
// can be rewritten without disturbing the rest.
type tomlFile struct {
	path string
	data map[string]any
}

func openFile(path string) (*tomlFile, error) {
	f := &tomlFile{path: path, data: make(map[string]any)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, &f.data); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return f, nil
}

func (f *tomlFile) set(section, name string, v any) {
	table, ok := f.data[section].(map[string]any)
	if !ok {
		table = make(map[string]any)
		f.data[section] = table
	}
	table[name] = v
}

func (f *tomlFile) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := toml.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(f.path, out, 0o600)
}
