package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SearchPaths lists the locations searched when no config file is given.
var SearchPaths = []string{
	"/etc/hostprep/hostprep.cue",
	"/etc/hostprep/hostprep.yaml",
	"/etc/hostprep/hostprep.yml",
	"/etc/hostprep/hostprep.toml",
	"hostprep.cue",
	"hostprep.yaml",
	"hostprep.yml",
	"hostprep.toml",
}

// ErrUnsupportedFormat is returned for config files with an unknown extension.
var ErrUnsupportedFormat = errors.New("unsupported config format (use .cue, .yaml, .yml or .toml)")

// Find returns explicit when set, otherwise the first existing entry of
// SearchPaths. An empty result means built-in defaults.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	for _, p := range SearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Load reads a config file over Defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	cfg.Source = path
	return cfg, nil
}

// Parse decodes data over Defaults, choosing the format from the file name.
func Parse(filename string, data []byte) (*Config, error) {
	cfg := Defaults()

	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		err = decodeCUE(filename, data, cfg)
	case ".yaml", ".yml":
		err = decodeYAML(filename, data, cfg)
	case ".toml":
		err = decodeTOML(filename, data, cfg)
	default:
		return nil, fmt.Errorf("%s: %w", filename, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(filename string, data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

func decodeTOML(filename string, data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("%s: unknown keys: %s", filename, strings.Join(keys, ", "))
	}
	return nil
}
