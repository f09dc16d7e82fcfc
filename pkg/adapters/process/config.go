package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig describes an external executor. With Command set it is started
// as a child process speaking the backbone protocol on its stdin and stdout.
// With Address set (unix:///path.sock) the engine connects to a worker that is
// already listening there instead.
type ExecutorConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Address     string            `yaml:"address" json:"address"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Dir         string            `yaml:"dir" json:"dir"`
	Description string            `yaml:"description" json:"description"`
}

// ConfigFile represents the structure of executors.yaml.
type ConfigFile struct {
	Executors []ExecutorConfig `yaml:"executors" json:"executors"`
}

// LoadExecutors reads a configuration file (YAML or JSON) and returns the
// executors keyed by name. A missing file yields no executors. Env values may
// reference the parent environment as ${VAR}, which keeps worker tokens out of
// the file.
func LoadExecutors(path string) (map[string]ExecutorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ExecutorConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read executors config: %w", err)
	}

	var cfg ConfigFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	out := make(map[string]ExecutorConfig, len(cfg.Executors))
	for i, e := range cfg.Executors {
		if e.Name == "" || (e.Command == "") == (e.Address == "") {
			return nil, fmt.Errorf("%s: executor %d: a name and exactly one of command or address are required", path, i)
		}
		if e.Address != "" {
			if _, _, err := ParseAddress(e.Address); err != nil {
				return nil, fmt.Errorf("%s: executor %q: %w", path, e.Name, err)
			}
		}
		if _, dup := out[e.Name]; dup {
			return nil, fmt.Errorf("%s: executor %q declared twice", path, e.Name)
		}
		for k, v := range e.Environment {
			e.Environment[k] = os.ExpandEnv(v)
		}
		out[e.Name] = e
	}
	return out, nil
}
