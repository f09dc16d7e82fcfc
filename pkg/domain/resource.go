package domain

import (
	"sort"
	"strings"
)

// Requirements describes what constructing a resource costs the host.
type Requirements struct {
	MemoryMB int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty" mapstructure:"memory_mb"`
	CPUCores float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty" mapstructure:"cpu_cores"`
	GPU      bool    `json:"gpu,omitempty" yaml:"gpu,omitempty" mapstructure:"gpu"`
}

// ResourceSpec identifies a pooled, expensive-to-construct execution resource
// (for example a loaded model).
type ResourceSpec struct {
	Name         string            `json:"name" yaml:"name" mapstructure:"name"`
	Version      string            `json:"version,omitempty" yaml:"version,omitempty" mapstructure:"version"`
	Type         string            `json:"type,omitempty" yaml:"type,omitempty" mapstructure:"type"`
	Requirements Requirements      `json:"requirements,omitempty" yaml:"requirements,omitempty" mapstructure:"requirements"`
	Config       map[string]string `json:"config,omitempty" yaml:"config,omitempty" mapstructure:"config"`
}

// Key is the stable cache key of the spec. Two specs with the same key share a handle.
func (s ResourceSpec) Key() string {
	var sb strings.Builder
	sb.WriteString(s.Name)
	if s.Version != "" {
		sb.WriteByte('@')
		sb.WriteString(s.Version)
	}
	if len(s.Config) > 0 {
		keys := make([]string, 0, len(s.Config))
		for k := range s.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(s.Config[k])
		}
		sb.WriteByte('}')
	}
	return sb.String()
}
