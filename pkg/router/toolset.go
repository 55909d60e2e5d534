// Copyright 2025 Archon Governance Systems
//
// Static tool registry bootstrap, loaded from YAML following
// pkg/bus/topic.go's LoadTopicSet pattern (struct tags + os.ReadFile +
// yaml.Unmarshal). The Registry itself stays lock-free at runtime
// (registry.go); this file only seeds it at startup.

package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// toolSpec is one entry of the on-disk tool table.
type toolSpec struct {
	ToolID       string   `yaml:"tool_id"`
	ToolClass    string   `yaml:"tool_class"`
	Capabilities []string `yaml:"capabilities"`
	Priority     int      `yaml:"priority"`
}

type toolSetFile struct {
	Tools []toolSpec `yaml:"tools"`
}

// LoadRegistry reads a YAML tool table from path and returns a populated
// Registry with every tool marked AVAILABLE.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool set %s: %w", path, err)
	}

	var tf toolSetFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse tool set %s: %w", path, err)
	}

	reg := NewRegistry()
	for _, t := range tf.Tools {
		caps := make(map[string]struct{}, len(t.Capabilities))
		for _, c := range t.Capabilities {
			caps[c] = struct{}{}
		}
		reg.Upsert(Tool{
			ToolID:       t.ToolID,
			ToolClass:    t.ToolClass,
			Status:       ToolAvailable,
			Capabilities: caps,
			Priority:     t.Priority,
		})
	}
	return reg, nil
}
