// Package definition loads a process graph from YAML and builds the
// runtime elements: sequence flows, activities and their behaviours.
package definition

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/flow"
)

// File is the YAML schema of a process definition.
type File struct {
	Name       string        `yaml:"name"`
	Activities []ActivityDef `yaml:"activities"`
	Flows      []FlowDef     `yaml:"flows"`
}

// ActivityDef declares one activity of the graph.
type ActivityDef struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	Name string `yaml:"name"`
}

// FlowDef declares one sequence flow. Condition names an environment
// variable whose truthiness guards the flow; a leading "!" negates it.
type FlowDef struct {
	ID        string `yaml:"id"`
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	Condition string `yaml:"condition"`
	Default   bool   `yaml:"default"`
}

// Load reads and validates a process definition file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def File
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", path, err)
	}
	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}
	return &def, nil
}

func (f *File) validate() error {
	if f.Name == "" {
		return fmt.Errorf("missing process name")
	}
	ids := make(map[string]bool, len(f.Activities))
	for _, a := range f.Activities {
		if a.ID == "" {
			return fmt.Errorf("activity without id")
		}
		if ids[a.ID] {
			return fmt.Errorf("duplicate activity id %q", a.ID)
		}
		ids[a.ID] = true
	}
	for _, fl := range f.Flows {
		if fl.ID == "" {
			return fmt.Errorf("flow without id")
		}
		if !ids[fl.Source] {
			return fmt.Errorf("flow %q: unknown source %q", fl.ID, fl.Source)
		}
		if !ids[fl.Target] {
			return fmt.Errorf("flow %q: unknown target %q", fl.ID, fl.Target)
		}
	}
	return nil
}

func conditionFor(def FlowDef, env *environment.Environment) flow.Condition {
	if def.Condition == "" {
		return nil
	}
	name := def.Condition
	negate := strings.HasPrefix(name, "!")
	if negate {
		name = strings.TrimPrefix(name, "!")
	}
	return flow.ConditionFunc(func(_ *broker.Message, callback func(error, any)) {
		v := variableTruthy(env.Variables[name])
		if negate {
			v = !v
		}
		callback(nil, v)
	})
}

func variableTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
