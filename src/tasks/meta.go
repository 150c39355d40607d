package tasks

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Well-known metadata keys.
const (
	MetaTasks      = "tasks"
	MetaBaseFolder = "base_folder"
)

var errMissingCommand = errors.New("missing command")

// Meta is the task metadata carried by sync commands.
type Meta map[string]interface{}

// Spec describes one task of a group.
type Spec struct {
	Name    string            `mapstructure:"name" json:"name"`
	Command string            `mapstructure:"command" json:"command"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`
}

// Copy returns a deep copy of m. A nil Meta copies to nil.
func (m Meta) Copy() Meta {
	if m == nil {
		return nil
	}
	return copyMap(m)
}

// BaseFolder returns the base_folder entry, or an empty string.
func (m Meta) BaseFolder() string {
	s, _ := m[MetaBaseFolder].(string)
	return s
}

// WithBaseFolder returns a copy of m with base_folder set to dir.
func (m Meta) WithBaseFolder(dir string) Meta {
	res := m.Copy()
	if res == nil {
		res = Meta{}
	}
	res[MetaBaseFolder] = dir
	return res
}

// Specs decodes the tasks entry. A missing entry yields no specs.
func (m Meta) Specs() ([]Spec, error) {
	raw, ok := m[MetaTasks]
	if !ok || raw == nil {
		return nil, nil
	}

	var specs []Spec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &specs,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", MetaTasks, err)
	}

	for i := range specs {
		if specs[i].Command == "" {
			return nil, fmt.Errorf("task %d (%s): %w", i, specs[i].Name, errMissingCommand)
		}
		if specs[i].Name == "" {
			specs[i].Name = fmt.Sprintf("task-%d", i)
		}
	}

	return specs, nil
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	res := make(map[string]interface{}, len(m))
	for k, v := range m {
		res[k] = copyValue(v)
	}
	return res
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Meta:
		return Meta(copyMap(t))
	case map[string]interface{}:
		return copyMap(t)
	case map[interface{}]interface{}:
		res := make(map[interface{}]interface{}, len(t))
		for k, e := range t {
			res[k] = copyValue(e)
		}
		return res
	case []interface{}:
		res := make([]interface{}, len(t))
		for i, e := range t {
			res[i] = copyValue(e)
		}
		return res
	default:
		return v
	}
}
