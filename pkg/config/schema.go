package config

import (
	_ "embed"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ParamType is the declared type of a general parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamUint   ParamType = "uint"
	ParamDouble ParamType = "double"
)

// paramDef is one schema entry for `category.param`.
type paramDef struct {
	Category string    `yaml:"category"`
	Param    string    `yaml:"param"`
	Type     ParamType `yaml:"type"`
	Default  string    `yaml:"default"`
	ReadOnly bool      `yaml:"read_only"`
}

//go:embed schema.yaml
var embeddedSchemaYAML []byte

// schema maps "category/param" to its definition, parsed once from the
// embedded YAML asset.
var schema = mustParseSchema(embeddedSchemaYAML)

func mustParseSchema(data []byte) map[string]paramDef {
	var defs []paramDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	out := make(map[string]paramDef, len(defs))
	for _, d := range defs {
		out[d.Category+"/"+d.Param] = d
	}
	return out
}

func lookupParam(category, param string) (paramDef, bool) {
	d, ok := schema[category+"/"+param]
	return d, ok
}

// validateValue checks a string-encoded value against its schema type.
func validateValue(def paramDef, value string) error {
	switch def.Type {
	case ParamInt:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("%w: %s/%s expects a signed integer, got %q", ErrTypeMismatch, def.Category, def.Param, value)
		}
	case ParamUint:
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("%w: %s/%s expects an unsigned integer, got %q", ErrTypeMismatch, def.Category, def.Param, value)
		}
	case ParamDouble:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%w: %s/%s expects a double, got %q", ErrTypeMismatch, def.Category, def.Param, value)
		}
	case ParamString:
		// Any string is acceptable.
	default:
		return fmt.Errorf("%w: %s/%s has an unknown declared type %q", ErrTypeMismatch, def.Category, def.Param, def.Type)
	}
	return nil
}
