package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Schema describes the JSON body of one message type
type Schema struct {
	Name       string                  `json:"name"`
	Type       string                  `json:"type"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
	Rules      []Rule                  `json:"-"`
}

// PropertyDef constrains one property
type PropertyDef struct {
	Type       string                  `json:"type"`
	Format     string                  `json:"format,omitempty"`
	Pattern    string                  `json:"pattern,omitempty"`
	MinLength  *int                    `json:"minLength,omitempty"`
	MaxLength  *int                    `json:"maxLength,omitempty"`
	Minimum    *float64                `json:"minimum,omitempty"`
	Maximum    *float64                `json:"maximum,omitempty"`
	Enum       []any                   `json:"enum,omitempty"`
	Items      *PropertyDef            `json:"items,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// Property returns the definition of a top level property, creating it with
// typ when missing
func (s *Schema) Property(name, typ string) *PropertyDef {
	if s.Properties == nil {
		s.Properties = make(map[string]*PropertyDef)
	}
	p, ok := s.Properties[name]
	if !ok {
		p = &PropertyDef{Type: typ}
		s.Properties[name] = p
	}
	return p
}

var timeType = reflect.TypeOf(time.Time{})

// Generate derives a schema from the Go type of sample. Exported fields are
// named by their json tags; fields without omitempty are required.
func Generate(name string, sample any) (*Schema, error) {
	t := reflect.TypeOf(sample)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T is not a struct", ErrInvalidSchema, sample)
	}

	def := generateProperty(t, map[reflect.Type]bool{})
	return &Schema{
		Name:       name,
		Type:       "object",
		Properties: def.Properties,
		Required:   def.Required,
	}, nil
}

func generateProperty(t reflect.Type, seen map[reflect.Type]bool) *PropertyDef {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType {
		return &PropertyDef{Type: "string", Format: "date-time"}
	}

	switch t.Kind() {
	case reflect.String:
		return &PropertyDef{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &PropertyDef{Type: "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		zero := 0.0
		return &PropertyDef{Type: "integer", Minimum: &zero}
	case reflect.Float32, reflect.Float64:
		return &PropertyDef{Type: "number"}
	case reflect.Bool:
		return &PropertyDef{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return &PropertyDef{Type: "string"}
		}
		return &PropertyDef{Type: "array", Items: generateProperty(t.Elem(), seen)}
	case reflect.Map:
		return &PropertyDef{Type: "object"}
	case reflect.Struct:
		if seen[t] {
			return &PropertyDef{Type: "object"}
		}
		seen[t] = true
		defer delete(seen, t)

		def := &PropertyDef{Type: "object", Properties: make(map[string]*PropertyDef)}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, omitempty, skip := jsonName(f)
			if skip {
				continue
			}
			def.Properties[name] = generateProperty(f.Type, seen)
			if !omitempty && f.Type.Kind() != reflect.Pointer {
				def.Required = append(def.Required, name)
			}
		}
		return def
	default:
		return &PropertyDef{}
	}
}

func jsonName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" || opt == "omitzero" {
			omitempty = true
		}
	}
	return name, omitempty, false
}
