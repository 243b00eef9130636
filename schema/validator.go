package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/serialization"
)

var (
	ErrInvalidSchema    = errors.New("schema: invalid schema")
	ErrValidationFailed = errors.New("schema: validation failed")
)

// FieldError is one violation found in a message body
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Value   any    `json:"value,omitempty"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

// ValidationError lists every violation of one envelope
type ValidationError struct {
	MessageType string
	Errors      []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return fmt.Sprintf("%s failed validation with %d errors: %s", e.MessageType, len(e.Errors), strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Rule checks a decoded message body as a whole
type Rule interface {
	Check(ctx context.Context, body map[string]any) *FieldError
}

// RuleFunc is a function adapter for Rule
type RuleFunc func(ctx context.Context, body map[string]any) *FieldError

// Check implements Rule
func (f RuleFunc) Check(ctx context.Context, body map[string]any) *FieldError {
	return f(ctx, body)
}

// Validator validates envelope bodies by message type
type Validator struct {
	schemas  map[string]*Schema
	patterns map[string]map[string]*regexp.Regexp
	types    *serialization.TypeRegistry
	mu       sync.RWMutex
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithTypes resolves message aliases with types instead of the default registry
func WithTypes(types *serialization.TypeRegistry) ValidatorOption {
	return func(v *Validator) {
		v.types = types
	}
}

// NewValidator creates a validator without schemas
func NewValidator(options ...ValidatorOption) *Validator {
	v := &Validator{
		schemas:  make(map[string]*Schema),
		patterns: make(map[string]map[string]*regexp.Regexp),
		types:    serialization.DefaultRegistry(),
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// RegisterSchema registers schema for messageType. Patterns are compiled here
// so a broken schema fails at startup.
func (v *Validator) RegisterSchema(messageType string, schema *Schema) error {
	if messageType == "" {
		return fmt.Errorf("%w: message type cannot be empty", ErrInvalidSchema)
	}
	if schema == nil {
		return fmt.Errorf("%w: schema cannot be nil", ErrInvalidSchema)
	}

	patterns := make(map[string]*regexp.Regexp)
	if err := collectPatterns(schema.Properties, patterns); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, messageType, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[messageType] = schema
	v.patterns[messageType] = patterns
	return nil
}

func collectPatterns(props map[string]*PropertyDef, into map[string]*regexp.Regexp) error {
	for _, p := range props {
		if p == nil {
			continue
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return err
			}
			into[p.Pattern] = re
		}
		if p.Items != nil {
			if err := collectPatterns(map[string]*PropertyDef{"": p.Items}, into); err != nil {
				return err
			}
		}
		if err := collectPatterns(p.Properties, into); err != nil {
			return err
		}
	}
	return nil
}

// RegisterMessage generates a schema from sample and registers it under the
// alias of sample
func (v *Validator) RegisterMessage(sample any) error {
	alias := v.types.AliasOf(sample)
	s, err := Generate(alias, sample)
	if err != nil {
		return err
	}
	return v.RegisterSchema(alias, s)
}

// Schema returns the schema registered for messageType
func (v *Validator) Schema(messageType string) (*Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[messageType]
	return s, ok
}

// Validate checks the body of env against the schema of its message type
func (v *Validator) Validate(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrValidationFailed)
	}
	v.mu.RLock()
	s, ok := v.schemas[env.MessageType]
	patterns := v.patterns[env.MessageType]
	v.mu.RUnlock()
	if !ok || !isJSON(env.ContentType) {
		return nil
	}

	var body map[string]any
	if err := json.Unmarshal(env.Data, &body); err != nil {
		return &ValidationError{
			MessageType: env.MessageType,
			Errors:      []FieldError{{Field: "body", Message: err.Error(), Code: "NOT_AN_OBJECT"}},
		}
	}

	c := &check{patterns: patterns}
	c.object("", body, s.Properties, s.Required)
	for _, rule := range s.Rules {
		if fe := rule.Check(ctx, body); fe != nil {
			c.errs = append(c.errs, *fe)
		}
	}
	if len(c.errs) > 0 {
		return &ValidationError{MessageType: env.MessageType, Errors: c.errs}
	}
	return nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct, err := serialization.NormalizeContentType(contentType)
	if err != nil {
		return false
	}
	return ct == serialization.ContentTypeJSON || strings.HasSuffix(ct, "+json")
}

type check struct {
	patterns map[string]*regexp.Regexp
	errs     []FieldError
}

func (c *check) fail(field, code, message string, value any) {
	c.errs = append(c.errs, FieldError{Field: field, Code: code, Message: message, Value: value})
}

func (c *check) object(path string, data map[string]any, props map[string]*PropertyDef, required []string) {
	for _, name := range required {
		if _, ok := data[name]; !ok {
			c.fail(fieldPath(path, name), "REQUIRED_FIELD_MISSING", "required field is missing", nil)
		}
	}
	for name, value := range data {
		if def, ok := props[name]; ok && def != nil {
			c.property(fieldPath(path, name), value, def)
		}
	}
}

func (c *check) property(path string, value any, def *PropertyDef) {
	if value == nil {
		return
	}
	if def.Type != "" && !matchesType(value, def.Type) {
		c.fail(path, "TYPE_MISMATCH", fmt.Sprintf("expected type %s, got %s", def.Type, jsonType(value)), value)
		return
	}

	switch v := value.(type) {
	case string:
		if def.MinLength != nil && len(v) < *def.MinLength {
			c.fail(path, "MIN_LENGTH_VIOLATION", fmt.Sprintf("string length %d is less than minimum %d", len(v), *def.MinLength), v)
		}
		if def.MaxLength != nil && len(v) > *def.MaxLength {
			c.fail(path, "MAX_LENGTH_VIOLATION", fmt.Sprintf("string length %d exceeds maximum %d", len(v), *def.MaxLength), v)
		}
		if def.Format != "" {
			if msg := checkFormat(v, def.Format); msg != "" {
				c.fail(path, "FORMAT_VIOLATION", msg, v)
			}
		}
		if re := c.patterns[def.Pattern]; re != nil && !re.MatchString(v) {
			c.fail(path, "PATTERN_VIOLATION", "value does not match pattern: "+def.Pattern, v)
		}
	case float64:
		if def.Minimum != nil && v < *def.Minimum {
			c.fail(path, "MINIMUM_VIOLATION", fmt.Sprintf("value %v is less than minimum %v", v, *def.Minimum), v)
		}
		if def.Maximum != nil && v > *def.Maximum {
			c.fail(path, "MAXIMUM_VIOLATION", fmt.Sprintf("value %v exceeds maximum %v", v, *def.Maximum), v)
		}
	case []any:
		if def.Items != nil {
			for i, item := range v {
				c.property(fmt.Sprintf("%s[%d]", path, i), item, def.Items)
			}
		}
	case map[string]any:
		if def.Properties != nil || def.Required != nil {
			c.object(path, v, def.Properties, def.Required)
		}
	}

	if len(def.Enum) > 0 && !inEnum(value, def.Enum) {
		c.fail(path, "ENUM_VIOLATION", fmt.Sprintf("value is not in allowed enum values: %v", def.Enum), value)
	}
}

func matchesType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func jsonType(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func inEnum(value any, enum []any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(value, e) {
			return true
		}
		// enums written as Go ints compare against decoded float64 values
		if f, ok := value.(float64); ok {
			if n, ok := e.(int); ok && float64(n) == f {
				return true
			}
		}
	}
	return false
}

func checkFormat(value, format string) string {
	switch format {
	case "email":
		if _, err := mail.ParseAddress(value); err != nil {
			return "invalid email format"
		}
	case "uri":
		if u, err := url.Parse(value); err != nil || u.Scheme == "" {
			return "invalid URI format"
		}
	case "uuid":
		if _, err := uuid.Parse(value); err != nil {
			return "invalid UUID format"
		}
	case "date":
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			return "invalid date format (expected YYYY-MM-DD)"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339Nano, value); err != nil {
			return "invalid date-time format (expected RFC 3339)"
		}
	}
	return ""
}

func fieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
