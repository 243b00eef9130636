package schema

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/serialization"
)

type orderLine struct {
	SKU      string `json:"sku"`
	Quantity uint   `json:"quantity"`
}

type placeOrder struct {
	ID       string      `json:"id"`
	Customer string      `json:"customer"`
	Lines    []orderLine `json:"lines"`
	Note     string      `json:"note,omitempty"`
	Placed   time.Time   `json:"placed"`
	Internal string      `json:"-"`
	Coupon   *string     `json:"coupon"`
}

func (placeOrder) MessageAlias() string { return "orders.place" }

func envelopeFor(t *testing.T, messageType string, body any) *contracts.Envelope {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return &contracts.Envelope{ID: "1", MessageType: messageType, Data: data, ContentType: serialization.ContentTypeJSON}
}

func intPtr(n int) *int { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestGenerate(t *testing.T) {
	s, err := Generate("orders.place", placeOrder{})
	require.NoError(t, err)

	assert.Equal(t, "object", s.Type)
	assert.ElementsMatch(t, []string{"id", "customer", "lines", "placed"}, s.Required)
	assert.NotContains(t, s.Properties, "Internal")
	assert.Equal(t, "date-time", s.Properties["placed"].Format)
	assert.Equal(t, "array", s.Properties["lines"].Type)

	line := s.Properties["lines"].Items
	require.NotNil(t, line)
	assert.Equal(t, "integer", line.Properties["quantity"].Type)
	assert.Equal(t, 0.0, *line.Properties["quantity"].Minimum)

	_, err = Generate("x", 42)
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestValidator(t *testing.T) {
	ctx := context.Background()
	v := NewValidator(WithTypes(serialization.NewTypeRegistry()))
	require.NoError(t, v.RegisterMessage(placeOrder{}))

	valid := map[string]any{
		"id":       "o-1",
		"customer": "c-1",
		"lines":    []map[string]any{{"sku": "A", "quantity": 2}},
		"placed":   time.Now().UTC().Format(time.RFC3339Nano),
	}

	t.Run("a valid body passes", func(t *testing.T) {
		assert.NoError(t, v.Validate(ctx, envelopeFor(t, "orders.place", valid)))
	})

	t.Run("missing fields and wrong types are reported together", func(t *testing.T) {
		body := map[string]any{
			"id":     "o-1",
			"lines":  []map[string]any{{"sku": "A", "quantity": -1}},
			"placed": "yesterday",
		}
		err := v.Validate(ctx, envelopeFor(t, "orders.place", body))
		require.ErrorIs(t, err, ErrValidationFailed)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		codes := map[string]string{}
		for _, fe := range verr.Errors {
			codes[fe.Field] = fe.Code
		}
		assert.Equal(t, "REQUIRED_FIELD_MISSING", codes["customer"])
		assert.Equal(t, "MINIMUM_VIOLATION", codes["lines[0].quantity"])
		assert.Equal(t, "FORMAT_VIOLATION", codes["placed"])
	})

	t.Run("types without a schema pass", func(t *testing.T) {
		assert.NoError(t, v.Validate(ctx, envelopeFor(t, "other", map[string]any{})))
	})

	t.Run("bodies that are not JSON pass", func(t *testing.T) {
		env := envelopeFor(t, "orders.place", map[string]any{})
		env.ContentType = "application/x-protobuf"
		assert.NoError(t, v.Validate(ctx, env))
	})

	t.Run("a body that is not an object fails", func(t *testing.T) {
		env := &contracts.Envelope{MessageType: "orders.place", Data: []byte(`[1,2]`)}
		assert.ErrorIs(t, v.Validate(ctx, env), ErrValidationFailed)
	})
}

func TestPropertyConstraints(t *testing.T) {
	ctx := context.Background()
	v := NewValidator()
	require.NoError(t, v.RegisterSchema("customer.register", &Schema{
		Type:     "object",
		Required: []string{"email"},
		Properties: map[string]*PropertyDef{
			"email":   {Type: "string", Format: "email"},
			"id":      {Type: "string", Format: "uuid"},
			"code":    {Type: "string", Pattern: `^[A-Z]+$`, MinLength: intPtr(3), MaxLength: intPtr(3)},
			"age":     {Type: "integer", Minimum: floatPtr(18), Maximum: floatPtr(130)},
			"tier":    {Type: "string", Enum: []any{"gold", "silver"}},
			"level":   {Type: "integer", Enum: []any{1, 2}},
			"site":    {Type: "string", Format: "uri"},
			"born":    {Type: "string", Format: "date"},
			"address": {Type: "object", Required: []string{"city"}},
		},
		Rules: []Rule{RuleFunc(func(ctx context.Context, body map[string]any) *FieldError {
			if body["tier"] == "gold" && body["age"] == nil {
				return &FieldError{Field: "age", Code: "GOLD_NEEDS_AGE", Message: "gold customers need an age"}
			}
			return nil
		})},
	}))

	tests := []struct {
		name  string
		body  map[string]any
		field string
		code  string
	}{
		{"bad email", map[string]any{"email": "nope"}, "email", "FORMAT_VIOLATION"},
		{"bad uuid", map[string]any{"email": "a@b.io", "id": "123"}, "id", "FORMAT_VIOLATION"},
		{"pattern", map[string]any{"email": "a@b.io", "code": "abc"}, "code", "PATTERN_VIOLATION"},
		{"too short", map[string]any{"email": "a@b.io", "code": "AB"}, "code", "MIN_LENGTH_VIOLATION"},
		{"too young", map[string]any{"email": "a@b.io", "age": 12}, "age", "MINIMUM_VIOLATION"},
		{"too old", map[string]any{"email": "a@b.io", "age": 200}, "age", "MAXIMUM_VIOLATION"},
		{"not an integer", map[string]any{"email": "a@b.io", "age": 20.5}, "age", "TYPE_MISMATCH"},
		{"enum", map[string]any{"email": "a@b.io", "tier": "bronze"}, "tier", "ENUM_VIOLATION"},
		{"numeric enum", map[string]any{"email": "a@b.io", "level": 3}, "level", "ENUM_VIOLATION"},
		{"relative uri", map[string]any{"email": "a@b.io", "site": "example.com"}, "site", "FORMAT_VIOLATION"},
		{"bad date", map[string]any{"email": "a@b.io", "born": "01/02/2000"}, "born", "FORMAT_VIOLATION"},
		{"nested required", map[string]any{"email": "a@b.io", "address": map[string]any{}}, "address.city", "REQUIRED_FIELD_MISSING"},
		{"rule", map[string]any{"email": "a@b.io", "tier": "gold"}, "age", "GOLD_NEEDS_AGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(ctx, envelopeFor(t, "customer.register", tt.body))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
			require.Len(t, verr.Errors, 1)
			assert.Equal(t, tt.field, verr.Errors[0].Field)
			assert.Equal(t, tt.code, verr.Errors[0].Code)
		})
	}

	t.Run("a valid customer passes", func(t *testing.T) {
		body := map[string]any{
			"email":   "a@b.io",
			"id":      "7f1c2a9e-1d2b-4c3d-8e4f-5a6b7c8d9e0f",
			"code":    "ABC",
			"age":     30,
			"tier":    "gold",
			"level":   2,
			"site":    "https://example.com",
			"born":    "1990-04-01",
			"address": map[string]any{"city": "Oslo"},
		}
		assert.NoError(t, v.Validate(ctx, envelopeFor(t, "customer.register", body)))
	})
}

func TestRegisterSchema(t *testing.T) {
	v := NewValidator()
	assert.ErrorIs(t, v.RegisterSchema("", &Schema{}), ErrInvalidSchema)
	assert.ErrorIs(t, v.RegisterSchema("x", nil), ErrInvalidSchema)
	assert.ErrorIs(t, v.RegisterSchema("x", &Schema{
		Properties: map[string]*PropertyDef{"a": {Pattern: "("}},
	}), ErrInvalidSchema)

	_, ok := v.Schema("x")
	assert.False(t, ok)
}
