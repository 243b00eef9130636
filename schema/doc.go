// Package schema validates the JSON body of envelopes against per message
// type schemas.
//
// Schemas can be written by hand or generated from the Go type of a message.
// A Validator plugs into the bus through interceptors.Validation:
//
//	validator := schema.NewValidator()
//	if err := validator.RegisterMessage(PlaceOrder{}); err != nil {
//		return err
//	}
//	opts.Use(interceptors.Validation(validator))
//
// Envelopes whose type has no schema, or whose body is not JSON, pass.
package schema
