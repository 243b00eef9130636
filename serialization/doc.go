// Package serialization provides message type aliasing and content-type keyed
// serializers for the mmate bus.
//
// Message types are registered explicitly with a wire alias:
//
//	types := serialization.NewTypeRegistry()
//	_ = types.Register("orders.placed", OrderPlaced{})
//
//	serializers := serialization.NewDefaultRegistry(types)
//	s, _ := serializers.SerializerFor("application/json; charset=utf-8")
//	data, _ := s.Write(OrderPlaced{ID: "42"})
//	msg, _ := s.Read(data, "orders.placed") // *OrderPlaced
//
// The alias travels with every envelope so receivers can resolve the concrete
// type without sharing the sender's type system.
package serialization
