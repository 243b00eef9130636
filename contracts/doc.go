// Package contracts defines the Envelope, the unit of transport on the bus.
//
// An Envelope carries a message together with its identity, routing, timing
// and bookkeeping metadata. Envelopes are created for a message, copied for
// every outgoing route and derived for child messages:
//
//	env := contracts.NewEnvelope(&OrderPlaced{ID: "42"})
//	child := env.ForSend(&ShipOrder{OrderID: "42"})   // OriginalID/ParentID chained
//	reply := env.ForResponse(&OrderAccepted{})         // answers env.ReplyURI
//
// An Envelope is owned by one goroutine at a time; handing it to a worker queue
// transfers ownership.
package contracts
