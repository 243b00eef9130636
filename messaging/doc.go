// Package messaging is the runtime root of the bus.
//
// It ties the pieces of the delivery engine together:
//   - HandlerGraph: explicit registration of message aliases to handler closures
//   - HandlerPipeline: the worker-queue pipeline turning handler outcomes into continuations
//   - ReplyWatcher: correlates response envelopes with waiting requests
//   - Bus: send, schedule, invoke, request/reply, ping and recovery
//   - Options: a mutable builder producing the immutable Settings a Bus runs on
//
// Example usage:
//
//	opts := messaging.NewOptions().ServiceName("orders")
//	opts.LocalQueue("orders").Sequential().Subscribe("orders.place")
//
//	err := messaging.Handle(opts.Handlers(), func(ctx context.Context, cmd PlaceOrder) error {
//		return nil
//	})
//
//	settings, err := opts.Build()
//	bus := messaging.NewBus(settings)
//	if err := bus.Start(ctx); err != nil {
//		return err
//	}
//	defer bus.Close(ctx)
//
//	err = bus.Send(ctx, PlaceOrder{ID: "42"})
package messaging
