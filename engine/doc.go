// Package engine wires all Loom subsystems together and provides the
// primary application-level API for registering workflows, submitting
// instances, delivering events, and controlling execution.
//
// The engine package exists to break a fundamental import cycle: the
// root loom package defines Entity (imported by workflow, event, etc.)
// and therefore cannot import those packages back. Engine sits above
// all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	h, err := loom.New(
//	    loom.WithStore(pgStore),
//	    loom.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(h,
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Timeout(time.Minute, logger)),
//	)
//
// # Registering and Submitting Workflows
//
//	engine.RegisterWorkflow(eng, ProcessOrder)
//
//	inst, err := engine.Submit(ctx, eng, "process-order", OrderInput{ID: "ord-1"})
//
// # Controlling Instances
//
//	eng.Pause(ctx, inst.ID)
//	eng.Resume(ctx, inst.ID)
//	eng.Terminate(ctx, inst.ID, "operator request")
//	eng.DeliverEvent(ctx, inst.ID, "payment.settled", payload)
//
// # Options
//
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — add a middleware to the step execution chain
//   - [WithClock] — inject a time source (tests, simulations)
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
