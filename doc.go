// Package conductor is a durable workflow orchestration engine for Go.
//
// A workflow definition is an ordered plan of steps. Each step dispatches
// one or more units of work (jobs) to an external queue and the engine is
// told about their outcomes later through callbacks. The engine persists
// every workflow instance, step run, job record and compensation run, and
// advances a workflow only while holding that workflow's evaluation lock,
// so completion signals may arrive concurrently and more than once.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(pgStore),
//	    engine.WithRegistry(definitions),
//	    engine.WithJobDispatcher(queue),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//	wf, err := eng.StartWorkflow(ctx, "order-fulfilment", 0, input)
//
// # Architecture
//
// Each subsystem (workflow, step, job, compensation, resolution, event)
// defines its own store interface and a single backend implements all of
// them. Step and workflow lifecycles are explicit transition tables; an
// illegal transition returns a *TransitionError.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conductor
