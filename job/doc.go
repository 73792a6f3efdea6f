// Package job defines job records, the ledger of dispatched units of work
// belonging to a step run, and the contract for handing work to a queue.
//
// # Job Records
//
// A [Record] is created for every unit of work a step run dispatches: one
// for a single step, one per item for a fan-out step and one per poll for
// a polling step. Its state only moves forward:
//
//	dispatched → running → succeeded
//	dispatched → running → failed
//	dispatched → succeeded | failed (completion reported without a start)
//
// A step run is job-complete when every record of the run is terminal.
//
// # Dispatching
//
// The engine never executes business logic. It hands a [Spec] to a
// [Dispatcher] (the application's queue client) and learns the outcome
// later through the engine's job callbacks:
//
//	queue := job.DispatcherFunc(func(ctx context.Context, s *job.Spec, q job.QueueConfig) (string, error) {
//	    return client.Enqueue(ctx, q.Queue, s.Class, s.Args, s.ID.String())
//	})
package job
