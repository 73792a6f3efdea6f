// Package engine is the orchestration core. It wires the subsystem stores,
// the definition registry, the job dispatcher, the middleware chain and the
// extension registry together and exposes every operation that moves a
// workflow forward: Evaluate, the management operations, the job, poll and
// trigger callbacks, saga compensation, failure resolution, retry-from-step
// and the timer entry points driven by the scheduler.
//
// This package exists to break the import cycle: the root conductor package
// defines Entity and the sentinel errors (imported by workflow, step, job,
// etc.) and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
//
// Every operation that mutates a workflow runs under that workflow's
// evaluation lock, a token stored on the workflow record itself. Nested
// operations in the same call chain reuse the held token.
package engine
