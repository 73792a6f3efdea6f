// Package store defines the aggregate persistence interface. Each
// subsystem (workflow, step, job, compensation, resolution, output, event)
// defines its own store interface. The composite Store composes them all.
// Backends: Postgres and Memory; step outputs and the event log may also
// live in Redis.
package store

import (
	"context"

	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/job"
	"github.com/xraph/conductor/output"
	"github.com/xraph/conductor/resolution"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/workflow"
)

// Store is the aggregate persistence interface.
// A single backend implements every subsystem store.
type Store interface {
	workflow.Store
	step.Store
	job.Store
	compensation.Store
	resolution.Store
	output.Store
	event.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
