// Package workflow defines the workflow instance aggregate: one persisted
// record per running process, its lifecycle states and transitions, and
// the evaluation lock that serializes every writer of the instance.
package workflow
