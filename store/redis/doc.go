// Package redis stores step outputs and the workflow event log in Redis.
// Outputs live in one Hash per step with a Set indexing the steps of each
// workflow; events are JSON documents appended to a per-workflow Stream.
//
// The relational aggregates (workflows, step runs, job records,
// compensation runs, decisions) stay in a transactional backend; plug this
// store in with engine.WithOutputStore and engine.WithEventStore.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	rs := redisstore.New(client)
//	if err := rs.Ping(ctx); err != nil { ... }
package redis
