// Package queue throttles how fast the engine hands jobs to the job
// queue.
//
// Limits are set per queue name and, optionally, per job class on a queue
// (for example a class that calls a rate-limited downstream API):
//
//	limits := queue.NewManager(
//	    queue.Config{Name: "bulk", RateLimit: 5, RateBurst: 10},
//	    queue.Config{Name: "critical", MaxInFlight: 20},
//	)
//	limits.SetClassConfig(queue.ClassConfig{Queue: "default", Class: "charge_card", RateLimit: 2})
//
//	eng, err := engine.New(..., engine.WithQueueLimits(limits))
//
// Rate limits use a token bucket (golang.org/x/time/rate). MaxInFlight caps
// concurrent submissions, not running jobs: the engine does not see job
// execution. Queues and classes without a config are not limited.
package queue
