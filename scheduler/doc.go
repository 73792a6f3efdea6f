// Package scheduler drives the engine's timer entry points.
//
// A Scheduler holds named tasks, each with a robfig/cron schedule
// expression (standard 5-field cron or descriptors such as "@every 5s").
// A tick loop checks which tasks are due and runs them one at a time, so
// a slow task is never overlapped by its own next run. Tasks receive the
// tick time and report how many items they processed.
//
// Several schedulers may run against the same store: every engine entry
// point a task calls takes the per-workflow evaluation lock, so two
// processes ticking at once never double-apply a timer.
//
// # Usage
//
//	sched, err := scheduler.ForProcessor(eng, cfg.Schedules, logger)
//	if err != nil { ... }
//	sched.Start(ctx)
//	defer sched.Stop(ctx)
package scheduler
