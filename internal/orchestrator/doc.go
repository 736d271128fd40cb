// Package orchestrator turns persisted schedules into runs.
//
// One goroutine waits for the earliest upcoming instant across all enabled
// schedules, then submits every job attached to a schedule due at that
// instant to the run manager, at most once per job. A second goroutine
// collects finished runs and writes their records. The orchestrator is the
// only writer of run records.
package orchestrator
