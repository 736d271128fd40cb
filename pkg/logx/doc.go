// Package logx is dbflow's zerolog wrapper.
//
// Console output is human-readable with a short caller. The file sink is
// JSON. Records at or above the alert level are rendered by FormatAlert
// and handed to an AlertSender through a bounded, rate-limited queue.
// Job, RunID and Task give run-scoped records consistent keys.
package logx
