// Package recurrence computes calendar occurrences.
//
// A recurrence is described by (date-rule, time-rule) pairs: the date-rule
// yields an ascending sequence of calendar dates, the time-rule an ascending
// sequence of times-of-day, and a Pair combines them into instants. A Set
// merges several rules, returning the earliest candidate and collapsing ties.
//
// Everything here is pure computation except SleepUntilNext, which blocks on
// a timer and honors context cancellation.
package recurrence
